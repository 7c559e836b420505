package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shapelake/internal/db"
	"shapelake/internal/db/repository"
	"shapelake/internal/domain"
)

// === synthetic bundle builders ===

func shpFile(shapeType int32, points ...[2]float64) []byte {
	var records []byte
	for i, pt := range points {
		content := make([]byte, 20)
		binary.LittleEndian.PutUint32(content[0:4], uint32(shapeType))
		binary.LittleEndian.PutUint64(content[4:12], math.Float64bits(pt[0]))
		binary.LittleEndian.PutUint64(content[12:20], math.Float64bits(pt[1]))

		rec := make([]byte, 8)
		binary.BigEndian.PutUint32(rec[0:4], uint32(i+1))
		binary.BigEndian.PutUint32(rec[4:8], uint32(len(content)/2))
		records = append(records, rec...)
		records = append(records, content...)
	}

	buf := make([]byte, 100)
	binary.BigEndian.PutUint32(buf[0:4], 9994)
	binary.BigEndian.PutUint32(buf[24:28], uint32((100+len(records))/2))
	binary.LittleEndian.PutUint32(buf[28:32], 1000)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(shapeType))
	return append(buf, records...)
}

func shxFile() []byte {
	buf := make([]byte, 100)
	binary.BigEndian.PutUint32(buf[0:4], 9994)
	binary.BigEndian.PutUint32(buf[24:28], 50)
	binary.LittleEndian.PutUint32(buf[28:32], 1000)
	binary.LittleEndian.PutUint32(buf[32:36], 1)
	return buf
}

// dbfFile builds a .dbf with a single 3-wide numeric ID field.
func dbfFile(ids ...string) []byte {
	buf := make([]byte, 32)
	buf[0] = 0x03
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(ids)))
	binary.LittleEndian.PutUint16(buf[8:10], 32+32+1)
	binary.LittleEndian.PutUint16(buf[10:12], 4)

	desc := make([]byte, 32)
	copy(desc[0:11], "ID")
	desc[11] = 'N'
	desc[16] = 3
	buf = append(buf, desc...)
	buf = append(buf, 0x0D)

	for _, id := range ids {
		buf = append(buf, ' ')
		buf = append(buf, fmt.Sprintf("%3s", id)...)
	}
	return append(buf, 0x1A)
}

// === fakes ===

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (m *memStore) Put(_ context.Context, ref string, r io.Reader) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	m.data[ref] = b
	m.mu.Unlock()
	return int64(len(b)), nil
}

func (m *memStore) Get(_ context.Context, ref string) (io.ReadCloser, error) {
	m.mu.Lock()
	b, ok := m.data[ref]
	m.mu.Unlock()
	if !ok {
		return nil, &domain.MissingComponentError{Ref: ref}
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	delete(m.data, ref)
	m.mu.Unlock()
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

type fakeSink struct {
	mu      sync.Mutex
	tables  []string
	batches [][]domain.Row

	// failAt fails the batch with this zero-based index; transientLeft > 0
	// makes the failures transient and decrements per call.
	failAt        int
	transientLeft int
}

func newFakeSink() *fakeSink {
	return &fakeSink{failAt: -1}
}

func (f *fakeSink) EnsureTable(_ context.Context, table string, _ []domain.SchemaField) error {
	f.mu.Lock()
	f.tables = append(f.tables, table)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) InsertBatch(_ context.Context, _ string, _ []domain.SchemaField, rows []domain.Row) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAt == len(f.batches) {
		if f.transientLeft > 0 {
			f.transientLeft--
			if f.transientLeft == 0 {
				f.failAt = -1 // recover after the transient failures
			}
			return 0, domain.ErrSinkTransient(nil, "sink hiccup")
		}
		return 0, domain.ErrSinkPermanent(nil, "type mismatch")
	}
	f.batches = append(f.batches, rows)
	return len(rows), nil
}

func (f *fakeSink) batchSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, len(f.batches))
	for i, b := range f.batches {
		sizes[i] = len(b)
	}
	return sizes
}

// gateSink commits the first batch normally, then blocks inside the second
// InsertBatch until the pass context is cancelled. entered is closed when the
// second batch arrives, i.e. once batch 1 is fully committed.
type gateSink struct {
	fakeSink
	entered chan struct{}
}

func newGateSink() *gateSink {
	return &gateSink{fakeSink: fakeSink{failAt: -1}, entered: make(chan struct{})}
}

func (g *gateSink) InsertBatch(ctx context.Context, table string, schema []domain.SchemaField, rows []domain.Row) (int, error) {
	g.mu.Lock()
	committed := len(g.batches)
	g.mu.Unlock()
	if committed == 1 {
		close(g.entered)
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return g.fakeSink.InsertBatch(ctx, table, schema, rows)
}

// === harness ===

type harness struct {
	svc   *Service
	store *memStore
	sink  *fakeSink
	repo  *repository.SessionRepo
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	writeDB, readDB := db.OpenTestSQLite(t)
	repo := repository.NewSessionRepo(writeDB, readDB)
	store := newMemStore()
	sink := newFakeSink()
	svc := NewService(repo, store, sink, slog.New(slog.DiscardHandler), Config{
		BatchSize:   2,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	return &harness{svc: svc, store: store, sink: sink, repo: repo}
}

// stageBundle creates a session with a 3-point bundle staged.
func (h *harness) stageBundle(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	sess, err := h.svc.Create(ctx)
	require.NoError(t, err)

	shp := shpFile(1, [2]float64{1, 1}, [2]float64{2, 2}, [2]float64{3, 3})
	dbf := dbfFile("1", "2", "3")

	_, err = h.svc.AddComponent(ctx, sess.ID, domain.ComponentSHP, bytes.NewReader(shp))
	require.NoError(t, err)
	_, err = h.svc.AddComponent(ctx, sess.ID, domain.ComponentSHX, bytes.NewReader(shxFile()))
	require.NoError(t, err)
	_, err = h.svc.AddComponent(ctx, sess.ID, domain.ComponentDBF, bytes.NewReader(dbf))
	require.NoError(t, err)
	return sess.ID
}

// === tests ===

func TestFullIngestionPipeline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)

	_, err := h.svc.AddComponent(ctx, id, domain.ComponentPRJ,
		strings.NewReader(`GEOGCS["WGS 84"]`))
	require.NoError(t, err)

	require.NoError(t, h.svc.Parse(ctx, id))

	sess, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusParsed, sess.Status)
	assert.Equal(t, int64(3), sess.TotalFeatures)
	assert.Equal(t, domain.GeometryPoint, sess.GeometryType)
	assert.Equal(t, domain.SchemaAuto, sess.SchemaSource)
	assert.Equal(t, `GEOGCS["WGS 84"]`, sess.CRS)
	require.Len(t, sess.Schema, 2)
	assert.Equal(t, "id", sess.Schema[0].Name)
	assert.Equal(t, domain.FieldInteger, sess.Schema[0].Type)
	assert.Equal(t, domain.FieldGeometry, sess.Schema[1].Type)

	require.NoError(t, h.svc.SetDestination(ctx, id, domain.DestinationConfig{Table: "cities"}))
	require.NoError(t, h.svc.Upload(ctx, id))

	sess, err = h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, sess.Status)
	assert.Equal(t, int64(3), sess.ProcessedFeatures)

	assert.Equal(t, []string{"cities"}, h.sink.tables)
	assert.Equal(t, []int{2, 1}, h.sink.batchSizes(), "batch size 2 over 3 features")

	first := h.sink.batches[0][0]
	require.Len(t, first, 2)
	assert.Equal(t, int64(1), first[0])
	assert.Equal(t, "POINT (1 1)", first[1])
}

func TestParseRequiresCompleteBundle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.svc.Create(ctx)
	require.NoError(t, err)

	err = h.svc.Parse(ctx, sess.ID)
	var missing *domain.MissingComponentError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, domain.ComponentSHP, missing.Kind)

	got, err := h.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "failed precondition leaves the session pending")
}

func TestParseLosesStatusRace(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)

	won, err := h.repo.CompareAndSwapStatus(ctx, id, domain.StatusPending, domain.StatusParsing)
	require.NoError(t, err)
	require.True(t, won)

	err = h.svc.Parse(ctx, id)
	var busy *domain.SessionBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, domain.StatusParsing, busy.Status)
}

func TestParseFailsSessionOnDecodeError(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sess, err := h.svc.Create(ctx)
	require.NoError(t, err)

	// Mismatched record counts: 2 geometries, 1 attribute row.
	shp := shpFile(1, [2]float64{1, 1}, [2]float64{2, 2})
	_, err = h.svc.AddComponent(ctx, sess.ID, domain.ComponentSHP, bytes.NewReader(shp))
	require.NoError(t, err)
	_, err = h.svc.AddComponent(ctx, sess.ID, domain.ComponentSHX, bytes.NewReader(shxFile()))
	require.NoError(t, err)
	_, err = h.svc.AddComponent(ctx, sess.ID, domain.ComponentDBF, bytes.NewReader(dbfFile("1")))
	require.NoError(t, err)

	err = h.svc.Parse(ctx, sess.ID)
	var mismatch *domain.RecordCountMismatchError
	require.ErrorAs(t, err, &mismatch)

	got, err := h.svc.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, domain.ErrorKindRecordCountMismatch, got.ErrorKind)
	assert.NotEmpty(t, got.ErrorMessage)
}

func TestParseAppliesManualSchema(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)

	require.NoError(t, h.svc.SetManualSchema(ctx, id, []domain.SchemaField{
		{Name: "ident", SourceField: "ID", Type: domain.FieldText, Nullable: true},
	}))
	require.NoError(t, h.svc.Parse(ctx, id))

	sess, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SchemaManual, sess.SchemaSource)
	require.Len(t, sess.Schema, 2)
	assert.Equal(t, "ident", sess.Schema[0].Name)
	assert.Equal(t, domain.FieldText, sess.Schema[0].Type)
}

func TestParseManualSchemaConflictFailsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)

	require.NoError(t, h.svc.SetManualSchema(ctx, id, []domain.SchemaField{
		{Name: "height", SourceField: "ELEV", Type: domain.FieldFloat},
	}))

	err := h.svc.Parse(ctx, id)
	var conflict *domain.SchemaConflictError
	require.ErrorAs(t, err, &conflict)

	sess, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, sess.Status)
	assert.Equal(t, domain.ErrorKindSchemaConflict, sess.ErrorKind)
}

func TestUploadRequiresDestination(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)
	require.NoError(t, h.svc.Parse(ctx, id))

	err := h.svc.Upload(ctx, id)
	var validation *domain.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestUploadRetriesTransientSinkErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)
	require.NoError(t, h.svc.Parse(ctx, id))
	require.NoError(t, h.svc.SetDestination(ctx, id, domain.DestinationConfig{Table: "cities"}))

	h.sink.failAt = 1
	h.sink.transientLeft = 2

	require.NoError(t, h.svc.Upload(ctx, id))

	sess, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, sess.Status)
	assert.Equal(t, []int{2, 1}, h.sink.batchSizes())
}

func TestUploadPermanentSinkErrorRecordsOffset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)
	require.NoError(t, h.svc.Parse(ctx, id))
	require.NoError(t, h.svc.SetDestination(ctx, id, domain.DestinationConfig{Table: "cities"}))

	h.sink.failAt = 1 // first batch commits, second fails permanently

	err := h.svc.Upload(ctx, id)
	var sinkErr *domain.SinkError
	require.ErrorAs(t, err, &sinkErr)
	assert.False(t, sinkErr.Transient)

	sess, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, sess.Status)
	assert.Equal(t, domain.ErrorKindSinkPermanent, sess.ErrorKind)
	assert.Equal(t, int64(2), sess.ProcessedFeatures, "progress reflects only committed batches")
	require.NotNil(t, sess.FailedOffset)
	assert.Equal(t, int64(2), *sess.FailedOffset)
}

func TestUploadExhaustsTransientRetries(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)
	require.NoError(t, h.svc.Parse(ctx, id))
	require.NoError(t, h.svc.SetDestination(ctx, id, domain.DestinationConfig{Table: "cities"}))

	h.sink.failAt = 0
	h.sink.transientLeft = 100 // never recovers within the attempt budget

	err := h.svc.Upload(ctx, id)
	require.Error(t, err)

	sess, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, sess.Status)
	assert.Equal(t, domain.ErrorKindSinkTransient, sess.ErrorKind)
	require.NotNil(t, sess.FailedOffset)
	assert.Equal(t, int64(0), *sess.FailedOffset)
}

func TestAddComponentRejectedAfterParse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)
	require.NoError(t, h.svc.Parse(ctx, id))

	_, err := h.svc.AddComponent(ctx, id, domain.ComponentPRJ, strings.NewReader("x"))
	var busy *domain.SessionBusyError
	assert.ErrorAs(t, err, &busy)
}

func TestCancelWithoutActivePass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)

	err := h.svc.Cancel(ctx, id)
	var conflict *domain.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestCancelDuringUploadPass(t *testing.T) {
	writeDB, readDB := db.OpenTestSQLite(t)
	repo := repository.NewSessionRepo(writeDB, readDB)
	store := newMemStore()
	sink := newGateSink()
	svc := NewService(repo, store, sink, slog.New(slog.DiscardHandler), Config{
		BatchSize:   2,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
	})
	h := &harness{svc: svc, store: store, repo: repo}
	ctx := context.Background()

	id := h.stageBundle(t)
	require.NoError(t, svc.Parse(ctx, id))
	require.NoError(t, svc.SetDestination(ctx, id, domain.DestinationConfig{Table: "cities"}))

	require.NoError(t, svc.StartUpload(ctx, id))

	// Batch 1 (2 features) is committed once the sink is blocking inside
	// batch 2.
	select {
	case <-sink.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("upload pass never reached the second batch")
	}
	require.NoError(t, svc.Cancel(ctx, id))

	sess := waitForTerminal(t, svc, id)
	assert.Equal(t, domain.StatusFailed, sess.Status)
	assert.Equal(t, domain.ErrorKindCancelled, sess.ErrorKind)
	assert.Equal(t, int64(2), sess.ProcessedFeatures, "the committed batch survives cancellation")
	require.NotNil(t, sess.FailedOffset)
	assert.Equal(t, int64(2), *sess.FailedOffset)
	assert.Equal(t, []int{2}, sink.batchSizes(), "only batch 1 reached the sink")
}

func TestParseRejectedWhenAlreadyParsed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)
	require.NoError(t, h.svc.Parse(ctx, id))

	err := h.svc.Parse(ctx, id)
	var busy *domain.SessionBusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, domain.StatusParsed, busy.Status)

	sess, err := h.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusParsed, sess.Status, "the rejected trigger leaves the result intact")
	assert.Equal(t, int64(3), sess.TotalFeatures)
}

// waitForTerminal polls until the session reaches completed or failed.
func waitForTerminal(t *testing.T, svc *Service, id string) *domain.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := svc.Get(context.Background(), id)
		require.NoError(t, err)
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never reached a terminal status")
	return nil
}

func TestDeleteRemovesComponents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)
	require.Equal(t, 3, h.store.len())

	require.NoError(t, h.svc.Delete(ctx, id))
	assert.Zero(t, h.store.len())

	_, err := h.svc.Get(ctx, id)
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestRetentionSweepDeletesExpiredSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.stageBundle(t)
	require.NoError(t, h.repo.SetFailure(ctx, id, domain.ErrorKindInternal, "boom", nil))
	active := h.stageBundle(t)

	// A negative TTL puts the cutoff in the future, expiring every terminal
	// session immediately.
	sweeper := NewRetentionSweeper(h.svc, -time.Hour, slog.New(slog.DiscardHandler))
	sweeper.Sweep(ctx)

	_, err := h.svc.Get(ctx, id)
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	got, err := h.svc.Get(ctx, active)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 3, h.store.len(), "the live session's components survive")
}
