// Package ingest implements the shapefile ingestion session service: bundle
// staging, the parse pass, and the batched upload pass into the destination
// sink.
package ingest

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"shapelake/internal/domain"
	"shapelake/internal/store"
)

// maxCRSBytes bounds how much of a .prj component is captured as the
// session's CRS text.
const maxCRSBytes = 1 << 16

// Config tunes the upload pass.
type Config struct {
	// BatchSize is the default feature batch size; a session's destination
	// config may override it.
	BatchSize int
	// MaxAttempts is how many times a transiently failing batch is tried.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per attempt.
	BackoffBase time.Duration
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
}

// Service orchestrates ingestion sessions. Parse and Upload run synchronously
// in the calling goroutine; the HTTP layer dispatches them asynchronously.
// Cancellation is cooperative via a per-session cancel registry.
type Service struct {
	sessions domain.SessionRepository
	store    domain.ComponentStore
	sink     domain.Sink
	logger   *slog.Logger
	cfg      Config

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// NewService creates the ingestion service.
func NewService(
	sessions domain.SessionRepository,
	componentStore domain.ComponentStore,
	sink domain.Sink,
	logger *slog.Logger,
	cfg Config,
) *Service {
	cfg.applyDefaults()
	return &Service{
		sessions: sessions,
		store:    componentStore,
		sink:     sink,
		logger:   logger.With("component", "ingest-service"),
		cfg:      cfg,
		active:   make(map[string]context.CancelFunc),
	}
}

// Create starts a new pending session.
func (s *Service) Create(ctx context.Context) (*domain.Session, error) {
	now := time.Now().UTC()
	sess := &domain.Session{
		ID:        domain.NewID(),
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.logger.Info("session created", "session_id", sess.ID)
	return sess, nil
}

// Get returns the session aggregate.
func (s *Service) Get(ctx context.Context, id string) (*domain.Session, error) {
	return s.sessions.Get(ctx, id)
}

// Delete cancels any active pass, removes staged components, and deletes the
// session row.
func (s *Service) Delete(ctx context.Context, id string) error {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}

	s.cancelIfActive(id)

	for _, c := range sess.Components {
		if err := s.store.Delete(ctx, c.StorageRef); err != nil {
			return err
		}
	}
	if err := s.sessions.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("session deleted", "session_id", id)
	return nil
}

// AddComponent stages one bundle file. Components may only be added while the
// session is pending; re-uploading a kind replaces the previous bytes. The
// optional .prj component's text is additionally captured as the session CRS,
// passed through opaquely.
func (s *Service) AddComponent(ctx context.Context, id string, kind domain.ComponentKind, r io.Reader) (*domain.ShapefileComponent, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sess.Status != domain.StatusPending {
		return nil, &domain.SessionBusyError{SessionID: id, Status: sess.Status}
	}

	var crs bytes.Buffer
	if kind == domain.ComponentPRJ {
		r = io.TeeReader(r, limitedWriter{&crs})
	}

	ref := store.ComponentRef(id, kind)
	n, err := s.store.Put(ctx, ref, r)
	if err != nil {
		return nil, err
	}

	comp := &domain.ShapefileComponent{
		SessionID:  id,
		Kind:       kind,
		ByteSize:   n,
		StorageRef: ref,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.sessions.AddComponent(ctx, comp); err != nil {
		return nil, err
	}
	if kind == domain.ComponentPRJ {
		if err := s.sessions.SetCRS(ctx, id, strings.TrimSpace(crs.String())); err != nil {
			return nil, err
		}
	}
	s.logger.Info("component staged",
		"session_id", id, "kind", kind, "bytes", n)
	return comp, nil
}

// SetManualSchema stores a caller-supplied schema for the session. It is
// validated against the bundle's declared fields during the parse pass, not
// here, because field descriptors only exist once the .dbf is decoded.
func (s *Service) SetManualSchema(ctx context.Context, id string, fields []domain.SchemaField) error {
	if len(fields) == 0 {
		return domain.ErrValidation("manual schema must declare at least one field")
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusPending {
		return &domain.SessionBusyError{SessionID: id, Status: sess.Status}
	}
	return s.sessions.SetSchema(ctx, id, domain.SchemaManual, fields)
}

// SetDestination configures the sink table for the session.
func (s *Service) SetDestination(ctx context.Context, id string, dest domain.DestinationConfig) error {
	if dest.Table == "" {
		return domain.ErrValidation("destination table is required")
	}
	if dest.BatchSize < 0 {
		return domain.ErrValidation("batch size must not be negative")
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	switch sess.Status {
	case domain.StatusPending, domain.StatusParsed:
		return s.sessions.SetDestination(ctx, id, dest)
	default:
		return &domain.SessionBusyError{SessionID: id, Status: sess.Status}
	}
}

// Cancel requests cooperative cancellation of the session's active pass. The
// pass observes the signal at its next record or batch boundary.
func (s *Service) Cancel(ctx context.Context, id string) error {
	if s.cancelIfActive(id) {
		s.logger.Info("cancellation requested", "session_id", id)
		return nil
	}
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	return domain.ErrConflict("session %s is %s; there is no active pass to cancel", id, sess.Status)
}

// track registers a cancel func for an active pass and returns the derived
// context the pass must run under.
func (s *Service) track(ctx context.Context, id string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.active[id] = cancel
	s.mu.Unlock()

	return runCtx, func() {
		s.mu.Lock()
		delete(s.active, id)
		s.mu.Unlock()
		cancel()
	}
}

func (s *Service) cancelIfActive(id string) bool {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// fail records a failed pass on the session, preserving the error message
// verbatim.
func (s *Service) fail(ctx context.Context, id string, err error, failedOffset *int64) {
	kind := domain.ErrorKindOf(err)
	if serr := s.sessions.SetFailure(ctx, id, kind, err.Error(), failedOffset); serr != nil {
		s.logger.Error("recording session failure failed",
			"session_id", id, "error", serr)
	}
	s.logger.Warn("session failed",
		"session_id", id, "error_kind", kind, "error", err)
}

// limitedWriter drops bytes past maxCRSBytes so a mislabeled large upload
// cannot balloon the session row.
type limitedWriter struct {
	buf *bytes.Buffer
}

func (w limitedWriter) Write(p []byte) (int, error) {
	if room := maxCRSBytes - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}
