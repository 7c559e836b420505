package shapefile

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shapelake/internal/domain"
)

func newTestFeatureReader(t *testing.T, shp, dbf []byte) *FeatureReader {
	t.Helper()
	shpR, err := NewReader(bytes.NewReader(shp), int64(len(shp)))
	require.NoError(t, err)
	dbfR, err := NewDBFReader(bytes.NewReader(dbf))
	require.NoError(t, err)
	return NewFeatureReader(shpR, dbfR)
}

func TestFeatureReaderZipsStreams(t *testing.T) {
	shp := shpFile(shapePoint,
		shpRecord(1, pointContent(1, 1)),
		shpRecord(2, pointContent(2, 2)),
	)
	dbf := dbfFile([]dbfField{{name: "ID", typ: 'N', length: 3}}, []string{"  1", "  2"})

	fr := newTestFeatureReader(t, shp, dbf)
	assert.Equal(t, domain.GeometryPoint, fr.GeometryType())
	require.Len(t, fr.Fields(), 1)

	feat, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(0), feat.Ordinal)
	assert.Equal(t, 1.0, feat.Geometry.Coords[0].X)
	assert.Equal(t, int64(1), feat.Attributes["ID"])

	feat, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(1), feat.Ordinal)

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFeatureReaderSkipsDeletedPairs(t *testing.T) {
	shp := shpFile(shapePoint,
		shpRecord(1, pointContent(1, 1)),
		shpRecord(2, pointContent(2, 2)),
		shpRecord(3, pointContent(3, 3)),
	)
	dbf := dbfFile([]dbfField{{name: "ID", typ: 'N', length: 3}},
		[]string{"  1", "  2", "  3"}, 1)

	fr := newTestFeatureReader(t, shp, dbf)

	feat, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(0), feat.Ordinal)

	// The deleted pair at position 1 vanishes from the stream, but the raw
	// ordinal of the survivor is preserved.
	feat, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(2), feat.Ordinal)
	assert.Equal(t, int64(3), feat.Attributes["ID"])

	_, err = fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFeatureReaderDecodeErrorBeatsExhaustion(t *testing.T) {
	// The second geometry record is cut short at the position where the
	// attribute stream ends cleanly. The decoder's truncation error must
	// surface, not a count mismatch claiming records remain.
	shp := shpFile(shapePoint,
		shpRecord(1, pointContent(1, 1)),
		shpRecord(2, pointContent(2, 2)),
	)
	shp = shp[:len(shp)-6]
	dbf := dbfFile([]dbfField{{name: "ID", typ: 'N', length: 3}}, []string{"  1"})

	// Size -1 skips the declared-length header check so the cut is hit
	// mid-record.
	shpR, err := NewReader(bytes.NewReader(shp), -1)
	require.NoError(t, err)
	dbfR, err := NewDBFReader(bytes.NewReader(dbf))
	require.NoError(t, err)
	fr := NewFeatureReader(shpR, dbfR)

	_, err = fr.Next()
	require.NoError(t, err)

	_, err = fr.Next()
	var truncated *domain.TruncatedRecordError
	require.ErrorAs(t, err, &truncated)
	assert.Equal(t, domain.ComponentSHP, truncated.Kind)
}

func TestFeatureReaderRecordCountMismatch(t *testing.T) {
	t.Run("attributes exhaust first", func(t *testing.T) {
		shp := shpFile(shapePoint,
			shpRecord(1, pointContent(1, 1)),
			shpRecord(2, pointContent(2, 2)),
		)
		dbf := dbfFile([]dbfField{{name: "ID", typ: 'N', length: 3}}, []string{"  1"})

		fr := newTestFeatureReader(t, shp, dbf)
		_, err := fr.Next()
		require.NoError(t, err)
		_, err = fr.Next()
		var mismatch *domain.RecordCountMismatchError
		assert.ErrorAs(t, err, &mismatch)
	})

	t.Run("geometries exhaust first", func(t *testing.T) {
		shp := shpFile(shapePoint, shpRecord(1, pointContent(1, 1)))
		dbf := dbfFile([]dbfField{{name: "ID", typ: 'N', length: 3}}, []string{"  1", "  2"})

		fr := newTestFeatureReader(t, shp, dbf)
		_, err := fr.Next()
		require.NoError(t, err)
		_, err = fr.Next()
		var mismatch *domain.RecordCountMismatchError
		assert.ErrorAs(t, err, &mismatch)
	})
}
