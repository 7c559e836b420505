package shapefile

import (
	"errors"
	"io"

	"shapelake/internal/domain"
)

// FeatureReader joins the .shp and .dbf record streams by ordinal position
// into a lazy sequence of Features. The sequence is finite, consumed exactly
// once, and not restartable; the parse pass and the upload pass each build a
// fresh FeatureReader over fresh decoder streams.
type FeatureReader struct {
	shp *Reader
	dbf *DBFReader
	ord int64
}

// NewFeatureReader pairs the two decoders.
func NewFeatureReader(shp *Reader, dbf *DBFReader) *FeatureReader {
	return &FeatureReader{shp: shp, dbf: dbf}
}

// GeometryType is the session-level geometry label from the .shp header.
// Per-record kinds may disagree (Null placeholders); they are preserved on
// each Feature and never folded into this label.
func (fr *FeatureReader) GeometryType() domain.GeometryType {
	return fr.shp.Header().Kind.GeometryType()
}

// Fields exposes the .dbf field descriptors for schema inference.
func (fr *FeatureReader) Fields() []FieldDescriptor { return fr.dbf.Fields() }

// Next returns the next Feature, skipping pairs whose attribute record
// carries the deletion flag (raw ordinals are preserved on survivors). It
// returns io.EOF when both streams are exhausted, and RecordCountMismatch
// when one exhausts before the other.
func (fr *FeatureReader) Next() (*Feature, error) {
	for {
		geom, gerr := fr.shp.Next()
		attr, aerr := fr.dbf.Next()

		gdone := errors.Is(gerr, io.EOF)
		adone := errors.Is(aerr, io.EOF)

		// A decode error beats exhaustion: a corrupt record at the position
		// where the other stream ends is corruption, not a count mismatch.
		if gerr != nil && !gdone {
			return nil, gerr
		}
		if aerr != nil && !adone {
			return nil, aerr
		}

		switch {
		case gdone && adone:
			return nil, io.EOF
		case gdone:
			return nil, domain.ErrRecordCountMismatch(
				"geometry stream exhausted at record %d while attribute records remain", fr.ord)
		case adone:
			return nil, domain.ErrRecordCountMismatch(
				"attribute stream exhausted at record %d while geometry records remain", fr.ord)
		}

		ord := fr.ord
		fr.ord++

		if attr.Deleted {
			continue
		}
		return &Feature{Ordinal: ord, Geometry: geom, Attributes: attr.Values}, nil
	}
}
