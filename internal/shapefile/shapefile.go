// Package shapefile implements streaming decoders for the ESRI Shapefile
// component formats (.shp geometry, .dbf attributes, .shx index header) and
// the positional assembler that joins them into a single feature stream.
//
// Both decoders read in a single forward pass with no seeking beyond the
// header, so feature streaming never requires a whole file to be
// memory-resident. The streams are finite and non-restartable; re-parsing is
// re-instantiating both readers from byte offset zero.
package shapefile

import "shapelake/internal/domain"

// GeometryKind is the per-record geometry tag. It may disagree with the
// session-level label from the .shp header (e.g. a Null placeholder inside a
// Point file); both are preserved and never reconciled.
type GeometryKind string

// Per-record geometry kinds.
const (
	KindNull       GeometryKind = "null"
	KindPoint      GeometryKind = "point"
	KindPolyLine   GeometryKind = "polyline"
	KindPolygon    GeometryKind = "polygon"
	KindMultipoint GeometryKind = "multipoint"
)

// GeometryType converts a record kind to the session-level label type.
func (k GeometryKind) GeometryType() domain.GeometryType {
	switch k {
	case KindPoint:
		return domain.GeometryPoint
	case KindPolyLine:
		return domain.GeometryPolyLine
	case KindPolygon:
		return domain.GeometryPolygon
	case KindMultipoint:
		return domain.GeometryMultipoint
	default:
		return domain.GeometryNone
	}
}

// Coord is one coordinate tuple. Z and M are meaningful only when the owning
// record's HasZ/HasM flags are set.
type Coord struct {
	X, Y, Z, M float64
}

// GeometryRecord is one decoded shape.
//
// Invariant: Parts offsets are strictly increasing and within Coords bounds;
// a Null-kind record carries no coordinates.
type GeometryRecord struct {
	// Number is the 1-based record number from the file.
	Number int32
	Kind   GeometryKind
	HasZ   bool
	HasM   bool
	// Parts holds the starting coordinate index of each ring/part for
	// multi-part kinds.
	Parts  []int32
	Coords []Coord
	// Box is minX, minY, maxX, maxY for non-point kinds.
	Box [4]float64
}

// AttributeRecord is one decoded .dbf row. Values maps field name to a typed
// scalar: string, int64, float64, time.Time, bool, or nil for null.
type AttributeRecord struct {
	// Deleted is the dBASE deletion flag. Deleted records stay in the raw
	// stream so positions keep aligning with .shp records; the assembler
	// excludes the pair from the feature stream.
	Deleted bool
	Values  map[string]any
}

// Feature is the atomic unit of ingestion: one geometry record paired with
// its positionally-matched attribute record.
type Feature struct {
	// Ordinal is the zero-based position in the original file triplet. It is
	// the raw record position, so it is preserved even when deleted pairs are
	// skipped.
	Ordinal    int64
	Geometry   *GeometryRecord
	Attributes map[string]any
}
