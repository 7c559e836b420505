package domain

import (
	"errors"
	"time"
)

// ComponentKind identifies one file of a shapefile bundle.
type ComponentKind string

// Shapefile bundle component kinds.
const (
	ComponentSHP ComponentKind = "shp"
	ComponentSHX ComponentKind = "shx"
	ComponentDBF ComponentKind = "dbf"
	ComponentPRJ ComponentKind = "prj"
)

// ParseComponentKind validates a component kind string.
func ParseComponentKind(s string) (ComponentKind, error) {
	switch ComponentKind(s) {
	case ComponentSHP, ComponentSHX, ComponentDBF, ComponentPRJ:
		return ComponentKind(s), nil
	default:
		return "", ErrValidation("unknown component kind %q (want shp, shx, dbf, or prj)", s)
	}
}

// RequiredComponents are the bundle components that must be staged before a
// parse pass may start. The .prj projection file is optional.
var RequiredComponents = []ComponentKind{ComponentSHP, ComponentSHX, ComponentDBF}

// ShapefileComponent is one uploaded file belonging to a bundle. Immutable
// once stored; referenced, never owned, by the session aggregate.
type ShapefileComponent struct {
	SessionID  string        `json:"session_id"`
	Kind       ComponentKind `json:"kind"`
	ByteSize   int64         `json:"byte_size"`
	StorageRef string        `json:"storage_ref"`
	CreatedAt  time.Time     `json:"created_at"`
}

// GeometryType is the session-level geometry label derived from the .shp
// header. Individual records may still report a different kind (e.g. Null
// placeholders inside a Point file); the two are never reconciled.
type GeometryType string

// Session-level geometry labels.
const (
	GeometryNone       GeometryType = ""
	GeometryPoint      GeometryType = "point"
	GeometryPolyLine   GeometryType = "polyline"
	GeometryPolygon    GeometryType = "polygon"
	GeometryMultipoint GeometryType = "multipoint"
)

// FieldType is the semantic destination column type.
type FieldType string

// Destination column types.
const (
	FieldText     FieldType = "text"
	FieldInteger  FieldType = "integer"
	FieldFloat    FieldType = "float"
	FieldDate     FieldType = "date"
	FieldBoolean  FieldType = "boolean"
	FieldGeometry FieldType = "geometry"
)

// SchemaSource distinguishes a schema inferred from the bundle from one the
// caller supplied. Manual replaces auto wholesale; it is never merged.
type SchemaSource string

// Schema sources.
const (
	SchemaAuto   SchemaSource = "auto"
	SchemaManual SchemaSource = "manual"
)

// SchemaField is one proposed or confirmed destination column.
type SchemaField struct {
	// Name is the sanitized destination column identifier, unique within the
	// session's schema.
	Name string `json:"name"`
	// SourceField is the originating .dbf field name; empty for the implicit
	// geometry column.
	SourceField string `json:"source_field,omitempty"`
	Type        FieldType `json:"type"`
	Nullable    bool      `json:"nullable"`
	// AutoDetected is false for caller-overridden fields.
	AutoDetected bool `json:"auto_detected"`
}

// DestinationConfig names the sink table for a session and optionally
// overrides the service-wide batch size.
type DestinationConfig struct {
	Table     string `json:"table"`
	BatchSize int    `json:"batch_size,omitempty"`
}

// SessionStatus is the ingestion session lifecycle state.
type SessionStatus string

// Session lifecycle states. No transition skips a state; completed and failed
// are terminal.
const (
	StatusPending   SessionStatus = "pending"
	StatusParsing   SessionStatus = "parsing"
	StatusParsed    SessionStatus = "parsed"
	StatusUploading SessionStatus = "uploading"
	StatusCompleted SessionStatus = "completed"
	StatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Error kinds recorded on failed sessions. These are the session-surface
// names of the error taxonomy; callers inspect session status rather than
// receiving errors across the session boundary.
const (
	ErrorKindMalformedHeader     = "malformed_header"
	ErrorKindUnsupportedGeometry = "unsupported_geometry_type"
	ErrorKindTruncatedRecord     = "truncated_record"
	ErrorKindRecordCountMismatch = "record_count_mismatch"
	ErrorKindMissingComponent    = "missing_component"
	ErrorKindSchemaConflict      = "schema_conflict"
	ErrorKindSinkTransient       = "sink_transient"
	ErrorKindSinkPermanent       = "sink_permanent"
	ErrorKindCancelled           = "cancelled"
	ErrorKindInternal            = "internal"
)

// ErrorKindOf maps an error to its session-surface kind.
func ErrorKindOf(err error) string {
	var (
		malformed  *MalformedHeaderError
		unsupp     *UnsupportedGeometryTypeError
		truncated  *TruncatedRecordError
		mismatch   *RecordCountMismatchError
		missing    *MissingComponentError
		schemaConf *SchemaConflictError
		cancelled  *CancelledError
		sink       *SinkError
	)
	switch {
	case errors.As(err, &malformed):
		return ErrorKindMalformedHeader
	case errors.As(err, &unsupp):
		return ErrorKindUnsupportedGeometry
	case errors.As(err, &truncated):
		return ErrorKindTruncatedRecord
	case errors.As(err, &mismatch):
		return ErrorKindRecordCountMismatch
	case errors.As(err, &missing):
		return ErrorKindMissingComponent
	case errors.As(err, &schemaConf):
		return ErrorKindSchemaConflict
	case errors.As(err, &cancelled):
		return ErrorKindCancelled
	case errors.As(err, &sink):
		if sink.Transient {
			return ErrorKindSinkTransient
		}
		return ErrorKindSinkPermanent
	default:
		return ErrorKindInternal
	}
}

// Session is the aggregate root tracking one bundle's parse-and-upload
// lifecycle. Mutable fields (status, counters, error) are written only by the
// pipeline stage that owns the current phase; status transitions go through
// compare-and-set in the session store.
type Session struct {
	ID                string             `json:"id"`
	Status            SessionStatus      `json:"status"`
	TotalFeatures     int64              `json:"total_features"`
	ProcessedFeatures int64              `json:"processed_features"`
	GeometryType      GeometryType       `json:"geometry_type,omitempty"`
	ErrorKind         string             `json:"error_kind,omitempty"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	// FailedOffset is the starting feature offset of the batch that failed
	// the upload pass, captured for a future resume-from-offset feature.
	FailedOffset *int64             `json:"failed_offset,omitempty"`
	SchemaSource SchemaSource       `json:"schema_source,omitempty"`
	Schema       []SchemaField      `json:"schema,omitempty"`
	Destination  *DestinationConfig `json:"destination,omitempty"`
	Components   []ShapefileComponent `json:"components,omitempty"`
	// CRS is the opaque contents of the optional .prj component; never
	// interpreted.
	CRS       string    `json:"crs,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Component returns the staged component of the given kind, or nil.
func (s *Session) Component(kind ComponentKind) *ShapefileComponent {
	for i := range s.Components {
		if s.Components[i].Kind == kind {
			return &s.Components[i]
		}
	}
	return nil
}

// MissingRequired returns the first required component not yet staged, or "".
func (s *Session) MissingRequired() ComponentKind {
	for _, kind := range RequiredComponents {
		if s.Component(kind) == nil {
			return kind
		}
	}
	return ""
}
