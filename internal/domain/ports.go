package domain

import (
	"context"
	"io"
	"time"
)

// Row is one destination row, ordered to match the resolved schema.
type Row []any

// ComponentStore stages uploaded bundle bytes. Implementations must support
// sequential forward reads; Get on an absent ref yields *MissingComponentError.
type ComponentStore interface {
	Put(ctx context.Context, ref string, r io.Reader) (int64, error)
	Get(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
}

// Sink is the destination columnar store accepting batch inserts.
//
// InsertBatch returns the committed row count; the uploader treats a count
// below len(rows) the same as a permanent error; partial commits are not
// modeled as partial success. Failures are reported as *SinkError with the
// Transient flag set for retryable conditions.
type Sink interface {
	EnsureTable(ctx context.Context, table string, schema []SchemaField) error
	InsertBatch(ctx context.Context, table string, schema []SchemaField, rows []Row) (int, error)
}

// SessionRepository is durable persistence for the session aggregate, keyed by
// session ID, with atomic compare-and-set on the status field.
type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Delete(ctx context.Context, id string) error

	// CompareAndSwapStatus transitions id from one status to another and
	// reports whether this caller won the transition. Exactly one of two
	// racing triggers observes true.
	CompareAndSwapStatus(ctx context.Context, id string, from, to SessionStatus) (bool, error)

	AddComponent(ctx context.Context, c *ShapefileComponent) error
	SetCRS(ctx context.Context, id, crs string) error
	SetSchema(ctx context.Context, id string, source SchemaSource, fields []SchemaField) error
	SetDestination(ctx context.Context, id string, dest DestinationConfig) error

	// SetParseResult records a successful parse pass and moves the session to
	// parsed.
	SetParseResult(ctx context.Context, id string, total int64, geom GeometryType, source SchemaSource, fields []SchemaField) error

	// SetProgress updates the processed-feature counter. Writers call it only
	// after the sink confirms a batch; readers observe a consistent snapshot.
	SetProgress(ctx context.Context, id string, processed int64) error

	// SetFailure moves the session to failed, recording the error kind and
	// message verbatim and, for upload failures, the failing batch's starting
	// feature offset.
	SetFailure(ctx context.Context, id, kind, message string, failedOffset *int64) error

	// MarkCompleted moves the session from uploading to completed.
	MarkCompleted(ctx context.Context, id string) error

	// ListTerminalBefore returns terminal sessions last updated before the
	// cutoff, for retention sweeps.
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]Session, error)
}
