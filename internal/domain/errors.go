// Package domain defines the core types, ports, and errors for the
// shapefile ingestion platform.
package domain

import "fmt"

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConflictError indicates a conflict (e.g., duplicate resource).
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// MalformedHeaderError indicates a component file's fixed header failed
// validation (bad magic, inconsistent declared lengths).
type MalformedHeaderError struct {
	Kind    ComponentKind
	Message string
}

func (e *MalformedHeaderError) Error() string {
	return fmt.Sprintf("%s: malformed header: %s", e.Kind, e.Message)
}

// UnsupportedGeometryTypeError indicates a shape type code the decoder does
// not handle. Best-effort decoding is never attempted.
type UnsupportedGeometryTypeError struct {
	Code int32
}

func (e *UnsupportedGeometryTypeError) Error() string {
	return fmt.Sprintf("unsupported geometry type code %d", e.Code)
}

// TruncatedRecordError indicates a record's content was shorter than declared,
// or structurally inconsistent with its declared layout.
type TruncatedRecordError struct {
	Kind    ComponentKind
	Message string
}

func (e *TruncatedRecordError) Error() string {
	return fmt.Sprintf("%s: truncated record: %s", e.Kind, e.Message)
}

// RecordCountMismatchError indicates the .shp and .dbf record streams did not
// exhaust at the same position. This is fatal for the whole parse pass, never
// a per-record skip.
type RecordCountMismatchError struct {
	Message string
}

func (e *RecordCountMismatchError) Error() string {
	return "record count mismatch: " + e.Message
}

// MissingComponentError indicates a required bundle component is absent.
type MissingComponentError struct {
	Kind ComponentKind
	Ref  string
}

func (e *MissingComponentError) Error() string {
	if e.Ref != "" {
		return fmt.Sprintf("missing component %q", e.Ref)
	}
	return fmt.Sprintf("missing component .%s", e.Kind)
}

// SchemaConflictError indicates a manual schema that cannot be reconciled with
// the bundle's attribute fields or the implicit geometry column contract.
type SchemaConflictError struct {
	Message string
}

func (e *SchemaConflictError) Error() string { return "schema conflict: " + e.Message }

// SessionBusyError indicates a parse or upload trigger lost the compare-and-set
// race on the session status, or targeted a session in an incompatible state.
type SessionBusyError struct {
	SessionID string
	Status    SessionStatus
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("session %s is %s and cannot accept this trigger", e.SessionID, e.Status)
}

// CancelledError indicates an external cancellation took effect at a record or
// batch boundary.
type CancelledError struct {
	Phase string // "parse" or "upload"
}

func (e *CancelledError) Error() string { return e.Phase + " cancelled" }

// SinkError wraps a destination sink failure. Transient errors are retried by
// the batch uploader; permanent errors fail the session on first occurrence.
type SinkError struct {
	Transient bool
	Message   string
	Err       error
}

func (e *SinkError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.Err != nil {
		return fmt.Sprintf("sink %s error: %s: %v", kind, e.Message, e.Err)
	}
	return fmt.Sprintf("sink %s error: %s", kind, e.Message)
}

func (e *SinkError) Unwrap() error { return e.Err }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrConflict creates a ConflictError with a formatted message.
func ErrConflict(format string, args ...interface{}) *ConflictError {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrMalformedHeader creates a MalformedHeaderError for a component kind.
func ErrMalformedHeader(kind ComponentKind, format string, args ...interface{}) *MalformedHeaderError {
	return &MalformedHeaderError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrTruncatedRecord creates a TruncatedRecordError for a component kind.
func ErrTruncatedRecord(kind ComponentKind, format string, args ...interface{}) *TruncatedRecordError {
	return &TruncatedRecordError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ErrRecordCountMismatch creates a RecordCountMismatchError.
func ErrRecordCountMismatch(format string, args ...interface{}) *RecordCountMismatchError {
	return &RecordCountMismatchError{Message: fmt.Sprintf(format, args...)}
}

// ErrSchemaConflict creates a SchemaConflictError.
func ErrSchemaConflict(format string, args ...interface{}) *SchemaConflictError {
	return &SchemaConflictError{Message: fmt.Sprintf(format, args...)}
}

// ErrSinkTransient creates a retryable SinkError wrapping err.
func ErrSinkTransient(err error, format string, args ...interface{}) *SinkError {
	return &SinkError{Transient: true, Message: fmt.Sprintf(format, args...), Err: err}
}

// ErrSinkPermanent creates a non-retryable SinkError wrapping err.
func ErrSinkPermanent(err error, format string, args ...interface{}) *SinkError {
	return &SinkError{Transient: false, Message: fmt.Sprintf(format, args...), Err: err}
}
