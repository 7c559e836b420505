// Package repository implements SQLite-backed persistence for the session
// aggregate.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"shapelake/internal/domain"
)

const sqliteTimeLayout = "2006-01-02 15:04:05"

// Compile-time check.
var _ domain.SessionRepository = (*SessionRepo)(nil)

// SessionRepo implements domain.SessionRepository backed by SQLite. Writes go
// through the single-connection write pool; reads use the concurrent read
// pool. Status transitions use compare-and-set UPDATEs so two racing triggers
// resolve to exactly one winner without holding a lock across a pipeline pass.
type SessionRepo struct {
	db     *sql.DB
	readDB *sql.DB
}

// NewSessionRepo creates a new SessionRepo over a write/read pool pair.
func NewSessionRepo(writeDB, readDB *sql.DB) *SessionRepo {
	return &SessionRepo{db: writeDB, readDB: readDB}
}

// Create inserts a new session row.
func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO sessions (id, status) VALUES (?, ?)`,
		s.ID, string(s.Status))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get loads a session with its staged components.
func (r *SessionRepo) Get(ctx context.Context, id string) (*domain.Session, error) {
	row := r.readDB.QueryRowContext(ctx, `
		SELECT id, status, total_features, processed_features, geometry_type,
		       error_kind, error_message, failed_offset, schema_source,
		       schema_json, dest_table, dest_batch_size, crs, created_at, updated_at
		FROM sessions WHERE id = ?`, id)

	var (
		s            domain.Session
		failedOffset sql.NullInt64
		schemaJSON   string
		destTable    string
		destBatch    int
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(&s.ID, &s.Status, &s.TotalFeatures, &s.ProcessedFeatures,
		&s.GeometryType, &s.ErrorKind, &s.ErrorMessage, &failedOffset,
		&s.SchemaSource, &schemaJSON, &destTable, &destBatch, &s.CRS,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("session %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	if failedOffset.Valid {
		v := failedOffset.Int64
		s.FailedOffset = &v
	}
	if schemaJSON != "" {
		if err := json.Unmarshal([]byte(schemaJSON), &s.Schema); err != nil {
			return nil, fmt.Errorf("decode schema for session %s: %w", id, err)
		}
	}
	if destTable != "" {
		s.Destination = &domain.DestinationConfig{Table: destTable, BatchSize: destBatch}
	}
	s.CreatedAt = parseSQLiteTime(createdAt)
	s.UpdatedAt = parseSQLiteTime(updatedAt)

	comps, err := r.listComponents(ctx, id)
	if err != nil {
		return nil, err
	}
	s.Components = comps
	return &s, nil
}

// Delete removes a session; component rows cascade.
func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound("session %q not found", id)
	}
	return nil
}

// CompareAndSwapStatus atomically transitions the status and reports whether
// this caller won.
func (r *SessionRepo) CompareAndSwapStatus(ctx context.Context, id string, from, to domain.SessionStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = datetime('now') WHERE id = ? AND status = ?`,
		string(to), id, string(from))
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("cas status: %w", err)
	}
	return n == 1, nil
}

// AddComponent upserts a staged component reference.
func (r *SessionRepo) AddComponent(ctx context.Context, c *domain.ShapefileComponent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO session_components (session_id, kind, byte_size, storage_ref)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (session_id, kind)
		DO UPDATE SET byte_size = excluded.byte_size, storage_ref = excluded.storage_ref`,
		c.SessionID, string(c.Kind), c.ByteSize, c.StorageRef)
	if err != nil {
		return fmt.Errorf("add component: %w", err)
	}
	return nil
}

// SetCRS stores the opaque projection text from a staged .prj component.
func (r *SessionRepo) SetCRS(ctx context.Context, id, crs string) error {
	return r.update(ctx, id, `UPDATE sessions SET crs = ?, updated_at = datetime('now') WHERE id = ?`, crs, id)
}

// SetSchema stores the session's schema with its source tag.
func (r *SessionRepo) SetSchema(ctx context.Context, id string, source domain.SchemaSource, fields []domain.SchemaField) error {
	blob, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return r.update(ctx, id,
		`UPDATE sessions SET schema_source = ?, schema_json = ?, updated_at = datetime('now') WHERE id = ?`,
		string(source), string(blob), id)
}

// SetDestination stores the destination table configuration.
func (r *SessionRepo) SetDestination(ctx context.Context, id string, dest domain.DestinationConfig) error {
	return r.update(ctx, id,
		`UPDATE sessions SET dest_table = ?, dest_batch_size = ?, updated_at = datetime('now') WHERE id = ?`,
		dest.Table, dest.BatchSize, id)
}

// SetParseResult records a successful parse pass and moves the session from
// parsing to parsed.
func (r *SessionRepo) SetParseResult(ctx context.Context, id string, total int64, geom domain.GeometryType, source domain.SchemaSource, fields []domain.SchemaField) error {
	blob, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	return r.update(ctx, id, `
		UPDATE sessions
		SET status = ?, total_features = ?, geometry_type = ?,
		    schema_source = ?, schema_json = ?, updated_at = datetime('now')
		WHERE id = ? AND status = ?`,
		string(domain.StatusParsed), total, string(geom),
		string(source), string(blob), id, string(domain.StatusParsing))
}

// SetProgress updates the processed-feature counter. The single-row UPDATE
// gives concurrent status readers a consistent snapshot.
func (r *SessionRepo) SetProgress(ctx context.Context, id string, processed int64) error {
	return r.update(ctx, id,
		`UPDATE sessions SET processed_features = ?, updated_at = datetime('now') WHERE id = ?`,
		processed, id)
}

// SetFailure moves the session to failed, recording the error verbatim.
func (r *SessionRepo) SetFailure(ctx context.Context, id, kind, message string, failedOffset *int64) error {
	var offset sql.NullInt64
	if failedOffset != nil {
		offset = sql.NullInt64{Int64: *failedOffset, Valid: true}
	}
	return r.update(ctx, id, `
		UPDATE sessions
		SET status = ?, error_kind = ?, error_message = ?, failed_offset = ?,
		    updated_at = datetime('now')
		WHERE id = ?`,
		string(domain.StatusFailed), kind, message, offset, id)
}

// MarkCompleted moves the session from uploading to completed.
func (r *SessionRepo) MarkCompleted(ctx context.Context, id string) error {
	return r.update(ctx, id,
		`UPDATE sessions SET status = ?, updated_at = datetime('now') WHERE id = ? AND status = ?`,
		string(domain.StatusCompleted), id, string(domain.StatusUploading))
}

// ListTerminalBefore returns completed/failed sessions last touched before
// the cutoff, with components attached, for retention sweeps.
func (r *SessionRepo) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]domain.Session, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT id, status FROM sessions
		WHERE status IN (?, ?) AND updated_at < ?`,
		string(domain.StatusCompleted), string(domain.StatusFailed),
		cutoff.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return nil, fmt.Errorf("list terminal sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.Session
	for rows.Next() {
		var s domain.Session
		if err := rows.Scan(&s.ID, &s.Status); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		comps, err := r.listComponents(ctx, out[i].ID)
		if err != nil {
			return nil, err
		}
		out[i].Components = comps
	}
	return out, nil
}

func (r *SessionRepo) listComponents(ctx context.Context, id string) ([]domain.ShapefileComponent, error) {
	rows, err := r.readDB.QueryContext(ctx, `
		SELECT session_id, kind, byte_size, storage_ref, created_at
		FROM session_components WHERE session_id = ? ORDER BY kind`, id)
	if err != nil {
		return nil, fmt.Errorf("list components: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var out []domain.ShapefileComponent
	for rows.Next() {
		var (
			c         domain.ShapefileComponent
			createdAt string
		)
		if err := rows.Scan(&c.SessionID, &c.Kind, &c.ByteSize, &c.StorageRef, &createdAt); err != nil {
			return nil, fmt.Errorf("scan component: %w", err)
		}
		c.CreatedAt = parseSQLiteTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SessionRepo) update(ctx context.Context, id, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound("session %q not found", id)
	}
	return nil
}

func parseSQLiteTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		slog.Default().Warn("failed to parse sqlite timestamp", "value", s, "error", err)
	}
	return t
}
