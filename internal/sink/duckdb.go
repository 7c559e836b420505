// Package sink implements the columnar destination for uploaded features.
// The single production backend is DuckDB; geometry columns use the spatial
// extension when it is available and fall back to plain WKT text otherwise.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"shapelake/internal/domain"
)

// Compile-time check.
var _ domain.Sink = (*DuckDBSink)(nil)

// DuckDBSink writes feature batches into a DuckDB table. Each InsertBatch
// call runs in its own transaction so a failed batch leaves no partial rows.
type DuckDBSink struct {
	db      *sql.DB
	spatial bool
	logger  *slog.Logger
}

// NewDuckDBSink probes for the spatial extension. When INSTALL/LOAD fails
// (offline builds, stripped images) geometry columns degrade to VARCHAR WKT.
func NewDuckDBSink(ctx context.Context, db *sql.DB, logger *slog.Logger) (*DuckDBSink, error) {
	s := &DuckDBSink{db: db, logger: logger.With("component", "duckdb-sink")}

	if _, err := db.ExecContext(ctx, "INSTALL spatial; LOAD spatial;"); err != nil {
		s.logger.Warn("spatial extension unavailable, storing geometry as WKT text",
			"error", err)
	} else {
		s.spatial = true
	}
	return s, nil
}

// Spatial reports whether the spatial extension was loaded.
func (s *DuckDBSink) Spatial() bool { return s.spatial }

// EnsureTable creates the destination table if it does not exist, with one
// column per schema field in declared order.
func (s *DuckDBSink) EnsureTable(ctx context.Context, table string, schema []domain.SchemaField) error {
	if err := validTableName(table); err != nil {
		return err
	}
	cols := make([]string, len(schema))
	for i, f := range schema {
		col := quoteIdent(f.Name) + " " + s.columnType(f.Type)
		if !f.Nullable {
			col += " NOT NULL"
		}
		cols[i] = col
	}
	q := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		quoteIdent(table), strings.Join(cols, ", "))

	if _, err := s.db.ExecContext(ctx, q); err != nil {
		return classifySinkError(fmt.Errorf("ensure table %s: %w", table, err))
	}
	return nil
}

// InsertBatch appends rows in a single transaction and returns the number
// of rows written. Row values must match the schema column order.
func (s *DuckDBSink) InsertBatch(ctx context.Context, table string, schema []domain.SchemaField, rows []domain.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := validTableName(table); err != nil {
		return 0, err
	}

	placeholders := make([]string, len(schema))
	for i, f := range schema {
		if f.Type == domain.FieldGeometry && s.spatial {
			placeholders[i] = "ST_GeomFromText(?)"
		} else {
			placeholders[i] = "?"
		}
	}
	rowTmpl := "(" + strings.Join(placeholders, ", ") + ")"

	values := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(schema))
	for i, row := range rows {
		if len(row) != len(schema) {
			return 0, domain.ErrSinkPermanent(nil,
				"row has %d values, schema has %d columns", len(row), len(schema))
		}
		values[i] = rowTmpl
		args = append(args, row...)
	}

	q := fmt.Sprintf("INSERT INTO %s VALUES %s", quoteIdent(table), strings.Join(values, ", "))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, classifySinkError(fmt.Errorf("begin batch: %w", err))
	}
	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		_ = tx.Rollback()
		return 0, classifySinkError(fmt.Errorf("insert batch into %s: %w", table, err))
	}
	if err := tx.Commit(); err != nil {
		return 0, classifySinkError(fmt.Errorf("commit batch: %w", err))
	}

	n, err := res.RowsAffected()
	if err != nil {
		// DuckDB reports affected rows; treat a missing count as full success.
		return len(rows), nil
	}
	if int(n) < len(rows) {
		return int(n), domain.ErrSinkPermanent(nil,
			"batch wrote %d of %d rows", n, len(rows))
	}
	return int(n), nil
}

// columnType maps a schema field type to a DuckDB column type.
func (s *DuckDBSink) columnType(t domain.FieldType) string {
	switch t {
	case domain.FieldText:
		return "VARCHAR"
	case domain.FieldInteger:
		return "BIGINT"
	case domain.FieldFloat:
		return "DOUBLE"
	case domain.FieldDate:
		return "DATE"
	case domain.FieldBoolean:
		return "BOOLEAN"
	case domain.FieldGeometry:
		if s.spatial {
			return "GEOMETRY"
		}
		return "VARCHAR"
	default:
		return "VARCHAR"
	}
}

// quoteIdent wraps an identifier in double quotes, escaping embedded quotes.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// validTableName rejects empty and whitespace-bearing destination tables
// before they reach SQL text.
func validTableName(table string) error {
	if table == "" || strings.ContainsAny(table, " \t\n") {
		return domain.ErrValidation("invalid destination table %q", table)
	}
	return nil
}

// classifySinkError maps driver errors into transient or permanent sink
// errors. Lock contention and IO hiccups are retryable; constraint and type
// errors are not.
func classifySinkError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "TransactionContext Error"),
		strings.Contains(msg, "IO Error"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "timeout"):
		return &domain.SinkError{Transient: true, Message: msg, Err: err}
	default:
		return &domain.SinkError{Transient: false, Message: msg, Err: err}
	}
}
