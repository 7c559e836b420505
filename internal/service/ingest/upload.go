package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"shapelake/internal/domain"
	"shapelake/internal/shapefile"
)

// batch is one in-order unit of upload work. Offset is the number of features
// committed before this batch, which doubles as the resume point when the
// batch fails.
type batch struct {
	offset int64
	rows   []domain.Row
}

// Upload runs the upload pass: re-stream the bundle, convert features to
// destination rows, and submit them to the sink in order. The decoder runs
// one batch ahead of the sink at most (the hand-off channel is unbuffered).
// Progress is persisted only after the sink confirms a batch, so observed
// progress never overstates committed rows.
func (s *Service) Upload(ctx context.Context, id string) error {
	sess, err := s.acquireUpload(ctx, id)
	if err != nil {
		return err
	}
	return s.uploadPass(ctx, sess)
}

// StartUpload validates and claims the session synchronously, then runs the
// upload pass in the background. The error return covers only the claim;
// pass outcomes surface on the session.
func (s *Service) StartUpload(ctx context.Context, id string) error {
	sess, err := s.acquireUpload(ctx, id)
	if err != nil {
		return err
	}
	go func() {
		_ = s.uploadPass(context.Background(), sess)
	}()
	return nil
}

// acquireUpload checks upload preconditions and claims the parsed ->
// uploading transition.
func (s *Service) acquireUpload(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(sess.Schema) == 0 {
		return nil, domain.ErrValidation("session %s has no resolved schema", id)
	}
	if sess.Destination == nil || sess.Destination.Table == "" {
		return nil, domain.ErrValidation("session %s has no destination table", id)
	}

	won, err := s.sessions.CompareAndSwapStatus(ctx, id, domain.StatusParsed, domain.StatusUploading)
	if err != nil {
		return nil, err
	}
	if !won {
		cur, gerr := s.sessions.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &domain.SessionBusyError{SessionID: id, Status: cur.Status}
	}
	return sess, nil
}

func (s *Service) uploadPass(ctx context.Context, sess *domain.Session) error {
	runCtx, done := s.track(ctx, sess.ID)
	defer done()

	committed, err := s.runUpload(runCtx, sess)
	if err != nil {
		s.fail(context.WithoutCancel(ctx), sess.ID, err, &committed)
		return err
	}
	return nil
}

func (s *Service) runUpload(ctx context.Context, sess *domain.Session) (int64, error) {
	table := sess.Destination.Table
	if err := s.sink.EnsureTable(ctx, table, sess.Schema); err != nil {
		return 0, err
	}

	batchSize := s.cfg.BatchSize
	if sess.Destination.BatchSize > 0 {
		batchSize = sess.Destination.BatchSize
	}

	fr, cleanup, err := s.openFeatureReader(ctx, sess)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	var committed int64
	batches := make(chan batch) // unbuffered: decode stays one batch ahead

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		var (
			offset int64
			rows   []domain.Row
		)
		send := func() error {
			select {
			case batches <- batch{offset: offset, rows: rows}:
				offset += int64(len(rows))
				rows = nil
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		for {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			feat, err := fr.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
			row, err := convertRow(feat, sess.Schema)
			if err != nil {
				return err
			}
			rows = append(rows, row)
			if len(rows) == batchSize {
				if err := send(); err != nil {
					return err
				}
			}
		}
		if len(rows) > 0 {
			return send()
		}
		return nil
	})

	g.Go(func() error {
		for b := range batches {
			if err := s.submitBatch(gctx, table, sess.Schema, b); err != nil {
				return err
			}
			committed = b.offset + int64(len(b.rows))
			if err := s.sessions.SetProgress(gctx, sess.ID, committed); err != nil {
				return err
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil && !isSinkError(err) {
			return committed, &domain.CancelledError{Phase: "upload"}
		}
		return committed, err
	}

	if err := s.sessions.MarkCompleted(ctx, sess.ID); err != nil {
		return committed, err
	}
	s.logger.Info("upload pass complete",
		"session_id", sess.ID, "table", table, "features", committed)
	return committed, nil
}

// submitBatch retries transiently failing batches with exponential backoff.
// A permanent sink error, or exhausting the attempt budget, fails the pass.
func (s *Service) submitBatch(ctx context.Context, table string, fields []domain.SchemaField, b batch) error {
	var last error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		n, err := s.sink.InsertBatch(ctx, table, fields, b.rows)
		if err == nil {
			if n < len(b.rows) {
				return domain.ErrSinkPermanent(nil,
					"batch at offset %d wrote %d of %d rows", b.offset, n, len(b.rows))
			}
			return nil
		}
		last = err

		var sinkErr *domain.SinkError
		if !errors.As(err, &sinkErr) || !sinkErr.Transient {
			return err
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}

		delay := s.cfg.BackoffBase << (attempt - 1)
		s.logger.Warn("transient sink error, retrying batch",
			"table", table, "offset", b.offset, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("batch at offset %d failed after %d attempts: %w", b.offset, s.cfg.MaxAttempts, last)
}

func isSinkError(err error) bool {
	var sinkErr *domain.SinkError
	return errors.As(err, &sinkErr)
}

// convertRow maps a feature onto the resolved schema in column order.
// Geometry columns receive WKT text (nil for Null shapes); attribute values
// must already carry the declared type or a type it widens to losslessly.
func convertRow(feat *shapefile.Feature, fields []domain.SchemaField) (domain.Row, error) {
	row := make(domain.Row, len(fields))
	for i, f := range fields {
		if f.Type == domain.FieldGeometry {
			if wkt := shapefile.WKT(feat.Geometry); wkt != "" {
				row[i] = wkt
			} else if !f.Nullable {
				return nil, domain.ErrSinkPermanent(nil,
					"feature %d has a null shape but column %q is not nullable", feat.Ordinal, f.Name)
			}
			continue
		}

		v, err := coerce(feat.Attributes[f.SourceField], f.Type)
		if err != nil {
			return nil, domain.ErrSinkPermanent(nil,
				"feature %d field %q: %v", feat.Ordinal, f.Name, err)
		}
		if v == nil && !f.Nullable {
			return nil, domain.ErrSinkPermanent(nil,
				"feature %d has no value for non-nullable column %q", feat.Ordinal, f.Name)
		}
		row[i] = v
	}
	return row, nil
}

// coerce adapts a decoded attribute value to the declared column type.
// Integer widens to float; everything formats to text; any other cross-type
// pairing is a permanent error rather than a silent lossy conversion.
func coerce(v any, t domain.FieldType) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case domain.FieldText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", v), nil
	case domain.FieldInteger:
		if n, ok := v.(int64); ok {
			return n, nil
		}
	case domain.FieldFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
	case domain.FieldDate:
		if ts, ok := v.(time.Time); ok {
			return ts, nil
		}
	case domain.FieldBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	}
	return nil, fmt.Errorf("cannot store %T as %s", v, t)
}
