package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"

	"shapelake/internal/domain"
	"shapelake/internal/schema"
	"shapelake/internal/shapefile"
)

// Parse runs the parse pass synchronously: validate the bundle, count
// features, detect the geometry type, and resolve the destination schema. On
// success the session moves pending -> parsing -> parsed; on failure it moves
// to failed with the decoder's error recorded verbatim. Exactly one of two
// racing triggers wins the status transition; the loser gets
// SessionBusyError.
func (s *Service) Parse(ctx context.Context, id string) error {
	sess, err := s.acquireParse(ctx, id)
	if err != nil {
		return err
	}
	return s.parsePass(ctx, sess)
}

// StartParse validates and claims the session synchronously, then runs the
// parse pass in the background. The error return covers only the claim; pass
// outcomes surface on the session.
func (s *Service) StartParse(ctx context.Context, id string) error {
	sess, err := s.acquireParse(ctx, id)
	if err != nil {
		return err
	}
	go func() {
		_ = s.parsePass(context.Background(), sess)
	}()
	return nil
}

// acquireParse checks bundle completeness and claims the pending -> parsing
// transition.
func (s *Service) acquireParse(ctx context.Context, id string) (*domain.Session, error) {
	sess, err := s.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if missing := sess.MissingRequired(); missing != "" {
		return nil, &domain.MissingComponentError{Kind: missing}
	}

	won, err := s.sessions.CompareAndSwapStatus(ctx, id, domain.StatusPending, domain.StatusParsing)
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

func (s *Service) parsePass(ctx context.Context, sess *domain.Session) error {
	runCtx, done := s.track(ctx, sess.ID)
	defer done()

	if err := s.runParse(runCtx, sess); err != nil {
		s.fail(context.WithoutCancel(ctx), sess.ID, err, nil)
		return err
	}
	return nil
}

func (s *Service) runParse(ctx context.Context, sess *domain.Session) error {
	if err := s.validateIndex(ctx, sess); err != nil {
		return err
	}

	fr, cleanup, err := s.openFeatureReader(ctx, sess)
	if err != nil {
		return err
	}
	defer cleanup()

	var (
		total    int64
		hasNulls bool
	)
	for {
		if err := ctx.Err(); err != nil {
			return &domain.CancelledError{Phase: "parse"}
		}
		feat, err := fr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if feat.Geometry.Kind == shapefile.KindNull {
			hasNulls = true
		}
		total++
	}

	fields := fr.Fields()
	var (
		resolved []domain.SchemaField
		source   domain.SchemaSource
	)
	if sess.SchemaSource == domain.SchemaManual && len(sess.Schema) > 0 {
		source = domain.SchemaManual
		resolved, err = schema.ApplyManual(sess.Schema, fields, hasNulls)
		if err != nil {
			return err
		}
	} else {
		source = domain.SchemaAuto
		resolved = schema.Infer(fields, hasNulls)
	}

	if err := s.sessions.SetParseResult(ctx, sess.ID, total, fr.GeometryType(), source, resolved); err != nil {
		return err
	}
	s.logger.Info("parse pass complete",
		"session_id", sess.ID,
		"total_features", total,
		"geometry_type", fr.GeometryType(),
		"schema_source", source)
	return nil
}

// validateIndex checks the .shx header. The index body is never read; feature
// access is strictly sequential.
func (s *Service) validateIndex(ctx context.Context, sess *domain.Session) error {
	comp := sess.Component(domain.ComponentSHX)
	rc, err := s.store.Get(ctx, comp.StorageRef)
	if err != nil {
		return err
	}
	defer rc.Close()
	return shapefile.ValidateIndexHeader(rc, comp.ByteSize)
}

// openFeatureReader builds a fresh positional feature stream over fresh
// component reads. Both the parse and the upload pass call this; the streams
// are single-use.
func (s *Service) openFeatureReader(ctx context.Context, sess *domain.Session) (*shapefile.FeatureReader, func(), error) {
	shpComp := sess.Component(domain.ComponentSHP)
	dbfComp := sess.Component(domain.ComponentDBF)

	shpRC, err := s.store.Get(ctx, shpComp.StorageRef)
	if err != nil {
		return nil, nil, err
	}
	dbfRC, err := s.store.Get(ctx, dbfComp.StorageRef)
	if err != nil {
		shpRC.Close()
		return nil, nil, err
	}
	cleanup := func() {
		shpRC.Close()
		dbfRC.Close()
	}

	shpReader, err := shapefile.NewReader(shpRC, shpComp.ByteSize)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	dbfReader, err := shapefile.NewDBFReader(dbfRC)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("open attribute stream: %w", err)
	}
	return shapefile.NewFeatureReader(shpReader, dbfReader), cleanup, nil
}
