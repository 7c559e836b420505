package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RetentionSweeper periodically removes terminal sessions older than the
// configured TTL, together with their staged components. A zero TTL disables
// sweeping entirely.
type RetentionSweeper struct {
	svc    *Service
	ttl    time.Duration
	logger *slog.Logger
	cron   *cron.Cron
}

// NewRetentionSweeper wires a sweeper over the ingestion service.
func NewRetentionSweeper(svc *Service, ttl time.Duration, logger *slog.Logger) *RetentionSweeper {
	return &RetentionSweeper{
		svc:    svc,
		ttl:    ttl,
		logger: logger.With("component", "retention-sweeper"),
		cron:   cron.New(),
	}
}

// Start schedules an hourly sweep. No-op when the TTL is zero.
func (r *RetentionSweeper) Start() error {
	if r.ttl <= 0 {
		r.logger.Info("retention sweeping disabled")
		return nil
	}
	_, err := r.cron.AddFunc("@hourly", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		r.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("retention sweeping enabled", "ttl", r.ttl)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *RetentionSweeper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep deletes terminal sessions last updated before now minus the TTL.
func (r *RetentionSweeper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.ttl)
	sessions, err := r.svc.sessions.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("retention sweep listing failed", "error", err)
		return
	}
	for _, sess := range sessions {
		if err := r.svc.Delete(ctx, sess.ID); err != nil {
			r.logger.Error("retention sweep delete failed",
				"session_id", sess.ID, "error", err)
			continue
		}
		r.logger.Info("expired session removed",
			"session_id", sess.ID, "status", sess.Status, "updated_at", sess.UpdatedAt)
	}
}
