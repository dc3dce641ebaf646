package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs a reconciliation pass on a fixed interval until its
// context is cancelled. Failed passes are logged by the reconciler and
// retried on the next tick.
type Scheduler struct {
	rec      *Reconciler
	interval time.Duration
	log      *zap.Logger
}

// NewScheduler creates a scheduler. A non-positive interval disables it.
func NewScheduler(rec *Reconciler, interval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{rec: rec, interval: interval, log: log.Named("reconcile")}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info("periodic reconciliation disabled")
		return
	}
	s.log.Info("periodic reconciliation started", zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("periodic reconciliation stopped")
			return
		case <-ticker.C:
			if _, err := s.rec.Run(ctx); errors.Is(err, ErrReconcileInProgress) {
				s.log.Debug("tick skipped, a pass is already running")
			}
		}
	}
}
