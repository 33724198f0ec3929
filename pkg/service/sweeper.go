package service

import (
	"context"
	"time"
)

// DefaultSweepInterval is used when the sweeper is given no interval.
const DefaultSweepInterval = time.Minute

// Sweeper periodically flushes parked audit entries and runs the escalation evaluator.
type Sweeper struct {
	evaluator *Evaluator
	audit     *AuditLog
	interval  time.Duration
	logger    Logger
}

func NewSweeper(svc *WorkflowService, interval time.Duration, logger Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{evaluator: svc.Evaluator, audit: svc.Audit, interval: interval, logger: logger}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Infof("Escalation sweeper running every %s", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.tick(ctx)
	for {
		select {
		case <-ticker.C:
			s.tick(ctx)
		case <-ctx.Done():
			s.logger.Infof("Escalation sweeper stopped")
			return nil
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if err := s.audit.Flush(ctx); err != nil {
		s.logger.Errorf("Audit flush failed, %d entries still pending: %v", s.audit.Pending(), err)
	}
	if _, err := s.evaluator.Sweep(ctx); err != nil {
		s.logger.Errorf("Escalation sweep failed: %v", err)
	}
}
