// Package escalation re-announces emergencies nobody has accepted yet.
package escalation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/example/emergency-dispatch/internal/models"
	"github.com/example/emergency-dispatch/internal/observability"
)

// Source is the part of the dispatch engine the sweep needs.
type Source interface {
	PendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.EmergencyRecord, error)
	Remind(ctx context.Context, rec models.EmergencyRecord)
}

// Sweeper emits a pending reminder for every record still pending after
// After. It only reads records.
type Sweeper struct {
	Source Source
	After  time.Duration
	Limit  int
	Log    *zap.SugaredLogger
	Now    func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// RunOnce performs one sweep and returns how many reminders were sent.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	limit := s.Limit
	if limit <= 0 {
		limit = 100
	}
	recs, err := s.Source.PendingBefore(ctx, s.now().Add(-s.After), limit)
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		s.Source.Remind(ctx, r)
		observability.EscalationsSent.Inc()
	}
	if len(recs) > 0 {
		s.Log.Infow("pending reminders sent", "count", len(recs))
	}
	return len(recs), nil
}

// Run schedules RunOnce on spec (standard cron syntax or @every) and
// blocks until ctx is done. Overlapping sweeps are skipped.
func (s *Sweeper) Run(ctx context.Context, spec string) error {
	logger := cron.PrintfLogger(zap.NewStdLog(s.Log.Desugar()))
	c := cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := s.RunOnce(ctx); err != nil {
			s.Log.Warnw("escalation sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("escalation schedule %q: %w", spec, err)
	}
	c.Start()
	s.Log.Infow("escalation sweep scheduled", "schedule", spec, "after", s.After)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
