package recovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// DefaultSchedule runs a recovery pass every ten minutes.
const DefaultSchedule = "*/10 * * * *"

// Scheduler runs recovery passes on a cron schedule.
type Scheduler struct {
	recoverer *Recoverer
	schedule  string
	cron      *cron.Cron
	mu        sync.Mutex
	running   bool
}

// NewScheduler creates a scheduler. An empty schedule uses DefaultSchedule.
func NewScheduler(recoverer *Recoverer, schedule string) *Scheduler {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		recoverer: recoverer,
		schedule:  schedule,
		cron:      cron.New(),
	}
}

// Start registers the recovery job and starts the cron loop. The scheduler
// stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.run(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule recovery: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.recoverer.info("recovery scheduler started", zap.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	report, err := s.recoverer.RunOnce(ctx)
	if err != nil {
		s.recoverer.warn("scheduled recovery failed", zap.Error(err))
		return
	}

	if report.Swept || report.Probed > 0 {
		s.recoverer.info("scheduled recovery completed",
			zap.Bool("swept", report.Swept),
			zap.Int("probed", report.Probed),
			zap.Int("recovered", report.Recovered),
			zap.Int("still_limited", report.StillLimited),
			zap.Int("errors", report.Errors))
	}
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil && s.running {
		done := s.cron.Stop()
		<-done.Done()
		s.running = false
		s.recoverer.info("recovery scheduler stopped")
	}
}

// IsRunning reports whether the cron loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled pass, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
