package report

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the daily report trigger.
type SchedulerConfig struct {
	// Run is invoked once per day, usually routed through the job scheduler
	// so a manual trigger and the daily one never overlap.
	Run       func(ctx context.Context) error
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
	Now       func() time.Time
}

// Scheduler fires the report once a day at a fixed wall-clock time.
type Scheduler struct {
	run       func(ctx context.Context) error
	runHour   int
	runMinute int
	location  *time.Location
	logger    *slog.Logger
	now       func() time.Time
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		run:       cfg.Run,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		logger:    logger,
		now:       now,
	}
}

// Start blocks until ctx is cancelled, running the report at each daily mark.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.run == nil {
		return
	}
	for {
		now := s.now().In(s.location)
		next := s.nextRun(now)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if err := s.run(ctx); err != nil {
				s.logger.Error("report run failed", "error", err)
			}
		}
	}
}

func (s *Scheduler) nextRun(after time.Time) time.Time {
	target := time.Date(after.Year(), after.Month(), after.Day(), s.runHour, s.runMinute, 0, 0, s.location)
	if !target.After(after) {
		target = target.AddDate(0, 0, 1)
	}
	return target
}

func clampHour(hour int) int {
	if hour < 0 {
		return 0
	}
	if hour > 23 {
		return 23
	}
	return hour
}

func clampMinute(minute int) int {
	if minute < 0 {
		return 0
	}
	if minute > 59 {
		return 59
	}
	return minute
}
