package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the daily reconciliation scheduler.
type SchedulerConfig struct {
	Scanner   *Scanner
	Options   ScanOptions
	Cleanup   bool
	RunHour   int
	RunMinute int
	Location  *time.Location
	Logger    *slog.Logger
	Now       func() time.Time
}

// Scheduler executes ScanAndCleanup once a day at a fixed wall-clock time.
type Scheduler struct {
	scanner   *Scanner
	options   ScanOptions
	cleanup   bool
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
		scanner:   cfg.Scanner,
		options:   cfg.Options,
		cleanup:   cfg.Cleanup,
		runHour:   clampHour(cfg.RunHour),
		runMinute: clampMinute(cfg.RunMinute),
		location:  loc,
		logger:    logger,
		now:       now,
	}
}

// Start runs the scheduling loop until the context is cancelled. Run failures
// are logged and never stop the loop.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.scanner == nil {
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
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes a single scheduled pass.
func (s *Scheduler) RunOnce(ctx context.Context) *Report {
	report, err := s.scanner.ScanAndCleanup(ctx, s.options, s.cleanup)
	if err != nil {
		s.logger.Error("recon scheduler run failed", slog.String("error", err.Error()))
		return nil
	}
	return report
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
