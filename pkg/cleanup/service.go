// Package cleanup enforces data retention policies in the background.
package cleanup

import (
	"context"
	"log/slog"
	"time"
)

// RunPurger hard-deletes terminal runs older than the cutoff.
type RunPurger interface {
	PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventSweeper removes aged event rows that no live run still needs.
type EventSweeper interface {
	CleanupOrphaned(ctx context.Context, cutoff time.Time) (int64, error)
}

// TaskSweeper removes finished queue task rows older than the cutoff.
type TaskSweeper interface {
	PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config carries the retention windows and loop interval.
type Config struct {
	RunMaxAge  time.Duration
	EventTTL   time.Duration
	TaskMaxAge time.Duration
	Interval   time.Duration
}

// Service periodically enforces retention policies:
//   - Hard-deletes old terminal runs (steps, messages, and run data
//     cascade with them)
//   - Removes event rows past their TTL once their run is gone or terminal
//   - Removes completed and dead queue task rows past their window
//
// All sweeps are idempotent and safe to run from multiple instances.
type Service struct {
	config Config
	runs   RunPurger
	events EventSweeper
	tasks  TaskSweeper

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service.
func NewService(cfg Config, runs RunPurger, events EventSweeper, tasks TaskSweeper) *Service {
	return &Service{
		config: cfg,
		runs:   runs,
		events: events,
		tasks:  tasks,
	}
}

// Start launches the background cleanup loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"run_max_age", s.config.RunMaxAge,
		"event_ttl", s.config.EventTTL,
		"task_max_age", s.config.TaskMaxAge,
		"interval", s.config.Interval)
}

// Stop signals the cleanup loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.purgeOldRuns(ctx)
	s.sweepEvents(ctx)
	s.sweepTasks(ctx)
}

func (s *Service) purgeOldRuns(ctx context.Context) {
	count, err := s.runs.PurgeTerminalBefore(ctx, time.Now().Add(-s.config.RunMaxAge))
	if err != nil {
		slog.Error("Retention: run purge failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged old terminal runs", "count", count)
	}
}

func (s *Service) sweepEvents(ctx context.Context) {
	count, err := s.events.CleanupOrphaned(ctx, time.Now().Add(-s.config.EventTTL))
	if err != nil {
		slog.Error("Retention: event cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: cleaned up aged events", "count", count)
	}
}

func (s *Service) sweepTasks(ctx context.Context) {
	count, err := s.tasks.PurgeFinishedBefore(ctx, time.Now().Add(-s.config.TaskMaxAge))
	if err != nil {
		slog.Error("Retention: task cleanup failed", "error", err)
		return
	}
	if count > 0 {
		slog.Info("Retention: purged finished queue tasks", "count", count)
	}
}
