package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hannes-hochreiner/backup-btrfs/internal/config"
)

// Scheduler runs backups periodically in the foreground. Runs never
// overlap: the next tick is only taken after the current run returned.
type Scheduler struct {
	runner       *Runner
	interval     time.Duration
	runOnStartup bool
	logger       *slog.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the backup interval.
func WithInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.interval = d
	}
}

// WithRunOnStartup sets whether to run a backup immediately on start.
func WithRunOnStartup(b bool) SchedulerOption {
	return func(s *Scheduler) {
		s.runOnStartup = b
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(runner *Runner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		runner:       runner,
		interval:     config.DefaultInterval,
		runOnStartup: config.DefaultRunOnStartup,
		logger:       slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start runs the scheduler loop until Stop is called or ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.stoppedCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		close(s.stoppedCh)
		s.mu.Unlock()
	}()

	s.logger.Info("scheduler started",
		"interval", s.interval,
		"run_on_startup", s.runOnStartup,
	)

	if s.runOnStartup {
		s.logger.Debug("running backup on startup")
		s.run(ctx, "startup")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping due to context cancellation")
			s.shutdown()
			return ctx.Err()

		case <-stopCh:
			s.logger.Info("scheduler stopping due to stop signal")
			s.shutdown()
			return nil

		case <-ticker.C:
			s.logger.Debug("interval triggered, running backup")
			s.run(ctx, "scheduled")
		}
	}
}

func (s *Scheduler) run(ctx context.Context, trigger string) {
	result, err := s.runner.Run(ctx)
	if err != nil {
		s.logger.Error(trigger+" backup failed", "error", err)
		return
	}
	if len(result.Warnings) > 0 {
		s.logger.Warn(trigger+" backup completed with warnings", "warnings", len(result.Warnings))
	}
}

// Stop signals the scheduler to stop and waits for it. A run in progress
// completes first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
	stoppedCh := s.stoppedCh
	s.mu.Unlock()

	<-stoppedCh
}

// IsRunning returns true if the scheduler is currently running.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// shutdown pushes a final service-down metric.
func (s *Scheduler) shutdown() {
	s.logger.Debug("pushing final metrics before shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.runner.pushServiceDown(ctx); err != nil {
		s.logger.Warn("failed to push final metrics", "error", err)
	}
}
