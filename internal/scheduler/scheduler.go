package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Refresher is anything the scheduler keeps warm
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Scheduler periodically refreshes the device directory cache so that
// time-series requests rarely wait on a directory round trip
type Scheduler struct {
	target   Refresher
	interval time.Duration
	timeout  time.Duration
	stopChan chan struct{}
	stopOnce sync.Once
	logger   *slog.Logger
}

// NewScheduler creates a new scheduler
func NewScheduler(target Refresher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := interval
	if timeout <= 0 || timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	return &Scheduler{
		target:   target,
		interval: interval,
		timeout:  timeout,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "scheduler"),
	}
}

// Start begins the scheduler loop. The cache is warmed once before the first tick.
func (s *Scheduler) Start() {
	s.logger.Info("Scheduler started", "interval", s.interval)
	s.tick()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-s.stopChan:
			s.logger.Info("Scheduler stopped")
			return
		}
	}
}

// Stop stops the scheduler; safe to call more than once
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
}

// tick performs one refresh cycle
func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	start := time.Now()
	if err := s.target.Refresh(ctx); err != nil {
		s.logger.Warn("Cache refresh failed", "error", err)
		return
	}

	s.logger.Debug("Scheduler tick", "duration", time.Since(start))
}
