// Package scheduler runs the periodic jobs: scheduled playbook triggers,
// policy enforcement ticks, and compliance check ticks.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Job is one periodic unit of work. Run is invoked once per tick; a tick
// that errors is logged and never stops the loop.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context) error
}

// Scheduler drives a set of jobs, each on its own ticker goroutine.
type Scheduler struct {
	jobs   []Job
	logger *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// New creates a scheduler for the given jobs.
func New(logger *slog.Logger, jobs ...Job) *Scheduler {
	return &Scheduler{
		jobs:   jobs,
		logger: logger.With("component", "scheduler"),
		stopCh: make(chan struct{}),
	}
}

// Start launches one ticker loop per job. Each job also runs once
// immediately so a restart does not wait a full interval.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go s.loop(ctx, job)
	}
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts all job loops and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	defer s.wg.Done()

	interval := job.Interval()
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("job started", "job", job.Name(), "interval", interval)
	s.tick(ctx, job)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx, job)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", "job", job.Name(), "panic", r)
		}
	}()
	if err := job.Run(ctx); err != nil {
		s.logger.Warn("job tick failed", "job", job.Name(), "error", err)
	}
}
