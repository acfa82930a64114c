package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"sentinel-soar/internal/engine"
	"sentinel-soar/internal/playbook"
)

// PlaybookJob triggers playbooks with scheduled triggers. It checks once a
// minute; a playbook fires when its schedule interval has elapsed since the
// last firing this job performed. A failed enqueue leaves the last-run mark
// untouched so the playbook is retried on the next tick.
type PlaybookJob struct {
	engine   *engine.Engine
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	lastRun map[string]time.Time
}

// NewPlaybookJob creates the scheduled-trigger job. checkInterval defaults
// to one minute.
func NewPlaybookJob(eng *engine.Engine, checkInterval time.Duration, logger *slog.Logger) *PlaybookJob {
	if checkInterval <= 0 {
		checkInterval = time.Minute
	}
	return &PlaybookJob{
		engine:   eng,
		logger:   logger.With("component", "playbook_scheduler"),
		interval: checkInterval,
		lastRun:  make(map[string]time.Time),
	}
}

func (j *PlaybookJob) Name() string            { return "playbook_scheduler" }
func (j *PlaybookJob) Interval() time.Duration { return j.interval }

// Run triggers every due scheduled playbook. One playbook's failure never
// stops the sweep.
func (j *PlaybookJob) Run(ctx context.Context) error {
	pbs, err := j.engine.ListPlaybooks(ctx)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	for _, pb := range pbs {
		if !pb.Enabled || pb.Trigger.Type != playbook.TriggerScheduled {
			continue
		}
		every, err := ParseSchedule(pb.Trigger.Schedule)
		if err != nil {
			j.logger.Warn("unparseable schedule, skipping",
				"playbook_id", pb.ID, "schedule", pb.Trigger.Schedule, "error", err)
			continue
		}

		j.mu.Lock()
		last, seen := j.lastRun[pb.ID]
		j.mu.Unlock()
		if seen && now.Sub(last) < every {
			continue
		}

		execID, err := j.engine.Enqueue(ctx, pb.ID, "scheduler", playbook.TriggerScheduled, nil)
		if err != nil {
			j.logger.Warn("scheduled trigger failed", "playbook_id", pb.ID, "error", err)
			continue
		}
		j.mu.Lock()
		j.lastRun[pb.ID] = now
		j.mu.Unlock()
		j.logger.Info("scheduled playbook triggered",
			"playbook_id", pb.ID, "execution_id", execID, "schedule", pb.Trigger.Schedule)
	}
	return nil
}

// ParseSchedule converts a schedule expression to an interval. Accepted
// forms are Go durations ("30m", "2h") and the keywords hourly, daily,
// weekly, and monthly.
func ParseSchedule(s string) (time.Duration, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	case "monthly":
		return 30 * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule %q must be positive", s)
	}
	return d, nil
}
