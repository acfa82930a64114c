// Package main is the entry point for the sentinel-soar orchestration daemon.
package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sentinel-soar/internal/audit"
	"sentinel-soar/internal/capability"
	"sentinel-soar/internal/compliance"
	"sentinel-soar/internal/config"
	"sentinel-soar/internal/engine"
	"sentinel-soar/internal/evidence"
	"sentinel-soar/internal/ingest"
	"sentinel-soar/internal/playbook"
	"sentinel-soar/internal/policy"
	"sentinel-soar/internal/response"
	"sentinel-soar/internal/router"
	"sentinel-soar/internal/scheduler"
	"sentinel-soar/internal/schema"
	"sentinel-soar/internal/state"
	"sentinel-soar/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Logging)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"queue_size", cfg.Engine.QueueSize,
		"playbook_dir", cfg.Playbooks.Dir,
		"kafka_enabled", cfg.Kafka.Enabled,
		"audit_enabled", cfg.Audit.Enabled,
		"evidence_enabled", cfg.Evidence.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := store.NewMemoryStore()
	if cfg.State.Enabled {
		if err := state.Load(st, cfg.State.Path); err != nil {
			logger.Error("failed to restore state snapshot", "path", cfg.State.Path, "error", err)
			os.Exit(1)
		}
	}
	bus := router.NewBus(logger)

	registry := capability.NewRegistry()
	for name, action := range map[string]capability.Action{
		"log":  capability.LogAction(logger),
		"noop": capability.NoopAction(),
	} {
		if err := registry.Register(name, action); err != nil {
			logger.Error("failed to register action", "action", name, "error", err)
			os.Exit(1)
		}
	}

	// Audit trail persists every lifecycle event to ClickHouse.
	var trail *audit.Trail
	var chClient *audit.Client
	if cfg.Audit.Enabled {
		chClient, err = audit.NewClient(cfg.Audit.ClickHouse)
		if err != nil {
			logger.Error("failed to connect to ClickHouse", "error", err)
			os.Exit(1)
		}
		if err := chClient.EnsureSchema(ctx); err != nil {
			logger.Error("failed to prepare audit schema", "error", err)
			os.Exit(1)
		}
		trail = audit.NewTrail(chClient.Conn(), cfg.Audit.ClickHouse.Database, cfg.Audit.Trail, logger)
		bus.Subscribe(trail.HandleEvent)
	}

	eng := engine.New(engine.Config{
		QueueSize:    cfg.Engine.QueueSize,
		ShutdownWait: cfg.Engine.ShutdownWait,
	}, st, registry, bus, logger)

	// Response cooldowns are tracked in Redis when configured so replicas
	// share rate limits; otherwise in process.
	var cooldowns response.CooldownStore
	var redisCooldown *response.RedisCooldown
	if cfg.Cooldown.Enabled {
		redisCooldown, err = response.NewRedisCooldown(cfg.Cooldown.RedisConfig)
		if err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		cooldowns = redisCooldown
	} else {
		cooldowns = response.NewMemoryCooldown()
	}

	dispatcher := response.NewDispatcher(st, registry, cooldowns, bus, logger)
	rtr := router.New(eng, schema.NewValidator(), dispatcher, logger)

	var archiver compliance.Archiver
	if cfg.Evidence.Enabled {
		arch, err := evidence.New(ctx, &cfg.Evidence.Config, logger)
		if err != nil {
			logger.Error("failed to initialize evidence archive", "error", err)
			os.Exit(1)
		}
		archiver = arch
	}

	policyChecker := policy.NewChecker(st, registry, eng, bus, logger)
	complianceChecker := compliance.NewChecker(st, registry, archiver, rtr, bus, logger)
	sched := scheduler.New(logger,
		scheduler.NewPlaybookJob(eng, cfg.Scheduler.PlaybookInterval, logger),
		policyChecker,
		complianceChecker,
	)

	// Restored definitions win over built-ins so operator edits and counters
	// survive a restart.
	for _, pb := range playbook.BuiltinPlaybooks() {
		if _, err := eng.GetPlaybook(ctx, pb.ID); err == nil {
			continue
		}
		if err := eng.CreatePlaybook(ctx, pb); err != nil {
			logger.Error("skipping built-in playbook", "playbook_id", pb.ID, "error", err)
		}
	}
	for _, resp := range response.BuiltinResponses() {
		if _, err := dispatcher.Get(ctx, resp.ID); err == nil {
			continue
		}
		if err := dispatcher.Create(ctx, resp); err != nil {
			logger.Error("skipping built-in response", "response_id", resp.ID, "error", err)
		}
	}
	loadPlaybooks(ctx, eng, cfg.Playbooks.Dir, logger)

	// Kafka connects the engine to the outside world: inbound security
	// events and outbound lifecycle events.
	var intake *ingest.Consumer
	var producer *ingest.Producer
	if cfg.Kafka.Enabled {
		producer, err = ingest.NewProducer(&cfg.Kafka.Config, logger)
		if err != nil {
			logger.Error("failed to initialize lifecycle producer", "error", err)
			os.Exit(1)
		}
		bus.Subscribe(producer.HandleEvent)

		intake, err = ingest.NewConsumer(&cfg.Kafka.Config, rtr, logger)
		if err != nil {
			logger.Error("failed to initialize event intake", "error", err)
			os.Exit(1)
		}
	}

	eng.Start()
	sched.Start(ctx)
	if intake != nil {
		if err := intake.StartAsync(); err != nil {
			logger.Error("failed to start event intake", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("sentinel-soar started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info("shutdown signal received", "signal", sig.String())

	// Shutdown order: stop intake first so no new work arrives, then drain
	// the scheduler and engine, then flush the outbound sinks.
	if intake != nil {
		if err := intake.Stop(); err != nil {
			logger.Error("event intake stop error", "error", err)
		}
	}
	sched.Stop()
	cancel()
	eng.Stop()

	if cfg.State.Enabled {
		if err := state.Save(st, cfg.State.Path); err != nil {
			logger.Error("failed to write state snapshot", "path", cfg.State.Path, "error", err)
		} else {
			logger.Info("state snapshot written", "path", cfg.State.Path)
		}
	}

	if trail != nil {
		if err := trail.Close(); err != nil {
			logger.Error("audit trail close error", "error", err)
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("lifecycle producer close error", "error", err)
		}
	}
	if chClient != nil {
		if err := chClient.Close(); err != nil {
			logger.Error("clickhouse close error", "error", err)
		}
	}
	if redisCooldown != nil {
		if err := redisCooldown.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}

	stats := eng.Stats(context.Background())
	logger.Info("shutdown complete",
		"live_executions", stats["live_executions"],
		"queue", stats["queue"],
	)
}

// newLogger builds the process logger from config.
func newLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// loadPlaybooks registers every playbook found in dir. A bad file is logged
// and skipped so one broken playbook does not block startup.
func loadPlaybooks(ctx context.Context, eng *engine.Engine, dir string, logger *slog.Logger) {
	if dir == "" {
		return
	}

	playbooks, err := playbook.LoadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			logger.Info("playbook directory not found, starting empty", "dir", dir)
			return
		}
		logger.Error("failed to load playbooks", "dir", dir, "error", err)
		return
	}

	loaded := 0
	for _, pb := range playbooks {
		if err := eng.CreatePlaybook(ctx, pb); err != nil {
			logger.Error("skipping playbook", "playbook_id", pb.ID, "error", err)
			continue
		}
		loaded++
	}
	logger.Info("playbooks loaded", "dir", dir, "count", loaded)
}
