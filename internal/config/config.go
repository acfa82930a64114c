// Package config handles configuration loading for sentinel-soar.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sentinel-soar/internal/audit"
	"sentinel-soar/internal/engine"
	"sentinel-soar/internal/evidence"
	"sentinel-soar/internal/ingest"
	"sentinel-soar/internal/response"
)

// Config holds the complete application configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Playbooks PlaybookConfig  `yaml:"playbooks"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Audit     AuditConfig     `yaml:"audit"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Cooldown  CooldownConfig  `yaml:"cooldown"`
	State     StateConfig     `yaml:"state"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EngineConfig holds execution engine settings.
type EngineConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// PlaybookConfig holds playbook loading settings.
type PlaybookConfig struct {
	// Dir is loaded at startup; each *.yaml file holds one or more playbooks.
	Dir string `yaml:"dir"`
}

// SchedulerConfig holds periodic job settings.
type SchedulerConfig struct {
	// PlaybookInterval is how often scheduled playbooks are swept for due runs.
	PlaybookInterval time.Duration `yaml:"playbook_interval"`
}

// KafkaConfig holds event streaming settings.
type KafkaConfig struct {
	Enabled bool `yaml:"enabled"`
	ingest.Config `yaml:",inline"`
}

// AuditConfig holds the ClickHouse audit trail settings.
type AuditConfig struct {
	Enabled    bool                   `yaml:"enabled"`
	ClickHouse audit.ClickHouseConfig `yaml:"clickhouse"`
	Trail      audit.TrailConfig      `yaml:"trail"`
}

// EvidenceConfig holds the S3 evidence archive settings.
type EvidenceConfig struct {
	Enabled bool `yaml:"enabled"`
	evidence.Config `yaml:",inline"`
}

// CooldownConfig holds the distributed response cooldown settings. When
// disabled the dispatcher falls back to in-process cooldown tracking.
type CooldownConfig struct {
	Enabled bool `yaml:"enabled"`
	response.RedisConfig `yaml:",inline"`
}

// StateConfig holds store snapshot settings. The snapshot is loaded at
// startup and written on shutdown.
type StateConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			QueueSize:    engine.DefaultConfig().QueueSize,
			ShutdownWait: engine.DefaultConfig().ShutdownWait,
		},
		Playbooks: PlaybookConfig{
			Dir: "playbooks",
		},
		Scheduler: SchedulerConfig{
			PlaybookInterval: time.Minute,
		},
		Kafka: KafkaConfig{
			Enabled: false, // Disabled by default for development without Kafka
			Config:  *ingest.DefaultConfig(),
		},
		Audit: AuditConfig{
			Enabled:    false, // Disabled by default for development without ClickHouse
			ClickHouse: audit.DefaultClickHouseConfig(),
			Trail:      audit.DefaultTrailConfig(),
		},
		Evidence: EvidenceConfig{
			Enabled: false,
			Config:  *evidence.DefaultConfig(),
		},
		Cooldown: CooldownConfig{
			Enabled: false,
			RedisConfig: response.RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "soar:cooldown:",
			},
		},
		State: StateConfig{
			Enabled: true,
			Path:    "data/state.json",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("SOAR_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("SOAR_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if dir := os.Getenv("SOAR_PLAYBOOK_DIR"); dir != "" {
		c.Playbooks.Dir = dir
	}

	if size := os.Getenv("SOAR_QUEUE_SIZE"); size != "" {
		fmt.Sscanf(size, "%d", &c.Engine.QueueSize)
	}

	if enabled := os.Getenv("SOAR_KAFKA_ENABLED"); enabled == "true" {
		c.Kafka.Enabled = true
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if enabled := os.Getenv("SOAR_AUDIT_ENABLED"); enabled == "true" {
		c.Audit.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Audit.ClickHouse.Hosts = []string{host}
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Audit.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Audit.ClickHouse.Password = pass
	}

	if enabled := os.Getenv("SOAR_EVIDENCE_ENABLED"); enabled == "true" {
		c.Evidence.Enabled = true
	}

	if bucket := os.Getenv("SOAR_EVIDENCE_BUCKET"); bucket != "" {
		c.Evidence.Bucket = bucket
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Cooldown.Enabled = true
		c.Cooldown.Addr = addr
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Cooldown.Password = pass
	}

	if path := os.Getenv("SOAR_STATE_PATH"); path != "" {
		c.State.Path = path
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Engine.QueueSize <= 0 {
		return fmt.Errorf("engine queue_size must be positive")
	}

	if c.Scheduler.PlaybookInterval <= 0 {
		return fmt.Errorf("scheduler playbook_interval must be positive")
	}

	if c.Kafka.Enabled {
		if err := c.Kafka.Config.Validate(); err != nil {
			return err
		}
	}

	if c.Evidence.Enabled {
		if err := c.Evidence.Config.Validate(); err != nil {
			return err
		}
	}

	if c.Audit.Enabled && len(c.Audit.ClickHouse.Hosts) == 0 {
		return fmt.Errorf("audit clickhouse hosts are required")
	}

	if c.State.Enabled && c.State.Path == "" {
		return fmt.Errorf("state path is required when state persistence is enabled")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}
