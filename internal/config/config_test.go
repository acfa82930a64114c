package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.QueueSize <= 0 {
		t.Error("expected positive queue size")
	}
	if cfg.Playbooks.Dir == "" {
		t.Error("expected default playbook dir")
	}
	if cfg.Scheduler.PlaybookInterval != time.Minute {
		t.Errorf("PlaybookInterval = %v, want 1m", cfg.Scheduler.PlaybookInterval)
	}
	if cfg.Kafka.Enabled || cfg.Audit.Enabled || cfg.Evidence.Enabled {
		t.Error("external integrations should be disabled by default")
	}
	if !cfg.State.Enabled || cfg.State.Path == "" {
		t.Error("state persistence should be on by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("SOAR_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("Level = %s, want info", cfg.Logging.Level)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
engine:
  queue_size: 50
  shutdown_wait: 10s
playbooks:
  dir: /etc/soar/playbooks
kafka:
  enabled: true
  brokers:
    - kafka-1:9092
    - kafka-2:9092
  events_topic: custom-events
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SOAR_CONFIG_PATH", path)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Engine.QueueSize != 50 {
		t.Errorf("QueueSize = %d, want 50", cfg.Engine.QueueSize)
	}
	if cfg.Engine.ShutdownWait != 10*time.Second {
		t.Errorf("ShutdownWait = %v, want 10s", cfg.Engine.ShutdownWait)
	}
	if cfg.Playbooks.Dir != "/etc/soar/playbooks" {
		t.Errorf("Dir = %s", cfg.Playbooks.Dir)
	}
	if !cfg.Kafka.Enabled || len(cfg.Kafka.Brokers) != 2 {
		t.Errorf("kafka config = %+v", cfg.Kafka)
	}
	if cfg.Kafka.EventsTopic != "custom-events" {
		t.Errorf("EventsTopic = %s", cfg.Kafka.EventsTopic)
	}
	// Unset fields keep their defaults.
	if cfg.Kafka.LifecycleTopic != "soar-lifecycle" {
		t.Errorf("LifecycleTopic = %s, want default", cfg.Kafka.LifecycleTopic)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %s, want debug", cfg.Logging.Level)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("engine: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SOAR_CONFIG_PATH", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOAR_CONFIG_PATH", filepath.Join(t.TempDir(), "nope.yaml"))
	t.Setenv("SOAR_LOG_LEVEL", "warn")
	t.Setenv("SOAR_PLAYBOOK_DIR", "/opt/playbooks")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092 ,")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("SOAR_STATE_PATH", "/var/lib/soar/state.json")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Level = %s, want warn", cfg.Logging.Level)
	}
	if cfg.Playbooks.Dir != "/opt/playbooks" {
		t.Errorf("Dir = %s", cfg.Playbooks.Dir)
	}
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "b2:9092" {
		t.Errorf("Brokers = %v", cfg.Kafka.Brokers)
	}
	if !cfg.Cooldown.Enabled || cfg.Cooldown.Addr != "redis:6379" {
		t.Errorf("Cooldown = %+v", cfg.Cooldown)
	}
	if cfg.State.Path != "/var/lib/soar/state.json" {
		t.Errorf("State.Path = %s", cfg.State.Path)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"zero queue size", func(c *Config) { c.Engine.QueueSize = 0 }},
		{"zero scheduler interval", func(c *Config) { c.Scheduler.PlaybookInterval = 0 }},
		{"kafka enabled without brokers", func(c *Config) {
			c.Kafka.Enabled = true
			c.Kafka.Brokers = nil
		}},
		{"evidence enabled without bucket", func(c *Config) {
			c.Evidence.Enabled = true
			c.Evidence.Bucket = ""
		}},
		{"audit enabled without hosts", func(c *Config) {
			c.Audit.Enabled = true
			c.Audit.ClickHouse.Hosts = nil
		}},
		{"state enabled without path", func(c *Config) { c.State.Path = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
