package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/jittakal/stagebuf/internal/config/dto"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func mustLoad(t *testing.T, path string) *dto.ApplicationConfig {
	t.Helper()
	cfg, err := NewLoader().Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return cfg
}

func TestLoader_Defaults(t *testing.T) {
	cfg := mustLoad(t, "")

	if cfg.Application.Name != "stagebuf" {
		t.Errorf("Application.Name = %s, want stagebuf", cfg.Application.Name)
	}
	if cfg.Flush.IntervalMS != 200 {
		t.Errorf("Flush.IntervalMS = %d, want 200", cfg.Flush.IntervalMS)
	}
	if cfg.Source.Type != "generator" {
		t.Errorf("Source.Type = %s, want generator", cfg.Source.Type)
	}
	if !reflect.DeepEqual(cfg.Sinks.Enabled, []string{"kv"}) {
		t.Errorf("Sinks.Enabled = %v, want [kv]", cfg.Sinks.Enabled)
	}
	if cfg.Sinks.KV.Dir != "./data/kv" {
		t.Errorf("Sinks.KV.Dir = %s, want ./data/kv", cfg.Sinks.KV.Dir)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
	if cfg.Observability.Health.Port != 8080 {
		t.Errorf("Health.Port = %d, want 8080", cfg.Observability.Health.Port)
	}
	if cfg.KafkaRequired() {
		t.Error("KafkaRequired() = true, want false")
	}
}

func TestLoader_LoadWithValidConfig(t *testing.T) {
	path := writeConfig(t, `
application:
  name: test-app

flush:
  interval_ms: 500

source:
  type: kafka

kafka:
  bootstrap_servers:
    - localhost:9092
  consumer:
    group_id: test-group
    topics:
      - updates
  producer:
    topic: state
  dlq:
    enabled: true
    topic: updates-dlq

sinks:
  enabled: [kv, archive, kafka]
  kv:
    in_memory: true
  archive:
    backend: file
    format: avro
    file:
      base_path: /tmp/archive
`)

	cfg := mustLoad(t, path)

	if cfg.Application.Name != "test-app" {
		t.Errorf("Application.Name = %s, want test-app", cfg.Application.Name)
	}
	if cfg.Flush.IntervalMS != 500 {
		t.Errorf("Flush.IntervalMS = %d, want 500", cfg.Flush.IntervalMS)
	}
	if !reflect.DeepEqual(cfg.Kafka.Consumer.Topics, []string{"updates"}) {
		t.Errorf("Consumer.Topics = %v, want [updates]", cfg.Kafka.Consumer.Topics)
	}
	if !reflect.DeepEqual(cfg.Sinks.Enabled, []string{"kv", "archive", "kafka"}) {
		t.Errorf("Sinks.Enabled = %v", cfg.Sinks.Enabled)
	}
	if !cfg.Sinks.KV.InMemory {
		t.Error("Sinks.KV.InMemory = false, want true")
	}
	if cfg.Sinks.Archive.Format != "avro" {
		t.Errorf("Archive.Format = %s, want avro", cfg.Sinks.Archive.Format)
	}
	if !cfg.SinkEnabled("kafka") || !cfg.KafkaRequired() {
		t.Error("kafka sink should be enabled and require kafka")
	}
}

func TestLoader_EnvironmentOverride(t *testing.T) {
	t.Setenv("STAGEBUF_FLUSH_INTERVAL_MS", "1000")
	t.Setenv("STAGEBUF_OBSERVABILITY_LOGGING_LEVEL", "debug")

	cfg := mustLoad(t, "")

	if cfg.Flush.IntervalMS != 1000 {
		t.Errorf("Flush.IntervalMS = %d, want 1000", cfg.Flush.IntervalMS)
	}
	if cfg.Observability.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %s, want debug", cfg.Observability.Logging.Level)
	}
}

func TestLoader_ExpandsEnvReferences(t *testing.T) {
	t.Setenv("KV_DIR", "/var/lib/stagebuf")
	path := writeConfig(t, `
sinks:
  kv:
    dir: ${KV_DIR}/kv
`)

	cfg := mustLoad(t, path)
	if cfg.Sinks.KV.Dir != "/var/lib/stagebuf/kv" {
		t.Errorf("Sinks.KV.Dir = %s, want /var/lib/stagebuf/kv", cfg.Sinks.KV.Dir)
	}
}

func TestLoader_LoadWithMissingFile(t *testing.T) {
	cfg := mustLoad(t, filepath.Join(t.TempDir(), "missing.yaml"))
	if cfg.Application.Name != "stagebuf" {
		t.Errorf("Application.Name = %s, want stagebuf", cfg.Application.Name)
	}
}

func TestLoader_LoadWithInvalidYAML(t *testing.T) {
	path := writeConfig(t, "flush: [unclosed")

	if _, err := NewLoader().Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func validConfig() *dto.ApplicationConfig {
	return &dto.ApplicationConfig{
		Application: dto.ApplicationInfo{Name: "stagebuf"},
		Flush:       dto.FlushConfig{IntervalMS: 200, TimeoutSeconds: 30},
		Source: dto.SourceConfig{
			Type: "generator",
			Generator: dto.GeneratorConfig{
				IntervalMS: 50, Burst: 10, KeySpace: 100, MergeRatio: 0.5, EraseRatio: 0.1,
			},
		},
		Sinks: dto.SinksConfig{
			Enabled: []string{"kv"},
			KV:      dto.KVConfig{InMemory: true},
		},
		Retry: dto.RetryConfig{MaxAttempts: 3},
		Observability: dto.ObservabilityConfig{
			Metrics: dto.MetricsConfig{Port: 9090},
			Health:  dto.HealthConfig{Port: 8080},
		},
	}
}

func TestLoader_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *dto.ApplicationConfig)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *dto.ApplicationConfig) {},
		},
		{
			name:    "zero flush interval",
			mutate:  func(c *dto.ApplicationConfig) { c.Flush.IntervalMS = 0 },
			wantErr: "flush.interval_ms",
		},
		{
			name:    "unknown source",
			mutate:  func(c *dto.ApplicationConfig) { c.Source.Type = "http" },
			wantErr: "unsupported source type",
		},
		{
			name:   "no source",
			mutate: func(c *dto.ApplicationConfig) { c.Source.Type = "none" },
		},
		{
			name:    "generator ratios overflow",
			mutate:  func(c *dto.ApplicationConfig) { c.Source.Generator.MergeRatio = 0.95 },
			wantErr: "must not exceed 1",
		},
		{
			name: "kafka source without topics",
			mutate: func(c *dto.ApplicationConfig) {
				c.Source.Type = "kafka"
				c.Kafka.BootstrapServers = []string{"localhost:9092"}
				c.Kafka.Consumer.GroupID = "g"
			},
			wantErr: "kafka.consumer.topics",
		},
		{
			name: "kafka source without brokers",
			mutate: func(c *dto.ApplicationConfig) {
				c.Source.Type = "kafka"
				c.Kafka.Consumer.GroupID = "g"
				c.Kafka.Consumer.Topics = []string{"t"}
			},
			wantErr: "kafka.bootstrap_servers",
		},
		{
			name:    "unknown sink",
			mutate:  func(c *dto.ApplicationConfig) { c.Sinks.Enabled = []string{"redis"} },
			wantErr: "unsupported sink",
		},
		{
			name:    "duplicate sink",
			mutate:  func(c *dto.ApplicationConfig) { c.Sinks.Enabled = []string{"kv", "kv"} },
			wantErr: "listed twice",
		},
		{
			name: "kv without dir",
			mutate: func(c *dto.ApplicationConfig) {
				c.Sinks.KV = dto.KVConfig{}
			},
			wantErr: "kv dir",
		},
		{
			name: "archive s3 without bucket",
			mutate: func(c *dto.ApplicationConfig) {
				c.Sinks.Enabled = []string{"archive"}
				c.Sinks.Archive = dto.ArchiveConfig{Backend: "s3", Format: "parquet", S3: dto.S3Config{Region: "us-east-1"}}
			},
			wantErr: "s3 bucket",
		},
		{
			name: "archive unknown format",
			mutate: func(c *dto.ApplicationConfig) {
				c.Sinks.Enabled = []string{"archive"}
				c.Sinks.Archive = dto.ArchiveConfig{Backend: "file", Format: "csv", File: dto.FileConfig{BasePath: "/tmp"}}
			},
			wantErr: "unsupported storage format",
		},
		{
			name: "archive unknown backend",
			mutate: func(c *dto.ApplicationConfig) {
				c.Sinks.Enabled = []string{"archive"}
				c.Sinks.Archive = dto.ArchiveConfig{Backend: "ftp", Format: "parquet"}
			},
			wantErr: "unsupported storage backend",
		},
		{
			name: "kafka sink without topic",
			mutate: func(c *dto.ApplicationConfig) {
				c.Sinks.Enabled = []string{"kafka"}
				c.Kafka.BootstrapServers = []string{"localhost:9092"}
			},
			wantErr: "kafka.producer.topic",
		},
		{
			name: "dlq without topic",
			mutate: func(c *dto.ApplicationConfig) {
				c.Kafka.DLQ.Enabled = true
				c.Kafka.BootstrapServers = []string{"localhost:9092"}
			},
			wantErr: "kafka.dlq.topic",
		},
		{
			name:    "invalid metrics port",
			mutate:  func(c *dto.ApplicationConfig) { c.Observability.Metrics.Port = 70000 },
			wantErr: "invalid metrics port",
		},
		{
			name:    "invalid health port",
			mutate:  func(c *dto.ApplicationConfig) { c.Observability.Health.Port = 0 },
			wantErr: "invalid health port",
		},
		{
			name:    "zero retry attempts",
			mutate:  func(c *dto.ApplicationConfig) { c.Retry.MaxAttempts = 0 },
			wantErr: "retry.max_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := NewLoader().Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
