package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/jittakal/stagebuf/internal/config/dto"
)

// EnvPrefix is prepended to every environment override, e.g.
// STAGEBUF_FLUSH_INTERVAL_MS.
const EnvPrefix = "STAGEBUF"

// Loader handles configuration loading and validation
type Loader struct {
	v *viper.Viper
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Load loads configuration from file and environment variables
func (l *Loader) Load(path string) (*dto.ApplicationConfig, error) {
	l.setDefaults()

	if path != "" {
		l.v.SetConfigFile(path)
		if err := l.v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	// Only expand values that contain a ${...} reference
	for _, key := range l.v.AllKeys() {
		value := l.v.GetString(key)
		if strings.Contains(value, "${") {
			l.v.Set(key, os.ExpandEnv(value))
		}
	}

	var config dto.ApplicationConfig
	if err := l.v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := l.Validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func (l *Loader) setDefaults() {
	// Application defaults
	l.v.SetDefault("application.name", "stagebuf")
	l.v.SetDefault("application.version", "1.0.0")
	l.v.SetDefault("application.environment", "development")
	l.v.SetDefault("application.instance_id", "")

	// Flush defaults
	l.v.SetDefault("flush.interval_ms", 200)
	l.v.SetDefault("flush.timeout_seconds", 30)

	// Source defaults
	l.v.SetDefault("source.type", "generator")
	l.v.SetDefault("source.generator.interval_ms", 50)
	l.v.SetDefault("source.generator.burst", 20)
	l.v.SetDefault("source.generator.key_space", 500)
	l.v.SetDefault("source.generator.key_prefix", "report")
	l.v.SetDefault("source.generator.merge_ratio", 0.4)
	l.v.SetDefault("source.generator.erase_ratio", 0.05)
	l.v.SetDefault("source.generator.patch_ratio", 0.1)
	l.v.SetDefault("source.generator.seed", 0)

	// Kafka defaults
	l.v.SetDefault("kafka.bootstrap_servers", []string{})
	l.v.SetDefault("kafka.client_id", "stagebuf")
	l.v.SetDefault("kafka.security_protocol", "PLAINTEXT")
	l.v.SetDefault("kafka.sasl_mechanism", "PLAIN")
	l.v.SetDefault("kafka.sasl_username", "")
	l.v.SetDefault("kafka.sasl_password", "")
	l.v.SetDefault("kafka.aws_region", "us-east-1")
	l.v.SetDefault("kafka.tls_insecure_skip_verify", false)
	l.v.SetDefault("kafka.consumer.group_id", "stagebuf")
	l.v.SetDefault("kafka.consumer.topics", []string{})
	l.v.SetDefault("kafka.consumer.auto_offset_reset", "earliest")
	l.v.SetDefault("kafka.consumer.max_poll_interval_ms", 300000)
	l.v.SetDefault("kafka.consumer.session_timeout_ms", 30000)
	l.v.SetDefault("kafka.consumer.heartbeat_interval_ms", 10000)
	l.v.SetDefault("kafka.producer.topic", "")
	l.v.SetDefault("kafka.producer.compression", "snappy")
	l.v.SetDefault("kafka.producer.source", "stagebuf")
	l.v.SetDefault("kafka.dlq.enabled", false)
	l.v.SetDefault("kafka.dlq.topic", "")

	// Sink defaults
	l.v.SetDefault("sinks.enabled", []string{"kv"})
	l.v.SetDefault("sinks.kv.dir", "./data/kv")
	l.v.SetDefault("sinks.kv.in_memory", false)
	l.v.SetDefault("sinks.kv.sync_writes", false)
	l.v.SetDefault("sinks.kv.chunk_size", 1000)
	l.v.SetDefault("sinks.archive.backend", "file")
	l.v.SetDefault("sinks.archive.format", "parquet")
	l.v.SetDefault("sinks.archive.compression", "")
	l.v.SetDefault("sinks.archive.file.base_path", "./data/archive")
	l.v.SetDefault("sinks.archive.s3.use_path_style", false)
	l.v.SetDefault("sinks.archive.s3.sse_enabled", true)

	// Format defaults
	l.v.SetDefault("parquet.compression", "snappy")
	l.v.SetDefault("avro.codec", "null")

	// Retry defaults
	l.v.SetDefault("retry.max_attempts", 3)
	l.v.SetDefault("retry.initial_backoff_ms", 100)
	l.v.SetDefault("retry.max_backoff_ms", 5000)
	l.v.SetDefault("retry.backoff_multiplier", 2.0)

	// Observability defaults
	l.v.SetDefault("observability.logging.level", "info")
	l.v.SetDefault("observability.logging.format", "json")
	l.v.SetDefault("observability.logging.output", "stdout")
	l.v.SetDefault("observability.metrics.enabled", true)
	l.v.SetDefault("observability.metrics.port", 9090)
	l.v.SetDefault("observability.metrics.path", "/metrics")
	l.v.SetDefault("observability.health.port", 8080)
	l.v.SetDefault("observability.health.liveness_path", "/health/live")
	l.v.SetDefault("observability.health.readiness_path", "/health/ready")
	l.v.SetDefault("observability.health.enable_debug", true)

	// Shutdown defaults
	l.v.SetDefault("shutdown.grace_period_seconds", 30)
}

// Validate validates the configuration
func (l *Loader) Validate(config *dto.ApplicationConfig) error {
	if config.Application.Name == "" {
		return errors.New("application.name is required")
	}

	if config.Flush.IntervalMS <= 0 {
		return fmt.Errorf("flush.interval_ms must be positive: %d", config.Flush.IntervalMS)
	}
	if config.Flush.TimeoutSeconds <= 0 {
		return fmt.Errorf("flush.timeout_seconds must be positive: %d", config.Flush.TimeoutSeconds)
	}

	switch config.Source.Type {
	case "generator":
		if err := config.Source.Generator.Validate(); err != nil {
			return fmt.Errorf("source.generator: %w", err)
		}
	case "kafka":
		if len(config.Kafka.Consumer.Topics) == 0 {
			return errors.New("kafka.consumer.topics is required for kafka source")
		}
		if config.Kafka.Consumer.GroupID == "" {
			return errors.New("kafka.consumer.group_id is required for kafka source")
		}
	case "none":
	default:
		return fmt.Errorf("unsupported source type: %s", config.Source.Type)
	}

	if err := l.validateSinks(config); err != nil {
		return err
	}

	if config.KafkaRequired() {
		if len(config.Kafka.BootstrapServers) == 0 {
			return errors.New("kafka.bootstrap_servers is required")
		}
		if config.Kafka.DLQ.Enabled && config.Kafka.DLQ.Topic == "" {
			return errors.New("kafka.dlq.topic is required when the DLQ is enabled")
		}
	}

	if config.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1: %d", config.Retry.MaxAttempts)
	}

	if config.Observability.Metrics.Port < 1 || config.Observability.Metrics.Port > 65535 {
		return fmt.Errorf("invalid metrics port: %d", config.Observability.Metrics.Port)
	}
	if config.Observability.Health.Port < 1 || config.Observability.Health.Port > 65535 {
		return fmt.Errorf("invalid health port: %d", config.Observability.Health.Port)
	}

	return nil
}

func (l *Loader) validateSinks(config *dto.ApplicationConfig) error {
	seen := make(map[string]bool, len(config.Sinks.Enabled))
	for _, name := range config.Sinks.Enabled {
		if seen[name] {
			return fmt.Errorf("sink listed twice: %s", name)
		}
		seen[name] = true

		switch name {
		case "kv":
			if err := config.Sinks.KV.Validate(); err != nil {
				return fmt.Errorf("sinks.kv: %w", err)
			}
		case "archive":
			if err := validateArchive(&config.Sinks.Archive); err != nil {
				return fmt.Errorf("sinks.archive: %w", err)
			}
		case "kafka":
			if config.Kafka.Producer.Topic == "" {
				return errors.New("kafka.producer.topic is required for kafka sink")
			}
		default:
			return fmt.Errorf("unsupported sink: %s", name)
		}
	}
	return nil
}

func validateArchive(cfg *dto.ArchiveConfig) error {
	var err error
	switch cfg.Backend {
	case "s3":
		err = cfg.S3.Validate()
	case "azure":
		err = cfg.Azure.Validate()
	case "gcs":
		err = cfg.GCS.Validate()
	case "file":
		err = cfg.File.Validate()
	default:
		return fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return err
	}

	if cfg.Format != "parquet" && cfg.Format != "avro" {
		return fmt.Errorf("unsupported storage format: %s", cfg.Format)
	}
	return nil
}
