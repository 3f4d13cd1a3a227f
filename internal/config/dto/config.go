package dto

import (
	"fmt"
	"time"
)

// ApplicationConfig is the root configuration structure
type ApplicationConfig struct {
	Application   ApplicationInfo     `mapstructure:"application"`
	Flush         FlushConfig         `mapstructure:"flush"`
	Source        SourceConfig        `mapstructure:"source"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Sinks         SinksConfig         `mapstructure:"sinks"`
	Parquet       ParquetConfig       `mapstructure:"parquet"`
	Avro          AvroConfig          `mapstructure:"avro"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	Shutdown      ShutdownConfig      `mapstructure:"shutdown"`
}

// ApplicationInfo contains application metadata
type ApplicationInfo struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	InstanceID  string `mapstructure:"instance_id"`
}

// FlushConfig controls how often the buffer is drained
type FlushConfig struct {
	IntervalMS     int `mapstructure:"interval_ms"`
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// Interval returns the drain period.
func (c FlushConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// Timeout returns the per-flush deadline.
func (c FlushConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// SourceConfig selects the producer feeding the buffer
type SourceConfig struct {
	Type      string          `mapstructure:"type"`
	Generator GeneratorConfig `mapstructure:"generator"`
}

// GeneratorConfig contains synthetic load settings
type GeneratorConfig struct {
	IntervalMS int     `mapstructure:"interval_ms"`
	Burst      int     `mapstructure:"burst"`
	KeySpace   int     `mapstructure:"key_space"`
	KeyPrefix  string  `mapstructure:"key_prefix"`
	MergeRatio float64 `mapstructure:"merge_ratio"`
	EraseRatio float64 `mapstructure:"erase_ratio"`
	PatchRatio float64 `mapstructure:"patch_ratio"`
	Seed       int64   `mapstructure:"seed"`
}

// KafkaConfig contains Kafka-related configuration
type KafkaConfig struct {
	BootstrapServers      []string       `mapstructure:"bootstrap_servers"`
	ClientID              string         `mapstructure:"client_id"`
	SecurityProtocol      string         `mapstructure:"security_protocol"`
	SASLMechanism         string         `mapstructure:"sasl_mechanism"`
	SASLUsername          string         `mapstructure:"sasl_username"`
	SASLPassword          string         `mapstructure:"sasl_password"`
	AWSRegion             string         `mapstructure:"aws_region"`
	TLSInsecureSkipVerify bool           `mapstructure:"tls_insecure_skip_verify"`
	Consumer              ConsumerConfig `mapstructure:"consumer"`
	Producer              ProducerConfig `mapstructure:"producer"`
	DLQ                   DLQConfig      `mapstructure:"dlq"`
}

// ConsumerConfig contains Kafka consumer configuration
type ConsumerConfig struct {
	GroupID             string   `mapstructure:"group_id"`
	Topics              []string `mapstructure:"topics"`
	AutoOffsetReset     string   `mapstructure:"auto_offset_reset"`
	MaxPollIntervalMS   int      `mapstructure:"max_poll_interval_ms"`
	SessionTimeoutMS    int      `mapstructure:"session_timeout_ms"`
	HeartbeatIntervalMS int      `mapstructure:"heartbeat_interval_ms"`
}

// ProducerConfig contains settings for the Kafka sink
type ProducerConfig struct {
	Topic       string `mapstructure:"topic"`
	Compression string `mapstructure:"compression"`
	Source      string `mapstructure:"source"`
}

// DLQConfig contains dead letter queue configuration
type DLQConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Topic   string `mapstructure:"topic"`
}

// SinksConfig lists the sinks that receive drained batches, in order
type SinksConfig struct {
	Enabled []string      `mapstructure:"enabled"`
	KV      KVConfig      `mapstructure:"kv"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

// KVConfig contains embedded key-value store settings
type KVConfig struct {
	Dir        string `mapstructure:"dir"`
	InMemory   bool   `mapstructure:"in_memory"`
	SyncWrites bool   `mapstructure:"sync_writes"`
	ChunkSize  int    `mapstructure:"chunk_size"`
}

// ArchiveConfig contains archive backend configuration
type ArchiveConfig struct {
	Backend     string      `mapstructure:"backend"`
	Format      string      `mapstructure:"format"`
	Compression string      `mapstructure:"compression"`
	S3          S3Config    `mapstructure:"s3"`
	Azure       AzureConfig `mapstructure:"azure"`
	GCS         GCSConfig   `mapstructure:"gcs"`
	File        FileConfig  `mapstructure:"file"`
}

// S3Config contains AWS S3 configuration
type S3Config struct {
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	BasePath     string `mapstructure:"base_path"`
	Endpoint     string `mapstructure:"endpoint"`
	UsePathStyle bool   `mapstructure:"use_path_style"`
	SSEEnabled   bool   `mapstructure:"sse_enabled"`
	SSEKMSKeyID  string `mapstructure:"sse_kms_key_id"`
}

// AzureConfig contains Azure Blob Storage configuration
type AzureConfig struct {
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	Container   string `mapstructure:"container"`
	Endpoint    string `mapstructure:"endpoint"`
	BasePath    string `mapstructure:"base_path"`
}

// GCSConfig contains Google Cloud Storage configuration
type GCSConfig struct {
	Bucket          string `mapstructure:"bucket"`
	ProjectID       string `mapstructure:"project_id"`
	BasePath        string `mapstructure:"base_path"`
	CredentialsFile string `mapstructure:"credentials_file"`
	CredentialsJSON string `mapstructure:"credentials_json"`
}

// FileConfig contains local filesystem configuration
type FileConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// ParquetConfig contains Parquet format settings
type ParquetConfig struct {
	Compression string `mapstructure:"compression"`
}

// AvroConfig contains Avro format settings
type AvroConfig struct {
	Codec string `mapstructure:"codec"`
}

// RetryConfig contains sink retry settings
type RetryConfig struct {
	MaxAttempts       int     `mapstructure:"max_attempts"`
	InitialBackoffMS  int     `mapstructure:"initial_backoff_ms"`
	MaxBackoffMS      int     `mapstructure:"max_backoff_ms"`
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier"`
}

// ObservabilityConfig contains observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Health  HealthConfig  `mapstructure:"health"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// MetricsConfig contains metrics settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// HealthConfig contains health check settings
type HealthConfig struct {
	Port          int    `mapstructure:"port"`
	LivenessPath  string `mapstructure:"liveness_path"`
	ReadinessPath string `mapstructure:"readiness_path"`
	EnableDebug   bool   `mapstructure:"enable_debug"`
}

// ShutdownConfig contains shutdown settings
type ShutdownConfig struct {
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// GracePeriod returns the shutdown grace period.
func (c ShutdownConfig) GracePeriod() time.Duration {
	return time.Duration(c.GracePeriodSeconds) * time.Second
}

// SinkEnabled reports whether name is listed in sinks.enabled.
func (c *ApplicationConfig) SinkEnabled(name string) bool {
	for _, s := range c.Sinks.Enabled {
		if s == name {
			return true
		}
	}
	return false
}

// KafkaRequired reports whether any enabled component talks to Kafka.
func (c *ApplicationConfig) KafkaRequired() bool {
	return c.Source.Type == "kafka" || c.SinkEnabled("kafka") || c.Kafka.DLQ.Enabled
}

// Validate validates S3 configuration.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("s3 bucket is required")
	}
	if c.Region == "" {
		return fmt.Errorf("s3 region is required")
	}
	return nil
}

// Validate validates Azure configuration.
func (c *AzureConfig) Validate() error {
	if c.AccountName == "" {
		return fmt.Errorf("azure account name is required")
	}
	if c.Container == "" {
		return fmt.Errorf("azure container is required")
	}
	return nil
}

// Validate validates GCS configuration.
func (c *GCSConfig) Validate() error {
	if c.Bucket == "" {
		return fmt.Errorf("gcs bucket is required")
	}
	return nil
}

// Validate validates file configuration.
func (c *FileConfig) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("file base path is required")
	}
	return nil
}

// Validate validates KV configuration.
func (c *KVConfig) Validate() error {
	if !c.InMemory && c.Dir == "" {
		return fmt.Errorf("kv dir is required unless in_memory is set")
	}
	if c.ChunkSize < 0 {
		return fmt.Errorf("kv chunk size must not be negative")
	}
	return nil
}

// Validate validates generator configuration.
func (c *GeneratorConfig) Validate() error {
	if c.IntervalMS <= 0 {
		return fmt.Errorf("generator interval must be positive")
	}
	if c.Burst <= 0 {
		return fmt.Errorf("generator burst must be positive")
	}
	if c.KeySpace <= 0 {
		return fmt.Errorf("generator key space must be positive")
	}
	for name, r := range map[string]float64{"merge_ratio": c.MergeRatio, "erase_ratio": c.EraseRatio, "patch_ratio": c.PatchRatio} {
		if r < 0 || r > 1 {
			return fmt.Errorf("generator %s must be within [0,1]", name)
		}
	}
	if c.MergeRatio+c.EraseRatio > 1 {
		return fmt.Errorf("generator merge_ratio + erase_ratio must not exceed 1")
	}
	return nil
}
