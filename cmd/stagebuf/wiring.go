package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/config/dto"
	"github.com/jittakal/stagebuf/internal/encoder"
	"github.com/jittakal/stagebuf/internal/flush"
	"github.com/jittakal/stagebuf/internal/generator"
	"github.com/jittakal/stagebuf/internal/kafka"
	"github.com/jittakal/stagebuf/internal/observability"
	"github.com/jittakal/stagebuf/internal/storage"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/sink"
	"github.com/jittakal/stagebuf/pkg/source"
	pkgstorage "github.com/jittakal/stagebuf/pkg/storage"
)

// kafkaSecurity maps the shared Kafka settings.
func kafkaSecurity(cfg dto.KafkaConfig) kafka.SecurityConfig {
	return kafka.SecurityConfig{
		SecurityProtocol:      cfg.SecurityProtocol,
		SASLMechanism:         cfg.SASLMechanism,
		SASLUsername:          cfg.SASLUsername,
		SASLPassword:          cfg.SASLPassword,
		AWSRegion:             cfg.AWSRegion,
		TLSInsecureSkipVerify: cfg.TLSInsecureSkipVerify,
	}
}

func kafkaProducer(cfg dto.KafkaConfig) kafka.ProducerConfig {
	return kafka.ProducerConfig{
		BootstrapServers: cfg.BootstrapServers,
		ClientID:         cfg.ClientID,
		Compression:      cfg.Producer.Compression,
		Security:         kafkaSecurity(cfg),
	}
}

func retryPolicy(cfg dto.RetryConfig) flush.RetryPolicy {
	return flush.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		InitialBackoff: time.Duration(cfg.InitialBackoffMS) * time.Millisecond,
		MaxBackoff:     time.Duration(cfg.MaxBackoffMS) * time.Millisecond,
		Multiplier:     cfg.BackoffMultiplier,
	}
}

// archiveFormat returns the archive file format and its compression. An
// explicit sinks.archive.compression wins over the per-format setting.
func archiveFormat(cfg *dto.ApplicationConfig) (entry.FileFormat, string) {
	format := entry.FormatParquet
	compression := cfg.Parquet.Compression
	if strings.EqualFold(cfg.Sinks.Archive.Format, "avro") {
		format = entry.FormatAvro
		compression = cfg.Avro.Codec
	}

	if cfg.Sinks.Archive.Compression != "" {
		compression = cfg.Sinks.Archive.Compression
	}
	if compression == "" {
		compression = encoder.DefaultCompression(format)
	}
	return format, compression
}

func getStorageProtocol(backend string) string {
	switch backend {
	case "s3":
		return "s3"
	case "azure":
		return "wasbs"
	case "gcs":
		return "gs"
	default:
		return "file"
	}
}

func getStorageBucket(cfg dto.ArchiveConfig) string {
	switch cfg.Backend {
	case "s3":
		return cfg.S3.Bucket
	case "azure":
		return cfg.Azure.Container
	case "gcs":
		return cfg.GCS.Bucket
	default:
		return ""
	}
}

func getStorageBasePath(cfg dto.ArchiveConfig) string {
	switch cfg.Backend {
	case "s3":
		return cfg.S3.BasePath
	case "azure":
		return cfg.Azure.BasePath
	case "gcs":
		return cfg.GCS.BasePath
	default:
		return ""
	}
}

func newArchiveWriter(ctx context.Context, cfg *dto.ApplicationConfig, logger *zap.Logger, metrics *observability.Metrics) (pkgstorage.Writer, error) {
	archive := cfg.Sinks.Archive
	format, compression := archiveFormat(cfg)
	logger = logger.With(zap.String("component", "archive"))

	switch archive.Backend {
	case "file":
		return storage.NewFileWriter(storage.FileConfig{BasePath: archive.File.BasePath}, format, compression, logger, metrics)
	case "s3":
		return storage.NewS3Writer(ctx, storage.S3Config{
			Bucket:       archive.S3.Bucket,
			Region:       archive.S3.Region,
			Endpoint:     archive.S3.Endpoint,
			UsePathStyle: archive.S3.UsePathStyle,
			SSEEnabled:   archive.S3.SSEEnabled,
			SSEKMSKeyID:  archive.S3.SSEKMSKeyID,
		}, format, compression, logger, metrics)
	case "azure":
		return storage.NewAzureWriter(storage.AzureConfig{
			AccountName:   archive.Azure.AccountName,
			AccountKey:    archive.Azure.AccountKey,
			ContainerName: archive.Azure.Container,
			Endpoint:      archive.Azure.Endpoint,
		}, format, compression, logger, metrics)
	case "gcs":
		return storage.NewGCSWriter(ctx, storage.GCSConfig{
			Bucket:          archive.GCS.Bucket,
			ProjectID:       archive.GCS.ProjectID,
			CredentialsFile: archive.GCS.CredentialsFile,
			CredentialsJSON: archive.GCS.CredentialsJSON,
		}, format, compression, logger, metrics)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s (supported: file, s3, azure, gcs)", archive.Backend)
	}
}

// newSinks builds the enabled sinks in configuration order. On error the
// sinks built so far are closed.
func newSinks(ctx context.Context, cfg *dto.ApplicationConfig, logger *zap.Logger, metrics *observability.Metrics) ([]sink.Sink, error) {
	var sinks []sink.Sink
	fail := func(err error) ([]sink.Sink, error) {
		closeSinks(sinks, logger)
		return nil, err
	}

	for _, name := range cfg.Sinks.Enabled {
		switch name {
		case "kv":
			kv, err := storage.NewBadgerSink(storage.BadgerConfig{
				Dir:        cfg.Sinks.KV.Dir,
				InMemory:   cfg.Sinks.KV.InMemory,
				SyncWrites: cfg.Sinks.KV.SyncWrites,
				ChunkSize:  cfg.Sinks.KV.ChunkSize,
			}, logger.With(zap.String("component", "kv")), metrics)
			if err != nil {
				return fail(fmt.Errorf("failed to create kv sink: %w", err))
			}
			sinks = append(sinks, kv)

		case "archive":
			writer, err := newArchiveWriter(ctx, cfg, logger, metrics)
			if err != nil {
				return fail(fmt.Errorf("failed to create archive writer: %w", err))
			}
			archive := cfg.Sinks.Archive
			router := storage.NewRouter(getStorageProtocol(archive.Backend), getStorageBucket(archive), getStorageBasePath(archive))
			sinks = append(sinks, storage.NewArchiveSink(router, writer, logger.With(zap.String("component", "archive")), metrics))

		case "kafka":
			ks, err := kafka.NewSink(kafka.SinkConfig{
				Producer: kafkaProducer(cfg.Kafka),
				Topic:    cfg.Kafka.Producer.Topic,
				Source:   cfg.Kafka.Producer.Source,
			}, logger.With(zap.String("component", "kafka-sink")), metrics)
			if err != nil {
				return fail(fmt.Errorf("failed to create kafka sink: %w", err))
			}
			sinks = append(sinks, ks)

		default:
			return fail(fmt.Errorf("unsupported sink: %s", name))
		}
	}
	return sinks, nil
}

// closeSinks closes sinks in reverse order.
func closeSinks(sinks []sink.Sink, logger *zap.Logger) {
	for i := len(sinks) - 1; i >= 0; i-- {
		if err := sinks[i].Close(); err != nil {
			logger.Error("failed to close sink", zap.String("sink", sinks[i].Name()), zap.Error(err))
		}
	}
}

// newSource builds the configured producer. It returns nil for "none".
func newSource(cfg *dto.ApplicationConfig, buf kafka.BufferWriter, dlq *kafka.DLQPublisher, logger *zap.Logger, metrics *observability.Metrics) (source.Source, error) {
	switch cfg.Source.Type {
	case "generator":
		g := cfg.Source.Generator
		return generator.New(generator.Config{
			Interval:   time.Duration(g.IntervalMS) * time.Millisecond,
			Burst:      g.Burst,
			KeySpace:   g.KeySpace,
			KeyPrefix:  g.KeyPrefix,
			MergeRatio: g.MergeRatio,
			EraseRatio: g.EraseRatio,
			PatchRatio: g.PatchRatio,
			Seed:       g.Seed,
		}, buf, logger.With(zap.String("component", "generator")), metrics), nil

	case "kafka":
		return kafka.NewConsumerSource(kafka.ConsumerConfig{
			BootstrapServers:    cfg.Kafka.BootstrapServers,
			ClientID:            cfg.Kafka.ClientID,
			GroupID:             cfg.Kafka.Consumer.GroupID,
			Topics:              cfg.Kafka.Consumer.Topics,
			AutoOffsetReset:     cfg.Kafka.Consumer.AutoOffsetReset,
			MaxPollIntervalMS:   cfg.Kafka.Consumer.MaxPollIntervalMS,
			SessionTimeoutMS:    cfg.Kafka.Consumer.SessionTimeoutMS,
			HeartbeatIntervalMS: cfg.Kafka.Consumer.HeartbeatIntervalMS,
			Security:            kafkaSecurity(cfg.Kafka),
		}, buf, dlq, logger.With(zap.String("component", "kafka-source")), metrics)

	case "none":
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported source type: %s", cfg.Source.Type)
	}
}
