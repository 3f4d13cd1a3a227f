package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*S3Writer)(nil)

// S3Config contains AWS S3 configuration.
type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	UsePathStyle bool
	SSEEnabled   bool
	SSEKMSKeyID  string
}

// S3Writer implements storage.Writer for AWS S3 using multipart uploads.
type S3Writer struct {
	baseWriter
	uploader    *manager.Uploader
	bucket      string
	sseEnabled  bool
	sseKMSKeyID string
	logger      *zap.Logger
	mu          sync.Mutex
}

// NewS3Writer creates a new S3 storage writer.
func NewS3Writer(
	ctx context.Context,
	cfg S3Config,
	format entry.FileFormat,
	compression string,
	logger *zap.Logger,
	metrics MetricsCollector,
) (*S3Writer, error) {
	awsConfig, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		u.PartSize = 10 * 1024 * 1024
		u.Concurrency = 5
	})

	base, err := newBaseWriter("s3", format, compression, metrics)
	if err != nil {
		return nil, err
	}

	logger.Info("S3 writer created",
		zap.String("bucket", cfg.Bucket),
		zap.String("region", cfg.Region),
		zap.String("format", string(format)),
		zap.String("compression", compression),
		zap.Bool("sse_enabled", cfg.SSEEnabled),
	)

	return &S3Writer{
		baseWriter:  base,
		uploader:    uploader,
		bucket:      cfg.Bucket,
		sseEnabled:  cfg.SSEEnabled,
		sseKMSKeyID: cfg.SSEKMSKeyID,
		logger:      logger,
	}, nil
}

// Write encodes the batch and uploads it below dir, which may be an
// s3://bucket/prefix/ URI or a bare prefix.
func (w *S3Writer) Write(ctx context.Context, batch entry.Batch, dir string) (int64, error) {
	if batch.Len() == 0 {
		return 0, fmt.Errorf("no entries to write")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	started := time.Now()

	enc, err := w.encoderFactory.CreateEncoder()
	if err != nil {
		w.fail("encoder_create")
		return 0, fmt.Errorf("failed to create encoder: %w", err)
	}

	key := objectKey(dir, "s3", w.namer.next(started, batch.ID, enc.FileExtension()))

	tempFile, stats, err := encodeToTemp(enc, batch, "s3")
	if err != nil {
		w.fail("encode")
		return 0, err
	}
	defer os.Remove(tempFile)

	file, err := os.Open(tempFile)
	if err != nil {
		w.fail("file_open")
		return 0, &errors.StorageError{Operation: "open", Path: tempFile, Err: err}
	}
	defer file.Close()

	input := &s3.PutObjectInput{
		Bucket: aws.String(w.bucket),
		Key:    aws.String(key),
		Body:   file,
	}
	if w.sseEnabled {
		if w.sseKMSKeyID != "" {
			input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
			input.SSEKMSKeyId = aws.String(w.sseKMSKeyID)
		} else {
			input.ServerSideEncryption = types.ServerSideEncryptionAes256
		}
	}

	if _, err := w.uploader.Upload(ctx, input); err != nil {
		w.fail("upload")
		return 0, &errors.StorageError{Operation: "upload", Path: "s3://" + w.bucket + "/" + key, Err: err}
	}

	w.succeed(stats.SizeBytes, started)
	w.logger.Info("wrote batch to S3",
		zap.String("bucket", w.bucket),
		zap.String("key", key),
		zap.String("batch_id", batch.ID),
		zap.Int("entry_count", stats.RecordCount),
		zap.Int64("file_size", stats.SizeBytes),
		zap.Duration("duration", time.Since(started)),
	)

	return stats.SizeBytes, nil
}

// Close closes the S3 writer.
func (w *S3Writer) Close() error {
	w.logger.Info("S3 writer closed")
	return nil
}
