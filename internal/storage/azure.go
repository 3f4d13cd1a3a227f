package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*AzureWriter)(nil)

// AzureConfig contains Azure Blob Storage configuration.
type AzureConfig struct {
	AccountName   string
	AccountKey    string
	ContainerName string
	Endpoint      string
}

// ConnectionString builds the shared-key connection string. A custom
// endpoint (Azurite, sovereign clouds) replaces the public suffix.
func (c AzureConfig) ConnectionString() string {
	if c.Endpoint != "" {
		return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;BlobEndpoint=%s",
			c.AccountName, c.AccountKey, c.Endpoint)
	}
	return fmt.Sprintf("DefaultEndpointsProtocol=https;AccountName=%s;AccountKey=%s;EndpointSuffix=core.windows.net",
		c.AccountName, c.AccountKey)
}

// AzureWriter implements storage.Writer for Azure Blob Storage.
type AzureWriter struct {
	baseWriter
	client        *azblob.Client
	containerName string
	logger        *zap.Logger
	mu            sync.Mutex
}

// NewAzureWriter creates a new Azure Blob storage writer.
func NewAzureWriter(
	cfg AzureConfig,
	format entry.FileFormat,
	compression string,
	logger *zap.Logger,
	metrics MetricsCollector,
) (*AzureWriter, error) {
	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}

	base, err := newBaseWriter("azure", format, compression, metrics)
	if err != nil {
		return nil, err
	}

	logger.Info("Azure writer created",
		zap.String("container", cfg.ContainerName),
		zap.String("account", cfg.AccountName),
		zap.String("format", string(format)),
		zap.String("compression", compression),
	)

	return &AzureWriter{
		baseWriter:    base,
		client:        client,
		containerName: cfg.ContainerName,
		logger:        logger,
	}, nil
}

// Write encodes the batch and uploads it as a block blob below dir.
func (w *AzureWriter) Write(ctx context.Context, batch entry.Batch, dir string) (int64, error) {
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

	blobPath := objectKey(dir, "wasbs", w.namer.next(started, batch.ID, enc.FileExtension()))

	tempFile, stats, err := encodeToTemp(enc, batch, "azure")
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

	if _, err := w.client.UploadFile(ctx, w.containerName, blobPath, file, nil); err != nil {
		w.fail("upload")
		return 0, &errors.StorageError{Operation: "upload", Path: w.containerName + "/" + blobPath, Err: err}
	}

	w.succeed(stats.SizeBytes, started)
	w.logger.Info("wrote batch to Azure Blob",
		zap.String("container", w.containerName),
		zap.String("blob", blobPath),
		zap.String("batch_id", batch.ID),
		zap.Int("entry_count", stats.RecordCount),
		zap.Int64("file_size", stats.SizeBytes),
		zap.Duration("duration", time.Since(started)),
	)

	return stats.SizeBytes, nil
}

// Close closes the Azure writer.
func (w *AzureWriter) Close() error {
	w.logger.Info("Azure writer closed")
	return nil
}
