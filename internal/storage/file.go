package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ storage.Writer = (*FileWriter)(nil)

// FileConfig contains local filesystem configuration.
type FileConfig struct {
	BasePath string
}

// FileWriter implements storage.Writer for the local filesystem.
// Routed directories are created under BasePath on demand.
type FileWriter struct {
	baseWriter
	basePath string
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewFileWriter creates a new filesystem storage writer.
func NewFileWriter(
	config FileConfig,
	format entry.FileFormat,
	compression string,
	logger *zap.Logger,
	metrics MetricsCollector,
) (*FileWriter, error) {
	if err := os.MkdirAll(config.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	base, err := newBaseWriter("file", format, compression, metrics)
	if err != nil {
		return nil, err
	}

	logger.Info("filesystem writer created",
		zap.String("base_path", config.BasePath),
		zap.String("format", string(format)),
		zap.String("compression", compression),
	)

	return &FileWriter{
		baseWriter: base,
		basePath:   config.BasePath,
		logger:     logger,
	}, nil
}

// Write encodes the batch into a new file under dir.
func (w *FileWriter) Write(ctx context.Context, batch entry.Batch, dir string) (int64, error) {
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

	target := filepath.Join(w.basePath, strings.TrimPrefix(dir, "file://"))
	if err := os.MkdirAll(target, 0o755); err != nil {
		w.fail("mkdir")
		return 0, &errors.StorageError{Operation: "create", Path: target, Err: err}
	}

	fullPath := filepath.Join(target, w.namer.next(started, batch.ID, enc.FileExtension()))

	stats, err := enc.Encode(fullPath, batch)
	if err != nil {
		w.fail("encode")
		os.Remove(fullPath)
		return 0, &errors.StorageError{Operation: "encode", Path: fullPath, Err: err}
	}

	w.succeed(stats.SizeBytes, started)
	w.logger.Info("wrote batch to file",
		zap.String("path", fullPath),
		zap.String("batch_id", batch.ID),
		zap.Int("entry_count", stats.RecordCount),
		zap.Int64("file_size", stats.SizeBytes),
		zap.Duration("duration", time.Since(started)),
	)

	return stats.SizeBytes, nil
}

// Close closes the writer.
func (w *FileWriter) Close() error {
	w.logger.Info("closing filesystem writer")
	return nil
}
