// Package storage implements archive writers and the key-value sink.
package storage

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jittakal/stagebuf/internal/encoder"
	"github.com/jittakal/stagebuf/internal/errors"
	pkgencoder "github.com/jittakal/stagebuf/pkg/encoder"
	"github.com/jittakal/stagebuf/pkg/entry"
)

// MetricsCollector defines metrics operations for archive writers.
type MetricsCollector interface {
	IncFilesWritten(backend, format, status string)
	ObserveFileSize(backend, format string, size float64)
	ObserveFileWriteDuration(backend, format string, duration float64)
	IncStorageErrors(backend, operation string)
}

// fileNamer produces batch_YYYYMMDD_HHMMSS_NNN_<id>.<ext> names. The
// sequence restarts every second so names sort in write order.
type fileNamer struct {
	mu            sync.Mutex
	lastTimestamp string
	sequence      int
}

func (n *fileNamer) next(now time.Time, batchID, ext string) string {
	n.mu.Lock()
	defer n.mu.Unlock()

	timestamp := now.UTC().Format("20060102_150405")
	if timestamp == n.lastTimestamp {
		n.sequence++
	} else {
		n.sequence = 1
		n.lastTimestamp = timestamp
	}

	id := batchID
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return fmt.Sprintf("batch_%s_%03d%s", timestamp, n.sequence, ext)
	}
	return fmt.Sprintf("batch_%s_%03d_%s%s", timestamp, n.sequence, id, ext)
}

// objectKey strips scheme://bucket/ from a routed directory and appends
// filename, giving the key inside the bucket or container.
func objectKey(dir, scheme, filename string) string {
	key := dir
	if prefix := scheme + "://"; strings.HasPrefix(dir, prefix) {
		parts := strings.SplitN(strings.TrimPrefix(dir, prefix), "/", 2)
		if len(parts) == 2 {
			key = parts[1]
		} else {
			key = ""
		}
	}
	if key != "" && !strings.HasSuffix(key, "/") {
		key += "/"
	}
	return strings.TrimPrefix(key+filename, "/")
}

// encodeToTemp encodes the batch into a temporary file. The caller removes
// the returned path.
func encodeToTemp(enc pkgencoder.Encoder, batch entry.Batch, backend string) (string, *entry.FileStats, error) {
	tmp, err := os.CreateTemp("", backend+"-upload-*"+enc.FileExtension())
	if err != nil {
		return "", nil, &errors.StorageError{Operation: "create", Path: os.TempDir(), Err: err}
	}
	path := tmp.Name()
	tmp.Close()

	stats, err := enc.Encode(path, batch)
	if err != nil {
		os.Remove(path)
		return "", nil, &errors.StorageError{Operation: "encode", Path: path, Err: err}
	}
	return path, stats, nil
}

// baseWriter carries what every backend shares.
type baseWriter struct {
	backend        string
	encoderFactory *encoder.Factory
	metrics        MetricsCollector
	namer          *fileNamer
}

func newBaseWriter(backend string, format entry.FileFormat, compression string, metrics MetricsCollector) (baseWriter, error) {
	factory := encoder.NewFactory(format, compression)
	if _, err := factory.CreateEncoder(); err != nil {
		return baseWriter{}, fmt.Errorf("failed to create encoder: %w", err)
	}
	return baseWriter{backend: backend, encoderFactory: factory, metrics: metrics, namer: &fileNamer{}}, nil
}

func (b *baseWriter) format() string {
	return string(b.encoderFactory.Format())
}

func (b *baseWriter) fail(operation string) {
	if b.metrics != nil {
		b.metrics.IncStorageErrors(b.backend, operation)
		b.metrics.IncFilesWritten(b.backend, b.format(), "failure")
	}
}

func (b *baseWriter) succeed(size int64, started time.Time) {
	if b.metrics != nil {
		b.metrics.IncFilesWritten(b.backend, b.format(), "success")
		b.metrics.ObserveFileSize(b.backend, b.format(), float64(size))
		b.metrics.ObserveFileWriteDuration(b.backend, b.format(), time.Since(started).Seconds())
	}
}
