// Package storage defines interfaces for archive storage operations.
//
// This package provides abstractions for writing encoded batches to various
// storage backends (S3, Azure Blob, GCS, local filesystem).
package storage

import (
	"context"
	"time"

	"github.com/jittakal/stagebuf/pkg/entry"
)

// Writer writes batches to storage.
type Writer interface {
	// Write encodes the batch into a single file under dir.
	// Returns the number of bytes written.
	Write(ctx context.Context, batch entry.Batch, dir string) (int64, error)

	// Close closes the writer and releases resources.
	Close() error
}

// Router determines storage directories for batches.
type Router interface {
	// Route returns the directory for a batch drained at t.
	Route(t time.Time) string
}
