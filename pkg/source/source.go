// Package source defines producers that feed the staging buffer.
package source

import "context"

// Source writes updates into a staging buffer until stopped.
type Source interface {
	// Name identifies the source in logs and metrics.
	Name() string

	// Run blocks until ctx is cancelled or a fatal error occurs.
	Run(ctx context.Context) error

	// Close releases resources. It is safe to call after Run returns.
	Close() error
}
