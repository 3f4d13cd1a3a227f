// Package sink defines the consumers of drained batches.
//
// A sink receives every batch the flush worker drains from the staging
// buffer. Once a batch has been handed to sinks it is never returned to the
// buffer, so sinks own durability from that point on.
package sink

import (
	"context"

	"github.com/jittakal/stagebuf/pkg/entry"
)

// Sink persists or forwards drained batches.
type Sink interface {
	// Name identifies the sink in logs and metrics.
	Name() string

	// Apply writes every pair in the batch. Set entries replace the stored
	// value, merge entries are merged into it.
	Apply(ctx context.Context, batch entry.Batch) error

	// Close flushes pending work and releases resources.
	Close() error
}

// DeadLetterPublisher receives entries that could not be delivered.
type DeadLetterPublisher interface {
	// Publish sends the pairs to the dead letter destination with reason.
	Publish(ctx context.Context, batchID string, pairs []entry.Pair, reason string) error

	// Close closes the publisher and releases resources.
	Close() error
}
