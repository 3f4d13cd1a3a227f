// Package buffer defines the staging buffer contract.
//
// A staging buffer holds the latest entry per key between drains. Producers
// write individual updates, a consumer periodically drains everything that
// accumulated, and inspectors read snapshots. None of the operations fail.
package buffer

import "github.com/jittakal/stagebuf/pkg/entry"

// Reader is the read-only view of a staging buffer.
type Reader interface {
	// Get returns a copy of the entry stored under key.
	Get(key string) (entry.Entry, bool)

	// Has reports whether key is present.
	Has(key string) bool

	// Size returns the number of keys currently held.
	Size() int

	// Entries returns a snapshot of all pairs in unspecified order.
	// The buffer is not modified.
	Entries() []entry.Pair
}

// Store is a concurrent staging buffer.
// All implementations must be safe for concurrent use.
type Store interface {
	Reader

	// Set inserts or fully replaces the entry under key.
	Set(key string, e entry.Entry)

	// Erase removes key and reports whether it was present.
	Erase(key string) bool

	// Clear discards every entry.
	Clear()

	// Drain atomically removes and returns every entry. The caller owns
	// the returned pairs and the buffer is left empty.
	Drain() []entry.Pair
}
