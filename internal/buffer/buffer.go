// Package buffer implements the in-memory staging buffer.
package buffer

import (
	"sync"

	"github.com/jittakal/stagebuf/pkg/buffer"
	"github.com/jittakal/stagebuf/pkg/entry"
)

// Ensure implementation satisfies interface at compile time.
var _ buffer.Store = (*StagingBuffer)(nil)

// StagingBuffer is a key to entry map guarded by a single read-write mutex.
// Readers share the lock; Set, Erase, Clear and Drain hold it exclusively.
type StagingBuffer struct {
	mu      sync.RWMutex
	entries map[string]entry.Entry
}

// New creates an empty staging buffer.
func New() *StagingBuffer {
	return &StagingBuffer{entries: make(map[string]entry.Entry)}
}

// Get returns a copy of the entry stored under key.
func (b *StagingBuffer) Get(key string) (entry.Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.entries[key]
	return e, ok
}

// Set inserts or replaces the entry under key.
// The entry is not checked against key.
func (b *StagingBuffer) Set(key string, e entry.Entry) {
	b.mu.Lock()
	b.entries[key] = e
	b.mu.Unlock()
}

// Erase removes key and reports whether it was present.
func (b *StagingBuffer) Erase(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.entries[key]; !ok {
		return false
	}
	delete(b.entries, key)
	return true
}

// Has reports whether key is present.
func (b *StagingBuffer) Has(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.entries[key]
	return ok
}

// Size returns the number of keys held.
func (b *StagingBuffer) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.entries)
}

// Clear discards every entry.
func (b *StagingBuffer) Clear() {
	b.mu.Lock()
	b.entries = make(map[string]entry.Entry)
	b.mu.Unlock()
}

// Entries returns a snapshot of all pairs in map iteration order.
func (b *StagingBuffer) Entries() []entry.Pair {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return toPairs(b.entries)
}

// Drain removes and returns every entry.
//
// The map is swapped for an empty one under the write lock, so a concurrent
// Set lands either in the returned pairs or in the fresh map, never both and
// never neither. The result slice is built after the lock is released from
// the detached map, which no other goroutine can reach.
func (b *StagingBuffer) Drain() []entry.Pair {
	b.mu.Lock()
	drained := b.entries
	b.entries = make(map[string]entry.Entry)
	b.mu.Unlock()

	return toPairs(drained)
}

func toPairs(m map[string]entry.Entry) []entry.Pair {
	pairs := make([]entry.Pair, 0, len(m))
	for k, e := range m {
		pairs = append(pairs, entry.Pair{Key: k, Entry: e})
	}
	return pairs
}
