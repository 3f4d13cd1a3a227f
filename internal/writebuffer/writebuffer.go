// Package writebuffer coalesces producer writes before they are staged.
//
// The staging buffer keeps only the latest entry per key, which is right
// for sets but loses data for merges: a second merge would replace the
// first patch. WriteBuffer sits between producers and the staging buffer
// and folds each write into whatever is already pending for its key:
//
//   - a set replaces any pending entry
//   - a merge onto a pending set is applied to the full value and stays a set
//   - a merge onto a pending merge combines both patches and stays a merge,
//     with the replace-null patches of both kept in order
//
// Every read-modify-write and every drain runs under one mutex, so a drain
// never observes half of a coalesced write.
package writebuffer

import (
	"fmt"
	"sync"

	"github.com/jittakal/stagebuf/internal/jsonmerge"
	"github.com/jittakal/stagebuf/pkg/buffer"
	"github.com/jittakal/stagebuf/pkg/entry"
)

// WriteBuffer stages coalesced writes into a buffer.Store.
type WriteBuffer struct {
	mu    sync.Mutex
	store buffer.Store
}

// New wraps store. Producers should write only through the returned
// WriteBuffer and the flush worker should drain through it.
func New(store buffer.Store) *WriteBuffer {
	return &WriteBuffer{store: store}
}

// Set stages a full value for key, discarding any pending merge.
func (w *WriteBuffer) Set(key, value string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.store.Set(key, entry.NewSet(key, value))
}

// Merge stages a merge patch for key. On error the pending entry is left
// as it was.
func (w *WriteBuffer) Merge(key, patch, replaceNullPatches string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	existing, ok := w.store.Get(key)
	if !ok {
		w.store.Set(key, entry.NewMerge(key, patch, replaceNullPatches))
		return nil
	}

	if existing.Kind == entry.KindSet {
		merged, err := jsonmerge.Apply([]byte(existing.Value), []byte(patch))
		if err != nil {
			return fmt.Errorf("merge into pending set for %s: %w", key, err)
		}
		merged, err = jsonmerge.ApplyReplaceNull(merged, replaceNullPatches)
		if err != nil {
			return fmt.Errorf("merge into pending set for %s: %w", key, err)
		}
		w.store.Set(key, entry.NewSet(key, string(merged)))
		return nil
	}

	combined, err := jsonmerge.Combine([]byte(existing.Value), []byte(patch))
	if err != nil {
		return fmt.Errorf("merge into pending merge for %s: %w", key, err)
	}
	patches, err := jsonmerge.ConcatReplaceNull(existing.ReplaceNullPatches, replaceNullPatches)
	if err != nil {
		return fmt.Errorf("merge into pending merge for %s: %w", key, err)
	}
	w.store.Set(key, entry.NewMerge(key, string(combined), patches))
	return nil
}

// Stage dispatches e by kind to Set or Merge.
func (w *WriteBuffer) Stage(key string, e entry.Entry) error {
	switch e.Kind {
	case entry.KindSet:
		w.Set(key, e.Value)
		return nil
	case entry.KindMerge:
		return w.Merge(key, e.Value, e.ReplaceNullPatches)
	default:
		return fmt.Errorf("cannot stage entry of %s", e.Kind)
	}
}

// Erase drops any pending write for key.
func (w *WriteBuffer) Erase(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.store.Erase(key)
}

// Clear drops every pending write.
func (w *WriteBuffer) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.store.Clear()
}

// Drain removes and returns every pending entry.
func (w *WriteBuffer) Drain() []entry.Pair {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.store.Drain()
}

// Size returns the number of keys with a pending write.
func (w *WriteBuffer) Size() int {
	return w.store.Size()
}

// Get returns the pending full value for key. Merge entries hold only a
// patch and are not returned.
func (w *WriteBuffer) Get(key string) (string, bool) {
	e, ok := w.store.Get(key)
	if !ok || e.Kind != entry.KindSet {
		return "", false
	}
	return e.Value, true
}

// Has reports whether key has a pending set.
func (w *WriteBuffer) Has(key string) bool {
	_, ok := w.Get(key)
	return ok
}

// HasAny reports whether key has any pending write.
func (w *WriteBuffer) HasAny(key string) bool {
	return w.store.Has(key)
}
