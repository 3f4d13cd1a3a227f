// Package buffer provides the concurrent staging buffer.
//
// StagingBuffer keeps the latest entry per key until a consumer drains it.
// It is passive: there is no goroutine, queue or timer inside, and every
// operation is initiated by a caller.
//
//	buf := buffer.New()
//
//	// producer side
//	buf.Set("report_1", entry.NewMerge("report_1", `{"total":3}`, ""))
//	buf.Set("report_1", entry.NewSet("report_1", `{"total":4}`)) // replaces
//
//	// consumer side
//	pairs := buf.Drain() // buffer is now empty, caller owns pairs
//
// # Thread Safety
//
// A single sync.RWMutex guards the map:
//
//   - Get(), Has(), Size(), Entries() take the read lock
//   - Set(), Erase(), Clear(), Drain() take the write lock
//
// Lock hold time is one map operation or one map swap. Entries() and
// Drain() return slices the caller may keep and modify freely.
//
// # Drain
//
// Drain swaps the internal map for an empty one, so every entry written
// before the swap is returned exactly once and every entry written after it
// waits for the next drain. Iterating and deleting key by key would let a
// concurrent Set slip in between and be dropped.
//
// # Ordering
//
// Entries() and Drain() return pairs in map iteration order, which Go
// randomizes. Use entry.SortPairs when a stable order matters.
package buffer
