// Package entry defines the staged record types shared by the buffer,
// its producers and the sinks that persist drained batches.
//
// An Entry is the latest known update for a key. Its Value and
// ReplaceNullPatches are opaque pre-encoded payloads; nothing in the
// buffer interprets them. Sinks decide what a Kind means:
//
//	e := entry.NewMerge("report_42", `{"total":10}`, `[[["meta"],{"v":2}]]`)
//	buf.Set(e.Key, e)
//
// Drained pairs are grouped into a Batch, which sinks receive as a unit:
//
//	sets, merges := batch.Split()
package entry
