package entry

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Kind tags how a downstream consumer should apply an entry.
type Kind int

const (
	// KindSet replaces the stored value.
	KindSet Kind = iota
	// KindMerge merges the value into the stored value.
	KindMerge
)

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindSet:
		return "set"
	case KindMerge:
		return "merge"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindSet || k == KindMerge
}

// ParseKind parses "set" or "merge", ignoring case.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "set":
		return KindSet, nil
	case "merge":
		return KindMerge, nil
	default:
		return 0, fmt.Errorf("unknown entry kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("unknown entry kind %d", int(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Entry is one staged update.
type Entry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
	Kind  Kind   `json:"kind"`

	// ReplaceNullPatches is a JSON array of [pathSegments, value] pairs.
	// Only meaningful for merge entries; empty otherwise.
	ReplaceNullPatches string `json:"replaceNullPatches,omitempty"`
}

// NewSet returns a set entry for key.
func NewSet(key, value string) Entry {
	return Entry{Key: key, Value: value, Kind: KindSet}
}

// NewMerge returns a merge entry for key.
func NewMerge(key, value, replaceNullPatches string) Entry {
	return Entry{Key: key, Value: value, Kind: KindMerge, ReplaceNullPatches: replaceNullPatches}
}

// Pair couples a buffer key with the entry stored under it.
type Pair struct {
	Key   string `json:"key"`
	Entry Entry  `json:"entry"`
}

// SortPairs orders pairs by key in place.
func SortPairs(pairs []Pair) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Key < pairs[j].Key })
}

// Batch is the set of pairs removed from the buffer by a single drain.
type Batch struct {
	ID        string
	DrainedAt time.Time
	Pairs     []Pair
}

// Len returns the number of pairs in the batch.
func (b Batch) Len() int {
	return len(b.Pairs)
}

// Split partitions the batch by kind, preserving pair order.
func (b Batch) Split() (sets, merges []Pair) {
	for _, p := range b.Pairs {
		if p.Entry.Kind == KindMerge {
			merges = append(merges, p)
			continue
		}
		sets = append(sets, p)
	}
	return sets, merges
}

// Keys returns the keys of the batch in pair order.
func (b Batch) Keys() []string {
	keys := make([]string, len(b.Pairs))
	for i, p := range b.Pairs {
		keys[i] = p.Key
	}
	return keys
}

// FileStats describes a file produced from a batch.
type FileStats struct {
	RecordCount    int
	SizeBytes      int64
	FirstWriteTime time.Time
	LastWriteTime  time.Time
}

// FileFormat represents the archive file format.
type FileFormat string

const (
	FormatParquet FileFormat = "parquet"
	FormatAvro    FileFormat = "avro"
)
