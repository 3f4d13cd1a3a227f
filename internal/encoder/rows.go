package encoder

import (
	"time"

	"github.com/jittakal/stagebuf/pkg/entry"
)

// EntryRow is the flattened archive representation of one drained pair.
type EntryRow struct {
	Key                string
	Kind               string
	Value              string
	ReplaceNullPatches *string
	BatchID            string
	DrainedAt          time.Time
}

// rowsOf flattens a batch in pair order.
func rowsOf(batch entry.Batch) []EntryRow {
	rows := make([]EntryRow, len(batch.Pairs))
	for i, p := range batch.Pairs {
		row := EntryRow{
			Key:       p.Key,
			Kind:      p.Entry.Kind.String(),
			Value:     p.Entry.Value,
			BatchID:   batch.ID,
			DrainedAt: batch.DrainedAt,
		}
		if p.Entry.ReplaceNullPatches != "" {
			patches := p.Entry.ReplaceNullPatches
			row.ReplaceNullPatches = &patches
		}
		rows[i] = row
	}
	return rows
}

func statsFor(count int, size int64) *entry.FileStats {
	now := time.Now()
	return &entry.FileStats{
		RecordCount:    count,
		SizeBytes:      size,
		FirstWriteTime: now,
		LastWriteTime:  now,
	}
}
