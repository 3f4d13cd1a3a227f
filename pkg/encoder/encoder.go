// Package encoder defines interfaces for encoding batches to file formats.
package encoder

import "github.com/jittakal/stagebuf/pkg/entry"

// Encoder encodes a batch to a specific file format.
type Encoder interface {
	// Encode writes the batch to a file and returns file statistics.
	Encode(filePath string, batch entry.Batch) (*entry.FileStats, error)

	// Format returns the file format this encoder produces.
	Format() entry.FileFormat

	// FileExtension returns the file extension (e.g., ".parquet", ".avro").
	FileExtension() string
}
