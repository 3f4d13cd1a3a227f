package encoder

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/jittakal/stagebuf/pkg/encoder"
	"github.com/jittakal/stagebuf/pkg/entry"
)

// Ensure implementation satisfies interface at compile time.
var _ encoder.Encoder = (*AvroEncoder)(nil)

const entrySchema = `{
	"type": "record",
	"name": "StagedEntry",
	"namespace": "io.stagebuf.archive",
	"fields": [
		{"name": "key", "type": "string"},
		{"name": "kind", "type": {"type": "enum", "name": "Kind", "symbols": ["set", "merge"]}},
		{"name": "value", "type": "string"},
		{"name": "replace_null_patches", "type": ["null", "string"], "default": null},
		{"name": "batch_id", "type": "string"},
		{"name": "drained_at", "type": "string"}
	]
}`

// AvroEncoder implements encoder.Encoder for Avro object container files.
//
// "gzip" wraps the whole file in a gzip stream. "deflate" and "snappy" use
// the block codecs defined by the container format, which any Avro reader
// understands without unwrapping.
type AvroEncoder struct {
	codec       *goavro.Codec
	compression string
}

// NewAvroEncoder creates a new Avro encoder with specified compression.
func NewAvroEncoder(compression string) (*AvroEncoder, error) {
	compression = strings.ToLower(compression)
	switch compression {
	case "", "null", "none", "uncompressed", "gzip", goavro.CompressionDeflateLabel, goavro.CompressionSnappyLabel:
	default:
		return nil, fmt.Errorf("unsupported avro compression: %s", compression)
	}

	codec, err := goavro.NewCodec(entrySchema)
	if err != nil {
		return nil, fmt.Errorf("failed to create avro codec: %w", err)
	}

	return &AvroEncoder{codec: codec, compression: compression}, nil
}

// Codec exposes the schema codec, mainly for readers in tests and tools.
func (e *AvroEncoder) Codec() *goavro.Codec {
	return e.codec
}

func (e *AvroEncoder) gzipped() bool {
	return e.compression == "gzip"
}

func (e *AvroEncoder) blockCodec() string {
	switch e.compression {
	case goavro.CompressionDeflateLabel, goavro.CompressionSnappyLabel:
		return e.compression
	default:
		return goavro.CompressionNullLabel
	}
}

// Encode writes the batch to an Avro file.
func (e *AvroEncoder) Encode(filePath string, batch entry.Batch) (*entry.FileStats, error) {
	if batch.Len() == 0 {
		return nil, fmt.Errorf("no entries to encode")
	}

	file, err := os.Create(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if err := e.write(file, batch); err != nil {
		return nil, err
	}

	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	return statsFor(batch.Len(), info.Size()), nil
}

// EncodeToBytes encodes the batch in memory.
func (e *AvroEncoder) EncodeToBytes(batch entry.Batch) ([]byte, error) {
	if batch.Len() == 0 {
		return nil, fmt.Errorf("no entries to encode")
	}

	var buf bytes.Buffer
	if err := e.write(&buf, batch); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *AvroEncoder) write(w io.Writer, batch entry.Batch) error {
	var gzipWriter *gzip.Writer
	if e.gzipped() {
		gzipWriter = gzip.NewWriter(w)
		w = gzipWriter
	}

	ocfWriter, err := goavro.NewOCFWriter(goavro.OCFConfig{
		W:               w,
		Codec:           e.codec,
		CompressionName: e.blockCodec(),
	})
	if err != nil {
		return fmt.Errorf("failed to create OCF writer: %w", err)
	}

	rows := rowsOf(batch)
	records := make([]interface{}, len(rows))
	for i, r := range rows {
		records[i] = toAvroMap(r)
	}

	if err := ocfWriter.Append(records); err != nil {
		return fmt.Errorf("failed to write entries: %w", err)
	}

	if gzipWriter != nil {
		if err := gzipWriter.Close(); err != nil {
			return fmt.Errorf("failed to close gzip writer: %w", err)
		}
	}
	return nil
}

func toAvroMap(r EntryRow) map[string]interface{} {
	m := map[string]interface{}{
		"key":        r.Key,
		"kind":       r.Kind,
		"value":      r.Value,
		"batch_id":   r.BatchID,
		"drained_at": r.DrainedAt.UTC().Format(time.RFC3339Nano),
	}

	// Nullable fields need goavro.Union
	if r.ReplaceNullPatches != nil {
		m["replace_null_patches"] = goavro.Union("string", *r.ReplaceNullPatches)
	} else {
		m["replace_null_patches"] = nil
	}
	return m
}

// Format returns the file format.
func (e *AvroEncoder) Format() entry.FileFormat {
	return entry.FormatAvro
}

// FileExtension returns the file extension.
func (e *AvroEncoder) FileExtension() string {
	if e.gzipped() {
		return ".avro.gz"
	}
	return ".avro"
}
