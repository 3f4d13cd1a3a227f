package encoder

import (
	"fmt"

	"github.com/jittakal/stagebuf/pkg/encoder"
	"github.com/jittakal/stagebuf/pkg/entry"
)

// Factory creates encoders based on format and configuration.
type Factory struct {
	format      entry.FileFormat
	compression string
}

// NewFactory creates a new encoder factory. An empty compression selects
// DefaultCompression for the format.
func NewFactory(format entry.FileFormat, compression string) *Factory {
	if compression == "" {
		compression = DefaultCompression(format)
	}
	return &Factory{format: format, compression: compression}
}

// CreateEncoder creates an encoder based on the configured format.
func (f *Factory) CreateEncoder() (encoder.Encoder, error) {
	switch f.format {
	case entry.FormatParquet:
		return NewParquetEncoder(f.compression), nil
	case entry.FormatAvro:
		return NewAvroEncoder(f.compression)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", f.format)
	}
}

// Format returns the configured format.
func (f *Factory) Format() entry.FileFormat {
	return f.format
}

// SupportedFormats returns a list of supported file formats.
func SupportedFormats() []entry.FileFormat {
	return []entry.FileFormat{entry.FormatParquet, entry.FormatAvro}
}

// SupportedCompressions returns supported compression codecs for a given format.
func SupportedCompressions(format entry.FileFormat) []string {
	switch format {
	case entry.FormatParquet:
		return []string{"uncompressed", "snappy", "gzip", "lz4", "zstd"}
	case entry.FormatAvro:
		return []string{"null", "deflate", "snappy", "gzip"}
	default:
		return []string{}
	}
}

// DefaultCompression returns the default compression for a format.
func DefaultCompression(format entry.FileFormat) string {
	switch format {
	case entry.FormatParquet:
		return "snappy"
	case entry.FormatAvro:
		return "deflate"
	default:
		return "uncompressed"
	}
}
