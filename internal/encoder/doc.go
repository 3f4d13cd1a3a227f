// Package encoder turns drained batches into archive files.
//
// Every pair becomes one row with the columns key, kind, value,
// replace_null_patches (nullable), batch_id and drained_at.
//
//	enc, err := encoder.NewFactory(entry.FormatParquet, "zstd").CreateEncoder()
//	stats, err := enc.Encode("/tmp/batch.parquet", batch)
//
// Parquet compression: "snappy" (default), "gzip", "lz4", "zstd", "none".
// Avro compression: "deflate" (default), "snappy", "null", or "gzip", which
// gzips the whole container file and changes the extension to .avro.gz.
package encoder
