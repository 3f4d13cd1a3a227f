package storage

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/sink"
	"github.com/jittakal/stagebuf/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ sink.Sink = (*ArchiveSink)(nil)

// ArchiveSink writes every batch as one file, partitioned by drain time.
type ArchiveSink struct {
	router  storage.Router
	writer  storage.Writer
	logger  *zap.Logger
	metrics SinkMetrics
}

// NewArchiveSink creates an archive sink over a writer.
func NewArchiveSink(router storage.Router, writer storage.Writer, logger *zap.Logger, metrics SinkMetrics) *ArchiveSink {
	return &ArchiveSink{router: router, writer: writer, logger: logger, metrics: metrics}
}

// Name returns the sink name.
func (s *ArchiveSink) Name() string { return "archive" }

// Apply encodes and writes the batch. Empty batches are skipped.
func (s *ArchiveSink) Apply(ctx context.Context, batch entry.Batch) error {
	if batch.Len() == 0 {
		return nil
	}

	started := time.Now()
	dir := s.router.Route(batch.DrainedAt)

	size, err := s.writer.Write(ctx, batch, dir)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncSinkErrors(s.Name(), "write")
		}
		return &errors.SinkError{Sink: s.Name(), Operation: "write", BatchID: batch.ID, Err: err}
	}

	if s.metrics != nil {
		sets, merges := batch.Split()
		s.metrics.AddEntriesFlushed(s.Name(), entry.KindSet.String(), len(sets))
		s.metrics.AddEntriesFlushed(s.Name(), entry.KindMerge.String(), len(merges))
		s.metrics.ObserveSinkApply(s.Name(), time.Since(started).Seconds())
	}

	s.logger.Debug("archived batch",
		zap.String("batch_id", batch.ID),
		zap.String("dir", dir),
		zap.Int64("size", size),
	)
	return nil
}

// Close closes the underlying writer.
func (s *ArchiveSink) Close() error {
	return s.writer.Close()
}
