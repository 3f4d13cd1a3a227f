package storage

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/internal/jsonmerge"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/sink"
)

// Ensure implementation satisfies interface at compile time.
var _ sink.Sink = (*BadgerSink)(nil)

const defaultChunkSize = 1000

// SinkMetrics records per-sink outcomes.
type SinkMetrics interface {
	AddEntriesFlushed(sink, kind string, n int)
	ObserveSinkApply(sink string, duration float64)
	IncSinkErrors(sink, errorType string)
}

// BadgerConfig contains embedded key-value store settings.
type BadgerConfig struct {
	Dir        string
	InMemory   bool
	SyncWrites bool
	ChunkSize  int
}

// BadgerSink persists drained batches into an embedded badger store.
// Set entries replace the stored document; merge entries are applied as
// JSON merge patches followed by their replace-null patches.
type BadgerSink struct {
	db        *badger.DB
	chunkSize int
	logger    *zap.Logger
	metrics   SinkMetrics
}

// NewBadgerSink opens the store.
func NewBadgerSink(cfg BadgerConfig, logger *zap.Logger, metrics SinkMetrics) (*BadgerSink, error) {
	dir := cfg.Dir
	if cfg.InMemory {
		dir = ""
	}
	opts := badger.DefaultOptions(dir).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger store: %w", err)
	}

	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}

	logger.Info("kv sink opened",
		zap.String("dir", cfg.Dir),
		zap.Bool("in_memory", cfg.InMemory),
		zap.Int("chunk_size", chunk),
	)

	return &BadgerSink{db: db, chunkSize: chunk, logger: logger, metrics: metrics}, nil
}

// Name returns the sink name.
func (s *BadgerSink) Name() string { return "kv" }

// Apply writes the batch. Pairs are applied in batch order, chunkSize
// pairs per transaction.
func (s *BadgerSink) Apply(ctx context.Context, batch entry.Batch) error {
	started := time.Now()

	for start := 0; start < len(batch.Pairs); start += s.chunkSize {
		if err := ctx.Err(); err != nil {
			return &errors.SinkError{Sink: s.Name(), Operation: "apply", BatchID: batch.ID, Err: err}
		}

		end := start + s.chunkSize
		if end > len(batch.Pairs) {
			end = len(batch.Pairs)
		}

		err := s.db.Update(func(txn *badger.Txn) error {
			for _, p := range batch.Pairs[start:end] {
				if err := applyPair(txn, p); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return s.wrapError(batch.ID, err)
		}
	}

	if s.metrics != nil {
		sets, merges := batch.Split()
		s.metrics.AddEntriesFlushed(s.Name(), entry.KindSet.String(), len(sets))
		s.metrics.AddEntriesFlushed(s.Name(), entry.KindMerge.String(), len(merges))
		s.metrics.ObserveSinkApply(s.Name(), time.Since(started).Seconds())
	}

	s.logger.Debug("applied batch to kv store",
		zap.String("batch_id", batch.ID),
		zap.Int("entry_count", batch.Len()),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}

func (s *BadgerSink) wrapError(batchID string, err error) error {
	var perr *payloadError
	if stderrors.As(err, &perr) {
		if s.metrics != nil {
			s.metrics.IncSinkErrors(s.Name(), "payload")
		}
		return &errors.SinkError{Sink: s.Name(), Operation: "apply", BatchID: batchID, Err: err, Permanent: true}
	}

	if s.metrics != nil {
		s.metrics.IncSinkErrors(s.Name(), "commit")
	}
	return &errors.SinkError{
		Sink:      s.Name(),
		Operation: "commit",
		BatchID:   batchID,
		Err:       &errors.StorageError{Operation: "commit", Path: "kv", Err: err},
	}
}

// Get returns the stored document for key.
func (s *BadgerSink) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Close closes the store.
func (s *BadgerSink) Close() error {
	s.logger.Info("closing kv sink")
	return s.db.Close()
}

// payloadError marks values the store cannot interpret.
type payloadError struct {
	key string
	err error
}

func (e *payloadError) Error() string {
	return fmt.Sprintf("key %s: %v", e.key, e.err)
}

func (e *payloadError) Unwrap() error { return e.err }

func applyPair(txn *badger.Txn, p entry.Pair) error {
	value := []byte(p.Entry.Value)
	if !gjson.ValidBytes(value) {
		return &payloadError{key: p.Key, err: fmt.Errorf("value is not valid JSON")}
	}

	if p.Entry.Kind == entry.KindMerge {
		merged, err := mergeInto(txn, p.Key, value)
		if err != nil {
			return err
		}
		value, err = jsonmerge.ApplyReplaceNull(merged, p.Entry.ReplaceNullPatches)
		if err != nil {
			return &payloadError{key: p.Key, err: err}
		}
	}

	return txn.SetEntry(badger.NewEntry([]byte(p.Key), value))
}

// mergeInto returns the stored document with patch merged in, or patch
// itself when nothing is stored.
func mergeInto(txn *badger.Txn, key string, patch []byte) ([]byte, error) {
	item, err := txn.Get([]byte(key))
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return patch, nil
	}
	if err != nil {
		return nil, err
	}

	current, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}

	merged, err := jsonmerge.Apply(current, patch)
	if err != nil {
		return nil, &payloadError{key: key, err: err}
	}
	return merged, nil
}
