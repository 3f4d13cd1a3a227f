package kafka

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/sink"
)

// Ensure implementation satisfies interface at compile time.
var _ sink.Sink = (*Sink)(nil)

// SinkConfig contains Kafka sink configuration.
type SinkConfig struct {
	Producer ProducerConfig
	Topic    string
	Source   string
}

// PublishMetrics defines metrics operations for the Kafka sink.
type PublishMetrics interface {
	AddMessagesPublished(topic, status string, n int)
	AddEntriesFlushed(sink, kind string, n int)
	ObserveSinkApply(sink string, duration float64)
	IncSinkErrors(sink, errorType string)
}

// Sink publishes every drained entry as a CloudEvent keyed by entry key,
// so a compacted topic ends up holding the latest entry per key.
type Sink struct {
	producer sarama.SyncProducer
	topic    string
	source   string
	logger   *zap.Logger
	metrics  PublishMetrics
	mu       sync.RWMutex
	closed   bool
}

// NewSink creates a Kafka sink with its own producer.
func NewSink(cfg SinkConfig, logger *zap.Logger, metrics PublishMetrics) (*Sink, error) {
	producer, err := newSyncProducer(cfg.Producer)
	if err != nil {
		return nil, err
	}

	logger.Info("kafka sink created",
		zap.String("topic", cfg.Topic),
		zap.Strings("bootstrap_servers", cfg.Producer.BootstrapServers),
	)
	return newSink(producer, cfg.Topic, cfg.Source, logger, metrics), nil
}

func newSink(producer sarama.SyncProducer, topic, source string, logger *zap.Logger, metrics PublishMetrics) *Sink {
	if source == "" {
		source = DefaultEventSource
	}
	return &Sink{producer: producer, topic: topic, source: source, logger: logger, metrics: metrics}
}

// Name returns the sink name.
func (s *Sink) Name() string { return "kafka" }

// Apply publishes the batch in one SendMessages call.
func (s *Sink) Apply(ctx context.Context, batch entry.Batch) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return &errors.SinkError{Sink: s.Name(), Operation: "publish", BatchID: batch.ID, Err: errors.ErrSinkClosed, Permanent: true}
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return &errors.SinkError{Sink: s.Name(), Operation: "publish", BatchID: batch.ID, Err: err}
	}

	started := time.Now()

	msgs := make([]*sarama.ProducerMessage, 0, batch.Len())
	for _, p := range batch.Pairs {
		ev, err := NewEntryEvent(s.source, batch.ID, batch.DrainedAt, p)
		if err != nil {
			return s.fail(batch.ID, "encode", err, true)
		}
		value, err := json.Marshal(ev)
		if err != nil {
			return s.fail(batch.ID, "encode", err, true)
		}

		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: s.topic,
			Key:   sarama.StringEncoder(p.Key),
			Value: sarama.ByteEncoder(value),
			Headers: headers(
				"ce_specversion", ev.SpecVersion(),
				"ce_type", ev.Type(),
				"ce_source", ev.Source(),
				"ce_id", ev.ID(),
			),
			Timestamp: batch.DrainedAt,
		})
	}

	if err := s.producer.SendMessages(msgs); err != nil {
		if s.metrics != nil {
			s.metrics.AddMessagesPublished(s.topic, "failure", len(msgs))
		}
		return s.fail(batch.ID, "publish", &sendError{err: err}, false)
	}

	if s.metrics != nil {
		sets, merges := batch.Split()
		s.metrics.AddMessagesPublished(s.topic, "success", len(msgs))
		s.metrics.AddEntriesFlushed(s.Name(), entry.KindSet.String(), len(sets))
		s.metrics.AddEntriesFlushed(s.Name(), entry.KindMerge.String(), len(merges))
		s.metrics.ObserveSinkApply(s.Name(), time.Since(started).Seconds())
	}

	s.logger.Debug("published batch",
		zap.String("topic", s.topic),
		zap.String("batch_id", batch.ID),
		zap.Int("message_count", len(msgs)),
	)
	return nil
}

func (s *Sink) fail(batchID, operation string, err error, permanent bool) error {
	if s.metrics != nil {
		s.metrics.IncSinkErrors(s.Name(), operation)
	}
	return &errors.SinkError{Sink: s.Name(), Operation: operation, BatchID: batchID, Err: err, Permanent: permanent}
}

// Close closes the producer.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Info("closing kafka sink")
	return s.producer.Close()
}
