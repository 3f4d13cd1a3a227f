package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/sink"
)

// Ensure implementation satisfies interfaces at compile time.
var (
	_ sink.DeadLetterPublisher   = (*DLQPublisher)(nil)
	_ MessageDeadLetterPublisher = (*DLQPublisher)(nil)
)

// DLQEnvelope is the JSON document published to the dead letter topic.
type DLQEnvelope struct {
	OriginalEntry    *entry.Entry   `json:"original_entry,omitempty"`
	OriginalMessage  []byte         `json:"original_message,omitempty"`
	Origin           *MessageOrigin `json:"origin,omitempty"`
	FailureReason    string         `json:"failure_reason"`
	FailureTimestamp time.Time      `json:"failure_timestamp"`
	BatchID          string         `json:"batch_id,omitempty"`
	ProcessorID      string         `json:"processor_id"`
}

// MessageOrigin locates a consumed message.
type MessageOrigin struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// DLQConfig contains DLQ configuration.
type DLQConfig struct {
	Enabled  bool
	Topic    string
	Producer ProducerConfig
}

// DLQMetrics defines metrics operations for the DLQ publisher.
type DLQMetrics interface {
	IncDLQPublished(reason, status string)
}

// DLQPublisher publishes undeliverable entries and undecodable messages
// to a dead letter topic. When disabled it drops them.
type DLQPublisher struct {
	producer    sarama.SyncProducer
	topic       string
	enabled     bool
	processorID string
	logger      *zap.Logger
	metrics     DLQMetrics
	mu          sync.RWMutex
	closed      bool
}

// NewDLQPublisher creates a new DLQ publisher.
func NewDLQPublisher(cfg DLQConfig, processorID string, logger *zap.Logger, metrics DLQMetrics) (*DLQPublisher, error) {
	if !cfg.Enabled {
		logger.Info("DLQ is disabled")
		return newDLQPublisher(nil, "", false, processorID, logger, metrics), nil
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("dlq topic is required when DLQ is enabled")
	}

	producer, err := newSyncProducer(cfg.Producer)
	if err != nil {
		return nil, err
	}

	logger.Info("DLQ publisher created",
		zap.String("topic", cfg.Topic),
		zap.Strings("bootstrap_servers", cfg.Producer.BootstrapServers),
	)
	return newDLQPublisher(producer, cfg.Topic, true, processorID, logger, metrics), nil
}

func newDLQPublisher(producer sarama.SyncProducer, topic string, enabled bool, processorID string, logger *zap.Logger, metrics DLQMetrics) *DLQPublisher {
	return &DLQPublisher{
		producer:    producer,
		topic:       topic,
		enabled:     enabled,
		processorID: processorID,
		logger:      logger,
		metrics:     metrics,
	}
}

// Publish sends one envelope per pair, keyed by entry key.
func (p *DLQPublisher) Publish(ctx context.Context, batchID string, pairs []entry.Pair, reason string) error {
	if len(pairs) == 0 {
		return nil
	}

	now := time.Now().UTC()
	msgs := make([]*sarama.ProducerMessage, 0, len(pairs))
	for i := range pairs {
		e := pairs[i].Entry
		msg, err := p.message(pairs[i].Key, DLQEnvelope{
			OriginalEntry:    &e,
			FailureReason:    reason,
			FailureTimestamp: now,
			BatchID:          batchID,
			ProcessorID:      p.processorID,
		})
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}

	return p.send(ctx, msgs, reason, zap.String("batch_id", batchID))
}

// PublishMessage sends a consumed message that could not be decoded.
func (p *DLQPublisher) PublishMessage(ctx context.Context, msg *sarama.ConsumerMessage, reason string) error {
	out, err := p.message(string(msg.Key), DLQEnvelope{
		OriginalMessage:  msg.Value,
		Origin:           &MessageOrigin{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset},
		FailureReason:    reason,
		FailureTimestamp: time.Now().UTC(),
		ProcessorID:      p.processorID,
	})
	if err != nil {
		return err
	}
	out.Headers = append(out.Headers, headers("original_topic", msg.Topic)...)

	return p.send(ctx, []*sarama.ProducerMessage{out}, reason,
		zap.String("original_topic", msg.Topic),
		zap.Int64("original_offset", msg.Offset),
	)
}

func (p *DLQPublisher) message(key string, env DLQEnvelope) (*sarama.ProducerMessage, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal DLQ envelope: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Value: sarama.ByteEncoder(data),
		Headers: headers(
			"failure_reason", env.FailureReason,
			"batch_id", env.BatchID,
			"processor_id", p.processorID,
		),
		Timestamp: env.FailureTimestamp,
	}
	if key != "" {
		msg.Key = sarama.StringEncoder(key)
	}
	return msg, nil
}

func (p *DLQPublisher) send(ctx context.Context, msgs []*sarama.ProducerMessage, reason string, fields ...zap.Field) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.enabled {
		p.logger.Debug("DLQ disabled, dropping entries",
			append(fields, zap.String("reason", reason), zap.Int("count", len(msgs)))...)
		return nil
	}
	if p.closed {
		return errors.ErrPublisherClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := p.producer.SendMessages(msgs); err != nil {
		if p.metrics != nil {
			p.metrics.IncDLQPublished(reason, "failure")
		}
		p.logger.Error("failed to publish to DLQ",
			append(fields, zap.Error(err), zap.String("dlq_topic", p.topic))...)
		return fmt.Errorf("failed to send messages to DLQ: %w", err)
	}

	if p.metrics != nil {
		p.metrics.IncDLQPublished(reason, "success")
	}
	p.logger.Info("published to DLQ",
		append(fields, zap.String("dlq_topic", p.topic), zap.String("reason", reason), zap.Int("count", len(msgs)))...)
	return nil
}

// Close closes the DLQ publisher.
func (p *DLQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if p.producer == nil {
		return nil
	}

	p.logger.Info("closing DLQ publisher")
	if err := p.producer.Close(); err != nil {
		p.logger.Error("error closing producer", zap.Error(err))
		return err
	}
	return nil
}
