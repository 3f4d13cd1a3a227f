package kafka

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/source"
)

// Ensure implementation satisfies interface at compile time.
var _ source.Source = (*ConsumerSource)(nil)

// ConsumerConfig contains Kafka consumer configuration.
type ConsumerConfig struct {
	BootstrapServers    []string
	ClientID            string
	GroupID             string
	Topics              []string
	AutoOffsetReset     string
	MaxPollIntervalMS   int
	SessionTimeoutMS    int
	HeartbeatIntervalMS int
	Security            SecurityConfig
}

// BufferWriter is the producer side of the write buffer. Stage coalesces
// e with any write already pending for key.
type BufferWriter interface {
	Stage(key string, e entry.Entry) error
	Erase(key string) bool
	Clear()
}

// MessageDeadLetterPublisher receives messages that could not be decoded.
type MessageDeadLetterPublisher interface {
	PublishMessage(ctx context.Context, msg *sarama.ConsumerMessage, reason string) error
}

// SourceMetrics defines metrics operations for the consumer source.
type SourceMetrics interface {
	IncMessagesConsumed(topic string, partition int32)
	IncEntriesIngested(source, operation string)
	IncRebalances(groupID string)
	SetPartitionsAssigned(topic string, count float64)
}

// ConsumerSource feeds the staging buffer from a Kafka consumer group.
// Offsets are marked once the buffer call returns.
type ConsumerSource struct {
	group   sarama.ConsumerGroup
	config  ConsumerConfig
	buffer  BufferWriter
	dlq     MessageDeadLetterPublisher
	logger  *zap.Logger
	metrics SourceMetrics
	mu      sync.Mutex
	closed  bool
}

// NewConsumerSource creates a consumer group source. dlq and metrics may be nil.
func NewConsumerSource(
	cfg ConsumerConfig,
	buf BufferWriter,
	dlq MessageDeadLetterPublisher,
	logger *zap.Logger,
	metrics SourceMetrics,
) (*ConsumerSource, error) {
	if len(cfg.Topics) == 0 {
		return nil, fmt.Errorf("at least one topic is required")
	}

	saramaConfig, err := newSaramaConfig(cfg.ClientID, cfg.Security)
	if err != nil {
		return nil, err
	}

	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = offsetInitial(cfg.AutoOffsetReset)
	saramaConfig.Consumer.Offsets.AutoCommit.Enable = true
	saramaConfig.Consumer.Return.Errors = true
	if cfg.SessionTimeoutMS > 0 {
		saramaConfig.Consumer.Group.Session.Timeout = time.Duration(cfg.SessionTimeoutMS) * time.Millisecond
	}
	if cfg.HeartbeatIntervalMS > 0 {
		saramaConfig.Consumer.Group.Heartbeat.Interval = time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond
	}
	if cfg.MaxPollIntervalMS > 0 {
		saramaConfig.Consumer.MaxProcessingTime = time.Duration(cfg.MaxPollIntervalMS) * time.Millisecond
	}

	group, err := sarama.NewConsumerGroup(cfg.BootstrapServers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	logger.Info("kafka source created",
		zap.String("group_id", cfg.GroupID),
		zap.Strings("topics", cfg.Topics),
		zap.Strings("bootstrap_servers", cfg.BootstrapServers),
	)

	return &ConsumerSource{
		group:   group,
		config:  cfg,
		buffer:  buf,
		dlq:     dlq,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Name returns the source name.
func (s *ConsumerSource) Name() string { return "kafka" }

// Run consumes until ctx is cancelled. Each rebalance ends one Consume call,
// so it is re-entered in a loop.
func (s *ConsumerSource) Run(ctx context.Context) error {
	go func() {
		for err := range s.group.Errors() {
			s.logger.Error("consumer group error", zap.Error(err))
		}
	}()

	handler := &consumerGroupHandler{source: s}
	for {
		if err := s.group.Consume(ctx, s.config.Topics, handler); err != nil {
			if stderrors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			return fmt.Errorf("consume: %w", err)
		}
		if ctx.Err() != nil {
			s.logger.Info("kafka source stopped")
			return nil
		}
	}
}

// Close closes the consumer group.
func (s *ConsumerSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.logger.Info("closing kafka source")
	if s.group == nil {
		return nil
	}
	return s.group.Close()
}

// handle applies one message to the buffer.
func (s *ConsumerSource) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	if s.metrics != nil {
		s.metrics.IncMessagesConsumed(msg.Topic, msg.Partition)
	}

	op, err := DecodeOperation(msg.Value, msg.Key)
	if err != nil {
		derr := &errors.DecodeError{Topic: msg.Topic, Partition: msg.Partition, Offset: msg.Offset, Err: err}
		s.logger.Warn("dropping undecodable message", zap.Error(derr))
		s.reject(ctx, msg, "decode_failed")
		return
	}

	switch op.Type {
	case OpSet:
		if err := s.buffer.Stage(op.Key, op.Entry); err != nil {
			s.logger.Warn("dropping update that cannot be staged",
				zap.String("key", op.Key),
				zap.String("kind", op.Entry.Kind.String()),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			s.reject(ctx, msg, "stage_failed")
			return
		}
		if s.metrics != nil {
			s.metrics.IncEntriesIngested(s.Name(), op.Entry.Kind.String())
		}
	case OpErase:
		s.buffer.Erase(op.Key)
		if s.metrics != nil {
			s.metrics.IncEntriesIngested(s.Name(), op.Type.String())
		}
	case OpClear:
		s.buffer.Clear()
		if s.metrics != nil {
			s.metrics.IncEntriesIngested(s.Name(), op.Type.String())
		}
	}
}

func (s *ConsumerSource) reject(ctx context.Context, msg *sarama.ConsumerMessage, reason string) {
	if s.metrics != nil {
		s.metrics.IncEntriesIngested(s.Name(), "invalid")
	}
	if s.dlq == nil {
		return
	}
	if err := s.dlq.PublishMessage(ctx, msg, reason); err != nil {
		s.logger.Error("failed to publish message to DLQ", zap.String("reason", reason), zap.Error(err))
	}
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	source *ConsumerSource
}

// Setup is run at the beginning of a new session, before ConsumeClaim.
func (h *consumerGroupHandler) Setup(session sarama.ConsumerGroupSession) error {
	s := h.source
	s.logger.Info("consumer group session setup",
		zap.String("member_id", session.MemberID()),
		zap.Int32("generation_id", session.GenerationID()),
	)

	if s.metrics != nil {
		s.metrics.IncRebalances(s.config.GroupID)
		for topic, partitions := range session.Claims() {
			s.metrics.SetPartitionsAssigned(topic, float64(len(partitions)))
		}
	}
	return nil
}

// Cleanup is run at the end of a session, once all ConsumeClaim goroutines have exited.
func (h *consumerGroupHandler) Cleanup(session sarama.ConsumerGroupSession) error {
	h.source.logger.Info("consumer group session cleanup", zap.String("member_id", session.MemberID()))
	return nil
}

// ConsumeClaim applies messages from one partition.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	h.source.logger.Info("started consuming partition",
		zap.String("topic", claim.Topic()),
		zap.Int32("partition", claim.Partition()),
		zap.Int64("initial_offset", claim.InitialOffset()),
	)

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok || msg == nil {
				return nil
			}
			h.source.handle(session.Context(), msg)
			session.MarkMessage(msg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
