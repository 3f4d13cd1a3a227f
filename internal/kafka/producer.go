package kafka

import (
	"fmt"
	"strings"

	"github.com/IBM/sarama"
)

// ProducerConfig contains connection settings for the Kafka sink and DLQ.
type ProducerConfig struct {
	BootstrapServers []string
	ClientID         string
	Compression      string
	Security         SecurityConfig
}

// newSyncProducer creates an idempotent producer that waits for all
// in-sync replicas.
func newSyncProducer(cfg ProducerConfig) (sarama.SyncProducer, error) {
	saramaConfig, err := newSaramaConfig(cfg.ClientID, cfg.Security)
	if err != nil {
		return nil, err
	}

	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 5
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.Compression = codec
	saramaConfig.Producer.Idempotent = true
	saramaConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.BootstrapServers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync producer: %w", err)
	}
	return producer, nil
}

// compressionCodec parses a codec name. Empty selects snappy.
func compressionCodec(name string) (sarama.CompressionCodec, error) {
	if name == "" {
		return sarama.CompressionSnappy, nil
	}
	var codec sarama.CompressionCodec
	if err := codec.UnmarshalText([]byte(strings.ToLower(name))); err != nil {
		return sarama.CompressionNone, fmt.Errorf("unsupported compression %q: %w", name, err)
	}
	return codec, nil
}

func headers(kv ...string) []sarama.RecordHeader {
	out := make([]sarama.RecordHeader, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, sarama.RecordHeader{Key: []byte(kv[i]), Value: []byte(kv[i+1])})
	}
	return out
}

// sendError marks producer failures as transient.
type sendError struct {
	err error
}

func (e *sendError) Error() string { return e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }
func (e *sendError) IsRetryable() bool { return true }
