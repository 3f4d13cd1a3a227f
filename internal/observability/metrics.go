package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stagebuf"

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Buffer metrics
	BufferEntries   prometheus.Gauge
	EntriesIngested *prometheus.CounterVec

	// Flush metrics
	Flushes        *prometheus.CounterVec
	FlushDuration  prometheus.Histogram
	FlushBatchSize prometheus.Histogram
	InvalidEntries *prometheus.CounterVec

	// Sink metrics
	EntriesFlushed    *prometheus.CounterVec
	SinkApplyDuration *prometheus.HistogramVec
	SinkErrors        *prometheus.CounterVec

	// Archive metrics
	FilesWritten      *prometheus.CounterVec
	FileWriteDuration *prometheus.HistogramVec
	FileSize          *prometheus.HistogramVec
	StorageErrors     *prometheus.CounterVec

	// Kafka metrics
	MessagesConsumed   *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	Rebalances         *prometheus.CounterVec
	PartitionsAssigned *prometheus.GaugeVec
	DLQPublished       *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		BufferEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "buffer_entries",
				Help:      "Number of keys currently staged in the buffer",
			},
		),
		EntriesIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_ingested_total",
				Help:      "Total number of buffer operations issued by producers",
			},
			[]string{"source", "operation"},
		),

		Flushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "flush_total",
				Help:      "Total number of flush cycles by outcome",
			},
			[]string{"status"},
		),
		FlushDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flush_duration_seconds",
				Help:      "Duration of a flush cycle from drain to last sink",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
		),
		FlushBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "flush_batch_size",
				Help:      "Number of entries drained per flush",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		InvalidEntries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invalid_entries_total",
				Help:      "Total number of drained entries rejected by validation",
			},
			[]string{"field"},
		),

		EntriesFlushed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "entries_flushed_total",
				Help:      "Total number of entries applied to sinks",
			},
			[]string{"sink", "kind"},
		),
		SinkApplyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sink_apply_duration_seconds",
				Help:      "Duration of applying one batch to a sink",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sink"},
		),
		SinkErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sink_errors_total",
				Help:      "Total number of failed sink applications",
			},
			[]string{"sink", "error_type"},
		),

		FilesWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "files_written_total",
				Help:      "Total number of archive files written to storage",
			},
			[]string{"backend", "format", "status"},
		),
		FileWriteDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_write_duration_seconds",
				Help:      "Duration of archive writes including encoding",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend", "format"},
		),
		FileSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "file_size_bytes",
				Help:      "Size of archive files written to storage",
				Buckets:   prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to 256MB
			},
			[]string{"backend", "format"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "storage_errors_total",
				Help:      "Total number of storage errors",
			},
			[]string{"backend", "error_type"},
		),

		MessagesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kafka_messages_consumed_total",
				Help:      "Total number of messages consumed from Kafka",
			},
			[]string{"topic", "partition"},
		),
		MessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kafka_messages_published_total",
				Help:      "Total number of entry events published to Kafka",
			},
			[]string{"topic", "status"},
		),
		Rebalances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "kafka_rebalance_total",
				Help:      "Total number of consumer group rebalances",
			},
			[]string{"group"},
		),
		PartitionsAssigned: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "kafka_partitions_assigned",
				Help:      "Number of partitions currently assigned to this consumer",
			},
			[]string{"topic"},
		),
		DLQPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dlq_published_total",
				Help:      "Total number of entries sent to the dead letter queue",
			},
			[]string{"reason", "status"},
		),
	}
}

// SetBufferEntries records the current buffer size.
func (m *Metrics) SetBufferEntries(n int) {
	m.BufferEntries.Set(float64(n))
}

// IncEntriesIngested increments the producer operation counter.
func (m *Metrics) IncEntriesIngested(source, operation string) {
	m.EntriesIngested.WithLabelValues(source, operation).Inc()
}

// IncFlushes increments flush counter.
func (m *Metrics) IncFlushes(status string) {
	m.Flushes.WithLabelValues(status).Inc()
}

// ObserveFlush records duration and size of a flush cycle.
func (m *Metrics) ObserveFlush(duration float64, batchSize int) {
	m.FlushDuration.Observe(duration)
	m.FlushBatchSize.Observe(float64(batchSize))
}

// IncInvalidEntries increments rejected entry counter.
func (m *Metrics) IncInvalidEntries(field string) {
	m.InvalidEntries.WithLabelValues(field).Inc()
}

// AddEntriesFlushed adds n entries of kind applied to sink.
func (m *Metrics) AddEntriesFlushed(sink, kind string, n int) {
	m.EntriesFlushed.WithLabelValues(sink, kind).Add(float64(n))
}

// ObserveSinkApply observes one sink application.
func (m *Metrics) ObserveSinkApply(sink string, duration float64) {
	m.SinkApplyDuration.WithLabelValues(sink).Observe(duration)
}

// IncSinkErrors increments sink error counter.
func (m *Metrics) IncSinkErrors(sink, errorType string) {
	m.SinkErrors.WithLabelValues(sink, errorType).Inc()
}

// IncFilesWritten increments files written counter.
func (m *Metrics) IncFilesWritten(backend, format, status string) {
	m.FilesWritten.WithLabelValues(backend, format, status).Inc()
}

// ObserveFileSize observes file size.
func (m *Metrics) ObserveFileSize(backend, format string, size float64) {
	m.FileSize.WithLabelValues(backend, format).Observe(size)
}

// ObserveFileWriteDuration observes archive write duration.
func (m *Metrics) ObserveFileWriteDuration(backend, format string, duration float64) {
	m.FileWriteDuration.WithLabelValues(backend, format).Observe(duration)
}

// IncStorageErrors increments storage errors counter.
func (m *Metrics) IncStorageErrors(backend, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}

// IncMessagesConsumed increments messages consumed counter.
func (m *Metrics) IncMessagesConsumed(topic string, partition int32) {
	m.MessagesConsumed.WithLabelValues(topic, strconv.Itoa(int(partition))).Inc()
}

// AddMessagesPublished adds n published messages with status.
func (m *Metrics) AddMessagesPublished(topic, status string, n int) {
	m.MessagesPublished.WithLabelValues(topic, status).Add(float64(n))
}

// IncRebalances increments rebalances counter.
func (m *Metrics) IncRebalances(groupID string) {
	m.Rebalances.WithLabelValues(groupID).Inc()
}

// SetPartitionsAssigned sets partitions assigned gauge.
func (m *Metrics) SetPartitionsAssigned(topic string, count float64) {
	m.PartitionsAssigned.WithLabelValues(topic).Set(count)
}

// IncDLQPublished increments the dead letter counter.
func (m *Metrics) IncDLQPublished(reason, status string) {
	m.DLQPublished.WithLabelValues(reason, status).Inc()
}
