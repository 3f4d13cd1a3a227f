// Package flush drains the staging buffer on a schedule and hands each
// batch to the configured sinks.
package flush

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/internal/validator"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/sink"
)

// Config contains flush worker settings.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Retry    RetryPolicy
}

// Drainer is the part of the buffer the worker consumes.
type Drainer interface {
	Size() int
	Drain() []entry.Pair
}

// Validator splits drained pairs into deliverable and rejected ones.
type Validator interface {
	Partition(pairs []entry.Pair) (valid []entry.Pair, rejected []validator.Rejected)
}

// MetricsCollector defines metrics operations for the flush worker.
type MetricsCollector interface {
	SetBufferEntries(n int)
	IncFlushes(status string)
	ObserveFlush(duration float64, batchSize int)
	IncInvalidEntries(field string)
}

// Result describes one flush.
type Result struct {
	BatchID      string
	Drained      int
	Invalid      int
	DeadLettered int
	Failed       map[string]error
	Duration     time.Duration
}

// Status is a point-in-time view of the worker for health checks.
type Status struct {
	Running        bool
	LastFlush      time.Time
	LastError      string
	BatchesFlushed uint64
	EntriesFlushed uint64
}

// Worker periodically drains a buffer and applies each batch to every
// sink in order. Flushes never overlap, so batches reach sinks in drain
// order.
type Worker struct {
	store     Drainer
	sinks     []sink.Sink
	dlq       sink.DeadLetterPublisher
	validator Validator
	config    Config
	logger    *zap.Logger
	metrics   MetricsCollector

	flushMu sync.Mutex

	mu      sync.RWMutex
	status  Status
	stopped bool
	cancel  context.CancelFunc
	done    chan struct{}

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a worker. dlq, v and metrics may be nil.
func New(
	store Drainer,
	sinks []sink.Sink,
	dlq sink.DeadLetterPublisher,
	v Validator,
	cfg Config,
	logger *zap.Logger,
	metrics MetricsCollector,
) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 200 * time.Millisecond
	}
	return &Worker{
		store:     store,
		sinks:     sinks,
		dlq:       dlq,
		validator: v,
		config:    cfg,
		logger:    logger,
		metrics:   metrics,
		sleep:     sleepContext,
	}
}

// Start launches the drain loop. Cancelling ctx ends the loop but never
// interrupts a flush already in progress; call Stop to deliver what is left.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return errors.ErrWorkerStopped
	}
	if w.status.Running {
		return fmt.Errorf("flush worker already running")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.status.Running = true

	go w.loop(loopCtx, w.done)

	w.logger.Info("flush worker started",
		zap.Duration("interval", w.config.Interval),
		zap.Int("sinks", len(w.sinks)),
	)
	return nil
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			size := w.store.Size()
			if w.metrics != nil {
				w.metrics.SetBufferEntries(size)
			}
			if size == 0 {
				continue
			}

			flushCtx, cancel := w.flushContext(context.WithoutCancel(ctx))
			if _, err := w.flush(flushCtx); err != nil {
				w.logger.Error("scheduled flush failed", zap.Error(err))
			}
			cancel()
		}
	}
}

func (w *Worker) flushContext(parent context.Context) (context.Context, context.CancelFunc) {
	if w.config.Timeout > 0 {
		return context.WithTimeout(parent, w.config.Timeout)
	}
	return context.WithCancel(parent)
}

// Stop ends the drain loop, waits for any in-flight flush to finish and
// performs a final flush, so nothing written before Stop is left behind in
// the buffer.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return errors.ErrWorkerStopped
	}
	w.stopped = true
	cancel, done := w.cancel, w.done
	w.status.Running = false
	w.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for flush loop: %w", ctx.Err())
		}
	}

	result, err := w.flush(ctx)
	w.logger.Info("flush worker stopped",
		zap.Int("final_batch_size", result.Drained),
		zap.Error(err),
	)
	return err
}

// FlushNow drains and delivers whatever the buffer holds right now.
func (w *Worker) FlushNow(ctx context.Context) (Result, error) {
	w.mu.RLock()
	stopped := w.stopped
	w.mu.RUnlock()

	if stopped {
		return Result{}, errors.ErrWorkerStopped
	}
	return w.flush(ctx)
}

// Status returns a snapshot of the worker state.
func (w *Worker) Status() Status {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.status
}

func (w *Worker) flush(ctx context.Context) (Result, error) {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	started := time.Now()

	pairs := w.store.Drain()
	if len(pairs) == 0 {
		return Result{}, nil
	}
	entry.SortPairs(pairs)

	batch := entry.Batch{ID: uuid.New().String(), DrainedAt: started.UTC(), Pairs: pairs}
	result := Result{BatchID: batch.ID, Drained: len(pairs)}

	logger := w.logger.With(zap.String("batch_id", batch.ID))

	if w.validator != nil {
		valid, rejected := w.validator.Partition(pairs)
		batch.Pairs = valid
		result.Invalid = len(rejected)
		result.DeadLettered += w.deadLetterRejected(ctx, logger, batch.ID, rejected)
	}

	var failures []error
	if batch.Len() > 0 {
		for _, s := range w.sinks {
			if err := w.applyWithRetry(ctx, logger, s, batch); err != nil {
				if result.Failed == nil {
					result.Failed = make(map[string]error)
				}
				result.Failed[s.Name()] = err
				failures = append(failures, err)

				logger.Error("sink failed, dead-lettering batch",
					zap.String("sink", s.Name()),
					zap.Int("entry_count", batch.Len()),
					zap.Error(err),
				)
				if w.deadLetter(ctx, logger, batch.ID, batch.Pairs, "sink_failed:"+s.Name()) {
					result.DeadLettered += batch.Len()
				}
			}
		}
	}

	result.Duration = time.Since(started)
	err := stderrors.Join(failures...)

	status := "success"
	switch {
	case len(failures) > 0 && len(failures) == len(w.sinks):
		status = "failure"
	case len(failures) > 0:
		status = "partial"
	}

	if w.metrics != nil {
		w.metrics.IncFlushes(status)
		w.metrics.ObserveFlush(result.Duration.Seconds(), result.Drained)
	}

	w.mu.Lock()
	w.status.LastFlush = started
	w.status.BatchesFlushed++
	w.status.EntriesFlushed += uint64(batch.Len())
	if err != nil {
		w.status.LastError = err.Error()
	} else {
		w.status.LastError = ""
	}
	w.mu.Unlock()

	logger.Info("flushed batch",
		zap.String("status", status),
		zap.Int("drained", result.Drained),
		zap.Int("invalid", result.Invalid),
		zap.Int("dead_lettered", result.DeadLettered),
		zap.Duration("duration", result.Duration),
	)
	return result, err
}

func (w *Worker) applyWithRetry(ctx context.Context, logger *zap.Logger, s sink.Sink, batch entry.Batch) error {
	attempts := w.config.Retry.attempts()

	for attempt := 1; ; attempt++ {
		err := s.Apply(ctx, batch)
		if err == nil {
			return nil
		}
		if attempt >= attempts || !errors.IsRetryable(err) {
			return err
		}

		wait := w.config.Retry.Backoff(attempt)
		logger.Warn("sink apply failed, retrying",
			zap.String("sink", s.Name()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if serr := w.sleep(ctx, wait); serr != nil {
			return err
		}
	}
}

func (w *Worker) deadLetterRejected(ctx context.Context, logger *zap.Logger, batchID string, rejected []validator.Rejected) int {
	if len(rejected) == 0 {
		return 0
	}

	byReason := make(map[string][]entry.Pair)
	for _, r := range rejected {
		logger.Warn("invalid entry",
			zap.String("key", r.Pair.Key),
			zap.String("field", r.Err.Field),
			zap.String("reason", r.Err.Reason),
		)
		if w.metrics != nil {
			w.metrics.IncInvalidEntries(r.Err.Field)
		}
		reason := "invalid:" + r.Err.Field
		byReason[reason] = append(byReason[reason], r.Pair)
	}

	reasons := make([]string, 0, len(byReason))
	for reason := range byReason {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)

	sent := 0
	for _, reason := range reasons {
		if w.deadLetter(ctx, logger, batchID, byReason[reason], reason) {
			sent += len(byReason[reason])
		}
	}
	return sent
}

func (w *Worker) deadLetter(ctx context.Context, logger *zap.Logger, batchID string, pairs []entry.Pair, reason string) bool {
	if w.dlq == nil {
		logger.Warn("no dead letter publisher, dropping entries",
			zap.String("reason", reason),
			zap.Int("count", len(pairs)),
		)
		return false
	}
	logger.Debug("dead-lettering entries",
		zap.String("reason", reason),
		zap.Strings("keys", entry.Batch{Pairs: pairs}.Keys()),
	)
	// A sink may have failed because ctx ended; the entries still go out.
	if err := w.dlq.Publish(context.WithoutCancel(ctx), batchID, pairs, reason); err != nil {
		logger.Error("failed to dead-letter entries",
			zap.String("reason", reason),
			zap.Int("count", len(pairs)),
			zap.Error(err),
		)
		return false
	}
	return true
}
