package flush

import (
	"context"
	stderrors "errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/internal/buffer"
	"github.com/jittakal/stagebuf/internal/errors"
	"github.com/jittakal/stagebuf/internal/validator"
	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/sink"
)

// recordingSink records every batch and fails according to failures.
type recordingSink struct {
	name     string
	mu       sync.Mutex
	batches  []entry.Batch
	calls    int
	failures []error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Apply(_ context.Context, batch entry.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls++
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		if err != nil {
			return err
		}
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *recordingSink) Close() error { return nil }

func (s *recordingSink) snapshot() ([]entry.Batch, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entry.Batch(nil), s.batches...), s.calls
}

// gatedSink blocks in Apply until release is closed, then honours ctx.
type gatedSink struct {
	recordingSink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedSink(name string) *gatedSink {
	return &gatedSink{
		recordingSink: recordingSink{name: name},
		entered:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (s *gatedSink) Apply(ctx context.Context, batch entry.Batch) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.recordingSink.Apply(ctx, batch)
}

// stallingSink never succeeds; it returns once ctx ends.
type stallingSink struct {
	name string
}

func (s *stallingSink) Name() string { return s.name }

func (s *stallingSink) Apply(ctx context.Context, _ entry.Batch) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *stallingSink) Close() error { return nil }

type deadLetter struct {
	batchID string
	keys    []string
	reason  string
}

// recordingDLQ refuses a finished context the way the Kafka publisher does.
type recordingDLQ struct {
	mu      sync.Mutex
	letters []deadLetter
	err     error
}

func (d *recordingDLQ) Publish(ctx context.Context, batchID string, pairs []entry.Pair, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.err != nil {
		return d.err
	}
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.Key
	}
	d.letters = append(d.letters, deadLetter{batchID: batchID, keys: keys, reason: reason})
	return nil
}

func (d *recordingDLQ) Close() error { return nil }

func (d *recordingDLQ) snapshot() []deadLetter {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]deadLetter(nil), d.letters...)
}

type mockMetrics struct {
	mu       sync.Mutex
	flushes  map[string]int
	invalid  map[string]int
	observed int
	sizes    []int
}

func newMockMetrics() *mockMetrics {
	return &mockMetrics{flushes: map[string]int{}, invalid: map[string]int{}}
}

func (m *mockMetrics) SetBufferEntries(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sizes = append(m.sizes, n)
}

func (m *mockMetrics) IncFlushes(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushes[status]++
}

func (m *mockMetrics) ObserveFlush(_ float64, _ int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observed++
}

func (m *mockMetrics) IncInvalidEntries(field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalid[field]++
}

func retryable() error {
	return &errors.StorageError{Operation: "upload", Path: "s3://b/k", Err: stderrors.New("timeout")}
}

func permanent() error {
	return &errors.SinkError{Sink: "kv", Operation: "apply", Err: stderrors.New("bad payload"), Permanent: true}
}

func newTestWorker(t *testing.T, buf *buffer.StagingBuffer, sinks []sink.Sink, dlq sink.DeadLetterPublisher, metrics MetricsCollector) *Worker {
	t.Helper()
	w := New(buf, sinks, dlq, validator.NewEntryValidator(true), Config{
		Interval: 10 * time.Millisecond,
		Retry: RetryPolicy{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
			Multiplier:     2,
		},
	}, zap.NewNop(), metrics)
	w.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return w
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestWorker_FlushNowDeliversSortedBatch(t *testing.T) {
	buf := buffer.New()
	buf.Set("b", entry.NewSet("b", `{"n":2}`))
	buf.Set("a", entry.NewMerge("a", `{"n":1}`, ""))

	kv := &recordingSink{name: "kv"}
	archive := &recordingSink{name: "archive"}
	metrics := newMockMetrics()
	w := newTestWorker(t, buf, []sink.Sink{kv, archive}, &recordingDLQ{}, metrics)

	result, err := w.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow() error = %v", err)
	}

	if result.Drained != 2 {
		t.Errorf("Drained = %d, want 2", result.Drained)
	}
	if result.BatchID == "" {
		t.Error("expected a batch ID")
	}
	if len(result.Failed) != 0 {
		t.Errorf("Failed = %v, want none", result.Failed)
	}
	if buf.Size() != 0 {
		t.Errorf("buffer size = %d, want 0", buf.Size())
	}

	for _, s := range []*recordingSink{kv, archive} {
		batches, calls := s.snapshot()
		if len(batches) != 1 || calls != 1 {
			t.Fatalf("%s: batches = %d, calls = %d, want 1 and 1", s.name, len(batches), calls)
		}
		if got := batches[0].Keys(); !reflect.DeepEqual(got, []string{"a", "b"}) {
			t.Errorf("%s: keys = %v, want [a b]", s.name, got)
		}
		if batches[0].ID != result.BatchID {
			t.Errorf("%s: batch ID = %s, want %s", s.name, batches[0].ID, result.BatchID)
		}
		if batches[0].DrainedAt.Location() != time.UTC {
			t.Errorf("%s: DrainedAt not in UTC", s.name)
		}
	}

	if metrics.flushes["success"] != 1 {
		t.Errorf("success flushes = %d, want 1", metrics.flushes["success"])
	}
	if metrics.observed != 1 {
		t.Errorf("observed = %d, want 1", metrics.observed)
	}

	status := w.Status()
	if status.BatchesFlushed != 1 || status.EntriesFlushed != 2 {
		t.Errorf("status = %+v, want 1 batch and 2 entries", status)
	}
	if status.LastError != "" {
		t.Errorf("LastError = %q, want empty", status.LastError)
	}
	if status.LastFlush.IsZero() {
		t.Error("LastFlush not set")
	}
}

func TestWorker_FlushNowEmptyBufferIsNoop(t *testing.T) {
	kv := &recordingSink{name: "kv"}
	metrics := newMockMetrics()
	w := newTestWorker(t, buffer.New(), []sink.Sink{kv}, nil, metrics)

	result, err := w.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow() error = %v", err)
	}
	if result.Drained != 0 {
		t.Errorf("Drained = %d, want 0", result.Drained)
	}
	if _, calls := kv.snapshot(); calls != 0 {
		t.Errorf("sink calls = %d, want 0", calls)
	}
	if len(metrics.flushes) != 0 {
		t.Errorf("flushes = %v, want none", metrics.flushes)
	}
	if w.Status().BatchesFlushed != 0 {
		t.Errorf("BatchesFlushed = %d, want 0", w.Status().BatchesFlushed)
	}
}

func TestWorker_InvalidEntriesAreDeadLettered(t *testing.T) {
	buf := buffer.New()
	buf.Set("good", entry.NewSet("good", `{"ok":true}`))
	buf.Set("bad-json", entry.NewSet("bad-json", `{not json`))
	buf.Set("bad-patch", entry.Entry{Key: "bad-patch", Value: `{}`, Kind: entry.KindSet, ReplaceNullPatches: `[[["a"],1]]`})

	kv := &recordingSink{name: "kv"}
	dlq := &recordingDLQ{}
	metrics := newMockMetrics()
	w := newTestWorker(t, buf, []sink.Sink{kv}, dlq, metrics)

	result, err := w.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow() error = %v", err)
	}

	if result.Drained != 3 || result.Invalid != 2 || result.DeadLettered != 2 {
		t.Errorf("result = %+v, want 3 drained, 2 invalid, 2 dead-lettered", result)
	}

	batches, _ := kv.snapshot()
	if len(batches) != 1 {
		t.Fatalf("sink batches = %d, want 1", len(batches))
	}
	if got := batches[0].Keys(); !reflect.DeepEqual(got, []string{"good"}) {
		t.Errorf("delivered keys = %v, want [good]", got)
	}

	letters := dlq.snapshot()
	want := []deadLetter{
		{batchID: result.BatchID, keys: []string{"bad-patch"}, reason: "invalid:replaceNullPatches"},
		{batchID: result.BatchID, keys: []string{"bad-json"}, reason: "invalid:value"},
	}
	if !reflect.DeepEqual(letters, want) {
		t.Errorf("dead letters = %+v, want %+v", letters, want)
	}

	if metrics.invalid["value"] != 1 || metrics.invalid["replaceNullPatches"] != 1 {
		t.Errorf("invalid metrics = %v", metrics.invalid)
	}
}

func TestWorker_AllInvalidSkipsSinks(t *testing.T) {
	buf := buffer.New()
	buf.Set("x", entry.NewSet("x", `nope`))

	kv := &recordingSink{name: "kv"}
	dlq := &recordingDLQ{}
	w := newTestWorker(t, buf, []sink.Sink{kv}, dlq, nil)

	if _, err := w.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow() error = %v", err)
	}
	if _, calls := kv.snapshot(); calls != 0 {
		t.Errorf("sink calls = %d, want 0", calls)
	}
	if n := len(dlq.snapshot()); n != 1 {
		t.Errorf("dead letters = %d, want 1", n)
	}
}

func TestWorker_RetriesRetryableErrors(t *testing.T) {
	buf := buffer.New()
	buf.Set("a", entry.NewSet("a", `1`))

	archive := &recordingSink{name: "archive", failures: []error{retryable(), retryable()}}
	dlq := &recordingDLQ{}
	w := newTestWorker(t, buf, []sink.Sink{archive}, dlq, nil)

	result, err := w.FlushNow(context.Background())
	if err != nil {
		t.Fatalf("FlushNow() error = %v", err)
	}
	if len(result.Failed) != 0 {
		t.Errorf("Failed = %v, want none", result.Failed)
	}

	batches, calls := archive.snapshot()
	if calls != 3 || len(batches) != 1 {
		t.Errorf("calls = %d, batches = %d, want 3 and 1", calls, len(batches))
	}
	if n := len(dlq.snapshot()); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
}

func TestWorker_ExhaustedRetriesDeadLetter(t *testing.T) {
	buf := buffer.New()
	buf.Set("a", entry.NewSet("a", `1`))
	buf.Set("b", entry.NewSet("b", `2`))

	archive := &recordingSink{name: "archive", failures: []error{retryable(), retryable(), retryable()}}
	kv := &recordingSink{name: "kv"}
	dlq := &recordingDLQ{}
	metrics := newMockMetrics()
	w := newTestWorker(t, buf, []sink.Sink{archive, kv}, dlq, metrics)

	result, err := w.FlushNow(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.IsRetryable(err) {
		t.Errorf("IsRetryable(%v) = false, want true", err)
	}

	if _, calls := archive.snapshot(); calls != 3 {
		t.Errorf("archive calls = %d, want 3", calls)
	}
	if kvBatches, _ := kv.snapshot(); len(kvBatches) != 1 {
		t.Errorf("kv batches = %d, want 1; a failing sink must not block later sinks", len(kvBatches))
	}

	if _, ok := result.Failed["archive"]; !ok {
		t.Errorf("Failed = %v, want archive", result.Failed)
	}
	if result.DeadLettered != 2 {
		t.Errorf("DeadLettered = %d, want 2", result.DeadLettered)
	}
	letters := dlq.snapshot()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].reason != "sink_failed:archive" {
		t.Errorf("reason = %s, want sink_failed:archive", letters[0].reason)
	}
	if !reflect.DeepEqual(letters[0].keys, []string{"a", "b"}) {
		t.Errorf("keys = %v, want [a b]", letters[0].keys)
	}

	if metrics.flushes["partial"] != 1 {
		t.Errorf("partial flushes = %d, want 1", metrics.flushes["partial"])
	}
	if w.Status().LastError == "" {
		t.Error("LastError not set")
	}
}

func TestWorker_PermanentErrorIsNotRetried(t *testing.T) {
	buf := buffer.New()
	buf.Set("a", entry.NewSet("a", `1`))

	kv := &recordingSink{name: "kv", failures: []error{permanent()}}
	dlq := &recordingDLQ{}
	metrics := newMockMetrics()
	w := newTestWorker(t, buf, []sink.Sink{kv}, dlq, metrics)

	result, err := w.FlushNow(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}

	if _, calls := kv.snapshot(); calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if _, ok := result.Failed["kv"]; !ok {
		t.Errorf("Failed = %v, want kv", result.Failed)
	}
	if metrics.flushes["failure"] != 1 {
		t.Errorf("failure flushes = %d, want 1", metrics.flushes["failure"])
	}
	letters := dlq.snapshot()
	if len(letters) != 1 || letters[0].reason != "sink_failed:kv" {
		t.Errorf("dead letters = %+v, want one sink_failed:kv", letters)
	}
}

func TestWorker_DLQFailureIsReportedNotFatal(t *testing.T) {
	buf := buffer.New()
	buf.Set("a", entry.NewSet("a", `1`))

	kv := &recordingSink{name: "kv", failures: []error{permanent()}}
	dlq := &recordingDLQ{err: stderrors.New("broker down")}
	w := newTestWorker(t, buf, []sink.Sink{kv}, dlq, nil)

	result, err := w.FlushNow(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if result.DeadLettered != 0 {
		t.Errorf("DeadLettered = %d, want 0", result.DeadLettered)
	}
}

func TestWorker_CanceledContextStopsRetryingButDeadLetters(t *testing.T) {
	buf := buffer.New()
	buf.Set("a", entry.NewSet("a", `1`))

	archive := &recordingSink{name: "archive", failures: []error{retryable(), retryable(), retryable()}}
	dlq := &recordingDLQ{}
	w := newTestWorker(t, buf, []sink.Sink{archive}, dlq, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := w.FlushNow(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	if _, calls := archive.snapshot(); calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if result.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", result.DeadLettered)
	}
}

func TestWorker_TimedOutSinkIsDeadLettered(t *testing.T) {
	buf := buffer.New()
	buf.Set("k", entry.NewSet("k", `{"v":1}`))

	dlq := &recordingDLQ{}
	w := newTestWorker(t, buf, []sink.Sink{&stallingSink{name: "slow"}}, dlq, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	result, err := w.FlushNow(ctx)
	if !stderrors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("FlushNow() error = %v, want deadline exceeded", err)
	}

	letters := dlq.snapshot()
	if len(letters) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(letters))
	}
	if letters[0].reason != "sink_failed:slow" || !reflect.DeepEqual(letters[0].keys, []string{"k"}) {
		t.Errorf("dead letter = %+v, want k with sink_failed:slow", letters[0])
	}
	if result.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", result.DeadLettered)
	}
}

func TestWorker_StartFlushesOnTick(t *testing.T) {
	buf := buffer.New()
	kv := &recordingSink{name: "kv"}
	metrics := newMockMetrics()
	w := newTestWorker(t, buf, []sink.Sink{kv}, nil, metrics)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !w.Status().Running {
		t.Error("Running = false after Start")
	}
	if err := w.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}

	buf.Set("a", entry.NewSet("a", `1`))

	waitFor(t, "scheduled flush", func() bool {
		batches, _ := kv.snapshot()
		return len(batches) == 1
	})

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if w.Status().Running {
		t.Error("Running = true after Stop")
	}
}

func TestWorker_StopPerformsFinalFlush(t *testing.T) {
	buf := buffer.New()
	kv := &recordingSink{name: "kv"}
	w := New(buf, []sink.Sink{kv}, nil, nil, Config{Interval: time.Hour}, zap.NewNop(), nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	buf.Set("a", entry.NewSet("a", `1`))
	buf.Set("b", entry.NewSet("b", `2`))

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	batches, _ := kv.snapshot()
	if len(batches) != 1 {
		t.Fatalf("batches = %d, want 1", len(batches))
	}
	if got := batches[0].Keys(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("keys = %v, want [a b]", got)
	}
	if buf.Size() != 0 {
		t.Errorf("buffer size = %d, want 0", buf.Size())
	}
}

func TestWorker_StopLetsInFlightFlushFinish(t *testing.T) {
	buf := buffer.New()
	kv := newGatedSink("kv")
	dlq := &recordingDLQ{}
	w := newTestWorker(t, buf, []sink.Sink{kv}, dlq, nil)

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	buf.Set("k", entry.NewSet("k", `{"v":1}`))

	select {
	case <-kv.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled flush never reached the sink")
	}

	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop(context.Background()) }()

	waitFor(t, "Stop to begin", func() bool { return !w.Status().Running })
	time.Sleep(20 * time.Millisecond)
	close(kv.release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	batches, _ := kv.snapshot()
	if len(batches) != 1 || !reflect.DeepEqual(batches[0].Keys(), []string{"k"}) {
		t.Fatalf("delivered batches = %+v, want one batch with k", batches)
	}
	if n := len(dlq.snapshot()); n != 0 {
		t.Errorf("dead letters = %d, want 0", n)
	}
	if buf.Size() != 0 {
		t.Errorf("buffer size = %d, want 0", buf.Size())
	}
}

func TestWorker_CancelledStartContextDoesNotAbortFlush(t *testing.T) {
	buf := buffer.New()
	kv := newGatedSink("kv")
	w := newTestWorker(t, buf, []sink.Sink{kv}, &recordingDLQ{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	buf.Set("k", entry.NewSet("k", `{"v":1}`))

	select {
	case <-kv.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled flush never reached the sink")
	}
	cancel()
	close(kv.release)

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if batches, _ := kv.snapshot(); len(batches) != 1 {
		t.Errorf("delivered batches = %d, want 1", len(batches))
	}
}

func TestWorker_StoppedRejectsCalls(t *testing.T) {
	w := newTestWorker(t, buffer.New(), nil, nil, nil)

	if err := w.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := w.Stop(context.Background()); !stderrors.Is(err, errors.ErrWorkerStopped) {
		t.Errorf("second Stop() error = %v, want ErrWorkerStopped", err)
	}
	if err := w.Start(context.Background()); !stderrors.Is(err, errors.ErrWorkerStopped) {
		t.Errorf("Start() error = %v, want ErrWorkerStopped", err)
	}
	if _, err := w.FlushNow(context.Background()); !stderrors.Is(err, errors.ErrWorkerStopped) {
		t.Errorf("FlushNow() error = %v, want ErrWorkerStopped", err)
	}
}

func TestWorker_ConcurrentFlushesDeliverEachEntryOnce(t *testing.T) {
	buf := buffer.New()
	kv := &recordingSink{name: "kv"}
	w := newTestWorker(t, buf, []sink.Sink{kv}, nil, nil)

	const writers = 4
	const perWriter = 250

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				key := fmt.Sprintf("w%d-%d", id, j)
				buf.Set(key, entry.NewSet(key, `1`))
			}
		}(i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	flushing := true
	for flushing {
		select {
		case <-done:
			flushing = false
		default:
			if _, err := w.FlushNow(context.Background()); err != nil {
				t.Fatalf("FlushNow() error = %v", err)
			}
		}
	}
	if _, err := w.FlushNow(context.Background()); err != nil {
		t.Fatalf("FlushNow() error = %v", err)
	}

	seen := make(map[string]int)
	batches, _ := kv.snapshot()
	for _, b := range batches {
		for _, k := range b.Keys() {
			seen[k]++
		}
	}
	if len(seen) != writers*perWriter {
		t.Errorf("distinct keys = %d, want %d", len(seen), writers*perWriter)
	}
	for k, n := range seen {
		if n != 1 {
			t.Errorf("key %s delivered %d times", k, n)
		}
	}
}
