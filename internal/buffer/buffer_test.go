package buffer

import (
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jittakal/stagebuf/pkg/entry"
)

func TestStagingBuffer_SetGet(t *testing.T) {
	buf := New()

	if _, ok := buf.Get("a"); ok {
		t.Error("Get(a) on empty buffer should miss")
	}

	want := entry.NewSet("a", `"va"`)
	buf.Set("a", want)

	got, ok := buf.Get("a")
	if !ok {
		t.Fatal("Get(a) missed after Set")
	}
	if got != want {
		t.Errorf("Get(a) = %+v, want %+v", got, want)
	}
	if buf.Size() != 1 {
		t.Errorf("Size() = %d, want 1", buf.Size())
	}
}

func TestStagingBuffer_OverwriteKeepsLatest(t *testing.T) {
	buf := New()

	buf.Set("k", entry.NewSet("k", `1`))
	buf.Set("k", entry.NewMerge("k", `{"a":2}`, `[[["a"],null]]`))

	got, ok := buf.Get("k")
	if !ok {
		t.Fatal("Get(k) missed")
	}
	if got.Value != `{"a":2}` || got.Kind != entry.KindMerge || got.ReplaceNullPatches != `[[["a"],null]]` {
		t.Errorf("Get(k) = %+v, want latest merge", got)
	}
	if buf.Size() != 1 {
		t.Errorf("Size() = %d, want 1", buf.Size())
	}
}

func TestStagingBuffer_GetReturnsCopy(t *testing.T) {
	buf := New()
	buf.Set("a", entry.NewSet("a", `1`))

	got, _ := buf.Get("a")
	got.Value = "mutated"

	if again, _ := buf.Get("a"); again.Value != `1` {
		t.Errorf("stored value = %s, want 1", again.Value)
	}
}

func TestStagingBuffer_EraseHas(t *testing.T) {
	buf := New()

	if buf.Erase("missing") {
		t.Error("Erase(missing) = true, want false")
	}

	buf.Set("a", entry.NewSet("a", `1`))
	if !buf.Has("a") {
		t.Error("Has(a) = false after Set")
	}
	if !buf.Erase("a") {
		t.Error("Erase(a) = false, want true")
	}
	if buf.Has("a") {
		t.Error("Has(a) = true after Erase")
	}
	if buf.Erase("a") {
		t.Error("second Erase(a) = true, want false")
	}
	if buf.Size() != 0 {
		t.Errorf("Size() = %d, want 0", buf.Size())
	}
}

func TestStagingBuffer_Clear(t *testing.T) {
	buf := New()
	for i := 0; i < 10; i++ {
		k := fmt.Sprintf("key_%d", i)
		buf.Set(k, entry.NewSet(k, `{}`))
	}

	buf.Clear()
	if buf.Size() != 0 {
		t.Errorf("Size() = %d, want 0", buf.Size())
	}
	if n := len(buf.Entries()); n != 0 {
		t.Errorf("Entries() returned %d pairs, want 0", n)
	}
	if n := len(buf.Drain()); n != 0 {
		t.Errorf("Drain() returned %d pairs, want 0", n)
	}

	buf.Clear()
	if buf.Size() != 0 {
		t.Errorf("Size() after second Clear = %d, want 0", buf.Size())
	}
}

func TestStagingBuffer_EntriesSnapshot(t *testing.T) {
	buf := New()
	buf.Set("a", entry.NewSet("a", `"va"`))
	buf.Set("b", entry.NewMerge("b", `"vb"`, ""))

	snapshot := buf.Entries()
	if len(snapshot) != 2 {
		t.Fatalf("Entries() returned %d pairs, want 2", len(snapshot))
	}

	snapshot[0].Entry.Value = "changed"

	if buf.Size() != 2 {
		t.Errorf("Size() = %d, want 2", buf.Size())
	}
	for _, p := range buf.Entries() {
		if p.Entry.Value == "changed" {
			t.Errorf("snapshot mutation leaked into %s", p.Key)
		}
	}
}

func TestStagingBuffer_Scenario(t *testing.T) {
	buf := New()
	a := entry.Entry{Key: "a", Value: `"va"`, Kind: entry.KindSet}
	b := entry.Entry{Key: "b", Value: `"vb"`, Kind: entry.KindMerge}
	buf.Set("a", a)
	buf.Set("b", b)
	want := []entry.Pair{{Key: "a", Entry: a}, {Key: "b", Entry: b}}

	snapshot := buf.Entries()
	entry.SortPairs(snapshot)
	if !reflect.DeepEqual(snapshot, want) {
		t.Errorf("Entries() = %+v, want %+v", snapshot, want)
	}
	if buf.Size() != 2 {
		t.Errorf("Size() = %d, want 2", buf.Size())
	}

	drained := buf.Drain()
	entry.SortPairs(drained)
	if !reflect.DeepEqual(drained, want) {
		t.Errorf("Drain() = %+v, want %+v", drained, want)
	}
	if buf.Size() != 0 {
		t.Errorf("Size() after Drain = %d, want 0", buf.Size())
	}

	if n := len(buf.Drain()); n != 0 {
		t.Errorf("second Drain() returned %d pairs, want 0", n)
	}
}

func TestStagingBuffer_DrainIndependence(t *testing.T) {
	buf := New()
	buf.Set("a", entry.NewSet("a", `1`))
	first := buf.Drain()

	buf.Set("b", entry.NewSet("b", `2`))
	second := buf.Drain()

	if len(first) != 1 || len(second) != 1 {
		t.Fatalf("drained %d then %d pairs, want 1 and 1", len(first), len(second))
	}
	if first[0].Key != "a" || second[0].Key != "b" {
		t.Errorf("drained %s then %s, want a then b", first[0].Key, second[0].Key)
	}

	first[0].Entry.Value = "mutated"
	if second[0].Entry.Value != `2` {
		t.Errorf("second drain value = %s, want 2", second[0].Entry.Value)
	}
}

func TestStagingBuffer_ConcurrentDrain(t *testing.T) {
	const n = 100
	buf := New()

	var done atomic.Bool
	go func() {
		for i := 0; i < n; i++ {
			k := fmt.Sprintf("key_%d", i)
			buf.Set(k, entry.NewSet(k, fmt.Sprintf(`"v%d"`, i)))
		}
		done.Store(true)
	}()

	seen := make(map[string]int, n)
	for !done.Load() || buf.Size() > 0 {
		for _, p := range buf.Drain() {
			seen[p.Key]++
			if p.Key != p.Entry.Key {
				t.Errorf("pair key %s holds entry for %s", p.Key, p.Entry.Key)
			}
		}
	}

	if len(seen) != n {
		t.Fatalf("drained %d distinct keys, want %d", len(seen), n)
	}
	for k, count := range seen {
		if count != 1 {
			t.Errorf("key %s delivered %d times", k, count)
		}
	}
	if buf.Size() != 0 {
		t.Errorf("Size() = %d, want 0", buf.Size())
	}
}

func TestStagingBuffer_ConcurrentWritersAndDrainers(t *testing.T) {
	const (
		writers   = 8
		perWriter = 500
		drainers  = 3
	)
	buf := New()

	var (
		mu   sync.Mutex
		seen = make(map[string]int, writers*perWriter)
	)
	collect := func(pairs []entry.Pair) {
		mu.Lock()
		defer mu.Unlock()
		for _, p := range pairs {
			seen[p.Key]++
		}
	}

	var writing sync.WaitGroup
	for w := 0; w < writers; w++ {
		writing.Add(1)
		go func(w int) {
			defer writing.Done()
			for i := 0; i < perWriter; i++ {
				k := fmt.Sprintf("w%d_key_%d", w, i)
				buf.Set(k, entry.NewSet(k, `{}`))
				if i%50 == 0 {
					_ = buf.Entries()
					_ = buf.Has(k)
				}
			}
		}(w)
	}

	var stop atomic.Bool
	var draining sync.WaitGroup
	for d := 0; d < drainers; d++ {
		draining.Add(1)
		go func() {
			defer draining.Done()
			for !stop.Load() {
				collect(buf.Drain())
			}
		}()
	}

	writing.Wait()
	stop.Store(true)
	draining.Wait()
	collect(buf.Drain())

	if len(seen) != writers*perWriter {
		t.Fatalf("drained %d distinct keys, want %d", len(seen), writers*perWriter)
	}
	for k, count := range seen {
		if count != 1 {
			t.Fatalf("key %s delivered %d times", k, count)
		}
	}
}

func BenchmarkStagingBuffer_Set(b *testing.B) {
	buf := New()
	e := entry.NewSet("k", `{"v":1}`)

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			buf.Set(fmt.Sprintf("key_%d", i%1024), e)
			i++
		}
	})
}
