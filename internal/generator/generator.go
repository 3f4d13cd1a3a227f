// Package generator produces synthetic buffer traffic for local runs and
// load tests.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jaswdr/faker"
	"go.uber.org/zap"

	"github.com/jittakal/stagebuf/pkg/entry"
	"github.com/jittakal/stagebuf/pkg/source"
)

// Ensure implementation satisfies interface at compile time.
var _ source.Source = (*Generator)(nil)

// Config contains synthetic load settings.
type Config struct {
	Interval   time.Duration
	Burst      int
	KeySpace   int
	KeyPrefix  string
	MergeRatio float64
	EraseRatio float64
	PatchRatio float64
	Seed       int64
}

// BufferWriter is the producer side of the write buffer.
type BufferWriter interface {
	Stage(key string, e entry.Entry) error
	Erase(key string) bool
}

// MetricsCollector records generated operations.
type MetricsCollector interface {
	IncEntriesIngested(source, operation string)
}

// Generator writes Burst updates every Interval over a bounded key space,
// so keys are overwritten between drains.
type Generator struct {
	config  Config
	buffer  BufferWriter
	faker   faker.Faker
	logger  *zap.Logger
	metrics MetricsCollector
}

// New creates a generator. A zero Seed seeds from the clock.
func New(cfg Config, buf BufferWriter, logger *zap.Logger, metrics MetricsCollector) *Generator {
	f := faker.New()
	if cfg.Seed != 0 {
		f = faker.NewWithSeed(rand.NewSource(cfg.Seed))
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "report"
	}
	return &Generator{config: cfg, buffer: buf, faker: f, logger: logger, metrics: metrics}
}

// Name returns the source name.
func (g *Generator) Name() string { return "generator" }

// Run emits bursts until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) error {
	g.logger.Info("generator started",
		zap.Duration("interval", g.config.Interval),
		zap.Int("burst", g.config.Burst),
		zap.Int("key_space", g.config.KeySpace),
	)

	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			g.logger.Info("generator stopped")
			return nil
		case <-ticker.C:
			g.Emit(g.config.Burst)
		}
	}
}

// Close is a no-op.
func (g *Generator) Close() error { return nil }

// Emit writes n operations immediately.
func (g *Generator) Emit(n int) {
	for i := 0; i < n; i++ {
		key := g.randomKey()

		roll := g.ratio()
		switch {
		case roll < g.config.EraseRatio:
			g.buffer.Erase(key)
			g.record("erase")
		case roll < g.config.EraseRatio+g.config.MergeRatio:
			g.stage(key, g.mergeEntry(key))
		default:
			g.stage(key, g.setEntry(key))
		}
	}
}

func (g *Generator) stage(key string, e entry.Entry) {
	if err := g.buffer.Stage(key, e); err != nil {
		g.logger.Warn("failed to stage generated entry", zap.String("key", key), zap.Error(err))
		return
	}
	g.record(e.Kind.String())
}

func (g *Generator) record(op string) {
	if g.metrics != nil {
		g.metrics.IncEntriesIngested(g.Name(), op)
	}
}

// ratio returns a value in [0, 1).
func (g *Generator) ratio() float64 {
	return float64(g.faker.IntBetween(0, 9999)) / 10000
}

func (g *Generator) randomKey() string {
	space := g.config.KeySpace
	if space <= 0 {
		space = 1
	}
	return fmt.Sprintf("%s_%d", g.config.KeyPrefix, g.faker.IntBetween(0, space-1))
}

type owner struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type report struct {
	ReportID  string `json:"reportID"`
	Title     string `json:"title"`
	Owner     owner  `json:"owner"`
	City      string `json:"city"`
	Total     int    `json:"total"`
	Currency  string `json:"currency"`
	UpdatedAt string `json:"updatedAt"`
	RequestID string `json:"requestID"`
}

func (g *Generator) owner() owner {
	return owner{Name: g.faker.Person().Name(), Email: g.faker.Internet().Email()}
}

func (g *Generator) setEntry(key string) entry.Entry {
	doc := report{
		ReportID:  key,
		Title:     g.faker.Lorem().Sentence(4),
		Owner:     g.owner(),
		City:      g.faker.Address().City(),
		Total:     g.faker.IntBetween(0, 100000),
		Currency:  g.faker.Currency().Code(),
		UpdatedAt: time.Now().UTC().Format(time.RFC3339Nano),
		RequestID: uuid.New().String(),
	}
	return entry.NewSet(key, mustJSON(doc))
}

// mergeEntry builds a partial update. Now and then a field is nulled out
// (removed by the merge) and the owner object is replaced wholesale.
func (g *Generator) mergeEntry(key string) entry.Entry {
	patch := map[string]any{
		"total":     g.faker.IntBetween(0, 100000),
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
		"requestID": uuid.New().String(),
	}
	if g.faker.IntBetween(0, 3) == 0 {
		patch["city"] = nil
	}

	var patches string
	if g.ratio() < g.config.PatchRatio {
		patches = mustJSON([]any{
			[]any{[]string{"owner"}, g.owner()},
		})
	}
	return entry.NewMerge(key, mustJSON(patch), patches)
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("generator: marshal %T: %v", v, err))
	}
	return string(data)
}
