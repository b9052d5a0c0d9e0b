// Package persistence implements the Indicator Persistence (C4) and
// Trading Persistence (C9) components of spec.md §4.4/§6.3: batched,
// retrying, degraded-mode-aware writers sitting behind bus subscriptions.
// Grounded on internal/db/batch_operations.go's batch-size chunking,
// internal/architecture/retry.go's exponential-backoff shape, and
// internal/performance/message_compressor.go's zstd path for the overflow
// ring's memory footprint.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	gocache "github.com/patrickmn/go-cache"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

// WriteBatchFunc persists one flushed batch, e.g. a gorm upsert-by-key.
type WriteBatchFunc[T any] func(ctx context.Context, rows []T) error

// noStoreWrite stands in for a *store.Store method when a session runs
// without a store configured, so a flush fails over to the overflow ring
// through the normal retry/degraded path instead of dereferencing a nil
// *store.Store.
func noStoreWrite[T any](ctx context.Context, rows []T) error {
	return fmt.Errorf("no persistence store configured")
}

// BatchConfig tunes a Batcher (spec.md §4.4).
type BatchConfig struct {
	MaxRows        int           // default 1000
	MaxDelay       time.Duration // default 500ms
	RetryAttempts  int           // default 3
	OverflowWindow time.Duration // default 1 minute
}

func (c BatchConfig) withDefaults() BatchConfig {
	if c.MaxRows <= 0 {
		c.MaxRows = 1000
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 500 * time.Millisecond
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = 3
	}
	if c.OverflowWindow <= 0 {
		c.OverflowWindow = time.Minute
	}
	return c
}

// Degraded is published on "persistence.degraded" when a batch exhausts
// its retry budget and is shed to the in-memory overflow ring instead of
// being lost outright (spec.md §4.4).
type Degraded struct {
	Table string
	Rows  int
	At    time.Time
}

// Batcher accumulates rows of type T and flushes on MaxRows rows or
// MaxDelay, whichever comes first. A flush that fails is retried
// RetryAttempts times with exponential backoff; exhausting the retry
// budget surfaces persistence.degraded and parks the batch in a
// OverflowWindow-bounded ring, replayed on the next successful flush.
type Batcher[T any] struct {
	cfg    BatchConfig
	logger *zap.Logger
	sink   *metrics.Sink
	bus    *bus.Bus
	table  string
	write  WriteBatchFunc[T]

	mu    sync.Mutex
	buf   []T
	timer *time.Timer

	overflow *gocache.Cache
	zenc     *zstd.Encoder
	zdec     *zstd.Decoder
}

// NewBatcher constructs a Batcher for one table. logger, sink and bus are
// all injected (spec §9).
func NewBatcher[T any](table string, cfg BatchConfig, logger *zap.Logger, sink *metrics.Sink, b *bus.Bus, write WriteBatchFunc[T]) *Batcher[T] {
	cfg = cfg.withDefaults()
	zenc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	zdec, _ := zstd.NewReader(nil)
	return &Batcher[T]{
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		bus:      b,
		table:    table,
		write:    write,
		overflow: gocache.New(cfg.OverflowWindow, cfg.OverflowWindow/2),
		zenc:     zenc,
		zdec:     zdec,
	}
}

// Add appends row to the current batch, flushing immediately once it
// reaches MaxRows, and arming the MaxDelay timer on the first row of a
// fresh batch.
func (b *Batcher[T]) Add(ctx context.Context, row T) {
	b.mu.Lock()
	b.buf = append(b.buf, row)
	full := len(b.buf) >= b.cfg.MaxRows
	if len(b.buf) == 1 {
		b.timer = time.AfterFunc(b.cfg.MaxDelay, func() { b.Flush(ctx) })
	}
	b.mu.Unlock()

	if full {
		b.Flush(ctx)
	}
}

// Flush writes whatever is currently buffered, retrying on failure before
// shedding to the overflow ring. Safe to call concurrently with Add; a
// concurrent flush racing the MaxDelay timer simply finds an empty buffer.
func (b *Batcher[T]) Flush(ctx context.Context) {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	rows := b.buf
	b.buf = nil
	b.mu.Unlock()

	b.sink.PersistenceBatchRows.WithLabelValues(b.table).Observe(float64(len(rows)))

	var err error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= b.cfg.RetryAttempts; attempt++ {
		if err = b.write(ctx, rows); err == nil {
			b.drainOverflow(ctx)
			return
		}
		if attempt == b.cfg.RetryAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff *= 2
	}

	b.logger.Error("persistence batch failed after retries, shedding to overflow ring",
		zap.String("table", b.table), zap.Int("rows", len(rows)), zap.Error(err))
	b.sink.PersistenceDegradedTime.Inc()
	compressed, cErr := b.compress(rows)
	if cErr != nil {
		b.logger.Error("failed to compress overflow rows, dropping batch", zap.String("table", b.table), zap.Error(cErr))
	} else {
		b.overflow.SetDefault(ksuid.New().String(), compressed)
	}
	if pubErr := b.bus.Publish(ctx, "persistence.degraded", Degraded{Table: b.table, Rows: len(rows), At: time.Now()}); pubErr != nil {
		b.logger.Warn("failed to publish persistence.degraded", zap.Error(pubErr))
	}
}

// compress JSON-encodes then zstd-compresses rows, keeping the overflow
// ring's memory footprint small while a session sits in degraded mode.
func (b *Batcher[T]) compress(rows []T) ([]byte, error) {
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("marshal overflow rows: %w", err)
	}
	return b.zenc.EncodeAll(raw, nil), nil
}

func (b *Batcher[T]) decompress(compressed []byte) ([]T, error) {
	raw, err := b.zdec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress overflow rows: %w", err)
	}
	var rows []T
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal overflow rows: %w", err)
	}
	return rows, nil
}

// drainOverflow retries everything currently parked in the overflow ring
// once a flush succeeds again.
func (b *Batcher[T]) drainOverflow(ctx context.Context) {
	items := b.overflow.Items()
	for key, item := range items {
		compressed, ok := item.Object.([]byte)
		if !ok {
			continue
		}
		rows, err := b.decompress(compressed)
		if err != nil {
			b.logger.Error("corrupt overflow entry, dropping", zap.String("table", b.table), zap.Error(err))
			b.overflow.Delete(key)
			continue
		}
		if err := b.write(ctx, rows); err != nil {
			b.logger.Warn("overflow replay failed, keeping in ring", zap.String("table", b.table), zap.Error(err))
			continue
		}
		b.overflow.Delete(key)
	}
}
