package indicators

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

// Config tunes the engine's memory discipline (spec.md §4.3).
type Config struct {
	MemoryBudgetBytes int64         // default 500MiB
	PressureRatio     float64       // default 0.8
	FoldSoftBudget    time.Duration // default 5ms, logged (not enforced) when exceeded
}

func (c Config) withDefaults() Config {
	if c.MemoryBudgetBytes <= 0 {
		c.MemoryBudgetBytes = 500 * 1024 * 1024
	}
	if c.PressureRatio <= 0 {
		c.PressureRatio = 0.8
	}
	if c.FoldSoftBudget <= 0 {
		c.FoldSoftBudget = 5 * time.Millisecond
	}
	return c
}

// memoryCheckInterval bounds how often Engine re-scans every lane's
// footprint; checking on every single tick would itself become the
// bottleneck the budget is meant to guard against.
const memoryCheckInterval = 200

// laneHeadroom over-provisions a lane's ring above the minimum window its
// reducer needs, so a burst of ticks doesn't force an eviction on every
// push and checkMemoryPressure's trim has actual headroom to reclaim
// under pressure rather than a no-op at the floor.
const laneHeadroom = 1.25

// MemoryPressure is published on "memory.pressure" when the
// engine's aggregate footprint crosses PressureRatio of its budget.
type MemoryPressure struct {
	SessionID    string
	Ratio        float64
	TrimmedLanes int
}

// computationLane is one shared computation stream: every variant_id with
// an identical (base_type, canonical parameters) pair for a given symbol
// (or the global synthetic symbol) folds through the same ring buffer, and
// the resulting value is published once per alias (spec.md §3's
// deduplication key).
type computationLane struct {
	mu           sync.Mutex
	baseType     string
	params       map[string]float64
	symbol       string
	variantIDs   []string
	ring         *RingBuffer
	reducer      BaseTypeDef
	minWindow    time.Duration
	lastAccessed time.Time
}

// Engine is the Indicator Registry & Engine of spec.md §4.3: it owns every
// registered lane, folds ticks into them, and publishes indicator.updated.
type Engine struct {
	logger    *zap.Logger
	sink      *metrics.Sink
	bus       *bus.Bus
	registry  *Registry
	cfg       Config
	sessionID string

	mu          sync.Mutex
	lanes       map[laneKey]*computationLane
	bySymbol    map[string][]*computationLane
	globalLanes []*computationLane

	ticks atomic.Int64
	sub   *bus.Subscription
}

type laneKey struct {
	canonical string
	symbol    string
}

// NewEngine constructs an Engine bound to one session. logger, sink, bus and
// registry are all injected (spec.md §9: "never read from a global").
func NewEngine(logger *zap.Logger, sink *metrics.Sink, b *bus.Bus, registry *Registry, cfg Config, sessionID string) *Engine {
	return &Engine{
		logger:    logger,
		sink:      sink,
		bus:       b,
		registry:  registry,
		cfg:       cfg.withDefaults(),
		sessionID: sessionID,
		lanes:     make(map[laneKey]*computationLane),
		bySymbol:  make(map[string][]*computationLane),
	}
}

// maxWindowSeconds scans a variant's parameters for anything named
// "*_seconds" and returns the largest, the window a lane's ring buffer must
// retain to serve every reducer parameter that draws on it.
func maxWindowSeconds(params map[string]float64) time.Duration {
	var max time.Duration
	for k, v := range params {
		if !strings.HasSuffix(k, "_seconds") {
			continue
		}
		d := time.Duration(v * float64(time.Second))
		if d > max {
			max = d
		}
	}
	return max
}

// RegisterVariants wires one session's registered indicator variants into
// lanes, one per (canonical key, symbol) pair for per-symbol variants, or
// one shared lane under domain.GlobalLaneSymbol for global-scope variants
// (DESIGN.md open question #1: a global lane folds ticks from every symbol
// in the session into one stream, and every symbol's strategy instances
// read that same lane's latest value).
func (e *Engine) RegisterVariants(variants []domain.IndicatorVariant, symbols []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, v := range variants {
		def, ok := e.registry.Get(v.BaseType)
		if !ok {
			return fmt.Errorf("indicator variant %s: unknown base type %q", v.VariantID, v.BaseType)
		}
		window := maxWindowSeconds(v.Parameters)

		lanesSymbols := []string{domain.GlobalLaneSymbol}
		if v.Scope == domain.ScopePerSymbol {
			lanesSymbols = symbols
		}

		for _, sym := range lanesSymbols {
			key := laneKey{canonical: v.CanonicalKey(), symbol: sym}
			l, exists := e.lanes[key]
			if !exists {
				l = &computationLane{
					baseType:     v.BaseType,
					params:       v.Parameters,
					symbol:       sym,
					ring:         NewRingBuffer(time.Duration(float64(window) * laneHeadroom)),
					reducer:      def,
					minWindow:    window,
					lastAccessed: time.Now(),
				}
				e.lanes[key] = l
				if sym == domain.GlobalLaneSymbol {
					e.globalLanes = append(e.globalLanes, l)
				} else {
					e.bySymbol[sym] = append(e.bySymbol[sym], l)
				}
			}
			l.variantIDs = append(l.variantIDs, v.VariantID)
		}
	}
	return nil
}

// Start subscribes to market.price_update. The subscription is
// trading-critical: a dropped tick would silently stall every strategy
// instance reading that lane, so the engine would rather block than drop.
func (e *Engine) Start(ctx context.Context) error {
	sub, err := e.bus.Subscribe("market.price_update", e.onTick, bus.SubscribeOptions{
		QueueSize:       4096,
		TradingCritical: true,
	})
	if err != nil {
		return err
	}
	e.sub = sub
	return nil
}

// Stop unsubscribes from market.price_update.
func (e *Engine) Stop() error {
	if e.sub == nil {
		return nil
	}
	return e.bus.Unsubscribe(e.sub)
}

func (e *Engine) onTick(ctx context.Context, env bus.Envelope) error {
	tick, ok := env.Payload.(domain.Tick)
	if !ok {
		return fmt.Errorf("market.price_update: unexpected payload type %T", env.Payload)
	}

	e.mu.Lock()
	lanes := make([]*computationLane, 0, len(e.bySymbol[tick.Symbol])+len(e.globalLanes))
	lanes = append(lanes, e.bySymbol[tick.Symbol]...)
	lanes = append(lanes, e.globalLanes...)
	e.mu.Unlock()

	for _, l := range lanes {
		e.recomputeLane(ctx, l, tick)
	}

	if e.ticks.Add(1)%memoryCheckInterval == 0 {
		e.checkMemoryPressure(ctx)
	}
	return nil
}

func (e *Engine) recomputeLane(ctx context.Context, l *computationLane, tick domain.Tick) {
	l.mu.Lock()
	l.ring.Push(Sample{Timestamp: tick.Timestamp, Price: tick.Price, Volume: tick.Volume})
	l.lastAccessed = time.Now()

	start := time.Now()
	value, ok := l.reducer.Reduce(l.params, l.ring, tick.Timestamp)
	elapsed := time.Since(start)
	variantIDs := append([]string(nil), l.variantIDs...)
	baseType := l.baseType
	l.mu.Unlock()

	e.sink.ObserveFold(baseType, elapsed)
	if elapsed > e.cfg.FoldSoftBudget {
		e.logger.Warn("indicator fold exceeded soft budget",
			zap.String("base_type", baseType), zap.Duration("elapsed", elapsed))
	}
	if !ok {
		return
	}

	for _, vid := range variantIDs {
		iv := domain.IndicatorValue{
			SessionID: e.sessionID,
			Symbol:    tick.Symbol,
			VariantID: vid,
			Timestamp: tick.Timestamp,
			Value:     value,
		}
		if err := e.bus.Publish(ctx, "indicator.updated", iv); err != nil {
			e.logger.Warn("failed to publish indicator value",
				zap.String("variant_id", vid), zap.Error(err))
		}
	}
}

// checkMemoryPressure recomputes the engine's aggregate ring-buffer
// footprint and, past PressureRatio of the budget, trims the
// least-recently-touched lanes down to the minimum window their reducers
// actually require. A budget that's still exceeded after trimming every
// lane to its floor is a hard overrun: the session can't safely continue
// and is failed (spec.md §4.3).
func (e *Engine) checkMemoryPressure(ctx context.Context) {
	e.mu.Lock()
	all := make([]*computationLane, 0, len(e.lanes))
	for _, l := range e.lanes {
		all = append(all, l)
	}
	e.mu.Unlock()

	var total int64
	for _, l := range all {
		l.mu.Lock()
		b := l.ring.EstimatedBytes()
		variantLabel := strings.Join(l.variantIDs, ",")
		symbol := l.symbol
		l.mu.Unlock()
		total += b
		e.sink.IndicatorLaneBytes.WithLabelValues(variantLabel, symbol).Set(float64(b))
	}

	if e.cfg.MemoryBudgetBytes <= 0 {
		return
	}
	ratio := float64(total) / float64(e.cfg.MemoryBudgetBytes)
	if ratio < e.cfg.PressureRatio {
		return
	}

	e.sink.MemoryPressureEvents.Inc()
	sort.Slice(all, func(i, j int) bool { return all[i].lastAccessed.Before(all[j].lastAccessed) })

	trimmed := 0
	for _, l := range all {
		l.mu.Lock()
		if l.ring.MaxWindow() > l.minWindow {
			l.ring.Trim(l.minWindow)
			trimmed++
		}
		l.mu.Unlock()
	}

	if err := e.bus.Publish(ctx, "memory.pressure", MemoryPressure{
		SessionID: e.sessionID, Ratio: ratio, TrimmedLanes: trimmed,
	}); err != nil {
		e.logger.Warn("failed to publish memory pressure event", zap.Error(err))
	}

	var after int64
	for _, l := range all {
		l.mu.Lock()
		after += l.ring.EstimatedBytes()
		l.mu.Unlock()
	}
	if after > e.cfg.MemoryBudgetBytes {
		e.logger.Error("indicator memory budget exceeded after trimming every lane to its floor",
			zap.Int64("bytes", after), zap.Int64("budget", e.cfg.MemoryBudgetBytes))
		if err := e.bus.Publish(ctx, "session.failed", SessionFailed{
			SessionID: e.sessionID, Reason: "indicator memory budget exceeded",
		}); err != nil {
			e.logger.Warn("failed to publish session.failed", zap.Error(err))
		}
	}
}

// SessionFailed is published on "session.failed" when the engine can no
// longer guarantee it's tracking the configured set of lanes within budget.
type SessionFailed struct {
	SessionID string
	Reason    string
}

// Value returns a lane's most recently computed value, if any has been
// computed yet. Used by the strategy manager to seed a newly-started
// instance's indicator map without waiting for the next tick.
func (e *Engine) Value(variantID, symbol string) (float64, bool) {
	e.mu.Lock()
	lanes := append([]*computationLane{}, e.bySymbol[symbol]...)
	lanes = append(lanes, e.globalLanes...)
	e.mu.Unlock()

	for _, l := range lanes {
		l.mu.Lock()
		for _, vid := range l.variantIDs {
			if vid == variantID {
				v, ok := l.lastValueLocked()
				l.mu.Unlock()
				return v, ok
			}
		}
		l.mu.Unlock()
	}
	return 0, false
}

func (l *computationLane) lastValueLocked() (float64, bool) {
	samples := l.ring.Window(0, time.Now())
	if len(samples) == 0 {
		return 0, false
	}
	v, ok := l.reducer.Reduce(l.params, l.ring, samples[len(samples)-1].Timestamp)
	return v, ok
}
