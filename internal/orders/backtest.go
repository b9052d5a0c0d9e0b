package orders

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/bus"
)

// BacktestEngine is identical to PaperEngine's fill mechanics but checks
// order timeouts against the replayed tick's own timestamp rather than
// wall clock (spec.md §4.6: "uses the tick's price, not wall clock, for
// timeouts"), since replay can run faster or slower than real time.
type BacktestEngine struct {
	cfg    PaperConfig
	logger *zap.Logger
	bus    *bus.Bus
	mgr    *Manager

	mu      sync.Mutex
	pending map[string][]*domain.Order

	sub *bus.Subscription
}

// NewBacktestEngine constructs a BacktestEngine.
func NewBacktestEngine(cfg PaperConfig, logger *zap.Logger, b *bus.Bus) *BacktestEngine {
	return &BacktestEngine{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		bus:     b,
		pending: make(map[string][]*domain.Order),
	}
}

// SetManager completes the engine's wiring. Must be called before Start.
func (e *BacktestEngine) SetManager(m *Manager) { e.mgr = m }

func (e *BacktestEngine) start(_ context.Context) error {
	sub, err := e.bus.Subscribe("market.price_update", e.onTick, bus.SubscribeOptions{QueueSize: 4096, TradingCritical: true})
	if err != nil {
		return fmt.Errorf("subscribe market.price_update: %w", err)
	}
	e.sub = sub
	// No StartExpirySweep: expiry is checked per-tick below, against the
	// replayed tick's own timestamp, not a wall-clock ticker.
	return nil
}

func (e *BacktestEngine) stop() error {
	if e.sub != nil {
		return e.bus.Unsubscribe(e.sub)
	}
	return nil
}

func (e *BacktestEngine) submit(_ context.Context, o *domain.Order) {
	e.mu.Lock()
	e.pending[o.Symbol] = append(e.pending[o.Symbol], o)
	e.mu.Unlock()
}

func (e *BacktestEngine) cancel(_ context.Context, o *domain.Order) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	list := e.pending[o.Symbol]
	for i, cand := range list {
		if cand.OrderID == o.OrderID {
			e.pending[o.Symbol] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (e *BacktestEngine) onTick(ctx context.Context, env bus.Envelope) error {
	tick, ok := env.Payload.(domain.Tick)
	if !ok {
		return fmt.Errorf("market.price_update: unexpected payload type %T", env.Payload)
	}

	e.mu.Lock()
	list := e.pending[tick.Symbol]
	e.pending[tick.Symbol] = nil
	e.mu.Unlock()

	var still []*domain.Order
	for _, o := range list {
		if o.TimeoutSeconds > 0 && tick.Timestamp.Sub(o.CreatedAt).Seconds() >= o.TimeoutSeconds {
			e.mgr.terminate(ctx, o.OrderID, domain.OrderExpired, tick.Timestamp)
			continue
		}

		fillPrice := slippedPrice(tick.Price, e.cfg.SlippagePct, o.Side)
		fillQty := o.Remaining() * e.cfg.MaxFillFraction
		if remainder := o.Remaining() - fillQty; remainder < o.Quantity*1e-6 {
			fillQty = o.Remaining()
		}
		e.mgr.recordFill(ctx, o.OrderID, fillQty, fillPrice, tick.Timestamp)
		if o.Remaining() > 0 {
			still = append(still, o)
		}
	}
	if len(still) > 0 {
		e.mu.Lock()
		e.pending[tick.Symbol] = append(e.pending[tick.Symbol], still...)
		e.mu.Unlock()
	}

	e.mgr.ledger.markPrice(ctx, tick.Symbol, tick.Price)
	return nil
}
