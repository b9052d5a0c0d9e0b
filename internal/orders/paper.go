package orders

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/bus"
)

// PaperConfig tunes the paper fill engine.
type PaperConfig struct {
	SlippagePct float64 // symmetric, applied as price*(1±slippage)
	// MaxFillFraction caps one tick's fill to this fraction of the order's
	// remaining quantity, so a large order against a thin tick fills
	// proportionally across several ticks instead of all at once (DESIGN.md
	// open question #2). Default 1 (fill everything remaining each tick).
	MaxFillFraction float64
}

func (c PaperConfig) withDefaults() PaperConfig {
	if c.MaxFillFraction <= 0 || c.MaxFillFraction > 1 {
		c.MaxFillFraction = 1
	}
	return c
}

// PaperEngine synthesises fills at the next tick's price with symmetric
// slippage, as spec.md §4.6 describes for the paper mode: "no external
// I/O." Large orders fill proportionally across ticks rather than all at
// once, publishing order.filled with status=PARTIAL until the remaining
// quantity reaches zero (DESIGN.md open question #2).
type PaperEngine struct {
	cfg    PaperConfig
	logger *zap.Logger
	bus    *bus.Bus
	mgr    *Manager

	mu      sync.Mutex
	pending map[string][]*domain.Order // keyed by symbol

	sub *bus.Subscription
}

// NewPaperEngine constructs a PaperEngine. The Manager is wired in after
// construction via SetManager because Manager and its engine reference
// each other.
func NewPaperEngine(cfg PaperConfig, logger *zap.Logger, b *bus.Bus) *PaperEngine {
	return &PaperEngine{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		bus:     b,
		pending: make(map[string][]*domain.Order),
	}
}

// SetManager completes the engine's wiring. Must be called before Start.
func (p *PaperEngine) SetManager(m *Manager) { p.mgr = m }

func (p *PaperEngine) start(ctx context.Context) error {
	sub, err := p.bus.Subscribe("market.price_update", p.onTick, bus.SubscribeOptions{QueueSize: 4096, TradingCritical: true})
	if err != nil {
		return fmt.Errorf("subscribe market.price_update: %w", err)
	}
	p.sub = sub
	p.mgr.StartExpirySweep(ctx)
	return nil
}

func (p *PaperEngine) stop() error {
	if p.sub != nil {
		return p.bus.Unsubscribe(p.sub)
	}
	return nil
}

func (p *PaperEngine) submit(_ context.Context, o *domain.Order) {
	p.mu.Lock()
	p.pending[o.Symbol] = append(p.pending[o.Symbol], o)
	p.mu.Unlock()
}

func (p *PaperEngine) cancel(_ context.Context, o *domain.Order) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.pending[o.Symbol]
	for i, cand := range list {
		if cand.OrderID == o.OrderID {
			p.pending[o.Symbol] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (p *PaperEngine) onTick(ctx context.Context, env bus.Envelope) error {
	tick, ok := env.Payload.(domain.Tick)
	if !ok {
		return fmt.Errorf("market.price_update: unexpected payload type %T", env.Payload)
	}

	p.mu.Lock()
	list := p.pending[tick.Symbol]
	p.pending[tick.Symbol] = nil
	p.mu.Unlock()

	for _, o := range list {
		fillPrice := slippedPrice(tick.Price, p.cfg.SlippagePct, o.Side)
		fillQty := o.Remaining() * p.cfg.MaxFillFraction
		// Snap the last sliver to zero instead of decaying forever.
		if remainder := o.Remaining() - fillQty; remainder < o.Quantity*1e-6 {
			fillQty = o.Remaining()
		}
		p.mgr.recordFill(ctx, o.OrderID, fillQty, fillPrice, tick.Timestamp)
		if o.Remaining() > 0 {
			p.mu.Lock()
			p.pending[tick.Symbol] = append(p.pending[tick.Symbol], o)
			p.mu.Unlock()
		}
	}
	p.mgr.ledger.markPrice(ctx, tick.Symbol, tick.Price)
	return nil
}

// slippedPrice applies symmetric slippage against the order: a BUY fills
// slightly worse (higher) than mid, a SELL slightly worse (lower).
func slippedPrice(price, slippagePct float64, side domain.OrderSide) float64 {
	if slippagePct <= 0 {
		return price
	}
	if side == domain.SideBuy {
		return price * (1 + slippagePct/100)
	}
	return price * (1 - slippagePct/100)
}
