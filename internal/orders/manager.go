// Package orders implements the Order Manager (C6) of spec.md §4.6: the
// shared risk check, order/position bookkeeping, and emergency-close
// handling common to all three execution modes, plus one fillEngine per
// mode (paper.go, backtest.go, live.go) that actually gets an order to a
// terminal status.
//
// Grounded on internal/risk/risk_manager.go (check-then-error shape,
// reused by internal/riskcheck) and internal/trading/positions (position
// table bookkeeping keyed by symbol, reused in ledger.go); the per-symbol
// serialisation lock mirrors internal/architecture/fx/workerpool's
// per-key worker assignment pattern.
package orders

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/internal/riskcheck"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

// fillEngine is implemented once per mode (paper, live, backtest). Submit
// begins trying to fill a freshly-created PENDING order; engines call back
// into the Manager (same package, direct method calls) as fills/rejections
// happen rather than publishing bus events themselves, so the Manager
// stays the single place order.* topics are published from.
type fillEngine interface {
	start(ctx context.Context) error
	stop() error
	submit(ctx context.Context, o *domain.Order)
	cancel(ctx context.Context, o *domain.Order) error
}

// ExpirySweepInterval is the wall-clock sweep period of spec.md §5: "a
// single periodic sweep every 250 ms marks EXPIRED orders to avoid
// timer-storm." Backtest uses tick time instead (see backtest.go).
const ExpirySweepInterval = 250 * time.Millisecond

// Config tunes the Manager beyond what the session carries.
type Config struct {
	ExpirySweepInterval time.Duration // default ExpirySweepInterval
}

func (c Config) withDefaults() Config {
	if c.ExpirySweepInterval <= 0 {
		c.ExpirySweepInterval = ExpirySweepInterval
	}
	return c
}

// Manager is the Order Manager: shared across all three modes, delegating
// only the fill mechanics to a fillEngine.
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	sink      *metrics.Sink
	bus       *bus.Bus
	sessionID string
	symbols   []string
	budget    domain.BudgetConfig
	strategies map[string]domain.StrategyConfig

	ledger *ledger
	engine fillEngine

	symbolLocks sync.Map // symbol -> *sync.Mutex, spec.md §5's per-symbol signal-handling lock

	mu         sync.Mutex
	orders     map[string]*domain.Order // keyed by order_id, PENDING/PARTIAL only
	strategyMarginUsed map[string]float64 // strategy_id -> current margin usage (pending+open)

	subs      []*bus.Subscription
	sweepStop context.CancelFunc
	sweepDone chan struct{}
}

// NewManager constructs a Manager. engine is the mode-specific fillEngine
// (NewPaperEngine/NewLiveEngine/NewBacktestEngine).
func NewManager(cfg Config, logger *zap.Logger, sink *metrics.Sink, b *bus.Bus, session domain.Session, engine fillEngine) *Manager {
	strategies := make(map[string]domain.StrategyConfig, len(session.StrategyConfig))
	for id, sc := range session.StrategyConfig {
		strategies[id] = *sc
	}
	return &Manager{
		cfg:                cfg.withDefaults(),
		logger:             logger,
		sink:               sink,
		bus:                b,
		sessionID:          session.SessionID,
		symbols:            session.Symbols,
		budget:             session.Config.Budget,
		strategies:         strategies,
		ledger:             newLedger(session.SessionID, b, logger, sink),
		engine:             engine,
		orders:             make(map[string]*domain.Order),
		strategyMarginUsed: make(map[string]float64),
	}
}

// Start starts the mode engine, then subscribes to signal.generated,
// order.cancel_requested and emergency.close_position. The paper and live
// engines begin the wall-clock expiry sweep from their own start (see
// StartExpirySweep); the backtest engine never does and folds expiry into
// its own tick handling — see backtest.go.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.engine.start(ctx); err != nil {
		return fmt.Errorf("start fill engine: %w", err)
	}

	bindings := []struct {
		topic   string
		handler bus.Handler
	}{
		{"signal.generated", m.onSignal},
		{"order.cancel_requested", m.onCancelRequested},
		{"emergency.close_position", m.onEmergencyClose},
	}
	for _, bnd := range bindings {
		sub, err := m.bus.Subscribe(bnd.topic, bnd.handler, bus.SubscribeOptions{QueueSize: 2048, TradingCritical: true})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", bnd.topic, err)
		}
		m.subs = append(m.subs, sub)
	}
	return nil
}

// StartExpirySweep begins the wall-clock 250ms sweep. The paper and live
// engines call this from their start, which Start runs first; backtest
// does not (it checks expiry against tick time instead).
func (m *Manager) StartExpirySweep(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	m.sweepStop = cancel
	m.sweepDone = make(chan struct{})
	go m.runExpirySweep(sweepCtx, time.Now)
}

func (m *Manager) runExpirySweep(ctx context.Context, now func() time.Time) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.cfg.ExpirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepExpired(ctx, now())
		}
	}
}

func (m *Manager) sweepExpired(ctx context.Context, now time.Time) {
	m.mu.Lock()
	var expired []*domain.Order
	for _, o := range m.orders {
		if o.TimeoutSeconds > 0 && now.Sub(o.CreatedAt).Seconds() >= o.TimeoutSeconds {
			expired = append(expired, o)
		}
	}
	m.mu.Unlock()

	for _, o := range expired {
		m.terminate(ctx, o.OrderID, domain.OrderExpired, now)
	}
}

// Stop unsubscribes, stops the sweep and the fill engine.
func (m *Manager) Stop() error {
	if m.sweepStop != nil {
		m.sweepStop()
		<-m.sweepDone
	}
	for _, sub := range m.subs {
		if err := m.bus.Unsubscribe(sub); err != nil {
			return err
		}
	}
	return m.engine.stop()
}

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	v, _ := m.symbolLocks.LoadOrStore(symbol, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *Manager) onSignal(ctx context.Context, env bus.Envelope) error {
	sig, ok := env.Payload.(domain.Signal)
	if !ok {
		return fmt.Errorf("signal.generated: unexpected payload type %T", env.Payload)
	}

	lock := m.symbolLock(sig.Symbol)
	lock.Lock()
	defer lock.Unlock()

	strategy, found := m.strategies[sig.StrategyID]
	if !found {
		return fmt.Errorf("signal for unknown strategy %s", sig.StrategyID)
	}

	order, err := m.buildOrder(sig, strategy)
	if err != nil {
		m.reject(ctx, sig, err.Error())
		return nil
	}

	if err := m.riskCheck(sig, strategy, order); err != nil {
		m.reject(ctx, sig, err.Error())
		return nil
	}

	m.mu.Lock()
	m.orders[order.OrderID] = order
	m.strategyMarginUsed[sig.StrategyID] += order.ReservedMargin
	m.mu.Unlock()

	m.sink.OrdersCreated.WithLabelValues(order.Symbol, string(order.Type)).Inc()
	if err := m.bus.Publish(ctx, "order.created", *order); err != nil {
		m.logger.Warn("failed to publish order.created", zap.Error(err))
	}
	m.engine.submit(ctx, order)
	return nil
}

// buildOrder translates a signal plus its strategy's z1_entry/ze1_close
// section into a concrete order (spec.md §3, §8 scenario 1: "quantity =
// 100/price" for fixed sizing).
func (m *Manager) buildOrder(sig domain.Signal, strategy domain.StrategyConfig) (*domain.Order, error) {
	if sig.Price <= 0 {
		return nil, riskcheck.ErrPriceMissing
	}

	// The strategy manager's signal.generated payload carries the same
	// Kind for both z1_entry and ze1_close signals (both derive it from
	// the strategy's direction alone — see strategy.signalKind), so an
	// entry is distinguished from a close here by whether a position is
	// already open for the symbol, not by Kind.
	_, hasPosition := m.ledger.get(sig.Symbol)

	side := domain.SideBuy
	if sig.Kind == domain.SignalSell {
		side = domain.SideSell
	}

	var quantity, timeout, leverage, reservedMargin float64
	var stopLoss, takeProfit float64

	if hasPosition {
		pos, _ := m.ledger.get(sig.Symbol)
		quantity = pos.Quantity
		side = oppositeSide(pos.Side)
		timeout = 0
	} else {
		remaining := m.remainingBudget()
		riskValue, hasRisk := 0.0, false
		if strategy.Z1Entry.Sizing.RiskScaling != nil {
			riskValue, hasRisk = sig.IndicatorSnapshot[strategy.Z1Entry.Sizing.RiskScaling.RiskIndicatorID]
		}
		notional := strategy.Z1Entry.Sizing.Effective(remaining, riskValue, hasRisk)
		quantity = notional / sig.Price
		timeout = strategy.Z1Entry.TimeoutSeconds
		leverage = strategy.Z1Entry.Leverage
		if leverage <= 0 {
			leverage = 1
		}
		reservedMargin = notional / leverage

		slPct := strategy.Z1Entry.StopLossPct
		if strategy.Z1Entry.StopLossScaling != nil {
			if v, ok := sig.IndicatorSnapshot[strategy.Z1Entry.StopLossScaling.RiskIndicatorID]; ok {
				slPct = strategy.Z1Entry.StopLossScaling.Apply(v)
			}
		}
		tpPct := strategy.Z1Entry.TakeProfitPct
		if strategy.Z1Entry.TakeProfitScaling != nil {
			if v, ok := sig.IndicatorSnapshot[strategy.Z1Entry.TakeProfitScaling.RiskIndicatorID]; ok {
				tpPct = strategy.Z1Entry.TakeProfitScaling.Apply(v)
			}
		}
		direction := 1.0
		if side == domain.SideSell {
			direction = -1.0
		}
		if slPct > 0 {
			stopLoss = sig.Price * (1 - direction*slPct/100)
		}
		if tpPct > 0 {
			takeProfit = sig.Price * (1 + direction*tpPct/100)
		}
	}

	now := time.Now()
	return &domain.Order{
		OrderID:         ksuid.New().String(),
		ClientOrderID:   sig.SignalID + ":0",
		SessionID:       m.sessionID,
		StrategyID:      sig.StrategyID,
		Symbol:          sig.Symbol,
		Side:            side,
		Type:            domain.OrderMarket,
		Quantity:        quantity,
		Price:           sig.Price,
		Status:          domain.OrderPending,
		TimeoutSeconds:  timeout,
		CreatedAt:       now,
		UpdatedAt:       now,
		Leverage:        leverage,
		ReservedMargin:  reservedMargin,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
	}, nil
}

func (m *Manager) riskCheck(sig domain.Signal, strategy domain.StrategyConfig, order *domain.Order) error {
	m.mu.Lock()
	var pendingMargin float64
	for _, o := range m.orders {
		pendingMargin += o.ReservedMargin
	}
	strategyUsed := m.strategyMarginUsed[sig.StrategyID]
	m.mu.Unlock()

	return riskcheck.Check(riskcheck.Input{
		Signal:                  sig,
		Strategy:                strategy,
		Budget:                  m.budget,
		Symbols:                 m.symbols,
		OpenPositionsMargin:     m.ledger.totalMargin(),
		PendingOrdersMargin:     pendingMargin,
		ProposedMargin:          order.ReservedMargin,
		StrategyAllocatedMargin: strategyUsed,
	})
}

func (m *Manager) remainingBudget() float64 {
	used := m.ledger.totalMargin()
	m.mu.Lock()
	for _, o := range m.orders {
		used += o.ReservedMargin
	}
	m.mu.Unlock()
	remaining := m.budget.GlobalCap - used
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (m *Manager) reject(ctx context.Context, sig domain.Signal, reason string) {
	m.sink.OrdersRejected.WithLabelValues(reason).Inc()
	rejected := domain.Order{
		SessionID:  m.sessionID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Status:     domain.OrderRejected,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := m.bus.Publish(ctx, "order.rejected", rejected); err != nil {
		m.logger.Warn("failed to publish order.rejected", zap.Error(err))
	}
}

// recordFill is called by the active fillEngine as fills arrive. qty is
// the increment filled this call (proportional partials allowed — DESIGN.md
// open question #2), price is that increment's fill price.
func (m *Manager) recordFill(ctx context.Context, orderID string, qty, price float64, now time.Time) {
	m.mu.Lock()
	o, found := m.orders[orderID]
	m.mu.Unlock()
	if !found {
		return
	}

	o.FilledQuantity += qty
	o.UpdatedAt = now
	if o.FilledQuantity >= o.Quantity {
		o.Status = domain.OrderFilled
	} else {
		o.Status = domain.OrderPartial
	}

	m.ledger.applyFill(ctx, o, qty, price, now)

	if o.Status == domain.OrderFilled {
		m.mu.Lock()
		delete(m.orders, orderID)
		m.strategyMarginUsed[o.StrategyID] -= o.ReservedMargin
		if m.strategyMarginUsed[o.StrategyID] < 0 {
			m.strategyMarginUsed[o.StrategyID] = 0
		}
		m.mu.Unlock()
		m.sink.OrdersFilled.WithLabelValues(o.Symbol, string(o.Type)).Inc()
	}

	if err := m.bus.Publish(ctx, "order.filled", *o); err != nil {
		m.logger.Warn("failed to publish order.filled", zap.Error(err))
	}
}

// terminate marks an order CANCELLED/REJECTED/EXPIRED and removes it from
// the pending table.
func (m *Manager) terminate(ctx context.Context, orderID string, status domain.OrderStatus, now time.Time) {
	m.mu.Lock()
	o, found := m.orders[orderID]
	if found {
		delete(m.orders, orderID)
		m.strategyMarginUsed[o.StrategyID] -= o.ReservedMargin
		if m.strategyMarginUsed[o.StrategyID] < 0 {
			m.strategyMarginUsed[o.StrategyID] = 0
		}
	}
	m.mu.Unlock()
	if !found {
		return
	}

	o.Status = status
	o.UpdatedAt = now

	// spec.md §4.6 names only order.created/filled/cancelled/rejected as
	// topics; EXPIRED (like a timed-out cancellation) surfaces on
	// order.cancelled, distinguished downstream by its Status field.
	topic := "order.cancelled"
	if status == domain.OrderRejected {
		topic = "order.rejected"
	}
	if err := m.bus.Publish(ctx, topic, *o); err != nil {
		m.logger.Warn("failed to publish order terminal event", zap.String("topic", topic), zap.Error(err))
	}
}

func (m *Manager) onCancelRequested(ctx context.Context, env bus.Envelope) error {
	req, ok := env.Payload.(domain.CancelOrderRequest)
	if !ok {
		return fmt.Errorf("order.cancel_requested: unexpected payload type %T", env.Payload)
	}
	m.mu.Lock()
	o, found := m.orders[req.OrderID]
	m.mu.Unlock()
	if !found {
		return nil
	}
	if err := m.engine.cancel(ctx, o); err != nil {
		m.logger.Warn("cancel request failed", zap.String("order_id", req.OrderID), zap.Error(err))
		return nil
	}
	m.terminate(ctx, req.OrderID, domain.OrderCancelled, time.Now())
	return nil
}

// onEmergencyClose creates a market order opposite the open position's
// full quantity (spec.md §4.6's "Emergency close").
func (m *Manager) onEmergencyClose(ctx context.Context, env bus.Envelope) error {
	req, ok := env.Payload.(domain.ClosePositionRequest)
	if !ok {
		return fmt.Errorf("emergency.close_position: unexpected payload type %T", env.Payload)
	}

	lock := m.symbolLock(req.Symbol)
	lock.Lock()
	defer lock.Unlock()

	pos, found := m.ledger.get(req.Symbol)
	if !found || pos.Status == domain.PositionClosed {
		return nil
	}

	now := time.Now()
	order := &domain.Order{
		OrderID:        ksuid.New().String(),
		ClientOrderID:  req.Reason + ":" + req.PositionID,
		SessionID:      m.sessionID,
		Symbol:         req.Symbol,
		Side:           oppositeSide(pos.Side),
		Type:           domain.OrderMarket,
		Quantity:       pos.Quantity,
		Price:          pos.CurrentPrice,
		Status:         domain.OrderPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		ReservedMargin: 0, // closing order frees margin, reserves none
	}

	m.mu.Lock()
	m.orders[order.OrderID] = order
	m.mu.Unlock()

	if err := m.bus.Publish(ctx, "order.created", *order); err != nil {
		m.logger.Warn("failed to publish order.created for emergency close", zap.Error(err))
	}
	m.engine.submit(ctx, order)
	return nil
}

// CancelAllOpen cancels every PENDING/PARTIAL order, for the Execution
// Controller's stop sequence (spec.md §4.7: "cancel open orders per
// config").
func (m *Manager) CancelAllOpen(ctx context.Context) {
	m.mu.Lock()
	pending := make([]*domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		pending = append(pending, o)
	}
	m.mu.Unlock()

	for _, o := range pending {
		if err := m.engine.cancel(ctx, o); err != nil {
			m.logger.Warn("stop-sequence cancel failed", zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		m.terminate(ctx, o.OrderID, domain.OrderCancelled, time.Now())
	}
}

// CloseAllPositions emergency-closes every open position, for the
// Execution Controller's stop sequence (spec.md §4.7: "close positions if
// close_on_stop").
func (m *Manager) CloseAllPositions(ctx context.Context) {
	for _, symbol := range m.symbols {
		pos, found := m.ledger.get(symbol)
		if !found || pos.Status == domain.PositionClosed {
			continue
		}
		if err := m.onEmergencyClose(ctx, bus.Envelope{Payload: domain.ClosePositionRequest{
			PositionID: pos.PositionID,
			Symbol:     symbol,
			Reason:     "session_stop",
		}}); err != nil {
			m.logger.Warn("stop-sequence close position failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

func oppositeSide(side domain.PositionSide) domain.OrderSide {
	if side == domain.PositionLong {
		return domain.SideSell
	}
	return domain.SideBuy
}
