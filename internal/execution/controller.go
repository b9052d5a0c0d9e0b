// Package execution implements the Execution Controller (C7) of spec.md
// §4.7: the single top-level session state machine that wires every other
// component in the strict start order spec.md demands and tears them down
// in the mirrored stop order.
//
// Grounded on internal/trading/app/app.go's inject-everything-then-wire
// constructor shape (adapted here from an HTTP app to a session lifecycle)
// and pkg/interfaces/state_machine.go's State/Transition vocabulary, though
// the controller keeps its own minimal five-state enum rather than
// adopting that package's generic StateMachine interface — this is the
// single top-level FSM in the process with one caller, so the interface's
// transition-handler/valid-transitions machinery would add indirection
// nothing here exercises (see DESIGN.md).
package execution

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/bridge"
	"github.com/pumpsentry/core/internal/config"
	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/internal/indicators"
	"github.com/pumpsentry/core/internal/marketfeed"
	"github.com/pumpsentry/core/internal/orders"
	"github.com/pumpsentry/core/internal/persistence"
	"github.com/pumpsentry/core/internal/store"
	"github.com/pumpsentry/core/internal/strategy"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

// State is the controller's top-level state (spec.md §4.7).
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
	StateStopped  State = "STOPPED"
	StateFailed   State = "FAILED"
)

// tickFlushGrace bounds how long the stop sequence waits for ticks already
// in flight to clear the bus before tearing down downstream subscribers
// (spec.md §5: "flush pending ticks (bounded 2 s)").
const tickFlushGrace = 2 * time.Second

// stopGrace bounds the whole stop sequence (spec.md §5: "stop_session
// uses a 30 s grace window; anything still pending is logged and
// force-released").
const stopGrace = 30 * time.Second

// ErrSessionExists is returned by StartSession when a session is already
// running and the request isn't a matching idempotent retry.
var ErrSessionExists = fmt.Errorf("session already running")

// ErrNoActiveSession is returned by StopSession when the controller is
// already IDLE/STOPPED.
var ErrNoActiveSession = fmt.Errorf("no active session")

// StartRequest is the body of start_session (spec.md §4.7/§6.2).
type StartRequest struct {
	Mode            domain.SessionMode
	Symbols         []string
	StrategyConfigs []domain.StrategyConfig
	Config          domain.SessionConfig
	Idempotent      bool
}

// Deps are the process-wide collaborators injected once at controller
// construction (spec.md §6.4: "Process-wide globals: a logger, a metrics
// sink, a store handle").
type Deps struct {
	Logger   *zap.Logger
	Sink     *metrics.Sink
	Store    *store.Store
	Engine   config.EngineConfig
	Exchange orders.Exchange // required only for mode=live
	Bridge   *bridge.Bridge  // optional: relays session events to the WebSocket hub (spec.md §6.1)
}

// marketSource is the Start/Stop contract both marketfeed.Live and
// marketfeed.Replay satisfy.
type marketSource interface {
	Start(ctx context.Context) error
	Stop() error
}

// StatusSnapshot is what GET /sessions/execution-status returns.
type StatusSnapshot struct {
	ControllerState State
	Session         domain.Session
}

// Controller is the single top-level FSM. Exactly one Controller runs per
// process, and it runs at most one session at a time (spec.md §3: "Exactly
// one session runs per process").
type Controller struct {
	deps Deps

	mu      sync.Mutex
	state   State
	session domain.Session

	bus             *bus.Bus
	indicatorEngine *indicators.Engine
	indicatorSink   *persistence.IndicatorSink
	tradingSink     *persistence.TradingSink
	strategyMgr     *strategy.Manager
	orderMgr        *orders.Manager
	marketSource    marketSource
}

// NewController constructs a Controller in IDLE.
func NewController(deps Deps) *Controller {
	return &Controller{deps: deps, state: StateIdle}
}

// Status returns the current controller state and (if any) session.
func (c *Controller) Status() StatusSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return StatusSnapshot{ControllerState: c.state, Session: c.session}
}

// StartSession generates a session, wires every component in the strict
// order of spec.md §4.7, and starts the market data source last.
func (c *Controller) StartSession(ctx context.Context, req StartRequest) (string, error) {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateStopped && c.state != StateFailed {
		if req.Idempotent && c.sameRequestLocked(req) {
			sessionID := c.session.SessionID
			c.mu.Unlock()
			return sessionID, nil
		}
		c.mu.Unlock()
		return "", ErrSessionExists
	}
	c.state = StateStarting
	c.mu.Unlock()

	sessionID := newSessionID(req.Mode)

	if err := validateStartRequest(req, c.deps); err != nil {
		c.fail(err)
		return "", err
	}

	session := domain.Session{
		SessionID:      sessionID,
		Mode:           req.Mode,
		Symbols:        req.Symbols,
		StrategyConfig: toStrategyMap(req.StrategyConfigs),
		Config:         req.Config,
		Status:         domain.StatusStarting,
		StartedAt:      time.Now(),
	}

	if err := c.wire(ctx, session, req.StrategyConfigs); err != nil {
		session.Status = domain.StatusFailed
		c.publishSessionEvent(ctx, "session.start_failed", session)
		c.teardownPartial(ctx)
		c.fail(err)
		return "", err
	}

	session.Status = domain.StatusRunning
	c.mu.Lock()
	c.state = StateRunning
	c.session = session
	c.mu.Unlock()
	c.publishSessionEvent(ctx, "session.started", session)
	return sessionID, nil
}

// publishSessionEvent relays a session snapshot onto the bus for
// internal/bridge to translate into the session_status wire message of
// spec.md §6.1. Best-effort: a publish failure is logged, not fatal —
// losing one lifecycle notification shouldn't fail the session itself.
func (c *Controller) publishSessionEvent(ctx context.Context, topic string, session domain.Session) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, topic, session); err != nil {
		c.deps.Logger.Warn("session event publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

func (c *Controller) sameRequestLocked(req StartRequest) bool {
	if c.session.Mode != req.Mode || len(c.session.Symbols) != len(req.Symbols) {
		return false
	}
	for i, s := range c.session.Symbols {
		if s != req.Symbols[i] {
			return false
		}
	}
	if len(c.session.StrategyConfig) != len(req.StrategyConfigs) {
		return false
	}
	for _, sc := range req.StrategyConfigs {
		existing, found := c.session.StrategyConfig[sc.StrategyID]
		if !found || existing.SchemaVersion != sc.SchemaVersion {
			return false
		}
	}
	return true
}

// wire performs the strict start sequence of spec.md §4.7: "Generate
// session_id; validate configs; instantiate indicator registry and
// engine; instantiate persistence subscribers; instantiate strategy
// manager with active instances; instantiate the chosen order manager
// variant; then start the market data source."
func (c *Controller) wire(ctx context.Context, session domain.Session, strategies []domain.StrategyConfig) error {
	b, err := bus.New(bus.Config{
		PublishTimeout: c.deps.Engine.Bus.PublishTimeout,
		ShutdownGrace:  c.deps.Engine.Bus.ShutdownGrace,
		WorkerPoolSize: c.deps.Engine.Bus.WorkerPoolSize,
	}, c.deps.Logger, c.deps.Sink)
	if err != nil {
		return fmt.Errorf("construct event bus: %w", err)
	}
	// c.bus is assigned the instant it exists (not at the end of wire), so
	// teardownPartial's reverse-order unwind can reach it — and every
	// later sub-component too, each assigned right after its own Start
	// succeeds — regardless of where in this sequence a later Start fails.
	c.bus = b

	if c.deps.Bridge != nil {
		if err := c.deps.Bridge.Start(ctx, b); err != nil {
			return fmt.Errorf("start event bridge: %w", err)
		}
	}

	registry := indicators.NewRegistry()
	engine := indicators.NewEngine(c.deps.Logger, c.deps.Sink, b, registry, indicators.Config{
		MemoryBudgetBytes: c.deps.Engine.Indicators.MemoryBudgetBytes,
		PressureRatio:     c.deps.Engine.Indicators.PressureRatio,
		FoldSoftBudget:    c.deps.Engine.Indicators.FoldSoftBudget,
	}, session.SessionID)
	if err := engine.RegisterVariants(unionVariants(strategies), session.Symbols); err != nil {
		return fmt.Errorf("register indicator variants: %w", err)
	}
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start indicator engine: %w", err)
	}
	c.indicatorEngine = engine

	batchCfg := persistence.BatchConfig{
		MaxRows:       c.deps.Engine.Persistence.BatchMaxRows,
		MaxDelay:      c.deps.Engine.Persistence.BatchMaxDelay,
		RetryAttempts: c.deps.Engine.Persistence.RetryAttempts,
		OverflowWindow: c.deps.Engine.Persistence.OverflowWindow,
	}
	indicatorSink := persistence.NewIndicatorSink(batchCfg, c.deps.Logger, c.deps.Sink, b, c.deps.Store)
	if err := indicatorSink.Start(ctx); err != nil {
		return fmt.Errorf("start indicator persistence: %w", err)
	}
	c.indicatorSink = indicatorSink

	// spec.md §3's "collect" mode only ingests and persists market data
	// and indicator values — no strategy evaluation, no orders (matching
	// the data_collection_sessions table name of spec.md §6.3).
	if session.Mode != domain.ModeCollect {
		tradingSink := persistence.NewTradingSink(batchCfg, c.deps.Logger, c.deps.Sink, b, c.deps.Store)
		if err := tradingSink.Start(ctx); err != nil {
			return fmt.Errorf("start trading persistence: %w", err)
		}
		c.tradingSink = tradingSink

		strategyMgr := strategy.NewManager(strategy.Config{}, c.deps.Logger, c.deps.Sink, b, session.SessionID)
		if err := strategyMgr.RegisterStrategies(strategies, session.Symbols, ""); err != nil {
			return fmt.Errorf("register strategies: %w", err)
		}
		if err := strategyMgr.Start(ctx); err != nil {
			return fmt.Errorf("start strategy manager: %w", err)
		}
		c.strategyMgr = strategyMgr

		orderCfg := orders.Config{ExpirySweepInterval: c.deps.Engine.Orders.SweepInterval}
		var orderMgr *orders.Manager
		switch session.Mode {
		case domain.ModePaper:
			fillEng := orders.NewPaperEngine(orders.PaperConfig{SlippagePct: session.Config.SlippagePct}, c.deps.Logger, b)
			orderMgr = orders.NewManager(orderCfg, c.deps.Logger, c.deps.Sink, b, session, fillEng)
			fillEng.SetManager(orderMgr)
		case domain.ModeBacktest:
			fillEng := orders.NewBacktestEngine(orders.PaperConfig{SlippagePct: session.Config.SlippagePct}, c.deps.Logger, b)
			orderMgr = orders.NewManager(orderCfg, c.deps.Logger, c.deps.Sink, b, session, fillEng)
			fillEng.SetManager(orderMgr)
		case domain.ModeLive:
			fillEng := orders.NewLiveEngine(orders.LiveConfig{
				MaxRetries:            c.deps.Engine.Orders.RetryAttempts,
				ReconcilePollInterval: c.deps.Engine.Orders.ReconcileInterval,
			}, c.deps.Logger, c.deps.Exchange)
			orderMgr = orders.NewManager(orderCfg, c.deps.Logger, c.deps.Sink, b, session, fillEng)
			fillEng.SetManager(orderMgr)
		default:
			return fmt.Errorf("mode %s has no order manager", session.Mode)
		}
		if err := orderMgr.Start(ctx); err != nil {
			return fmt.Errorf("start order manager: %w", err)
		}
		c.orderMgr = orderMgr
	}

	source, err := c.buildMarketSource(b, session)
	if err != nil {
		return err
	}
	if err := source.Start(ctx); err != nil {
		return fmt.Errorf("start market data source: %w", err)
	}
	c.marketSource = source
	return nil
}

func (c *Controller) buildMarketSource(b *bus.Bus, session domain.Session) (marketSource, error) {
	switch session.Mode {
	case domain.ModeBacktest:
		return marketfeed.NewReplay(marketfeed.ReplayConfig{
			SessionID:          session.Config.ReplaySessionID,
			AccelerationFactor: session.Config.AccelerationFactor,
		}, c.deps.Logger, b, c.deps.Store), nil
	default: // paper, live, collect all stream the live feed
		return marketfeed.NewLive(marketfeed.LiveConfig{
			NATSURL:           c.deps.Engine.MarketFeed.NATSURL,
			Symbols:           session.Symbols,
			HeartbeatInterval: c.deps.Engine.MarketFeed.HeartbeatInterval,
			MissedHeartbeats:  c.deps.Engine.MarketFeed.MissedHeartbeats,
			MaxBackoff:        c.deps.Engine.MarketFeed.MaxBackoff,
		}, c.deps.Logger, b), nil
	}
}

// StopSession runs the mirrored stop sequence of spec.md §4.7, bounded by
// stopGrace.
func (c *Controller) StopSession(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return ErrNoActiveSession
	}
	c.state = StateStopping
	c.session.Status = domain.StatusStopping
	c.mu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()

	// publish session.stopped before the bus itself shuts down, so the
	// bridge still has a live subscription to relay it on.
	c.mu.Lock()
	c.session.Status = domain.StatusStopped
	c.session.EndedAt = time.Now()
	stopped := c.session
	c.mu.Unlock()
	c.publishSessionEvent(stopCtx, "session.stopped", stopped)

	c.teardown(stopCtx)

	c.mu.Lock()
	c.state = StateStopped
	c.mu.Unlock()
	return nil
}

// teardown stops every component in stop order: market source, a flush
// grace window, strategy manager, order manager's open-order/position
// cleanup per config, persistence, then the bus.
func (c *Controller) teardown(ctx context.Context) {
	logger := c.deps.Logger

	if c.marketSource != nil {
		if err := c.marketSource.Stop(); err != nil {
			logger.Warn("market source stop failed", zap.Error(err))
		}

		// Only a market source that was actually running can have ticks
		// in flight downstream to flush; a partial start that failed
		// before reaching it has nothing to wait out.
		select {
		case <-time.After(tickFlushGrace):
		case <-ctx.Done():
		}
	}

	if c.strategyMgr != nil {
		if err := c.strategyMgr.Stop(); err != nil {
			logger.Warn("strategy manager stop failed", zap.Error(err))
		}
	}

	if c.orderMgr != nil {
		c.closeOnStopIfConfigured(ctx)
		if err := c.orderMgr.Stop(); err != nil {
			logger.Warn("order manager stop failed", zap.Error(err))
		}
	}

	if c.tradingSink != nil {
		if err := c.tradingSink.Stop(ctx); err != nil {
			logger.Warn("trading persistence stop failed", zap.Error(err))
		}
	}
	if c.indicatorSink != nil {
		if err := c.indicatorSink.Stop(ctx); err != nil {
			logger.Warn("indicator persistence stop failed", zap.Error(err))
		}
	}
	if c.indicatorEngine != nil {
		if err := c.indicatorEngine.Stop(); err != nil {
			logger.Warn("indicator engine stop failed", zap.Error(err))
		}
	}

	if c.deps.Bridge != nil {
		if err := c.deps.Bridge.Stop(); err != nil {
			logger.Warn("event bridge stop failed", zap.Error(err))
		}
	}

	if c.bus != nil {
		if err := c.bus.Shutdown(ctx); err != nil {
			logger.Warn("event bus shutdown grace elapsed", zap.Error(err))
		}
	}
}

// closeOnStopIfConfigured cancels open orders and/or closes positions per
// session.Config before the order manager stops, per spec.md §4.7's stop
// sequence ("cancel open orders per config; close positions if
// close_on_stop").
func (c *Controller) closeOnStopIfConfigured(ctx context.Context) {
	cfg := c.session.Config
	if cfg.CancelOpenOnStop {
		c.orderMgr.CancelAllOpen(ctx)
	}
	if cfg.CloseOnStop {
		c.orderMgr.CloseAllPositions(ctx)
	}
}

// teardownPartial is called when wire fails partway through the start
// sequence; it tears down whatever was already constructed, in reverse
// order (spec.md §5: "already-started sub-components are torn down in
// reverse order").
func (c *Controller) teardownPartial(ctx context.Context) {
	c.teardown(ctx)
	c.bus = nil
	c.indicatorEngine = nil
	c.indicatorSink = nil
	c.tradingSink = nil
	c.strategyMgr = nil
	c.orderMgr = nil
	c.marketSource = nil
}

func (c *Controller) fail(err error) {
	c.deps.Logger.Error("session start failed", zap.Error(err))
	c.mu.Lock()
	c.state = StateFailed
	c.session.Status = domain.StatusFailed
	c.mu.Unlock()
}

func newSessionID(mode domain.SessionMode) string {
	return fmt.Sprintf("%s_%s_%s", mode, time.Now().UTC().Format("20060102_150405"), uuid.NewString()[:8])
}

func toStrategyMap(strategies []domain.StrategyConfig) map[string]*domain.StrategyConfig {
	m := make(map[string]*domain.StrategyConfig, len(strategies))
	for i := range strategies {
		m[strategies[i].StrategyID] = &strategies[i]
	}
	return m
}

// unionVariants dedupes indicator variants referenced across every active
// strategy by variant_id, matching spec.md §4.3's "union of indicator
// variants referenced by all active strategies".
func unionVariants(strategies []domain.StrategyConfig) []domain.IndicatorVariant {
	seen := make(map[string]domain.IndicatorVariant)
	for _, s := range strategies {
		for _, v := range s.IndicatorVariants {
			seen[v.VariantID] = v
		}
	}
	out := make([]domain.IndicatorVariant, 0, len(seen))
	for _, v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VariantID < out[j].VariantID })
	return out
}

func validateStartRequest(req StartRequest, deps Deps) error {
	switch req.Mode {
	case domain.ModePaper, domain.ModeLive, domain.ModeBacktest, domain.ModeCollect:
	default:
		return fmt.Errorf("unknown session mode %q", req.Mode)
	}
	if len(req.Symbols) == 0 {
		return fmt.Errorf("session requires at least one symbol")
	}
	seenIDs := make(map[string]bool, len(req.StrategyConfigs))
	for _, s := range req.StrategyConfigs {
		if s.StrategyID == "" {
			return fmt.Errorf("strategy config missing strategy_id")
		}
		if seenIDs[s.StrategyID] {
			return fmt.Errorf("duplicate strategy_id %q", s.StrategyID)
		}
		seenIDs[s.StrategyID] = true
	}
	if req.Mode == domain.ModeBacktest && req.Config.ReplaySessionID == "" {
		return fmt.Errorf("backtest mode requires config.replay_session_id")
	}
	if req.Mode == domain.ModeLive && deps.Exchange == nil {
		return fmt.Errorf("live mode requires an exchange adapter")
	}
	if req.Mode != domain.ModeCollect && req.Config.Budget.GlobalCap <= 0 {
		return fmt.Errorf("session requires a positive budget.global_cap")
	}
	return nil
}
