// Package strategy implements the Strategy Manager (C5) of spec.md §4.5:
// one Strategy Instance per (strategy_id, symbol), driven by indicator
// updates through the five-section state machine of spec.md §3.
// Grounded on internal/strategy/optimized/strategy_manager.go (the
// registration map plus structured-logging texture) and
// internal/strategy/interfaces.go (the Strategy contract shape).
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

// instanceKey identifies a Strategy Instance (spec.md §3: "one per
// (strategy_id, symbol)").
type instanceKey struct {
	StrategyID string
	Symbol     string
}

// instanceRuntime pairs a Strategy Instance with its immutable config and
// its live indicator-value map. Guarded by its own mutex because both the
// indicator subscriber and the cooldown sweep touch it.
type instanceRuntime struct {
	mu     sync.Mutex
	inst   domain.StrategyInstance
	cfg    domain.StrategyConfig
	latest map[string]float64
}

// Config tunes the Manager.
type Config struct {
	CooldownSweepInterval time.Duration // default 1s
}

func (c Config) withDefaults() Config {
	if c.CooldownSweepInterval <= 0 {
		c.CooldownSweepInterval = time.Second
	}
	return c
}

// Manager is the Strategy Manager. Condition evaluation for an instance
// only ever runs on the single indicator.updated subscriber task, matching
// spec.md §5's "events are processed in the order the strategy manager's
// task dequeues them" ordering guarantee; the cooldown sweep and the
// indicator handler never touch the same instanceRuntime without its lock.
type Manager struct {
	cfg       Config
	logger    *zap.Logger
	sink      *metrics.Sink
	bus       *bus.Bus
	sessionID string

	mu           sync.RWMutex // guards instances/variantIndex/symbolIndex during registration and iteration
	instances    map[instanceKey]*instanceRuntime
	variantIndex map[string][]*instanceRuntime // key: symbol + "|" + variant_id
	symbolIndex  map[string][]*instanceRuntime // key: symbol

	subs      []*bus.Subscription
	sweepStop context.CancelFunc
	sweepDone chan struct{}
}

// NewManager constructs a Manager for one session.
func NewManager(cfg Config, logger *zap.Logger, sink *metrics.Sink, b *bus.Bus, sessionID string) *Manager {
	return &Manager{
		cfg:          cfg.withDefaults(),
		logger:       logger,
		sink:         sink,
		bus:          b,
		sessionID:    sessionID,
		instances:    make(map[instanceKey]*instanceRuntime),
		variantIndex: make(map[string][]*instanceRuntime),
		symbolIndex:  make(map[string][]*instanceRuntime),
	}
}

// RegisterStrategies validates each config's schema_version against
// constraint (if non-empty) and instantiates one Strategy Instance per
// (strategy, symbol) in MONITORING. Must be called before Start.
func (m *Manager) RegisterStrategies(configs []domain.StrategyConfig, symbols []string, constraint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var semConstraint *semver.Constraints
	if constraint != "" {
		c, err := semver.NewConstraint(constraint)
		if err != nil {
			return fmt.Errorf("invalid schema_version constraint %q: %w", constraint, err)
		}
		semConstraint = c
	}

	now := time.Now()
	for _, cfg := range configs {
		v, err := semver.NewVersion(cfg.SchemaVersion)
		if err != nil {
			return fmt.Errorf("strategy %s: invalid schema_version %q: %w", cfg.StrategyID, cfg.SchemaVersion, err)
		}
		if semConstraint != nil && !semConstraint.Check(v) {
			return fmt.Errorf("strategy %s: schema_version %s does not satisfy %s", cfg.StrategyID, cfg.SchemaVersion, constraint)
		}

		for _, symbol := range symbols {
			key := instanceKey{StrategyID: cfg.StrategyID, Symbol: symbol}
			if _, exists := m.instances[key]; exists {
				return fmt.Errorf("duplicate strategy instance for (%s, %s)", cfg.StrategyID, symbol) // spec.md §3 invariant
			}
			rt := &instanceRuntime{
				inst: domain.StrategyInstance{
					StrategyID: cfg.StrategyID,
					Symbol:     symbol,
					State:      domain.StateMonitoring,
					Since:      now,
				},
				cfg:    cfg,
				latest: make(map[string]float64),
			}
			m.instances[key] = rt
			m.symbolIndex[symbol] = append(m.symbolIndex[symbol], rt)
			for _, variantID := range referencedVariants(cfg) {
				idxKey := symbol + "|" + variantID
				m.variantIndex[idxKey] = append(m.variantIndex[idxKey], rt)
			}
		}
	}
	return nil
}

// referencedVariants collects every variant_id an instance's conditions or
// price sources touch, so the manager only evaluates on relevant updates.
func referencedVariants(cfg domain.StrategyConfig) []string {
	seen := make(map[string]struct{})
	add := func(id string) {
		if id != "" {
			seen[id] = struct{}{}
		}
	}
	addSection := func(s domain.Section) {
		for _, c := range s.Conditions {
			add(c.IndicatorID)
		}
	}
	addSection(cfg.S1Signal.Section)
	addSection(cfg.O1Cancel.Section)
	addSection(cfg.Z1Entry.Section)
	addSection(cfg.ZE1Close.Section)
	addSection(cfg.EmergencyExit.Section)
	add(cfg.Z1Entry.PriceSourceVariantID)
	add(cfg.ZE1Close.ClosePriceVariantID)
	if cfg.Z1Entry.StopLossScaling != nil {
		add(cfg.Z1Entry.StopLossScaling.RiskIndicatorID)
	}
	if cfg.Z1Entry.TakeProfitScaling != nil {
		add(cfg.Z1Entry.TakeProfitScaling.RiskIndicatorID)
	}
	if cfg.Z1Entry.Sizing.RiskScaling != nil {
		add(cfg.Z1Entry.Sizing.RiskScaling.RiskIndicatorID)
	}
	if cfg.ZE1Close.AdjustmentScaling != nil {
		add(cfg.ZE1Close.AdjustmentScaling.RiskIndicatorID)
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	return out
}

// Start subscribes to indicator.updated and the order lifecycle topics,
// and begins the cooldown expiry sweep.
func (m *Manager) Start(ctx context.Context) error {
	sub, err := m.bus.Subscribe("indicator.updated", m.onIndicatorUpdated, bus.SubscribeOptions{QueueSize: 4096, TradingCritical: true})
	if err != nil {
		return fmt.Errorf("subscribe indicator.updated: %w", err)
	}
	m.subs = append(m.subs, sub)

	orderTopics := []string{"order.created", "order.filled", "order.cancelled", "order.rejected"}
	for _, topic := range orderTopics {
		s, err := m.bus.Subscribe(topic, m.onOrderEvent, bus.SubscribeOptions{QueueSize: 1024, TradingCritical: true})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		m.subs = append(m.subs, s)
	}

	positionTopics := []string{"position.updated", "position.closed"}
	for _, topic := range positionTopics {
		s, err := m.bus.Subscribe(topic, m.onPositionEvent, bus.SubscribeOptions{QueueSize: 1024, TradingCritical: true})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		m.subs = append(m.subs, s)
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	m.sweepStop = cancel
	m.sweepDone = make(chan struct{})
	go m.runCooldownSweep(sweepCtx)
	return nil
}

// Stop unsubscribes from every topic and stops the cooldown sweep.
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
	return nil
}

func (m *Manager) runCooldownSweep(ctx context.Context) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(m.cfg.CooldownSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweepCooldowns()
		}
	}
}

func (m *Manager) sweepCooldowns() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	for _, rt := range m.instances {
		rt.mu.Lock()
		if rt.inst.State == domain.StateCooldown && !now.Before(rt.inst.CooldownUntil) {
			rt.inst.State = domain.StateMonitoring
			rt.inst.Since = now
			m.logger.Debug("strategy instance cooldown expired",
				zap.String("strategy_id", rt.inst.StrategyID), zap.String("symbol", rt.inst.Symbol))
		}
		rt.mu.Unlock()
	}
}

func (m *Manager) onIndicatorUpdated(ctx context.Context, env bus.Envelope) error {
	iv, ok := env.Payload.(domain.IndicatorValue)
	if !ok {
		return fmt.Errorf("indicator.updated: unexpected payload type %T", env.Payload)
	}

	m.mu.RLock()
	targets := m.variantIndex[iv.Symbol+"|"+iv.VariantID]
	m.mu.RUnlock()

	for _, rt := range targets {
		rt.mu.Lock()
		rt.latest[iv.VariantID] = iv.Value
		m.evaluate(ctx, rt)
		rt.mu.Unlock()
	}
	return nil
}

// evaluate runs the state machine of spec.md §4.5 for one instance. Called
// with rt.mu held.
func (m *Manager) evaluate(ctx context.Context, rt *instanceRuntime) {
	if rt.inst.State == domain.StateError {
		return // excluded from further evaluation until session restart
	}

	epsilon := rt.cfg.Epsilon
	now := time.Now()

	if rt.inst.State != domain.StateCooldown {
		if matched, undecided := rt.cfg.EmergencyExit.Evaluate(rt.latest, epsilon); !undecided && matched {
			m.handleEmergency(ctx, rt, now)
			return
		}
	}

	switch rt.inst.State {
	case domain.StateMonitoring:
		if matched, undecided := rt.cfg.S1Signal.Evaluate(rt.latest, epsilon); !undecided && matched {
			rt.inst.State = domain.StateS1Armed
			rt.inst.Since = now
		}

	case domain.StateS1Armed:
		// o1_cancel's own timeout_seconds bounds the S1_ARMED dwell time
		// (spec.md §3/§4.5): "after Z1 timeout elapses with no match",
		// where that timeout is o1's, per the §8 worked example.
		timedOut := rt.cfg.O1Cancel.TimeoutSeconds > 0 &&
			now.Sub(rt.inst.Since).Seconds() >= rt.cfg.O1Cancel.TimeoutSeconds
		if cancelMatched, undecided := rt.cfg.O1Cancel.Evaluate(rt.latest, epsilon); !undecided && cancelMatched {
			m.enterCooldown(rt, now, rt.cfg.O1Cancel.CooldownMinutes, "o1_cancel matched")
			return
		}
		if timedOut {
			m.enterCooldown(rt, now, rt.cfg.O1Cancel.CooldownMinutes, "s1_armed timeout elapsed")
			return
		}
		if matched, undecided := rt.cfg.Z1Entry.Evaluate(rt.latest, epsilon); !undecided && matched {
			m.emitSignal(ctx, rt, domain.StateZ1Pending, now)
		}

	case domain.StatePositionActive:
		if !rt.cfg.ZE1Close.Enabled {
			return
		}
		if matched, undecided := rt.cfg.ZE1Close.Evaluate(rt.latest, epsilon); !undecided && matched {
			m.emitSignal(ctx, rt, domain.StateZE1Pending, now)
		}

	case domain.StateZ1Pending, domain.StateZE1Pending:
		// Waiting on the order fill event (onOrderEvent).
	}
}

func (m *Manager) handleEmergency(ctx context.Context, rt *instanceRuntime, now time.Time) {
	actions := rt.cfg.EmergencyExit.Actions
	if actions[domain.ActionLogEvent] {
		m.logger.Warn("emergency_exit matched",
			zap.String("strategy_id", rt.inst.StrategyID), zap.String("symbol", rt.inst.Symbol),
			zap.String("state", string(rt.inst.State)))
	}
	if actions[domain.ActionCancelPending] && rt.inst.OpenOrderID != "" {
		if err := m.bus.Publish(ctx, "order.cancel_requested", domain.CancelOrderRequest{
			OrderID: rt.inst.OpenOrderID, SessionID: m.sessionID, Reason: "emergency_exit",
		}); err != nil {
			m.logger.Warn("failed to publish order.cancel_requested", zap.Error(err))
		}
	}
	if actions[domain.ActionClosePosition] && rt.inst.OpenPositionID != "" {
		if err := m.bus.Publish(ctx, "emergency.close_position", domain.ClosePositionRequest{
			PositionID: rt.inst.OpenPositionID, SessionID: m.sessionID, Symbol: rt.inst.Symbol, Reason: "emergency_exit",
		}); err != nil {
			m.logger.Warn("failed to publish emergency.close_position", zap.Error(err))
		}
	}
	m.enterCooldown(rt, now, rt.cfg.EmergencyExit.CooldownMinutes, "emergency_exit matched")
}

func (m *Manager) enterCooldown(rt *instanceRuntime, now time.Time, minutes float64, reason string) {
	rt.inst.State = domain.StateCooldown
	rt.inst.Since = now
	rt.inst.CooldownUntil = now.Add(time.Duration(minutes * float64(time.Minute)))
	m.logger.Debug("strategy instance entering cooldown",
		zap.String("strategy_id", rt.inst.StrategyID), zap.String("symbol", rt.inst.Symbol), zap.String("reason", reason))
}

// signalKind picks BUY/SELL from the strategy's configured direction.
// DirectionBoth has no discriminating signal in spec.md §3 beyond the
// conditions themselves, so it defaults to BUY — see DESIGN.md.
func signalKind(direction domain.Direction) domain.SignalKind {
	if direction == domain.DirectionShort {
		return domain.SignalSell
	}
	return domain.SignalBuy
}

func (m *Manager) emitSignal(ctx context.Context, rt *instanceRuntime, next domain.InstanceState, now time.Time) {
	priceVariantID := rt.cfg.Z1Entry.PriceSourceVariantID
	if next == domain.StateZE1Pending {
		priceVariantID = rt.cfg.ZE1Close.ClosePriceVariantID
	}
	price := rt.latest[priceVariantID]

	snapshot := make(map[string]float64, len(rt.latest))
	for k, v := range rt.latest {
		snapshot[k] = v
	}

	sig := domain.Signal{
		SignalID:          uuid.NewString(),
		SessionID:         m.sessionID,
		StrategyID:        rt.inst.StrategyID,
		Symbol:            rt.inst.Symbol,
		Kind:              signalKind(rt.cfg.Direction),
		Confidence:        1.0,
		Price:             price,
		IndicatorSnapshot: snapshot,
		Timestamp:         now,
	}

	rt.inst.State = next
	rt.inst.Since = now
	rt.inst.LastSignalID = sig.SignalID

	m.sink.SignalsGenerated.WithLabelValues(sig.StrategyID, sig.Symbol, string(sig.Kind)).Inc()
	if err := m.bus.Publish(ctx, "signal.generated", sig); err != nil {
		m.logger.Warn("failed to publish signal.generated", zap.Error(err))
	}
}

func (m *Manager) onOrderEvent(ctx context.Context, env bus.Envelope) error {
	o, ok := env.Payload.(domain.Order)
	if !ok {
		return fmt.Errorf("order event: unexpected payload type %T", env.Payload)
	}

	m.mu.RLock()
	rt, found := m.instances[instanceKey{StrategyID: o.StrategyID, Symbol: o.Symbol}]
	m.mu.RUnlock()
	if !found {
		return nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	if env.Topic == "order.created" {
		if rt.inst.OpenOrderID == "" && (rt.inst.State == domain.StateZ1Pending || rt.inst.State == domain.StateZE1Pending) {
			rt.inst.OpenOrderID = o.OrderID
		}
		return nil
	}
	if rt.inst.OpenOrderID != o.OrderID {
		return nil
	}

	now := time.Now()
	switch env.Topic {
	case "order.filled":
		switch rt.inst.State {
		case domain.StateZ1Pending:
			rt.inst.State = domain.StatePositionActive
			rt.inst.OpenOrderID = ""
			rt.inst.Since = now
		case domain.StateZE1Pending:
			rt.inst.OpenOrderID = ""
			rt.inst.OpenPositionID = ""
			m.enterCooldown(rt, now, rt.cfg.O1Cancel.CooldownMinutes, "ze1 close filled")
		}
	case "order.cancelled", "order.rejected":
		rt.inst.OpenOrderID = ""
		m.enterCooldown(rt, now, rt.cfg.O1Cancel.CooldownMinutes, fmt.Sprintf("%s without fill", env.Topic))
	}
	return nil
}

// Instance returns a snapshot of one instance's state, or false if it
// does not exist. Used by the Event Bridge and REST status endpoint.
func (m *Manager) Instance(strategyID, symbol string) (domain.StrategyInstance, bool) {
	m.mu.RLock()
	rt, found := m.instances[instanceKey{StrategyID: strategyID, Symbol: symbol}]
	m.mu.RUnlock()
	if !found {
		return domain.StrategyInstance{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.inst, true
}

// onPositionEvent tracks the position id for every instance on the
// position's symbol currently holding it open (spec.md §4.6: positions
// are keyed by (session, symbol), not per strategy instance, so more than
// one instance on the same symbol can reference the same position id).
func (m *Manager) onPositionEvent(_ context.Context, env bus.Envelope) error {
	p, ok := env.Payload.(domain.Position)
	if !ok {
		return fmt.Errorf("position event: unexpected payload type %T", env.Payload)
	}

	m.mu.RLock()
	targets := m.symbolIndex[p.Symbol]
	m.mu.RUnlock()

	for _, rt := range targets {
		rt.mu.Lock()
		if rt.inst.State == domain.StatePositionActive || rt.inst.State == domain.StateZE1Pending {
			if p.Status == domain.PositionClosed {
				rt.inst.OpenPositionID = ""
			} else {
				rt.inst.OpenPositionID = p.PositionID
			}
		}
		rt.mu.Unlock()
	}
	return nil
}
