package bridge

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/internal/indicators"
	"github.com/pumpsentry/core/pkg/bus"
)

// marketDataSampleWindow bounds market_data delivery to one push per symbol
// per window (spec.md §4.8: "one market.price_update per symbol per 250 ms
// maximum").
const marketDataSampleWindow = 250 * time.Millisecond

// sessionTopics/... name every concrete bus topic the session.*, signal.*,
// order.*, position.* whitelist entries of spec.md §4.8 expand to — the
// bus has no wildcard subscriptions (see pkg/bus/bus.go), so the bridge
// subscribes to each literal topic a producer actually publishes.
var (
	sessionTopics       = []string{"session.started", "session.stopped", "session.start_failed"}
	sessionFailedTopics = []string{"session.failed"} // indicators.SessionFailed, distinct payload shape
	signalTopics        = []string{"signal.generated"}
	orderTopics    = []string{"order.created", "order.filled", "order.rejected", "order.cancelled"}
	positionTopics = []string{"position.updated", "position.closed"}
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Bridge wires a Hub to the event bus, translating whitelisted internal
// topics into the wire protocol of spec.md §6.1 (grounded on
// internal/transport/websocket/market_data.go's subscribe-then-throttle
// shape, generalised from a single market-data stream to the full
// whitelist).
type Bridge struct {
	hub    *Hub
	logger *zap.Logger

	mu   sync.Mutex
	b    *bus.Bus // the active session's bus; nil between sessions
	subs []*bus.Subscription

	sampleMu       sync.Mutex
	lastMarketSent map[string]time.Time // symbol -> last market_data push
}

// New constructs a Bridge bound to hub. The Hub and its HTTP-facing
// ServeWS handler live for the whole process; Start/Stop attach and
// detach it from one session's event bus at a time, since a fresh bus is
// constructed per session (internal/execution/controller.go's wire).
func New(hub *Hub, logger *zap.Logger) *Bridge {
	return &Bridge{hub: hub, logger: logger, lastMarketSent: make(map[string]time.Time)}
}

// Start subscribes to the whitelist topics of spec.md §4.8 on b, the
// current session's event bus.
func (br *Bridge) Start(ctx context.Context, b *bus.Bus) error {
	br.mu.Lock()
	br.b = b
	br.mu.Unlock()

	bindings := []struct {
		topics  []string
		handler bus.Handler
	}{
		{sessionTopics, br.onSession},
		{sessionFailedTopics, br.onSessionFailed},
		{signalTopics, br.onSignal},
		{orderTopics, br.onOrder},
		{positionTopics, br.onPosition},
		{[]string{"market.price_update"}, br.onMarketData},
		{[]string{"indicator.updated"}, br.onIndicatorUpdated},
	}
	for _, bnd := range bindings {
		for _, topic := range bnd.topics {
			sub, err := b.Subscribe(topic, bnd.handler, bus.SubscribeOptions{QueueSize: 1024})
			if err != nil {
				return fmt.Errorf("bridge subscribe %s: %w", topic, err)
			}
			br.subs = append(br.subs, sub)
		}
	}
	return nil
}

// Stop unsubscribes every bridge subscription from the session bus it was
// started with, detaching the bridge so a later session can Start again.
func (br *Bridge) Stop() error {
	br.mu.Lock()
	b, subs := br.b, br.subs
	br.b, br.subs = nil, nil
	br.mu.Unlock()

	if b == nil {
		return nil
	}
	for _, sub := range subs {
		if err := b.Unsubscribe(sub); err != nil {
			return err
		}
	}
	return nil
}

// ServeWS upgrades an HTTP request to a WebSocket connection and starts the
// client's read/write pumps (spec.md §6.1: "Transport: WebSocket at /ws").
func (br *Bridge) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		br.logger.Warn("bridge websocket upgrade failed", zap.Error(err))
		return
	}

	client := NewClient(ksuid.New().String(), conn, br.hub, br.logger)
	if payload, err := encode(TypeStatus, StatusPayload{Status: "connected", Timestamp: time.Now()}); err == nil {
		client.enqueue(payload)
	}

	go client.WritePump()
	go client.ReadPump()
}

func (br *Bridge) onSession(_ context.Context, env bus.Envelope) error {
	session, ok := env.Payload.(domain.Session)
	if !ok {
		return fmt.Errorf("%s: unexpected payload type %T", env.Topic, env.Payload)
	}
	payload, err := encode(TypeSessionStatus, SessionStatusPayload{
		SessionID: session.SessionID,
		Status:    string(session.Status),
		Symbols:   session.Symbols,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}
	br.hub.broadcastAll(payload)
	return nil
}

// onSessionFailed relays indicators.SessionFailed (a distinct payload from
// the domain.Session snapshots on session.started/stopped/start_failed) as
// a risk_alert, since session_status expects a status/symbols shape this
// event doesn't carry.
func (br *Bridge) onSessionFailed(_ context.Context, env bus.Envelope) error {
	sf, ok := env.Payload.(indicators.SessionFailed)
	if !ok {
		return fmt.Errorf("%s: unexpected payload type %T", env.Topic, env.Payload)
	}
	payload, err := encode(TypeRiskAlert, RiskAlertPayload{
		Severity:   "CRITICAL",
		Message:    fmt.Sprintf("session %s failed: %s", sf.SessionID, sf.Reason),
		RelatedIDs: []string{sf.SessionID},
		Timestamp:  time.Now(),
	})
	if err != nil {
		return err
	}
	br.hub.broadcastAll(payload)
	return nil
}

func (br *Bridge) onSignal(_ context.Context, env bus.Envelope) error {
	sig, ok := env.Payload.(domain.Signal)
	if !ok {
		return fmt.Errorf("%s: unexpected payload type %T", env.Topic, env.Payload)
	}
	payload, err := encode(TypeSignal, SignalPayload{
		SignalID:   sig.SignalID,
		SessionID:  sig.SessionID,
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Kind:       string(sig.Kind),
		Price:      sig.Price,
		Timestamp:  sig.Timestamp,
	})
	if err != nil {
		return err
	}
	br.hub.broadcastAll(payload)
	return nil
}

func (br *Bridge) onOrder(_ context.Context, env bus.Envelope) error {
	order, ok := env.Payload.(domain.Order)
	if !ok {
		return fmt.Errorf("%s: unexpected payload type %T", env.Topic, env.Payload)
	}
	msgType := TypeOrderUpdated
	if env.Topic == "order.created" {
		msgType = TypeOrderCreated
	}
	payload, err := encode(msgType, order)
	if err != nil {
		return err
	}
	br.hub.broadcastAll(payload)
	return nil
}

func (br *Bridge) onPosition(_ context.Context, env bus.Envelope) error {
	pos, ok := env.Payload.(domain.Position)
	if !ok {
		return fmt.Errorf("%s: unexpected payload type %T", env.Topic, env.Payload)
	}
	msgType := TypePositionUpdated
	if env.Topic == "position.closed" {
		msgType = TypePositionClosed
	}
	payload, err := encode(msgType, pos)
	if err != nil {
		return err
	}
	br.hub.broadcastAll(payload)
	return nil
}

// onMarketData applies the 250ms-per-symbol sample window before
// broadcasting (spec.md §4.8).
func (br *Bridge) onMarketData(_ context.Context, env bus.Envelope) error {
	tick, ok := env.Payload.(domain.Tick)
	if !ok {
		return fmt.Errorf("%s: unexpected payload type %T", env.Topic, env.Payload)
	}

	br.sampleMu.Lock()
	last, seen := br.lastMarketSent[tick.Symbol]
	if seen && time.Since(last) < marketDataSampleWindow {
		br.sampleMu.Unlock()
		return nil
	}
	br.lastMarketSent[tick.Symbol] = time.Now()
	br.sampleMu.Unlock()

	payload, err := encode(TypeMarketData, MarketDataPayload{
		Symbol:    tick.Symbol,
		Price:     tick.Price,
		Volume:    tick.Volume,
		Timestamp: tick.Timestamp,
	})
	if err != nil {
		return err
	}
	br.hub.broadcastAll(payload)
	return nil
}

// onIndicatorUpdated delivers only to clients subscribed to this exact
// (symbol, variant_id), per spec.md §4.8's "filtered by UI subscriptions".
func (br *Bridge) onIndicatorUpdated(_ context.Context, env bus.Envelope) error {
	iv, ok := env.Payload.(domain.IndicatorValue)
	if !ok {
		return fmt.Errorf("%s: unexpected payload type %T", env.Topic, env.Payload)
	}
	payload, err := encode(TypeIndicatorUpdated, IndicatorUpdatedPayload{
		SessionID: iv.SessionID,
		Symbol:    iv.Symbol,
		VariantID: iv.VariantID,
		Value:     iv.Value,
		Timestamp: iv.Timestamp,
	})
	if err != nil {
		return err
	}
	br.hub.broadcastSubscribed(indicatorSubscriptionKey(iv.Symbol, iv.VariantID), payload)
	return nil
}

// memoryPressureAlert maps indicators.MemoryPressure onto a risk_alert
// payload. The bridge does not subscribe to memory.pressure (spec.md §4.8's
// whitelist names only session/signal/order/position/market/indicator
// topics), so nothing in the bridge calls it.
func memoryPressureAlert(mp indicators.MemoryPressure) RiskAlertPayload {
	severity := "WARNING"
	if mp.Ratio >= 1 {
		severity = "CRITICAL"
	}
	return RiskAlertPayload{
		Severity:  severity,
		Message:   fmt.Sprintf("indicator memory pressure ratio %.2f (session %s, %d lanes trimmed)", mp.Ratio, mp.SessionID, mp.TrimmedLanes),
		Timestamp: time.Now(),
	}
}
