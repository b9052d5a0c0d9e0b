package persistence

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/internal/store"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

// TradingSink is the Trading Persistence (C9) component: appends signals,
// orders and positions to the store in batches, the same way C4 does for
// indicators (spec.md §4.4, §6.3). Orders and positions are upserted on
// every lifecycle event, including creation, so the store always reflects
// the latest known state by primary key.
type TradingSink struct {
	bus *bus.Bus

	signals   *Batcher[store.StrategySignal]
	orders    *Batcher[store.OrderRow]
	positions *Batcher[store.PositionRow]

	subs []*bus.Subscription
}

// NewTradingSink constructs a TradingSink writing through st. st may be
// nil (a deployment with no store configured); every flush then sheds
// straight to the overflow ring via noStoreWrite rather than dereferencing
// a nil store.
func NewTradingSink(cfg BatchConfig, logger *zap.Logger, sink *metrics.Sink, b *bus.Bus, st *store.Store) *TradingSink {
	signalWrite := noStoreWrite[store.StrategySignal]
	orderWrite := noStoreWrite[store.OrderRow]
	positionWrite := noStoreWrite[store.PositionRow]
	if st != nil {
		signalWrite = st.UpsertSignals
		orderWrite = st.UpsertOrders
		positionWrite = st.UpsertPositions
	}
	return &TradingSink{
		bus:       b,
		signals:   NewBatcher[store.StrategySignal]("strategy_signals", cfg, logger, sink, b, signalWrite),
		orders:    NewBatcher[store.OrderRow]("orders", cfg, logger, sink, b, orderWrite),
		positions: NewBatcher[store.PositionRow]("positions", cfg, logger, sink, b, positionWrite),
	}
}

// Start subscribes to signal.generated, the order.* lifecycle topics
// (created/filled/cancelled/rejected) and position.updated/position.closed
// (spec.md §4.6's Order Manager contract).
func (s *TradingSink) Start(ctx context.Context) error {
	bindings := []struct {
		topic   string
		handler bus.Handler
	}{
		{"signal.generated", s.onSignal},
		{"order.created", s.onOrder},
		{"order.filled", s.onOrder},
		{"order.cancelled", s.onOrder},
		{"order.rejected", s.onOrder},
		{"position.updated", s.onPosition},
		{"position.closed", s.onPosition},
	}
	for _, bnd := range bindings {
		sub, err := s.bus.Subscribe(bnd.topic, bnd.handler, bus.SubscribeOptions{QueueSize: 2048, TradingCritical: true})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", bnd.topic, err)
		}
		s.subs = append(s.subs, sub)
	}
	return nil
}

func (s *TradingSink) onSignal(ctx context.Context, env bus.Envelope) error {
	sig, ok := env.Payload.(domain.Signal)
	if !ok {
		return fmt.Errorf("signal.generated: unexpected payload type %T", env.Payload)
	}
	snapshot, err := marshalSnapshot(sig.IndicatorSnapshot)
	if err != nil {
		return fmt.Errorf("marshal signal snapshot: %w", err)
	}
	s.signals.Add(ctx, store.StrategySignal{
		SignalID:     sig.SignalID,
		Timestamp:    sig.Timestamp,
		SessionID:    sig.SessionID,
		StrategyID:   sig.StrategyID,
		Symbol:       sig.Symbol,
		Kind:         string(sig.Kind),
		Price:        sig.Price,
		SnapshotJSON: snapshot,
	})
	return nil
}

func (s *TradingSink) onOrder(ctx context.Context, env bus.Envelope) error {
	o, ok := env.Payload.(domain.Order)
	if !ok {
		return fmt.Errorf("order event: unexpected payload type %T", env.Payload)
	}
	s.orders.Add(ctx, store.OrderRow{
		OrderID:     o.OrderID,
		SessionID:   o.SessionID,
		StrategyID:  o.StrategyID,
		Symbol:      o.Symbol,
		Side:        string(o.Side),
		Type:        string(o.Type),
		Quantity:    o.Quantity,
		Price:       o.Price,
		Status:      string(o.Status),
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
		PnLRealised: o.PnLRealised,
	})
	return nil
}

func (s *TradingSink) onPosition(ctx context.Context, env bus.Envelope) error {
	p, ok := env.Payload.(domain.Position)
	if !ok {
		return fmt.Errorf("position event: unexpected payload type %T", env.Payload)
	}
	s.positions.Add(ctx, store.PositionRow{
		PositionID: p.PositionID,
		SessionID:  p.SessionID,
		Symbol:     p.Symbol,
		Side:       string(p.Side),
		Quantity:   p.Quantity,
		AvgPrice:   p.AvgPrice,
		UpdatedAt:  p.UpdatedAt,
		Status:     string(p.Status),
	})
	return nil
}

// marshalSnapshot serialises a signal's indicator snapshot for storage
// alongside strategy_signals (spec.md §6.3's snapshot_json column).
func marshalSnapshot(snapshot map[string]float64) (string, error) {
	b, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Stop unsubscribes from every topic and flushes whatever remains buffered
// in each batcher (spec.md §7's Fatal-kind "attempt best-effort
// persistence flush" on session failure).
func (s *TradingSink) Stop(ctx context.Context) error {
	for _, sub := range s.subs {
		if err := s.bus.Unsubscribe(sub); err != nil {
			return err
		}
	}
	s.signals.Flush(ctx)
	s.orders.Flush(ctx)
	s.positions.Flush(ctx)
	return nil
}
