package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/internal/store"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

// newTestTradingSink builds a TradingSink whose batchers write into
// in-memory slices instead of a real store, so the wiring can be exercised
// without a database.
func newTestTradingSink(t *testing.T, b *bus.Bus) (*TradingSink, *sync.Mutex, *[]store.StrategySignal, *[]store.OrderRow, *[]store.PositionRow) {
	t.Helper()
	cfg := BatchConfig{MaxRows: 1, MaxDelay: time.Hour}

	var mu sync.Mutex
	var signals []store.StrategySignal
	var orders []store.OrderRow
	var positions []store.PositionRow

	sink := metrics.New()
	ts := &TradingSink{
		bus: b,
		signals: NewBatcher[store.StrategySignal]("strategy_signals", cfg, zap.NewNop(), sink, b, func(_ context.Context, rows []store.StrategySignal) error {
			mu.Lock()
			signals = append(signals, rows...)
			mu.Unlock()
			return nil
		}),
		orders: NewBatcher[store.OrderRow]("orders", cfg, zap.NewNop(), sink, b, func(_ context.Context, rows []store.OrderRow) error {
			mu.Lock()
			orders = append(orders, rows...)
			mu.Unlock()
			return nil
		}),
		positions: NewBatcher[store.PositionRow]("positions", cfg, zap.NewNop(), sink, b, func(_ context.Context, rows []store.PositionRow) error {
			mu.Lock()
			positions = append(positions, rows...)
			mu.Unlock()
			return nil
		}),
	}
	return ts, &mu, &signals, &orders, &positions
}

func TestTradingSinkPersistsSignal(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown(context.Background())

	ts, mu, signals, _, _ := newTestTradingSink(t, b)
	require.NoError(t, ts.Start(context.Background()))

	sig := domain.Signal{
		SignalID:          "sig-1",
		SessionID:         "sess-1",
		StrategyID:        "strat-1",
		Symbol:            "BTC-USD",
		Kind:              domain.SignalBuy,
		Price:             100,
		IndicatorSnapshot: map[string]float64{"v1": 1.5},
		Timestamp:         time.Now(),
	}
	require.NoError(t, b.Publish(context.Background(), "signal.generated", sig))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*signals) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	got := (*signals)[0]
	require.Equal(t, "sig-1", got.SignalID)
	require.Equal(t, "BUY", got.Kind)
	require.JSONEq(t, `{"v1":1.5}`, got.SnapshotJSON)
}

func TestTradingSinkPersistsOrderOnCreateAndUpdate(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown(context.Background())

	ts, mu, _, orders, _ := newTestTradingSink(t, b)
	require.NoError(t, ts.Start(context.Background()))

	o := domain.Order{
		OrderID:   "ord-1",
		SessionID: "sess-1",
		Symbol:    "BTC-USD",
		Side:      domain.SideBuy,
		Type:      domain.OrderMarket,
		Quantity:  1,
		Status:    domain.OrderPending,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	require.NoError(t, b.Publish(context.Background(), "order.created", o))

	o.Status = domain.OrderFilled
	o.UpdatedAt = time.Now()
	require.NoError(t, b.Publish(context.Background(), "order.filled", o))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*orders) == 2
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "PENDING", (*orders)[0].Status)
	require.Equal(t, "FILLED", (*orders)[1].Status)
}

func TestTradingSinkPersistsPositionLifecycle(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown(context.Background())

	ts, mu, _, _, positions := newTestTradingSink(t, b)
	require.NoError(t, ts.Start(context.Background()))

	p := domain.Position{
		PositionID: "pos-1",
		SessionID:  "sess-1",
		Symbol:     "BTC-USD",
		Side:       domain.PositionLong,
		Quantity:   1,
		AvgPrice:   100,
		Status:     domain.PositionOpen,
		UpdatedAt:  time.Now(),
	}
	require.NoError(t, b.Publish(context.Background(), "position.updated", p))

	p.Status = domain.PositionClosed
	require.NoError(t, b.Publish(context.Background(), "position.closed", p))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*positions) == 2
	}, time.Second, time.Millisecond)
}

func TestTradingSinkStopFlushesBufferedRows(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown(context.Background())

	cfg := BatchConfig{MaxRows: 1000, MaxDelay: time.Hour}
	var mu sync.Mutex
	var signals []store.StrategySignal
	sink := metrics.New()
	ts := &TradingSink{
		bus: b,
		signals: NewBatcher[store.StrategySignal]("strategy_signals", cfg, zap.NewNop(), sink, b, func(_ context.Context, rows []store.StrategySignal) error {
			mu.Lock()
			signals = append(signals, rows...)
			mu.Unlock()
			return nil
		}),
		orders:    NewBatcher[store.OrderRow]("orders", cfg, zap.NewNop(), sink, b, func(context.Context, []store.OrderRow) error { return nil }),
		positions: NewBatcher[store.PositionRow]("positions", cfg, zap.NewNop(), sink, b, func(context.Context, []store.PositionRow) error { return nil }),
	}
	require.NoError(t, ts.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), "signal.generated", domain.Signal{
		SignalID: "sig-2", Kind: domain.SignalSell, Timestamp: time.Now(),
	}))

	time.Sleep(50 * time.Millisecond) // let the async bus delivery land in the batcher's buffer

	require.NoError(t, ts.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, signals, 1)
}
