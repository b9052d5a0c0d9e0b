package orders

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

func newBacktestManager(t *testing.T, b *bus.Bus, session domain.Session, cfg PaperConfig) *Manager {
	t.Helper()
	engine := NewBacktestEngine(cfg, zap.NewNop(), b)
	m := NewManager(Config{}, zap.NewNop(), metrics.New(), b, session, engine)
	engine.SetManager(m)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop() })
	return m
}

func TestBacktestEngineFillsOnReplayedTick(t *testing.T) {
	b := newTestBus(t)
	m := newBacktestManager(t, b, testSession(longStrategy("strat-1")), PaperConfig{})

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, b.Publish(context.Background(), "signal.generated", domain.Signal{
		SignalID:   "sig-1",
		StrategyID: "strat-1",
		Symbol:     "BTC-USD",
		Kind:       domain.SignalBuy,
		Price:      50,
	}))
	require.NoError(t, b.Publish(context.Background(), "market.price_update", domain.Tick{
		Symbol: "BTC-USD", Price: 51, Timestamp: base,
	}))

	require.Eventually(t, func() bool {
		pos, found := m.ledger.get("BTC-USD")
		return found && pos.Status == domain.PositionOpen
	}, time.Second, 5*time.Millisecond)
}

func TestBacktestEngineExpiresOrderByTickTimeNotWallClock(t *testing.T) {
	b := newTestBus(t)
	strategy := longStrategy("strat-1")
	strategy.Z1Entry.TimeoutSeconds = 10
	m := newBacktestManager(t, b, testSession(strategy), PaperConfig{})

	require.NoError(t, b.Publish(context.Background(), "signal.generated", domain.Signal{
		SignalID:   "sig-1",
		StrategyID: "strat-1",
		Symbol:     "BTC-USD",
		Kind:       domain.SignalBuy,
		Price:      50,
	}))

	var orderID string
	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		for id, o := range m.orders {
			orderID = id
			_ = o
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	m.mu.Lock()
	created := m.orders[orderID].CreatedAt
	m.mu.Unlock()

	// A tick timestamped far in the future (simulated replay time, not wall
	// clock) past the order's 10s timeout should expire it immediately,
	// even though no real wall-clock time has passed.
	require.NoError(t, b.Publish(context.Background(), "market.price_update", domain.Tick{
		Symbol: "BTC-USD", Price: 50, Timestamp: created.Add(20 * time.Second),
	}))

	require.Eventually(t, func() bool {
		m.mu.Lock()
		_, found := m.orders[orderID]
		m.mu.Unlock()
		return !found
	}, time.Second, 5*time.Millisecond)

	_, hasPosition := m.ledger.get("BTC-USD")
	require.False(t, hasPosition)
}
