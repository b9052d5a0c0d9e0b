package marketfeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

func TestPacedDelayCapsAboveHardLimit(t *testing.T) {
	assert.Equal(t, time.Duration(0), pacedDelay(10*time.Second, 100))
	assert.Equal(t, time.Duration(0), pacedDelay(10*time.Second, 500))
	assert.Equal(t, time.Second, pacedDelay(10*time.Second, 10))
}

func TestNextBackoffDoublesAndCaps(t *testing.T) {
	b := time.Second
	b = nextBackoff(b, 30*time.Second)
	assert.Equal(t, 2*time.Second, b)
	b = nextBackoff(b, 30*time.Second)
	assert.Equal(t, 4*time.Second, b)
	b = nextBackoff(b, 30*time.Second)
	assert.Equal(t, 8*time.Second, b)
	for i := 0; i < 5; i++ {
		b = nextBackoff(b, 30*time.Second)
	}
	assert.Equal(t, 30*time.Second, b)
}

type fakeReplaySource struct {
	ticks []domain.Tick
}

func (f *fakeReplaySource) FetchOrdered(_ context.Context, _ string) ([]domain.Tick, error) {
	return f.ticks, nil
}

func TestReplayPublishesInOrderThenCompletes(t *testing.T) {
	b, err := bus.New(bus.Config{}, zap.NewNop(), metrics.New())
	require.NoError(t, err)
	defer func() { _ = b.Shutdown(context.Background()) }()

	now := time.Now()
	ticks := []domain.Tick{
		{Timestamp: now, Symbol: "BTC-USD", Price: 100},
		{Timestamp: now.Add(10 * time.Millisecond), Symbol: "BTC-USD", Price: 101},
		{Timestamp: now.Add(20 * time.Millisecond), Symbol: "BTC-USD", Price: 102},
	}

	var mu sync.Mutex
	var got []float64
	completed := make(chan Completed, 1)

	_, err = b.Subscribe("market.price_update", func(_ context.Context, env bus.Envelope) error {
		mu.Lock()
		got = append(got, env.Payload.(domain.Tick).Price)
		mu.Unlock()
		return nil
	}, bus.SubscribeOptions{})
	require.NoError(t, err)

	_, err = b.Subscribe("market.replay_completed", func(_ context.Context, env bus.Envelope) error {
		completed <- env.Payload.(Completed)
		return nil
	}, bus.SubscribeOptions{})
	require.NoError(t, err)

	r := NewReplay(ReplayConfig{SessionID: "s1", AccelerationFactor: 1000}, zap.NewNop(), b, &fakeReplaySource{ticks: ticks})
	require.NoError(t, r.Start(context.Background()))

	select {
	case c := <-completed:
		assert.Equal(t, 3, c.Ticks)
	case <-time.After(time.Second):
		t.Fatal("replay did not complete in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{100, 101, 102}, got)
}
