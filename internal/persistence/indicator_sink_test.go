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
	"github.com/pumpsentry/core/pkg/metrics"
)

func TestIndicatorSinkPersistsUpdates(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown(context.Background())

	var mu sync.Mutex
	var rows []store.IndicatorRow
	batcher := NewBatcher[store.IndicatorRow]("indicators", BatchConfig{MaxRows: 1, MaxDelay: time.Hour}, zap.NewNop(), metrics.New(), b, func(_ context.Context, r []store.IndicatorRow) error {
		mu.Lock()
		rows = append(rows, r...)
		mu.Unlock()
		return nil
	})
	sink := &IndicatorSink{bus: b, batcher: batcher}
	require.NoError(t, sink.Start(context.Background()))

	iv := domain.IndicatorValue{
		SessionID: "sess-1",
		Symbol:    "BTC-USD",
		VariantID: "v1",
		Timestamp: time.Now(),
		Value:     42,
	}
	require.NoError(t, b.Publish(context.Background(), "indicator.updated", iv))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(rows) == 1
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "v1", rows[0].VariantID)
	require.Equal(t, 42.0, rows[0].Value)
}

func TestIndicatorSinkStopFlushesBuffer(t *testing.T) {
	b := newTestBus(t)
	defer b.Shutdown(context.Background())

	var mu sync.Mutex
	var rows []store.IndicatorRow
	batcher := NewBatcher[store.IndicatorRow]("indicators", BatchConfig{MaxRows: 1000, MaxDelay: time.Hour}, zap.NewNop(), metrics.New(), b, func(_ context.Context, r []store.IndicatorRow) error {
		mu.Lock()
		rows = append(rows, r...)
		mu.Unlock()
		return nil
	})
	sink := &IndicatorSink{bus: b, batcher: batcher}
	require.NoError(t, sink.Start(context.Background()))

	require.NoError(t, b.Publish(context.Background(), "indicator.updated", domain.IndicatorValue{
		SessionID: "sess-1", Symbol: "BTC-USD", VariantID: "v1", Timestamp: time.Now(), Value: 1,
	}))
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, sink.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, rows, 1)
}
