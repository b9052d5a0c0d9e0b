package indicators

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/pumpsentry/core/internal/domain"
	"github.com/pumpsentry/core/pkg/bus"
	"github.com/pumpsentry/core/pkg/metrics"
)

type EngineTestSuite struct {
	suite.Suite
	bus    *bus.Bus
	engine *Engine
}

func (s *EngineTestSuite) SetupTest() {
	b, err := bus.New(bus.Config{}, zap.NewNop(), metrics.New())
	s.Require().NoError(err)
	s.bus = b
	s.engine = NewEngine(zap.NewNop(), metrics.New(), b, NewRegistry(), Config{}, "sess-1")
}

func (s *EngineTestSuite) TearDownTest() {
	_ = s.bus.Shutdown(context.Background())
}

func (s *EngineTestSuite) publishTicks(symbol string, prices []float64) {
	now := time.Now()
	for i, p := range prices {
		_ = s.bus.Publish(context.Background(), "market.price_update", domain.Tick{
			Timestamp: now.Add(time.Duration(i) * time.Second),
			Symbol:    symbol,
			Price:     p,
			Volume:    1,
		})
	}
}

func (s *EngineTestSuite) TestPerSymbolLaneEmitsIndicatorUpdated() {
	require.NoError(s.T(), s.engine.RegisterVariants([]domain.IndicatorVariant{
		{VariantID: "v1", BaseType: "PUMP_MAGNITUDE_PCT", Parameters: map[string]float64{"window_seconds": 10}, Scope: domain.ScopePerSymbol},
	}, []string{"BTC-USD"}))
	require.NoError(s.T(), s.engine.Start(context.Background()))

	var mu sync.Mutex
	var got []domain.IndicatorValue
	_, err := s.bus.Subscribe("indicator.updated", func(_ context.Context, env bus.Envelope) error {
		mu.Lock()
		got = append(got, env.Payload.(domain.IndicatorValue))
		mu.Unlock()
		return nil
	}, bus.SubscribeOptions{})
	require.NoError(s.T(), err)

	s.publishTicks("BTC-USD", []float64{100, 110, 120})

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, v := range got {
		s.Equal("v1", v.VariantID)
		s.Equal("BTC-USD", v.Symbol)
	}
}

func (s *EngineTestSuite) TestDuplicateParametersShareOneComputation() {
	variants := []domain.IndicatorVariant{
		{VariantID: "a", BaseType: "PUMP_MAGNITUDE_PCT", Parameters: map[string]float64{"window_seconds": 10}, Scope: domain.ScopePerSymbol},
		{VariantID: "b", BaseType: "PUMP_MAGNITUDE_PCT", Parameters: map[string]float64{"window_seconds": 10}, Scope: domain.ScopePerSymbol},
	}
	require.NoError(s.T(), s.engine.RegisterVariants(variants, []string{"ETH-USD"}))
	require.NoError(s.T(), s.engine.Start(context.Background()))

	var mu sync.Mutex
	seen := map[string]int{}
	_, err := s.bus.Subscribe("indicator.updated", func(_ context.Context, env bus.Envelope) error {
		v := env.Payload.(domain.IndicatorValue)
		mu.Lock()
		seen[v.VariantID]++
		mu.Unlock()
		return nil
	}, bus.SubscribeOptions{})
	require.NoError(s.T(), err)

	s.publishTicks("ETH-USD", []float64{10, 20})

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen["a"] == 2 && seen["b"] == 2
	}, time.Second, time.Millisecond)

	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	s.Len(s.engine.lanes, 1) // one shared computation stream for both variant_ids
}

func (s *EngineTestSuite) TestGlobalScopeSharesAcrossSymbols() {
	require.NoError(s.T(), s.engine.RegisterVariants([]domain.IndicatorVariant{
		{VariantID: "g1", BaseType: "PUMP_MAGNITUDE_PCT", Parameters: map[string]float64{"window_seconds": 30}, Scope: domain.ScopeGlobal},
	}, []string{"BTC-USD", "ETH-USD"}))
	require.NoError(s.T(), s.engine.Start(context.Background()))

	var mu sync.Mutex
	var symbols []string
	_, err := s.bus.Subscribe("indicator.updated", func(_ context.Context, env bus.Envelope) error {
		v := env.Payload.(domain.IndicatorValue)
		mu.Lock()
		symbols = append(symbols, v.Symbol)
		mu.Unlock()
		return nil
	}, bus.SubscribeOptions{})
	require.NoError(s.T(), err)

	s.publishTicks("BTC-USD", []float64{100, 105})
	s.publishTicks("ETH-USD", []float64{200, 210})

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(symbols) == 4
	}, time.Second, time.Millisecond)

	s.engine.mu.Lock()
	defer s.engine.mu.Unlock()
	s.Len(s.engine.globalLanes, 1)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
