package riskcheck

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pumpsentry/core/internal/domain"
)

func baseInput() Input {
	return Input{
		Signal: domain.Signal{
			StrategyID: "strat-1",
			Symbol:     "BTC-USD",
			Kind:       domain.SignalBuy,
			Price:      100,
		},
		Strategy: domain.StrategyConfig{
			StrategyID: "strat-1",
			Direction:  domain.DirectionLong,
		},
		Budget:  domain.BudgetConfig{GlobalCap: 1000},
		Symbols: []string{"BTC-USD", "ETH-USD"},
	}
}

func TestCheckPasses(t *testing.T) {
	in := baseInput()
	in.ProposedMargin = 100
	require.NoError(t, Check(in))
}

func TestCheckStrategyAllocationExceeded(t *testing.T) {
	in := baseInput()
	in.Budget.PerStrategy = map[string]float64{"strat-1": 50}
	in.StrategyAllocatedMargin = 40
	in.ProposedMargin = 20
	err := Check(in)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAllocationExceeded))
}

func TestCheckBudgetCapExceeded(t *testing.T) {
	in := baseInput()
	in.OpenPositionsMargin = 900
	in.ProposedMargin = 200
	err := Check(in)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBudgetCapExceeded))
}

func TestCheckBudgetCapIncludesPendingOrders(t *testing.T) {
	in := baseInput()
	in.OpenPositionsMargin = 500
	in.PendingOrdersMargin = 450
	in.ProposedMargin = 100
	err := Check(in)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrBudgetCapExceeded))
}

func TestCheckSymbolNotInSession(t *testing.T) {
	in := baseInput()
	in.Signal.Symbol = "DOGE-USD"
	err := Check(in)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrSymbolNotInSession))
}

func TestCheckPriceMissing(t *testing.T) {
	in := baseInput()
	in.Signal.Price = 0
	err := Check(in)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrPriceMissing))
}

func TestCheckDirectionDisallowed(t *testing.T) {
	in := baseInput()
	in.Strategy.Direction = domain.DirectionShort
	in.Signal.Kind = domain.SignalBuy
	err := Check(in)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrDirectionDisallowed))
}

func TestCheckBothDirectionAllowsEitherKind(t *testing.T) {
	in := baseInput()
	in.Strategy.Direction = domain.DirectionBoth
	in.Signal.Kind = domain.SignalSell
	in.ProposedMargin = 100
	require.NoError(t, Check(in))
}

func TestCheckOrderOfPrecedence(t *testing.T) {
	// Symbol-not-in-session and price-missing both apply; symbol check
	// comes first in spec order, so that error must win.
	in := baseInput()
	in.Signal.Symbol = "DOGE-USD"
	in.Signal.Price = 0
	err := Check(in)
	require.True(t, errors.Is(err, ErrSymbolNotInSession))
}
