// Package riskcheck implements the Order Manager's shared risk check
// (spec.md §4.6): "Reject if any of: selected-strategy allocation
// exceeded; sum(open-position.margin) + proposed.margin > budget.global_cap;
// symbol not in session; price missing; direction disallowed by strategy
// direction." It holds no state of its own — every order-manager variant
// (paper/live/backtest) computes the current exposure and hands it in.
// Grounded on internal/risk/risk_manager.go's check-then-error shape and
// its distinct named errors per rejection reason.
package riskcheck

import (
	"errors"
	"fmt"

	"github.com/pumpsentry/core/internal/domain"
)

// Reason names one risk-check rejection cause (spec.md §4.6). Compare with
// errors.Is; each is its own sentinel so callers can branch on the reason
// without parsing the error string.
var (
	ErrAllocationExceeded = errors.New("strategy allocation exceeded")
	ErrBudgetCapExceeded  = errors.New("global budget cap exceeded")
	ErrSymbolNotInSession = errors.New("symbol not in session")
	ErrPriceMissing       = errors.New("price missing")
	ErrDirectionDisallowed = errors.New("direction disallowed by strategy direction")
)

// Input is the snapshot of exposure and context a risk check needs. The
// caller is responsible for keeping Open/Pending margin current under its
// own position/order table lock — riskcheck.Check itself takes no lock.
type Input struct {
	Signal    domain.Signal
	Strategy  domain.StrategyConfig
	Budget    domain.BudgetConfig
	Symbols   []string // session's registered symbols

	// OpenPositionsMargin is sum(position.margin) over every OPEN position
	// in the session, including one on the symbol this signal would trade;
	// ProposedMargin is added on top of it.
	OpenPositionsMargin float64
	// PendingOrdersMargin is sum(reservedMargin) over PENDING entry orders
	// across the session (DESIGN.md open question #3: reserved margin of
	// in-flight orders counts against the cap, not just filled positions).
	PendingOrdersMargin float64
	// ProposedMargin is the margin the prospective order would reserve.
	ProposedMargin float64

	// StrategyAllocatedMargin is the strategy's own current margin usage
	// (open positions + pending orders) before this proposed order.
	StrategyAllocatedMargin float64
}

// Check runs the five checks of spec.md §4.6 in the order the spec lists
// them, returning the first that fails.
func Check(in Input) error {
	if cap, ok := in.Budget.PerStrategy[in.Signal.StrategyID]; ok {
		if in.StrategyAllocatedMargin+in.ProposedMargin > cap {
			return fmt.Errorf("%w: strategy %s would use %.8f of %.8f allocation",
				ErrAllocationExceeded, in.Signal.StrategyID, in.StrategyAllocatedMargin+in.ProposedMargin, cap)
		}
	}

	total := in.OpenPositionsMargin + in.PendingOrdersMargin + in.ProposedMargin
	if total > in.Budget.GlobalCap {
		return fmt.Errorf("%w: %.8f exceeds cap %.8f", ErrBudgetCapExceeded, total, in.Budget.GlobalCap)
	}

	if !symbolInSession(in.Signal.Symbol, in.Symbols) {
		return fmt.Errorf("%w: %s", ErrSymbolNotInSession, in.Signal.Symbol)
	}

	if in.Signal.Price <= 0 {
		return ErrPriceMissing
	}

	if !directionAllowed(in.Strategy.Direction, in.Signal.Kind) {
		return fmt.Errorf("%w: strategy direction %s, signal kind %s", ErrDirectionDisallowed, in.Strategy.Direction, in.Signal.Kind)
	}

	return nil
}

func symbolInSession(symbol string, symbols []string) bool {
	for _, s := range symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

func directionAllowed(direction domain.Direction, kind domain.SignalKind) bool {
	switch direction {
	case domain.DirectionLong:
		return kind == domain.SignalBuy
	case domain.DirectionShort:
		return kind == domain.SignalSell
	default: // BOTH
		return true
	}
}
