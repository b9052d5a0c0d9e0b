// Package marketfeed implements the Market Data Source of spec.md §4.2:
// two interchangeable producers of the market.price_update stream, Live
// (an exchange feed bridge) and Replay (pulling a prior session's ticks
// back out of the store at a configurable pace).
package marketfeed

import "context"

// Source is the common shape both Live and Replay expose to the execution
// controller: a single synchronous start and a cancellation primitive
// (spec.md §4.2).
type Source interface {
	Start(ctx context.Context) error
	Stop() error
}

var (
	_ Source = (*Live)(nil)
	_ Source = (*Replay)(nil)
)
