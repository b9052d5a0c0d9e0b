package domain

import "time"

// Tick is one market data sample. Immutable once published; monotonic per
// symbol, though a backtest replay may interleave symbols out of order
// (spec.md §3).
type Tick struct {
	Timestamp time.Time
	Symbol    string
	Price     float64
	Volume    float64
}
