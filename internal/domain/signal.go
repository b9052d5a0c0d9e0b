package domain

import "time"

// SignalKind is the directional instruction a signal carries.
type SignalKind string

const (
	SignalBuy  SignalKind = "BUY"
	SignalSell SignalKind = "SELL"
)

// Signal is published when a strategy instance enters Z1_PENDING or
// ZE1_PENDING (spec.md §3, §4.5).
type Signal struct {
	SignalID           string
	SessionID          string
	StrategyID         string
	Symbol             string
	Kind               SignalKind
	Confidence         float64
	Price              float64
	IndicatorSnapshot  map[string]float64
	Timestamp          time.Time
}
