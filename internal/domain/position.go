package domain

import "time"

// PositionSide mirrors the order side that opened the position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// PositionStatus is OPEN until the position nets to zero quantity.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Position is the aggregate of fills for a symbol within a session
// (spec.md §3).
type Position struct {
	PositionID      string
	SessionID       string
	Symbol          string
	Side            PositionSide
	Quantity        float64
	AvgPrice        float64
	CurrentPrice    float64
	UnrealisedPnL   float64
	RealisedPnL     float64
	Leverage        float64
	Margin          float64
	MarginRatio     float64
	LiquidationPrice float64
	Status          PositionStatus
	OpenedAt        time.Time
	UpdatedAt       time.Time
}

// SignedQuantity returns quantity with a sign matching Side, so that
// summing SignedQuantity across fills for one symbol yields net exposure.
func (p Position) SignedQuantity() float64 {
	if p.Side == PositionShort {
		return -p.Quantity
	}
	return p.Quantity
}

// ComputeUnrealised recomputes unrealised P&L from the last tick price,
// respecting position direction (spec.md §4.6).
func (p *Position) ComputeUnrealised(lastPrice float64) {
	p.CurrentPrice = lastPrice
	direction := 1.0
	if p.Side == PositionShort {
		direction = -1.0
	}
	p.UnrealisedPnL = (lastPrice - p.AvgPrice) * p.Quantity * direction
	if p.Margin > 0 {
		p.MarginRatio = p.UnrealisedPnL / p.Margin
	}
}
