// Package store holds the gorm models for the six pinned tables of
// spec.md §6.3 and the Store handle used by internal/persistence (writes)
// and internal/marketfeed's Replay source (ordered reads). Grounded on
// internal/db/repositories/*Repository.go's one-struct-per-table shape.
package store

import "time"

// Session is data_collection_sessions.
type Session struct {
	SessionID  string     `gorm:"column:session_id;primaryKey"`
	Mode       string     `gorm:"column:mode"`
	Status     string     `gorm:"column:status"`
	StartedAt  time.Time  `gorm:"column:started_at"`
	EndedAt    *time.Time `gorm:"column:ended_at"`
	ConfigJSON string     `gorm:"column:config_json"`
}

func (Session) TableName() string { return "data_collection_sessions" }

// TickPrice is tick_prices, dedup (session_id, symbol, timestamp).
type TickPrice struct {
	SessionID string    `gorm:"column:session_id;primaryKey"`
	Symbol    string    `gorm:"column:symbol;primaryKey"`
	Timestamp time.Time `gorm:"column:timestamp;primaryKey"`
	Price     float64   `gorm:"column:price"`
	Volume    float64   `gorm:"column:volume"`
}

func (TickPrice) TableName() string { return "tick_prices" }

// IndicatorRow is indicators, dedup (session_id, symbol, variant_id, timestamp).
type IndicatorRow struct {
	SessionID string    `gorm:"column:session_id;primaryKey"`
	Symbol    string    `gorm:"column:symbol;primaryKey"`
	VariantID string    `gorm:"column:variant_id;primaryKey"`
	Timestamp time.Time `gorm:"column:timestamp;primaryKey"`
	Value     float64   `gorm:"column:value"`
}

func (IndicatorRow) TableName() string { return "indicators" }

// StrategySignal is strategy_signals, dedup (timestamp, signal_id).
type StrategySignal struct {
	SignalID     string    `gorm:"column:signal_id;primaryKey"`
	Timestamp    time.Time `gorm:"column:timestamp;primaryKey"`
	SessionID    string    `gorm:"column:session_id"`
	StrategyID   string    `gorm:"column:strategy_id"`
	Symbol       string    `gorm:"column:symbol"`
	Kind         string    `gorm:"column:kind"`
	Price        float64   `gorm:"column:price"`
	SnapshotJSON string    `gorm:"column:snapshot_json"`
}

func (StrategySignal) TableName() string { return "strategy_signals" }

// OrderRow is orders, dedup order_id.
type OrderRow struct {
	OrderID     string    `gorm:"column:order_id;primaryKey"`
	SessionID   string    `gorm:"column:session_id"`
	StrategyID  string    `gorm:"column:strategy_id"`
	Symbol      string    `gorm:"column:symbol"`
	Side        string    `gorm:"column:side"`
	Type        string    `gorm:"column:type"`
	Quantity    float64   `gorm:"column:quantity"`
	Price       float64   `gorm:"column:price"`
	Status      string    `gorm:"column:status"`
	CreatedAt   time.Time `gorm:"column:created_at"`
	UpdatedAt   time.Time `gorm:"column:updated_at"`
	PnLRealised *float64  `gorm:"column:pnl_realised"`
}

func (OrderRow) TableName() string { return "orders" }

// PositionRow is positions, dedup position_id.
type PositionRow struct {
	PositionID string    `gorm:"column:position_id;primaryKey"`
	SessionID  string    `gorm:"column:session_id"`
	Symbol     string    `gorm:"column:symbol"`
	Side       string    `gorm:"column:side"`
	Quantity   float64   `gorm:"column:quantity"`
	AvgPrice   float64   `gorm:"column:avg_price"`
	UpdatedAt  time.Time `gorm:"column:updated_at"`
	Status     string    `gorm:"column:status"`
}

func (PositionRow) TableName() string { return "positions" }
