// Package domain holds the shared data model of spec.md §3: sessions,
// ticks, indicator variants/values, strategies and their instances,
// signals, orders and positions. Every component in this module (bus
// payloads excepted, which are typed per-event) operates on these types
// instead of redefining its own.
package domain

import "time"

// SessionMode selects which order-manager variant and market-data source
// the execution controller wires for a session.
type SessionMode string

const (
	ModePaper    SessionMode = "paper"
	ModeLive     SessionMode = "live"
	ModeBacktest SessionMode = "backtest"
	ModeCollect  SessionMode = "collect"
)

// SessionStatus mirrors the Execution Controller's top-level state machine
// (spec.md §4.7), minus the controller-only IDLE state; the FAILED terminal
// is recorded on the session as StatusFailed.
type SessionStatus string

const (
	StatusStarting SessionStatus = "starting"
	StatusRunning  SessionStatus = "running"
	StatusStopping SessionStatus = "stopping"
	StatusStopped  SessionStatus = "stopped"
	StatusFailed   SessionStatus = "failed"
)

// BudgetConfig caps aggregate exposure across all strategies in a session.
type BudgetConfig struct {
	GlobalCap float64 `json:"global_cap" mapstructure:"global_cap"`
	// PerStrategy optionally caps an individual strategy's allocation of
	// the global cap, keyed by strategy_id.
	PerStrategy map[string]float64 `json:"per_strategy,omitempty" mapstructure:"per_strategy"`
}

// SessionConfig is the immutable configuration handed to StartSession,
// spec.md §3/§6.4. It never changes after the session starts.
type SessionConfig struct {
	Budget             BudgetConfig  `json:"budget" mapstructure:"budget"`
	AccelerationFactor  float64       `json:"acceleration_factor,omitempty" mapstructure:"acceleration_factor"`
	SlippagePct         float64       `json:"slippage_pct" mapstructure:"slippage_pct"`
	CloseOnStop         bool          `json:"close_on_stop" mapstructure:"close_on_stop"`
	CancelOpenOnStop    bool          `json:"cancel_open_on_stop" mapstructure:"cancel_open_on_stop"`
	MemoryBudgetBytes   int64         `json:"memory_budget_bytes,omitempty" mapstructure:"memory_budget_bytes"`
	ReplaySessionID     string        `json:"replay_session_id,omitempty" mapstructure:"replay_session_id"`
	PaperFillMode       string        `json:"paper_fill_mode,omitempty" mapstructure:"paper_fill_mode"` // "proportional" (only mode implemented, see DESIGN.md open question #2)
}

// Session is the root unit of a pumpsentry run.
type Session struct {
	SessionID      string
	Mode           SessionMode
	Symbols        []string
	StrategyConfig map[string]*StrategyConfig // keyed by strategy_id
	Config         SessionConfig
	Status         SessionStatus
	StartedAt      time.Time
	EndedAt        time.Time
}
