package domain

import (
	"math"
	"time"
)

// Operator is a condition comparison operator (spec.md §3).
type Operator string

const (
	OpLT Operator = "<"
	OpLE Operator = "<="
	OpGT Operator = ">"
	OpGE Operator = ">="
	OpEQ Operator = "=="
	OpNE Operator = "!="
)

// Logic is the fold operator joining a condition with the ones before it
// in its section's list. The first condition's Logic is ignored.
type Logic string

const (
	LogicAND Logic = "AND"
	LogicOR  Logic = "OR"
	LogicNOT Logic = "NOT"
)

// DefaultEpsilon is used for == / != comparisons on IEEE-754 floats absent
// a config override (spec.md §4.5).
const DefaultEpsilon = 1e-9

// Condition is one (indicator, operator, value, logic) test evaluated
// against the strategy instance's latest-known value for that indicator.
type Condition struct {
	IndicatorID string
	Op          Operator
	Value       float64
	Logic       Logic // fold logic joining this condition to the running result
}

// Evaluate compares current against the condition's operator/value using
// epsilon for equality tests. NaN never satisfies any operator (spec.md
// §4.5: "NaN comparisons yield false and never match").
func (c Condition) Evaluate(current, epsilon float64) bool {
	if math.IsNaN(current) {
		return false
	}
	if epsilon <= 0 {
		epsilon = DefaultEpsilon
	}
	switch c.Op {
	case OpLT:
		return current < c.Value
	case OpLE:
		return current <= c.Value
	case OpGT:
		return current > c.Value
	case OpGE:
		return current >= c.Value
	case OpEQ:
		return math.Abs(current-c.Value) <= epsilon
	case OpNE:
		return math.Abs(current-c.Value) > epsilon
	default:
		return false
	}
}

// Fold applies logic to combine a condition's result onto a running
// accumulator. The first condition in a section seeds the accumulator with
// its own result regardless of its Logic field (there is nothing before it
// to combine with).
func Fold(acc bool, first bool, logic Logic, result bool) bool {
	if first {
		return result
	}
	switch logic {
	case LogicOR:
		return acc || result
	case LogicNOT:
		return acc && !result
	default: // LogicAND and unset default to AND per spec.md §3
		return acc && result
	}
}

// Direction constrains which side of the market a strategy may trade.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
	DirectionBoth  Direction = "BOTH"
)

// RiskScaling linearly interpolates an order parameter between two
// thresholds of a designated risk indicator (spec.md §3, §4.5 "Risk
// scaling").
type RiskScaling struct {
	RiskIndicatorID string
	LowThreshold    float64
	HighThreshold   float64
	LowScale        float64
	HighScale       float64
}

// Apply returns the effective value for riskValue, clamped to
// [LowThreshold, HighThreshold] before interpolating.
func (r RiskScaling) Apply(riskValue float64) float64 {
	if r.HighThreshold == r.LowThreshold {
		return r.LowScale
	}
	clamped := riskValue
	lo, hi := r.LowThreshold, r.HighThreshold
	if lo > hi {
		lo, hi = hi, lo
	}
	if clamped < lo {
		clamped = lo
	}
	if clamped > hi {
		clamped = hi
	}
	t := (clamped - r.LowThreshold) / (r.HighThreshold - r.LowThreshold)
	return r.LowScale + t*(r.HighScale-r.LowScale)
}

// SizingType selects how PositionSizing.Value is interpreted.
type SizingType string

const (
	SizingFixed      SizingType = "fixed"
	SizingPercentBudget SizingType = "percent_budget"
)

// PositionSizing describes how much notional an entry order should use.
type PositionSizing struct {
	Type        SizingType
	Value       float64
	RiskScaling *RiskScaling // optional
}

// Effective returns the notional size given the remaining session budget
// and, if RiskScaling is set, the current value of the referenced risk
// indicator.
func (p PositionSizing) Effective(remainingBudget float64, riskValue float64, hasRiskValue bool) float64 {
	base := p.Value
	if p.RiskScaling != nil && hasRiskValue {
		base = p.RiskScaling.Apply(riskValue)
	}
	switch p.Type {
	case SizingPercentBudget:
		return remainingBudget * base
	default:
		return base
	}
}

// Section holds one of the strategy's five condition blocks plus the
// extra parameters particular to that section.
type Section struct {
	Conditions []Condition
}

// Evaluate folds every condition in order, per spec.md §3 ("Conditions
// within a section evaluate in list order; the section result is the fold
// per the logic field"). An empty section is vacuously true — relevant for
// optional sections like o1/ze1 that may carry no conditions.
func (s Section) Evaluate(latest map[string]float64, epsilon float64) (result bool, undecided bool) {
	if len(s.Conditions) == 0 {
		return true, false
	}
	acc := false
	for i, c := range s.Conditions {
		v, ok := latest[c.IndicatorID]
		if !ok {
			return false, true
		}
		r := c.Evaluate(v, epsilon)
		acc = Fold(acc, i == 0, c.Logic, r)
	}
	return acc, false
}

// CancelSection is o1_cancel: a section plus timeout/cooldown.
type CancelSection struct {
	Section
	TimeoutSeconds  float64
	CooldownMinutes float64
}

// EntrySection is z1_entry: entry conditions plus order parameters.
type EntrySection struct {
	Section
	PriceSourceVariantID string
	TimeoutSeconds       float64 // 0 means no timeout
	StopLossPct          float64
	StopLossScaling      *RiskScaling
	TakeProfitPct        float64
	TakeProfitScaling    *RiskScaling
	Sizing               PositionSizing
	Leverage             float64
}

// CloseSection is ze1_close: optional exit conditions.
type CloseSection struct {
	Section
	Enabled             bool
	ClosePriceVariantID string
	AdjustmentPct       float64
	AdjustmentScaling   *RiskScaling
}

// EmergencyAction is one of the hard-stop actions spec.md §3 names.
type EmergencyAction string

const (
	ActionCancelPending EmergencyAction = "cancelPending"
	ActionClosePosition EmergencyAction = "closePosition"
	ActionLogEvent      EmergencyAction = "logEvent"
)

// EmergencySection is emergency_exit: hard-stop conditions with cooldown
// and an action set.
type EmergencySection struct {
	Section
	CooldownMinutes float64
	Actions         map[EmergencyAction]bool
}

// StrategyConfig is the full five-section strategy definition of spec.md §3.
type StrategyConfig struct {
	StrategyID     string
	SchemaVersion  string // semver; see DESIGN.md domain stack entry for internal/strategy
	Direction      Direction
	S1Signal       Section
	O1Cancel       CancelSection
	Z1Entry        EntrySection
	ZE1Close       CloseSection
	EmergencyExit  EmergencySection
	Epsilon        float64 // 0 means DefaultEpsilon

	// IndicatorVariants are the variant definitions this strategy's
	// conditions/sizing/scaling reference by ID. The Execution Controller
	// unions these across every active strategy at session start to build
	// the indicator engine's registration set (spec.md §4.3: "the union of
	// indicator variants referenced by all active strategies") — see
	// DESIGN.md open question #4.
	IndicatorVariants []IndicatorVariant
}

// InstanceState is a Strategy Instance's state machine state (spec.md §3,
// §4.5). These are the only states ever entered — the state-machine
// testable property of spec.md §8 depends on that.
type InstanceState string

const (
	StateMonitoring     InstanceState = "MONITORING"
	StateS1Armed        InstanceState = "S1_ARMED"
	StateZ1Pending      InstanceState = "Z1_PENDING"
	StatePositionActive InstanceState = "POSITION_ACTIVE"
	StateZE1Pending     InstanceState = "ZE1_PENDING"
	StateCooldown       InstanceState = "COOLDOWN"
	StateError          InstanceState = "ERROR"
)

// StrategyInstance is the runtime (strategy_id, symbol) object.
type StrategyInstance struct {
	StrategyID     string
	Symbol         string
	State          InstanceState
	Since          time.Time
	CooldownUntil  time.Time
	LastSignalID   string
	OpenOrderID    string
	OpenPositionID string
}
