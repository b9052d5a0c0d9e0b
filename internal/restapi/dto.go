package restapi

import (
	"fmt"

	"github.com/pumpsentry/core/internal/domain"
)

// conditionDTO mirrors spec.md §8's literal wire shape for one condition:
// {"i": indicator_id, "op": operator, "v": value, "logic": logic?}.
type conditionDTO struct {
	IndicatorID string  `json:"i" binding:"required"`
	Op          string  `json:"op" binding:"required"`
	Value       float64 `json:"v"`
	Logic       string  `json:"logic,omitempty"`
}

func (d conditionDTO) toDomain() domain.Condition {
	return domain.Condition{
		IndicatorID: d.IndicatorID,
		Op:          domain.Operator(d.Op),
		Value:       d.Value,
		Logic:       domain.Logic(d.Logic),
	}
}

type riskScalingDTO struct {
	RiskIndicatorID string  `json:"riskIndicatorId"`
	LowThreshold    float64 `json:"lowThreshold"`
	HighThreshold   float64 `json:"highThreshold"`
	LowScale        float64 `json:"lowScale"`
	HighScale       float64 `json:"highScale"`
}

func (d *riskScalingDTO) toDomain() *domain.RiskScaling {
	if d == nil {
		return nil
	}
	return &domain.RiskScaling{
		RiskIndicatorID: d.RiskIndicatorID,
		LowThreshold:    d.LowThreshold,
		HighThreshold:   d.HighThreshold,
		LowScale:        d.LowScale,
		HighScale:       d.HighScale,
	}
}

type positionSizingDTO struct {
	Type        string          `json:"type"`
	Value       float64         `json:"value"`
	RiskScaling *riskScalingDTO `json:"riskScaling,omitempty"`
}

func (d positionSizingDTO) toDomain() domain.PositionSizing {
	return domain.PositionSizing{
		Type:        domain.SizingType(d.Type),
		Value:       d.Value,
		RiskScaling: d.RiskScaling.toDomain(),
	}
}

// s1SignalDTO carries s1's bare condition list (spec.md §8:
// "s1:[{i:"VOL_SURGE", op:">=", v:3}]").
type s1SignalDTO []conditionDTO

type o1CancelDTO struct {
	Conditions      []conditionDTO `json:"conditions"`
	TimeoutSeconds  float64        `json:"timeoutSeconds"`
	CooldownMinutes float64        `json:"cooldownMinutes"`
}

func (d o1CancelDTO) toDomain() domain.CancelSection {
	return domain.CancelSection{
		Section:         domain.Section{Conditions: toConditions(d.Conditions)},
		TimeoutSeconds:  d.TimeoutSeconds,
		CooldownMinutes: d.CooldownMinutes,
	}
}

type z1EntryDTO struct {
	Conditions           []conditionDTO     `json:"conditions"`
	PriceSourceVariantID string             `json:"priceSourceVariantId"`
	TimeoutSeconds       float64            `json:"timeoutSeconds"`
	StopLossPct          float64            `json:"stopLossPct"`
	StopLossScaling      *riskScalingDTO    `json:"stopLossScaling,omitempty"`
	TakeProfitPct        float64            `json:"takeProfitPct"`
	TakeProfitScaling    *riskScalingDTO    `json:"takeProfitScaling,omitempty"`
	PositionSize         positionSizingDTO  `json:"positionSize"`
	Leverage             float64            `json:"leverage"`
}

func (d z1EntryDTO) toDomain() domain.EntrySection {
	return domain.EntrySection{
		Section:              domain.Section{Conditions: toConditions(d.Conditions)},
		PriceSourceVariantID: d.PriceSourceVariantID,
		TimeoutSeconds:       d.TimeoutSeconds,
		StopLossPct:          d.StopLossPct,
		StopLossScaling:      d.StopLossScaling.toDomain(),
		TakeProfitPct:        d.TakeProfitPct,
		TakeProfitScaling:    d.TakeProfitScaling.toDomain(),
		Sizing:               d.PositionSize.toDomain(),
		Leverage:             d.Leverage,
	}
}

type ze1CloseDTO struct {
	Enabled             bool            `json:"enabled"`
	Conditions          []conditionDTO  `json:"conditions"`
	ClosePriceVariantID string          `json:"closePriceVariantId"`
	AdjustmentPct       float64         `json:"adjustmentPct"`
	AdjustmentScaling   *riskScalingDTO `json:"adjustmentScaling,omitempty"`
}

func (d ze1CloseDTO) toDomain() domain.CloseSection {
	return domain.CloseSection{
		Section:             domain.Section{Conditions: toConditions(d.Conditions)},
		Enabled:             d.Enabled,
		ClosePriceVariantID: d.ClosePriceVariantID,
		AdjustmentPct:       d.AdjustmentPct,
		AdjustmentScaling:   d.AdjustmentScaling.toDomain(),
	}
}

type emergencyExitDTO struct {
	Conditions      []conditionDTO  `json:"conditions"`
	CooldownMinutes float64         `json:"cooldownMinutes"`
	Actions         map[string]bool `json:"actions"`
}

func (d emergencyExitDTO) toDomain() domain.EmergencySection {
	actions := make(map[domain.EmergencyAction]bool, len(d.Actions))
	for k, v := range d.Actions {
		actions[domain.EmergencyAction(k)] = v
	}
	return domain.EmergencySection{
		Section:         domain.Section{Conditions: toConditions(d.Conditions)},
		CooldownMinutes: d.CooldownMinutes,
		Actions:         actions,
	}
}

type indicatorVariantDTO struct {
	VariantID  string             `json:"variantId" binding:"required"`
	BaseType   string             `json:"baseType" binding:"required"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	Scope      string             `json:"scope,omitempty"`
}

func (d indicatorVariantDTO) toDomain() domain.IndicatorVariant {
	scope := domain.VariantScope(d.Scope)
	if scope == "" {
		scope = domain.ScopePerSymbol
	}
	return domain.IndicatorVariant{
		VariantID:  d.VariantID,
		BaseType:   d.BaseType,
		Parameters: d.Parameters,
		Scope:      scope,
	}
}

// strategyConfigDTO is the per-strategy body keyed by strategy_id in the
// start_session request (spec.md §8's literal example).
type strategyConfigDTO struct {
	SchemaVersion     string                `json:"schemaVersion"`
	Direction         string                `json:"direction,omitempty"`
	Epsilon           float64               `json:"epsilon,omitempty"`
	S1                s1SignalDTO           `json:"s1"`
	Z1                z1EntryDTO            `json:"z1"`
	O1                o1CancelDTO           `json:"o1"`
	ZE1               ze1CloseDTO           `json:"ze1,omitempty"`
	EmergencyExit     emergencyExitDTO      `json:"emergency_exit"`
	IndicatorVariants []indicatorVariantDTO `json:"indicatorVariants"`
}

func (d strategyConfigDTO) toDomain(strategyID string) domain.StrategyConfig {
	direction := domain.Direction(d.Direction)
	if direction == "" {
		direction = domain.DirectionBoth
	}
	variants := make([]domain.IndicatorVariant, len(d.IndicatorVariants))
	for i, v := range d.IndicatorVariants {
		variants[i] = v.toDomain()
	}
	return domain.StrategyConfig{
		StrategyID:        strategyID,
		SchemaVersion:     d.SchemaVersion,
		Direction:         direction,
		S1Signal:          domain.Section{Conditions: toConditions(d.S1)},
		O1Cancel:          d.O1.toDomain(),
		Z1Entry:           d.Z1.toDomain(),
		ZE1Close:          d.ZE1.toDomain(),
		EmergencyExit:     d.EmergencyExit.toDomain(),
		Epsilon:           d.Epsilon,
		IndicatorVariants: variants,
	}
}

func toConditions(in []conditionDTO) []domain.Condition {
	out := make([]domain.Condition, len(in))
	for i, c := range in {
		out[i] = c.toDomain()
	}
	return out
}

// budgetDTO mirrors config.budget of the start_session request.
type budgetDTO struct {
	GlobalCap   float64            `json:"global_cap"`
	PerStrategy map[string]float64 `json:"per_strategy,omitempty"`
}

func (d budgetDTO) toDomain() domain.BudgetConfig {
	return domain.BudgetConfig{GlobalCap: d.GlobalCap, PerStrategy: d.PerStrategy}
}

// sessionConfigDTO mirrors the start_session request's config body.
type sessionConfigDTO struct {
	Budget             budgetDTO `json:"budget"`
	AccelerationFactor float64   `json:"acceleration_factor,omitempty"`
	SlippagePct        float64   `json:"slippage_pct,omitempty"`
	CloseOnStop        bool      `json:"close_on_stop,omitempty"`
	CancelOpenOnStop   bool      `json:"cancel_open_on_stop,omitempty"`
	MemoryBudgetBytes  int64     `json:"memory_budget_bytes,omitempty"`
	ReplaySessionID    string    `json:"replay_session_id,omitempty"`
}

func (d sessionConfigDTO) toDomain() domain.SessionConfig {
	return domain.SessionConfig{
		Budget:             d.Budget.toDomain(),
		AccelerationFactor: d.AccelerationFactor,
		SlippagePct:        d.SlippagePct,
		CloseOnStop:        d.CloseOnStop,
		CancelOpenOnStop:   d.CancelOpenOnStop,
		MemoryBudgetBytes:  d.MemoryBudgetBytes,
		ReplaySessionID:    d.ReplaySessionID,
	}
}

// startSessionRequest is POST /sessions/start's body (spec.md §6.2).
type startSessionRequest struct {
	SessionType    string                       `json:"session_type" binding:"required"`
	Symbols        []string                     `json:"symbols" binding:"required"`
	StrategyConfig map[string]strategyConfigDTO `json:"strategy_config"`
	Config         sessionConfigDTO             `json:"config"`
	Idempotent     bool                         `json:"idempotent,omitempty"`
}

func (r startSessionRequest) strategyConfigs() []domain.StrategyConfig {
	out := make([]domain.StrategyConfig, 0, len(r.StrategyConfig))
	for id, cfg := range r.StrategyConfig {
		out = append(out, cfg.toDomain(id))
	}
	return out
}

func parseMode(sessionType string) (domain.SessionMode, error) {
	switch domain.SessionMode(sessionType) {
	case domain.ModePaper, domain.ModeLive, domain.ModeBacktest, domain.ModeCollect:
		return domain.SessionMode(sessionType), nil
	default:
		return "", fmt.Errorf("unknown session_type %q", sessionType)
	}
}
