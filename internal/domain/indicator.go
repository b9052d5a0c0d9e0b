package domain

import (
	"encoding/json"
	"sort"
	"time"
)

// VariantScope controls whether a variant computes one lane shared by every
// symbol in the session or one lane per symbol (spec.md §3).
type VariantScope string

const (
	ScopePerSymbol VariantScope = "per-symbol"
	ScopeGlobal    VariantScope = "global"
)

// GlobalLaneSymbol is the synthetic symbol key a global-scope variant's
// single lane is stored under. See DESIGN.md open question #1.
const GlobalLaneSymbol = "*"

// IndicatorVariant is a parameterised indicator definition, registered at
// session start and immutable thereafter (spec.md §3).
type IndicatorVariant struct {
	VariantID  string
	BaseType   string
	Parameters map[string]float64
	Scope      VariantScope
}

// CanonicalKey returns the deduplication key of spec.md §3:
// (base_type, canonical-parameter-JSON), canonical meaning sorted keys and
// normalised numeric formatting so two registrations with the same
// parameters always produce byte-identical keys regardless of map
// iteration order or caller formatting.
func (v IndicatorVariant) CanonicalKey() string {
	keys := make([]string, 0, len(v.Parameters))
	for k := range v.Parameters {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]struct {
		K string  `json:"k"`
		V float64 `json:"v"`
	}, len(keys))
	for i, k := range keys {
		ordered[i].K = k
		ordered[i].V = v.Parameters[k]
	}
	b, _ := json.Marshal(ordered)
	return v.BaseType + "|" + string(b)
}

// WindowSeconds returns the named window parameter, defaulting to 0 when
// absent (a variant with no window, e.g. an instantaneous reducer).
func (v IndicatorVariant) WindowSeconds(name string) time.Duration {
	if s, ok := v.Parameters[name]; ok {
		return time.Duration(s * float64(time.Second))
	}
	return 0
}

// IndicatorValue is one incrementally-produced sample, deduplicated at the
// sink by (session_id, symbol, variant_id, timestamp) (spec.md §3, §6.3).
type IndicatorValue struct {
	SessionID string
	Symbol    string
	VariantID string
	Timestamp time.Time
	Value     float64
}
