// Package indicators is the Indicator Registry & Engine of spec.md §4.3: a
// fixed set of registrable base types, each folding a per-lane ring buffer
// into a scalar value as ticks arrive. Grounded on
// internal/trading/market_data/indicators/indicator.go's Indicator
// interface shape and internal/strategy/optimized/momentum_strategy.go and
// mean_reversion_strategy.go's talib/gonum usage.
package indicators

import "fmt"

// BaseTypeDef is one registrable reducer: a name, the tick fields it reads,
// and the fold function itself (spec.md §4.3's "(name, reducer(window) ->
// value, required_fields)" registration surface).
type BaseTypeDef struct {
	Name           string
	RequiredFields []string
	Reduce         ReduceFunc
}

// Registry holds the base types available to RegisterVariants. A fresh
// Registry already carries the representative set spec.md §4.3 names, plus
// the talib/gonum-backed extras a complete engine needs; callers may
// Register additional ones before wiring variants.
type Registry struct {
	types map[string]BaseTypeDef
}

// NewRegistry builds a Registry pre-populated with the built-in base types.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]BaseTypeDef)}
	for _, def := range builtinBaseTypes() {
		if err := r.Register(def); err != nil {
			panic(err) // builtin names are known-unique; a collision is a programming error
		}
	}
	return r
}

func builtinBaseTypes() []BaseTypeDef {
	return []BaseTypeDef{
		{Name: "TWPA", RequiredFields: []string{"price"}, Reduce: twpa},
		{Name: "VELOCITY", RequiredFields: []string{"price"}, Reduce: velocity},
		{Name: "VOLUME_SURGE", RequiredFields: []string{"volume"}, Reduce: volumeSurge},
		{Name: "PUMP_MAGNITUDE_PCT", RequiredFields: []string{"price"}, Reduce: pumpMagnitudePct},
		{Name: "DRAWDOWN", RequiredFields: []string{"price"}, Reduce: drawdown},
		{Name: "MACD", RequiredFields: []string{"price"}, Reduce: macd},
		{Name: "VOLATILITY", RequiredFields: []string{"price"}, Reduce: volatility},
	}
}

// Register adds a new base type. It returns an error if the name is
// already taken, so a misconfigured strategy config referencing a base
// type collision fails loudly at registration time rather than silently
// shadowing a built-in.
func (r *Registry) Register(def BaseTypeDef) error {
	if def.Reduce == nil {
		return fmt.Errorf("indicator base type %q: nil reduce func", def.Name)
	}
	if _, exists := r.types[def.Name]; exists {
		return fmt.Errorf("indicator base type %q already registered", def.Name)
	}
	r.types[def.Name] = def
	return nil
}

// Get looks up a base type by name.
func (r *Registry) Get(name string) (BaseTypeDef, bool) {
	d, ok := r.types[name]
	return d, ok
}
