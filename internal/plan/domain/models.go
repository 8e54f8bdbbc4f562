// Package domain contains the plan catalog model: immutable plan templates
// whose features are parsed once into typed declarations.
package domain

import (
	"sort"

	"github.com/samber/lo"
)

// FeatureKind distinguishes consumable limits from on/off capabilities.
type FeatureKind string

const (
	FeatureKindNumeric    FeatureKind = "NUMERIC"
	FeatureKindCapability FeatureKind = "CAPABILITY"
)

// FeatureDeclaration is a single typed feature of a plan.
type FeatureDeclaration struct {
	Key     string      `json:"key"`
	Kind    FeatureKind `json:"kind"`
	Limit   int64       `json:"limit,omitempty"`
	Enabled bool        `json:"enabled,omitempty"`
}

func Numeric(key string, limit int64) FeatureDeclaration {
	return FeatureDeclaration{Key: key, Kind: FeatureKindNumeric, Limit: limit}
}

func Capability(key string) FeatureDeclaration {
	return FeatureDeclaration{Key: key, Kind: FeatureKindCapability, Enabled: true}
}

func (f FeatureDeclaration) IsNumeric() bool {
	return f.Kind == FeatureKindNumeric
}

func (f FeatureDeclaration) IsCapability() bool {
	return f.Kind == FeatureKindCapability
}

// Plan is a versioned template referenced by grants.
type Plan struct {
	ID       string                        `json:"id"`
	Version  int                           `json:"version"`
	Name     string                        `json:"name"`
	Features map[string]FeatureDeclaration `json:"features"`
}

// NewPlan indexes features by key. A key declared twice is rejected.
func NewPlan(id string, version int, name string, features ...FeatureDeclaration) (Plan, error) {
	if id == "" {
		return Plan{}, ErrInvalidPlan
	}
	indexed := make(map[string]FeatureDeclaration, len(features))
	for _, f := range features {
		if _, dup := indexed[f.Key]; dup {
			return Plan{}, ErrDuplicateFeature
		}
		indexed[f.Key] = f
	}
	return Plan{ID: id, Version: version, Name: name, Features: indexed}, nil
}

// Limit returns the declared numeric limit for key, zero when absent or not numeric.
func (p Plan) Limit(key string) int64 {
	f, ok := p.Features[key]
	if !ok || !f.IsNumeric() {
		return 0
	}
	return f.Limit
}

func (p Plan) IsNumeric(key string) bool {
	f, ok := p.Features[key]
	return ok && f.IsNumeric()
}

func (p Plan) HasCapability(key string) bool {
	f, ok := p.Features[key]
	return ok && f.IsCapability() && f.Enabled
}

// NumericKeys returns the plan's numeric feature keys in sorted order.
func (p Plan) NumericKeys() []string {
	keys := lo.FilterMap(lo.Values(p.Features), func(f FeatureDeclaration, _ int) (string, bool) {
		return f.Key, f.IsNumeric()
	})
	sort.Strings(keys)
	return keys
}

// Catalog is read-only plan reference data.
type Catalog interface {
	Plan(id string) (Plan, bool)
	Plans() []Plan
	// IsNumericKey reports whether key is numeric in at least one plan.
	IsNumericKey(key string) bool
}
