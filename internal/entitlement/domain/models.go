// Package domain defines the effective entitlement of a principal: the
// union of every eligible grant evaluated at one instant.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EffectiveEntitlement struct {
	PrincipalID      snowflake.ID
	EvaluatedAt      time.Time
	NumericLimits    map[string]int64
	Usage            map[string]int64
	Capabilities     map[string]bool
	EligibleGrantIDs []snowflake.ID
	// ExpiresAt is the earliest ValidTo among the eligible grants. It is
	// zero when no grant is eligible.
	ExpiresAt time.Time
}

// Empty returns an entitlement with no eligible grants.
func Empty(principalID snowflake.ID, now time.Time) EffectiveEntitlement {
	return EffectiveEntitlement{
		PrincipalID:   principalID,
		EvaluatedAt:   now,
		NumericLimits: map[string]int64{},
		Usage:         map[string]int64{},
		Capabilities:  map[string]bool{},
	}
}

func (e EffectiveEntitlement) Has(key string) bool {
	return e.Capabilities[key]
}

func (e EffectiveEntitlement) Limit(key string) int64 {
	return e.NumericLimits[key]
}

func (e EffectiveEntitlement) Used(key string) int64 {
	return e.Usage[key]
}

// Remaining is never negative even when legacy usage exceeds the limit.
func (e EffectiveEntitlement) Remaining(key string) int64 {
	if left := e.Limit(key) - e.Used(key); left > 0 {
		return left
	}
	return 0
}

// ValidAt reports whether the entitlement still describes the principal at
// now. Past ExpiresAt at least one contributing grant has lapsed.
func (e EffectiveEntitlement) ValidAt(now time.Time) bool {
	return e.ExpiresAt.IsZero() || now.Before(e.ExpiresAt)
}

func (e EffectiveEntitlement) IsEmpty() bool {
	return len(e.EligibleGrantIDs) == 0
}

// Summary is the denormalized form stored on the principal record.
func (e EffectiveEntitlement) Summary() map[string]any {
	limits := make(map[string]any, len(e.NumericLimits))
	for k, v := range e.NumericLimits {
		limits[k] = v
	}
	capabilities := make([]string, 0, len(e.Capabilities))
	for k, ok := range e.Capabilities {
		if ok {
			capabilities = append(capabilities, k)
		}
	}
	return map[string]any{
		"limits":       limits,
		"capabilities": capabilities,
		"grants":       len(e.EligibleGrantIDs),
		"evaluated_at": e.EvaluatedAt.UTC().Format(time.RFC3339),
	}
}
