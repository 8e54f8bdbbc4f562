// Package domain contains the grant model: one issued subscription instance
// with its validity window, payment state and per-feature usage ledger.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// PaymentState mirrors the payment collaborator's view of a grant.
type PaymentState string

const (
	PaymentStatePaid    PaymentState = "PAID"
	PaymentStatePending PaymentState = "PENDING"
	PaymentStateFailed  PaymentState = "FAILED"
)

func (s PaymentState) Valid() bool {
	switch s {
	case PaymentStatePaid, PaymentStatePending, PaymentStateFailed:
		return true
	}
	return false
}

// Usage maps feature keys to consumed units. A missing key reads as zero.
type Usage map[string]int64

func (u Usage) Get(key string) int64 {
	return u[key]
}

// With returns a copy of u with delta added to key.
func (u Usage) With(key string, delta int64) Usage {
	out := make(Usage, len(u)+1)
	for k, v := range u {
		out[k] = v
	}
	out[key] += delta
	return out
}

// Without returns a copy of u with key reset to zero.
func (u Usage) Without(key string) Usage {
	out := make(Usage, len(u))
	for k, v := range u {
		if k != key {
			out[k] = v
		}
	}
	return out
}

// Grant is never deleted. Active flips to false exactly once, when the
// expiry sweep retires it.
type Grant struct {
	ID                snowflake.ID              `gorm:"primaryKey"`
	PrincipalID       snowflake.ID              `gorm:"not null;index"`
	PlanID            string                    `gorm:"type:text;not null"`
	ValidFrom         time.Time                 `gorm:"not null"`
	ValidTo           time.Time                 `gorm:"not null;index"`
	PaymentState      PaymentState              `gorm:"type:text;not null"`
	Active            bool                      `gorm:"not null"`
	Usage             datatypes.JSONType[Usage] `gorm:"column:usage_ledger;not null"`
	BillingCycle      string                    `gorm:"type:text"`
	Version           int64                     `gorm:"not null"`
	DeactivatedAt     *time.Time                `gorm:""`
	CascadedAt        *time.Time                `gorm:""`
	CascadeLeaseUntil *time.Time                `gorm:""`
	CreatedAt         time.Time                 `gorm:"not null"`
	UpdatedAt         time.Time                 `gorm:"not null"`
}

// TableName sets the database table name.
func (Grant) TableName() string { return "grants" }

// IsEligible reports whether the grant contributes to entitlement at now.
func (g Grant) IsEligible(now time.Time) bool {
	return g.Active && g.PaymentState == PaymentStatePaid && now.Before(g.ValidTo)
}

// UsageOf returns consumed units for key.
func (g Grant) UsageOf(key string) int64 {
	return g.Usage.Data().Get(key)
}

// IsExpired reports whether the validity window has elapsed at now. The
// window is half-open, so a grant is expired from ValidTo onwards.
func (g Grant) IsExpired(now time.Time) bool {
	return !now.Before(g.ValidTo)
}
