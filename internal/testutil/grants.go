package testutil

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var grantSeq atomic.Int64

// GrantOption customizes a seeded grant.
type GrantOption func(*grantdomain.Grant)

func WithUsage(usage grantdomain.Usage) GrantOption {
	return func(g *grantdomain.Grant) { g.Usage = datatypes.NewJSONType(usage) }
}

func WithValidFrom(t time.Time) GrantOption {
	return func(g *grantdomain.Grant) { g.ValidFrom = t.UTC() }
}

func WithPaymentState(state grantdomain.PaymentState) GrantOption {
	return func(g *grantdomain.Grant) { g.PaymentState = state }
}

func Inactive() GrantOption {
	return func(g *grantdomain.Grant) { g.Active = false }
}

func WithID(id snowflake.ID) GrantOption {
	return func(g *grantdomain.Grant) { g.ID = id }
}

// SeedGrant inserts an active PAID grant valid until validTo.
func SeedGrant(t *testing.T, db *gorm.DB, principalID snowflake.ID, planID string, validTo time.Time, opts ...GrantOption) grantdomain.Grant {
	t.Helper()
	created := validTo.Add(-30 * 24 * time.Hour).UTC()
	g := grantdomain.Grant{
		ID:           snowflake.ID(grantSeq.Add(1) + 1000),
		PrincipalID:  principalID,
		PlanID:       planID,
		ValidFrom:    created,
		ValidTo:      validTo.UTC(),
		PaymentState: grantdomain.PaymentStatePaid,
		Active:       true,
		Usage:        datatypes.NewJSONType(grantdomain.Usage{}),
		Version:      1,
		CreatedAt:    created,
		UpdatedAt:    created,
	}
	for _, opt := range opts {
		opt(&g)
	}
	if err := db.Create(&g).Error; err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	return g
}
