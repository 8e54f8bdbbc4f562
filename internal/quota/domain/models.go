// Package domain declares the quota allocator contract: numeric allocation
// against a single grant plus capability gating.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
)

var (
	ErrInvalidAmount    = errors.New("invalid_amount")
	ErrInvalidPrincipal = errors.New("invalid_principal")
	ErrEmptyFeatureKey  = errors.New("empty_feature_key")
)

type AllocateRequest struct {
	PrincipalID snowflake.ID
	FeatureKey  string
	Amount      int64
	Now         time.Time
}

// AllocationResult names the single grant the amount was ledgered against.
type AllocationResult struct {
	GrantID    snowflake.ID
	FeatureKey string
	Amount     int64
	UsedAfter  int64
	GrantLimit int64
	Attempts   int
}

type ConcurrentCapRequest struct {
	PrincipalID   snowflake.ID
	CapabilityKey string
	// LimitKey names the numeric feature that caps concurrent holders of
	// the capability, e.g. premiumLimit for premiumListing.
	LimitKey string
	Now      time.Time
}

// LiveCounter counts items currently holding a capped capability.
type LiveCounter interface {
	CountLivePremiumItems(ctx context.Context, principalID snowflake.ID) (int64, error)
}

type Service interface {
	Allocate(ctx context.Context, req AllocateRequest) (AllocationResult, error)
	CheckCapability(ctx context.Context, principalID snowflake.ID, key string, now time.Time) error
	CheckConcurrentCap(ctx context.Context, req ConcurrentCapRequest) error
	ResetUsage(ctx context.Context, grantID snowflake.ID, featureKey string) (grantdomain.Grant, error)
}
