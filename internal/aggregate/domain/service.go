package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

// Service exposes idempotent set-to-target writes. Repeating any call with
// the same arguments leaves the same end state.
type Service interface {
	SetPrincipalStatus(ctx context.Context, principalID snowflake.ID, status PrincipalStatus) error
	SetEntitlementSummary(ctx context.Context, principalID snowflake.ID, summary map[string]any) error
	ClearEntitlementSummary(ctx context.Context, principalID snowflake.ID) error
	SetStorefrontStatus(ctx context.Context, storefrontID snowflake.ID, status StorefrontStatus) error
	ClearPremiumFlag(ctx context.Context, itemID snowflake.ID) error

	StorefrontIDs(ctx context.Context, principalID snowflake.ID) ([]snowflake.ID, error)
	PremiumItemIDs(ctx context.Context, principalID snowflake.ID) ([]snowflake.ID, error)
	CountLivePremiumItems(ctx context.Context, principalID snowflake.ID) (int64, error)
}
