package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPrincipal(ctx context.Context, db *gorm.DB, principal *Principal) error
	InsertStorefront(ctx context.Context, db *gorm.DB, storefront *Storefront) error
	InsertInventoryItem(ctx context.Context, db *gorm.DB, item *InventoryItem) error

	FindPrincipal(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Principal, error)
	FindStorefront(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Storefront, error)
	FindInventoryItem(ctx context.Context, db *gorm.DB, id snowflake.ID) (*InventoryItem, error)

	// SetPrincipalStatus leaves rows whose status is in keep untouched.
	SetPrincipalStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status PrincipalStatus, keep []PrincipalStatus, now time.Time) error
	SetEntitlementSummary(ctx context.Context, db *gorm.DB, id snowflake.ID, summary map[string]any, now time.Time) error
	ClearEntitlementSummary(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
	SetStorefrontStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status StorefrontStatus, now time.Time) error
	ClearPremiumFlag(ctx context.Context, db *gorm.DB, itemID snowflake.ID, now time.Time) error

	ListStorefrontIDs(ctx context.Context, db *gorm.DB, principalID snowflake.ID) ([]snowflake.ID, error)
	ListPremiumItemIDs(ctx context.Context, db *gorm.DB, principalID snowflake.ID) ([]snowflake.ID, error)
	CountLivePremiumItems(ctx context.Context, db *gorm.DB, principalID snowflake.ID) (int64, error)
}
