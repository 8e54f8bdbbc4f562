package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/smallbiznis/quotaengine/internal/aggregate/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() aggregatedomain.Repository {
	return &repo{}
}

func (r *repo) InsertPrincipal(ctx context.Context, db *gorm.DB, principal *aggregatedomain.Principal) error {
	return db.WithContext(ctx).Create(principal).Error
}

func (r *repo) InsertStorefront(ctx context.Context, db *gorm.DB, storefront *aggregatedomain.Storefront) error {
	return db.WithContext(ctx).Create(storefront).Error
}

func (r *repo) InsertInventoryItem(ctx context.Context, db *gorm.DB, item *aggregatedomain.InventoryItem) error {
	return db.WithContext(ctx).Create(item).Error
}

func (r *repo) FindPrincipal(ctx context.Context, db *gorm.DB, id snowflake.ID) (*aggregatedomain.Principal, error) {
	var principal aggregatedomain.Principal
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&principal).Error
	if err != nil {
		return nil, err
	}
	if principal.ID == 0 {
		return nil, nil
	}
	return &principal, nil
}

func (r *repo) FindStorefront(ctx context.Context, db *gorm.DB, id snowflake.ID) (*aggregatedomain.Storefront, error) {
	var storefront aggregatedomain.Storefront
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&storefront).Error
	if err != nil {
		return nil, err
	}
	if storefront.ID == 0 {
		return nil, nil
	}
	return &storefront, nil
}

func (r *repo) FindInventoryItem(ctx context.Context, db *gorm.DB, id snowflake.ID) (*aggregatedomain.InventoryItem, error) {
	var item aggregatedomain.InventoryItem
	err := db.WithContext(ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) SetPrincipalStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status aggregatedomain.PrincipalStatus, keep []aggregatedomain.PrincipalStatus, now time.Time) error {
	skip := append([]aggregatedomain.PrincipalStatus{status}, keep...)
	return db.WithContext(ctx).Exec(
		`UPDATE principals
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status NOT IN ?`,
		status,
		now.UTC(),
		id,
		skip,
	).Error
}

func (r *repo) SetEntitlementSummary(ctx context.Context, db *gorm.DB, id snowflake.ID, summary map[string]any, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE principals SET entitlement_summary = ?, updated_at = ? WHERE id = ?`,
		datatypes.JSONMap(summary),
		now.UTC(),
		id,
	).Error
}

func (r *repo) ClearEntitlementSummary(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE principals
		 SET entitlement_summary = NULL, updated_at = ?
		 WHERE id = ? AND entitlement_summary IS NOT NULL`,
		now.UTC(),
		id,
	).Error
}

func (r *repo) SetStorefrontStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status aggregatedomain.StorefrontStatus, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE storefronts SET status = ?, updated_at = ? WHERE id = ? AND status <> ?`,
		status,
		now.UTC(),
		id,
		status,
	).Error
}

func (r *repo) ClearPremiumFlag(ctx context.Context, db *gorm.DB, itemID snowflake.ID, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE inventory_items SET is_premium = ?, updated_at = ? WHERE id = ? AND is_premium = ?`,
		false,
		now.UTC(),
		itemID,
		true,
	).Error
}

func (r *repo) ListStorefrontIDs(ctx context.Context, db *gorm.DB, principalID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM storefronts WHERE principal_id = ? ORDER BY id ASC`,
		principalID,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) ListPremiumItemIDs(ctx context.Context, db *gorm.DB, principalID snowflake.ID) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id FROM inventory_items WHERE principal_id = ? AND is_premium = ? ORDER BY id ASC`,
		principalID,
		true,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *repo) CountLivePremiumItems(ctx context.Context, db *gorm.DB, principalID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM inventory_items
		 WHERE principal_id = ? AND is_premium = ? AND archived_at IS NULL`,
		principalID,
		true,
	).Scan(&count).Error
	return count, err
}
