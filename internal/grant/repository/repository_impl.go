package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const grantColumns = `id, principal_id, plan_id, valid_from, valid_to, payment_state, active,
	usage_ledger, billing_cycle, version, deactivated_at, cascaded_at, cascade_lease_until,
	created_at, updated_at`

type repo struct{}

func Provide() grantdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, grant *grantdomain.Grant) error {
	usage := grant.Usage.Data()
	if usage == nil {
		usage = grantdomain.Usage{}
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO grants (`+grantColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		grant.ID,
		grant.PrincipalID,
		grant.PlanID,
		grant.ValidFrom.UTC(),
		grant.ValidTo.UTC(),
		grant.PaymentState,
		grant.Active,
		datatypes.NewJSONType(usage),
		grant.BillingCycle,
		grant.Version,
		utcPtr(grant.DeactivatedAt),
		utcPtr(grant.CascadedAt),
		utcPtr(grant.CascadeLeaseUntil),
		grant.CreatedAt.UTC(),
		grant.UpdatedAt.UTC(),
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*grantdomain.Grant, error) {
	var grant grantdomain.Grant
	err := db.WithContext(ctx).Raw(
		`SELECT `+grantColumns+` FROM grants WHERE id = ?`,
		id,
	).Scan(&grant).Error
	if err != nil {
		return nil, err
	}
	if grant.ID == 0 {
		return nil, nil
	}
	return &grant, nil
}

func (r *repo) ListByPrincipal(ctx context.Context, db *gorm.DB, principalID snowflake.ID) ([]grantdomain.Grant, error) {
	var grants []grantdomain.Grant
	err := db.WithContext(ctx).Raw(
		`SELECT `+grantColumns+`
		 FROM grants
		 WHERE principal_id = ?
		 ORDER BY valid_to ASC, valid_from ASC, id ASC`,
		principalID,
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) ListEligibleByPrincipal(ctx context.Context, db *gorm.DB, principalID snowflake.ID, now time.Time) ([]grantdomain.Grant, error) {
	var grants []grantdomain.Grant
	err := db.WithContext(ctx).Raw(
		`SELECT `+grantColumns+`
		 FROM grants
		 WHERE principal_id = ?
		   AND active = ?
		   AND payment_state = ?
		   AND valid_to > ?
		 ORDER BY valid_to ASC, valid_from ASC, id ASC`,
		principalID,
		true,
		grantdomain.PaymentStatePaid,
		now.UTC(),
	).Scan(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) CountEligibleByPrincipal(ctx context.Context, db *gorm.DB, principalID snowflake.ID, now time.Time) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1)
		 FROM grants
		 WHERE principal_id = ?
		   AND active = ?
		   AND payment_state = ?
		   AND valid_to > ?`,
		principalID,
		true,
		grantdomain.PaymentStatePaid,
		now.UTC(),
	).Scan(&count).Error
	return count, err
}

func (r *repo) CompareAndSwapUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, usage grantdomain.Usage, now time.Time) (bool, error) {
	if usage == nil {
		usage = grantdomain.Usage{}
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE grants
		 SET usage_ledger = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND active = ?`,
		datatypes.NewJSONType(usage),
		now.UTC(),
		id,
		expectedVersion,
		true,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) UpdatePaymentState(ctx context.Context, db *gorm.DB, id snowflake.ID, state grantdomain.PaymentState, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE grants
		 SET payment_state = ?, version = version + 1, updated_at = ?
		 WHERE id = ?`,
		state,
		now.UTC(),
		id,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ListReconcileCandidates(ctx context.Context, db *gorm.DB, now time.Time, after *grantdomain.ReconcileCursor, limit int) ([]grantdomain.Grant, error) {
	var grants []grantdomain.Grant
	now = now.UTC()
	// valid_to <= now: a grant stops being eligible at valid_to, so it is
	// sweepable from that same instant.
	query := `SELECT ` + grantColumns + `
		 FROM grants
		 WHERE ((active = ? AND valid_to <= ?)
		    OR (active = ? AND deactivated_at IS NOT NULL AND cascaded_at IS NULL
		        AND (cascade_lease_until IS NULL OR cascade_lease_until < ?)))`
	args := []any{true, now, false, now}
	if after != nil {
		query += `
		   AND (valid_to > ? OR (valid_to = ? AND id > ?))`
		args = append(args, after.ValidTo.UTC(), after.ValidTo.UTC(), after.ID)
	}
	query += `
		 ORDER BY valid_to ASC, id ASC
		 LIMIT ?`
	args = append(args, limit)

	if err := db.WithContext(ctx).Raw(query, args...).Scan(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID, now, leaseUntil time.Time) (bool, error) {
	now = now.UTC()
	result := db.WithContext(ctx).Exec(
		`UPDATE grants
		 SET active = ?, version = version + 1, deactivated_at = ?, cascade_lease_until = ?, updated_at = ?
		 WHERE id = ? AND active = ? AND valid_to <= ?`,
		false,
		now,
		leaseUntil.UTC(),
		now,
		id,
		true,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) ClaimCascade(ctx context.Context, db *gorm.DB, id snowflake.ID, now, leaseUntil time.Time) (bool, error) {
	now = now.UTC()
	result := db.WithContext(ctx).Exec(
		`UPDATE grants
		 SET cascade_lease_until = ?, updated_at = ?
		 WHERE id = ? AND active = ? AND cascaded_at IS NULL
		   AND (cascade_lease_until IS NULL OR cascade_lease_until < ?)`,
		leaseUntil.UTC(),
		now,
		id,
		false,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repo) MarkCascaded(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error {
	now = now.UTC()
	return db.WithContext(ctx).Exec(
		`UPDATE grants
		 SET cascaded_at = ?, cascade_lease_until = NULL, updated_at = ?
		 WHERE id = ? AND cascaded_at IS NULL`,
		now,
		now,
		id,
	).Error
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
