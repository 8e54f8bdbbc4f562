package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, grant *Grant) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Grant, error)
	ListByPrincipal(ctx context.Context, db *gorm.DB, principalID snowflake.ID) ([]Grant, error)
	// ListEligibleByPrincipal returns eligible grants, earliest valid_to first.
	ListEligibleByPrincipal(ctx context.Context, db *gorm.DB, principalID snowflake.ID, now time.Time) ([]Grant, error)
	CountEligibleByPrincipal(ctx context.Context, db *gorm.DB, principalID snowflake.ID, now time.Time) (int64, error)
	// CompareAndSwapUsage writes usage only if the row still has expectedVersion
	// and is active. It reports whether the write happened.
	CompareAndSwapUsage(ctx context.Context, db *gorm.DB, id snowflake.ID, expectedVersion int64, usage Usage, now time.Time) (bool, error)
	UpdatePaymentState(ctx context.Context, db *gorm.DB, id snowflake.ID, state PaymentState, now time.Time) (bool, error)

	// ListReconcileCandidates returns active expired grants plus retired
	// grants whose cascade has not completed and whose lease has lapsed,
	// ordered by (valid_to, id) and strictly after the cursor when given.
	ListReconcileCandidates(ctx context.Context, db *gorm.DB, now time.Time, after *ReconcileCursor, limit int) ([]Grant, error)
	// Deactivate flips active to false. Only one caller ever observes true.
	Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID, now, leaseUntil time.Time) (bool, error)
	ClaimCascade(ctx context.Context, db *gorm.DB, id snowflake.ID, now, leaseUntil time.Time) (bool, error)
	MarkCascaded(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) error
}

// ReconcileCursor is the (valid_to, id) position of the last candidate read.
type ReconcileCursor struct {
	ValidTo time.Time
	ID      snowflake.ID
}
