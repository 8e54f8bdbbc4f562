package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

type Service interface {
	// Compute reads the principal's grants and aggregates them at now.
	Compute(ctx context.Context, principalID snowflake.ID, now time.Time) (EffectiveEntitlement, error)
	// Cached is Compute behind the read-through cache. Only capability
	// checks use it.
	Cached(ctx context.Context, principalID snowflake.ID, now time.Time) (EffectiveEntitlement, error)
	// Refresh computes and stores the summary on the principal record.
	Refresh(ctx context.Context, principalID snowflake.ID, now time.Time) (EffectiveEntitlement, error)
	Invalidate(principalID snowflake.ID)
}
