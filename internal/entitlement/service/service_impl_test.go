package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/smallbiznis/quotaengine/internal/aggregate/domain"
	aggregaterepo "github.com/smallbiznis/quotaengine/internal/aggregate/repository"
	aggregatesvc "github.com/smallbiznis/quotaengine/internal/aggregate/service"
	"github.com/smallbiznis/quotaengine/internal/cache"
	"github.com/smallbiznis/quotaengine/internal/clock"
	entitlementdomain "github.com/smallbiznis/quotaengine/internal/entitlement/domain"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	grantrepo "github.com/smallbiznis/quotaengine/internal/grant/repository"
	"github.com/smallbiznis/quotaengine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupEntitlement(t *testing.T) (entitlementdomain.Service, *gorm.DB, aggregatedomain.Repository) {
	t.Helper()
	db := testutil.NewTestDB(t)
	aggRepo := aggregaterepo.Provide()
	aggSvc := aggregatesvc.New(aggregatesvc.Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clock.NewFakeClock(now),
		Repo:  aggRepo,
	})
	svc := New(Params{
		DB:         db,
		Log:        zap.NewNop(),
		Repo:       grantrepo.Provide(),
		Catalog:    testutil.Catalog(),
		Cache:      cache.NewEntitlementCache(time.Minute),
		Aggregates: aggSvc,
	})
	return svc, db, aggRepo
}

func TestComputeReadsEligibleGrants(t *testing.T) {
	svc, db, _ := setupEntitlement(t)
	testutil.SeedGrant(t, db, 7, "basic", now.Add(time.Hour), testutil.WithUsage(grantdomain.Usage{"productLimit": 4}))
	testutil.SeedGrant(t, db, 7, "pro", now.Add(-time.Hour))

	ent, err := svc.Compute(context.Background(), 7, now)
	require.NoError(t, err)
	assert.Equal(t, int64(10), ent.Limit("productLimit"))
	assert.Equal(t, int64(6), ent.Remaining("productLimit"))
	assert.False(t, ent.Has("premiumListing"))
}

func TestComputeIgnoresUnknownPlan(t *testing.T) {
	svc, db, _ := setupEntitlement(t)
	testutil.SeedGrant(t, db, 7, "retired-plan", now.Add(time.Hour))

	ent, err := svc.Compute(context.Background(), 7, now)
	require.NoError(t, err)
	assert.True(t, ent.IsEmpty())
}

func TestCachedServesUntilInvalidated(t *testing.T) {
	svc, db, _ := setupEntitlement(t)
	ctx := context.Background()
	g := testutil.SeedGrant(t, db, 7, "pro", now.Add(time.Hour))

	ent, err := svc.Cached(ctx, 7, now)
	require.NoError(t, err)
	require.True(t, ent.Has("premiumListing"))

	require.NoError(t, db.Exec(`UPDATE grants SET active = ? WHERE id = ?`, false, g.ID).Error)

	ent, err = svc.Cached(ctx, 7, now)
	require.NoError(t, err)
	assert.True(t, ent.Has("premiumListing"), "served from cache")

	svc.Invalidate(7)
	ent, err = svc.Cached(ctx, 7, now)
	require.NoError(t, err)
	assert.False(t, ent.Has("premiumListing"))
}

func TestRefreshStoresSummaryOnPrincipal(t *testing.T) {
	svc, db, aggRepo := setupEntitlement(t)
	ctx := context.Background()
	principalID := snowflake.ID(7)
	require.NoError(t, aggRepo.InsertPrincipal(ctx, db, &aggregatedomain.Principal{
		ID: principalID, Name: "seller", Status: aggregatedomain.PrincipalStatusActive,
		CreatedAt: now, UpdatedAt: now,
	}))
	testutil.SeedGrant(t, db, principalID, "pro", now.Add(time.Hour))

	_, err := svc.Refresh(ctx, principalID, now)
	require.NoError(t, err)

	p, err := aggRepo.FindPrincipal(ctx, db, principalID)
	require.NoError(t, err)
	require.Contains(t, p.EntitlementSummary, "limits")
	assert.EqualValues(t, 1, p.EntitlementSummary["grants"])
}
