package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/smallbiznis/quotaengine/internal/aggregate/domain"
	aggregaterepo "github.com/smallbiznis/quotaengine/internal/aggregate/repository"
	aggregatesvc "github.com/smallbiznis/quotaengine/internal/aggregate/service"
	"github.com/smallbiznis/quotaengine/internal/cache"
	"github.com/smallbiznis/quotaengine/internal/clock"
	"github.com/smallbiznis/quotaengine/internal/config"
	entitlementsvc "github.com/smallbiznis/quotaengine/internal/entitlement/service"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	grantrepo "github.com/smallbiznis/quotaengine/internal/grant/repository"
	grantsvc "github.com/smallbiznis/quotaengine/internal/grant/service"
	quotadomain "github.com/smallbiznis/quotaengine/internal/quota/domain"
	"github.com/smallbiznis/quotaengine/internal/testutil"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const principal = snowflake.ID(7)

type harness struct {
	db       *gorm.DB
	svc      quotadomain.Service
	grants   grantdomain.Repository
	grantSvc grantdomain.Service
	aggRepo  aggregatedomain.Repository
}

type harnessOption func(*Params)

func withRepo(repo grantdomain.Repository) harnessOption {
	return func(p *Params) { p.Repo = repo }
}

func withMaxAttempts(n int) harnessOption {
	return func(p *Params) { p.Config.Allocator.MaxAttempts = n }
}

func newHarness(t *testing.T, opts ...harnessOption) harness {
	t.Helper()
	db := testutil.NewTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(now)
	catalog := testutil.Catalog()
	repo := grantrepo.Provide()
	aggRepo := aggregaterepo.Provide()
	aggSvc := aggregatesvc.New(aggregatesvc.Params{DB: db, Log: zap.NewNop(), Clock: clk, Repo: aggRepo})
	entCache := cache.NewEntitlementCache(time.Minute)
	entSvc := entitlementsvc.New(entitlementsvc.Params{
		DB:         db,
		Log:        zap.NewNop(),
		Repo:       repo,
		Catalog:    catalog,
		Cache:      entCache,
		Aggregates: aggSvc,
	})
	grantSvc := grantsvc.New(grantsvc.Params{
		DB: db, Log: zap.NewNop(), GenID: node, Clock: clk, Repo: repo, Catalog: catalog, Cache: entCache,
	})

	p := Params{
		DB:    db,
		Log:   zap.NewNop(),
		Clock: clk,
		Config: config.Config{Allocator: config.AllocatorConfig{
			MaxAttempts:    3,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     5 * time.Millisecond,
		}},
		Repo:         repo,
		Catalog:      catalog,
		Grants:       grantSvc,
		Entitlements: entSvc,
		Aggregates:   aggSvc,
	}
	for _, opt := range opts {
		opt(&p)
	}
	return harness{db: db, svc: New(p), grants: repo, grantSvc: grantSvc, aggRepo: aggRepo}
}

func (h harness) usage(t *testing.T, id snowflake.ID, key string) int64 {
	t.Helper()
	g, err := h.grants.FindByID(context.Background(), h.db, id)
	require.NoError(t, err)
	require.NotNil(t, g)
	return g.UsageOf(key)
}

func TestAllocateSkipsFullEarlierGrant(t *testing.T) {
	h := newHarness(t)
	a := testutil.SeedGrant(t, h.db, principal, "basic", now.Add(24*time.Hour),
		testutil.WithUsage(grantdomain.Usage{"productLimit": 10}))
	b := testutil.SeedGrant(t, h.db, principal, "starter", now.Add(48*time.Hour))

	res, err := h.svc.Allocate(context.Background(), quotadomain.AllocateRequest{
		PrincipalID: principal, FeatureKey: "productLimit", Amount: 1, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, b.ID, res.GrantID)
	assert.Equal(t, int64(1), res.UsedAfter)
	assert.Equal(t, int64(5), res.GrantLimit)
	assert.Equal(t, int64(10), h.usage(t, a.ID, "productLimit"))
	assert.Equal(t, int64(1), h.usage(t, b.ID, "productLimit"))
}

func TestAllocatePrefersEarliestExpiry(t *testing.T) {
	h := newHarness(t)
	late := testutil.SeedGrant(t, h.db, principal, "basic", now.Add(72*time.Hour))
	early := testutil.SeedGrant(t, h.db, principal, "basic", now.Add(24*time.Hour))

	res, err := h.svc.Allocate(context.Background(), quotadomain.AllocateRequest{
		PrincipalID: principal, FeatureKey: "productLimit", Amount: 2, Now: now,
	})
	require.NoError(t, err)
	assert.Equal(t, early.ID, res.GrantID)
	assert.Equal(t, int64(0), h.usage(t, late.ID, "productLimit"))
}

func TestAllocateNeverSplitsAcrossGrants(t *testing.T) {
	h := newHarness(t)
	testutil.SeedGrant(t, h.db, principal, "basic", now.Add(24*time.Hour),
		testutil.WithUsage(grantdomain.Usage{"productLimit": 7}))
	testutil.SeedGrant(t, h.db, principal, "starter", now.Add(48*time.Hour),
		testutil.WithUsage(grantdomain.Usage{"productLimit": 3}))

	_, err := h.svc.Allocate(context.Background(), quotadomain.AllocateRequest{
		PrincipalID: principal, FeatureKey: "productLimit", Amount: 4, Now: now,
	})
	assert.True(t, ierr.IsQuotaExceeded(err), "3+2 spare does not satisfy 4")
}

func TestAllocateRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Allocate(ctx, quotadomain.AllocateRequest{PrincipalID: principal, FeatureKey: "productLimit", Amount: 0, Now: now})
	assert.True(t, ierr.IsValidation(err))
	assert.ErrorIs(t, err, quotadomain.ErrInvalidAmount)

	_, err = h.svc.Allocate(ctx, quotadomain.AllocateRequest{PrincipalID: principal, FeatureKey: "premiumListing", Amount: 1, Now: now})
	assert.True(t, ierr.IsInvalidFeatureKey(err), "capabilities are not allocatable")

	_, err = h.svc.Allocate(ctx, quotadomain.AllocateRequest{PrincipalID: principal, FeatureKey: "storageGb", Amount: 1, Now: now})
	assert.True(t, ierr.IsInvalidFeatureKey(err))

	_, err = h.svc.Allocate(ctx, quotadomain.AllocateRequest{PrincipalID: principal, FeatureKey: "productLimit", Amount: 1, Now: now})
	assert.True(t, ierr.IsNoEligibleGrant(err))

	testutil.SeedGrant(t, h.db, principal, "basic", now.Add(-time.Minute))
	testutil.SeedGrant(t, h.db, principal, "basic", now.Add(time.Hour), testutil.WithPaymentState(grantdomain.PaymentStateFailed))
	_, err = h.svc.Allocate(ctx, quotadomain.AllocateRequest{PrincipalID: principal, FeatureKey: "productLimit", Amount: 1, Now: now})
	assert.True(t, ierr.IsNoEligibleGrant(err), "expired and unpaid grants are not eligible")
}

func TestAllocateValidToIsExclusive(t *testing.T) {
	h := newHarness(t)
	testutil.SeedGrant(t, h.db, principal, "basic", now)

	_, err := h.svc.Allocate(context.Background(), quotadomain.AllocateRequest{
		PrincipalID: principal, FeatureKey: "productLimit", Amount: 1, Now: now,
	})
	assert.True(t, ierr.IsNoEligibleGrant(err))
}

func TestConcurrentAllocationsForLastUnit(t *testing.T) {
	h := newHarness(t)
	g := testutil.SeedGrant(t, h.db, principal, "basic", now.Add(24*time.Hour),
		testutil.WithUsage(grantdomain.Usage{"productLimit": 9}))

	var succeeded, rejected atomic.Int32
	var wg conc.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Go(func() {
			_, err := h.svc.Allocate(context.Background(), quotadomain.AllocateRequest{
				PrincipalID: principal, FeatureKey: "productLimit", Amount: 1, Now: now,
			})
			switch {
			case err == nil:
				succeeded.Add(1)
			case ierr.IsQuotaExceeded(err) || ierr.IsContention(err):
				rejected.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(1), rejected.Load())
	assert.Equal(t, int64(10), h.usage(t, g.ID, "productLimit"))
}

func TestConcurrentAllocationsNeverOvershoot(t *testing.T) {
	h := newHarness(t, withMaxAttempts(25))
	g := testutil.SeedGrant(t, h.db, principal, "basic", now.Add(24*time.Hour))

	var succeeded atomic.Int32
	var wg conc.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Go(func() {
			_, err := h.svc.Allocate(context.Background(), quotadomain.AllocateRequest{
				PrincipalID: principal, FeatureKey: "productLimit", Amount: 1, Now: now,
			})
			if err == nil {
				succeeded.Add(1)
				return
			}
			assert.True(t, ierr.IsQuotaExceeded(err), "unexpected error: %v", err)
		})
	}
	wg.Wait()

	assert.Equal(t, int32(10), succeeded.Load())
	assert.Equal(t, int64(10), h.usage(t, g.ID, "productLimit"))
}

// conflictingRepo loses every compare-and-set.
type conflictingRepo struct {
	grantdomain.Repository
	calls atomic.Int32
}

func (r *conflictingRepo) CompareAndSwapUsage(context.Context, *gorm.DB, snowflake.ID, int64, grantdomain.Usage, time.Time) (bool, error) {
	r.calls.Add(1)
	return false, nil
}

func TestAllocateContentionAfterMaxAttempts(t *testing.T) {
	repo := &conflictingRepo{Repository: grantrepo.Provide()}
	h := newHarness(t, withRepo(repo))
	g := testutil.SeedGrant(t, h.db, principal, "basic", now.Add(24*time.Hour))

	_, err := h.svc.Allocate(context.Background(), quotadomain.AllocateRequest{
		PrincipalID: principal, FeatureKey: "productLimit", Amount: 1, Now: now,
	})
	require.Error(t, err)
	assert.True(t, ierr.IsContention(err))
	assert.True(t, ierr.IsRetryable(err))
	assert.Equal(t, int32(3), repo.calls.Load())
	assert.Equal(t, int64(0), h.usage(t, g.ID, "productLimit"))
}

func TestAllocateCancelledContextWritesNothing(t *testing.T) {
	h := newHarness(t)
	g := testutil.SeedGrant(t, h.db, principal, "basic", now.Add(24*time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.svc.Allocate(ctx, quotadomain.AllocateRequest{
		PrincipalID: principal, FeatureKey: "productLimit", Amount: 1, Now: now,
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int64(0), h.usage(t, g.ID, "productLimit"))
}

func TestCheckCapability(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.svc.CheckCapability(ctx, principal, "premiumListing", now)
	assert.True(t, ierr.IsNoEligibleGrant(err))

	testutil.SeedGrant(t, h.db, principal, "basic", now.Add(time.Hour))
	err = h.svc.CheckCapability(ctx, 8, "premiumListing", now)
	assert.True(t, ierr.IsNoEligibleGrant(err))

	err = h.svc.CheckCapability(ctx, principal, "premiumListing", now.Add(2*time.Minute))
	assert.True(t, ierr.IsCapabilityNotGranted(err))

	testutil.SeedGrant(t, h.db, principal, "pro", now.Add(time.Hour))
	require.NoError(t, h.svc.CheckCapability(ctx, principal, "premiumListing", now.Add(4*time.Minute)))
}

func TestCheckCapabilityStopsAtValidToWithinCachedMinute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testutil.SeedGrant(t, h.db, principal, "pro", now.Add(20*time.Second))

	require.NoError(t, h.svc.CheckCapability(ctx, principal, "premiumListing", now))

	err := h.svc.CheckCapability(ctx, principal, "premiumListing", now.Add(40*time.Second))
	assert.True(t, ierr.IsNoEligibleGrant(err), "got %v", err)
}

func TestCheckCapabilitySeesNewlyIssuedGrant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.svc.CheckCapability(ctx, principal, "premiumListing", now)
	require.True(t, ierr.IsNoEligibleGrant(err))

	testutil.SeedGrant(t, h.db, principal, "pro", now.Add(time.Hour))
	require.NoError(t, h.svc.CheckCapability(ctx, principal, "premiumListing", now.Add(time.Second)))
}

func TestCheckCapabilityAfterUpgradeWithinCachedMinute(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	testutil.SeedGrant(t, h.db, principal, "basic", now.Add(time.Hour))

	err := h.svc.CheckCapability(ctx, principal, "premiumListing", now)
	require.True(t, ierr.IsCapabilityNotGranted(err))

	_, err = h.grantSvc.Create(ctx, grantdomain.CreateGrantRequest{
		PrincipalID:  principal,
		PlanID:       "pro",
		ValidTo:      now.Add(time.Hour),
		PaymentState: grantdomain.PaymentStatePaid,
	})
	require.NoError(t, err)
	require.NoError(t, h.svc.CheckCapability(ctx, principal, "premiumListing", now.Add(time.Second)))
}

func TestCheckConcurrentCap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	req := quotadomain.ConcurrentCapRequest{
		PrincipalID: principal, CapabilityKey: "premiumListing", LimitKey: "premiumLimit", Now: now,
	}

	testutil.SeedGrant(t, h.db, principal, "basic", now.Add(time.Hour))
	assert.True(t, ierr.IsCapabilityNotGranted(h.svc.CheckConcurrentCap(ctx, req)))

	pro := testutil.SeedGrant(t, h.db, principal, "pro", now.Add(time.Hour))
	require.NoError(t, h.svc.CheckConcurrentCap(ctx, req))

	for i := 0; i < 2; i++ {
		require.NoError(t, h.aggRepo.InsertInventoryItem(ctx, h.db, &aggregatedomain.InventoryItem{
			ID: snowflake.ID(100 + i), PrincipalID: principal, StorefrontID: 1, Title: "item",
			IsPremium: true, CreatedAt: now, UpdatedAt: now,
		}))
	}
	assert.True(t, ierr.IsQuotaExceeded(h.svc.CheckConcurrentCap(ctx, req)))
	assert.Equal(t, int64(0), h.usage(t, pro.ID, "premiumLimit"), "ledger untouched")
}

func TestResetUsageInvalidatesAndZeroes(t *testing.T) {
	h := newHarness(t)
	g := testutil.SeedGrant(t, h.db, principal, "basic", now.Add(time.Hour),
		testutil.WithUsage(grantdomain.Usage{"productLimit": 10}))

	got, err := h.svc.ResetUsage(context.Background(), g.ID, "productLimit")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.UsageOf("productLimit"))

	_, err = h.svc.Allocate(context.Background(), quotadomain.AllocateRequest{
		PrincipalID: principal, FeatureKey: "productLimit", Amount: 10, Now: now,
	})
	require.NoError(t, err)
}
