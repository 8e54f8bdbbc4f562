package reconciler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/smallbiznis/quotaengine/internal/aggregate/domain"
	aggregaterepo "github.com/smallbiznis/quotaengine/internal/aggregate/repository"
	aggregatesvc "github.com/smallbiznis/quotaengine/internal/aggregate/service"
	"github.com/smallbiznis/quotaengine/internal/cache"
	"github.com/smallbiznis/quotaengine/internal/clock"
	entitlementsvc "github.com/smallbiznis/quotaengine/internal/entitlement/service"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	grantrepo "github.com/smallbiznis/quotaengine/internal/grant/repository"
	"github.com/smallbiznis/quotaengine/internal/notification"
	"github.com/smallbiznis/quotaengine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var start = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu     sync.Mutex
	events []notification.Event
}

func (p *recordingPublisher) Publish(evt notification.Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return true
}

func (p *recordingPublisher) types() []notification.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]notification.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// flakyAggregates fails ClearPremiumFlag while failures remain.
type flakyAggregates struct {
	aggregatedomain.Service
	failures atomic.Int32
}

func (f *flakyAggregates) ClearPremiumFlag(ctx context.Context, itemID snowflake.ID) error {
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return errors.New("inventory store unavailable")
	}
	return f.Service.ClearPremiumFlag(ctx, itemID)
}

// scriptedRepo counts candidate listings and fails Deactivate for chosen grants.
type scriptedRepo struct {
	grantdomain.Repository
	listings   atomic.Int32
	deactivate map[snowflake.ID]error
}

func (r *scriptedRepo) ListReconcileCandidates(ctx context.Context, db *gorm.DB, now time.Time, after *grantdomain.ReconcileCursor, limit int) ([]grantdomain.Grant, error) {
	r.listings.Add(1)
	return r.Repository.ListReconcileCandidates(ctx, db, now, after, limit)
}

func (r *scriptedRepo) Deactivate(ctx context.Context, db *gorm.DB, id snowflake.ID, now, leaseUntil time.Time) (bool, error) {
	if err, ok := r.deactivate[id]; ok {
		return false, err
	}
	return r.Repository.Deactivate(ctx, db, id, now, leaseUntil)
}

type heldLocker struct{}

func (heldLocker) TryLock(context.Context, string, time.Duration) (string, bool, error) {
	return "", false, nil
}

func (heldLocker) Release(context.Context, string, string) error { return nil }

type fixture struct {
	db         *gorm.DB
	clock      *clock.FakeClock
	rec        *Reconciler
	grants     grantdomain.Repository
	aggRepo    aggregatedomain.Repository
	aggregates *flakyAggregates
	publisher  *recordingPublisher
	node       *snowflake.Node
}

type fixtureOption func(*Params)

func withLocker(l SweepLocker) fixtureOption {
	return func(p *Params) { p.Locker = l }
}

func withRepo(repo grantdomain.Repository) fixtureOption {
	return func(p *Params) { p.Repo = repo }
}

func withRunInterval(d time.Duration) fixtureOption {
	return func(p *Params) { p.Config.RunInterval = d }
}

func withBatchSize(n int) fixtureOption {
	return func(p *Params) { p.Config.BatchSize = n }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	clk := clock.NewFakeClock(start)

	repo := grantrepo.Provide()
	aggRepo := aggregaterepo.Provide()
	aggregates := &flakyAggregates{Service: aggregatesvc.New(aggregatesvc.Params{
		DB: db, Log: zap.NewNop(), Clock: clk, Repo: aggRepo,
	})}
	entitlements := entitlementsvc.New(entitlementsvc.Params{
		DB:         db,
		Log:        zap.NewNop(),
		Repo:       repo,
		Catalog:    testutil.Catalog(),
		Cache:      cache.NewEntitlementCache(time.Minute),
		Aggregates: aggregates,
	})
	publisher := &recordingPublisher{}

	p := Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clk,
		Repo:         repo,
		Aggregates:   aggregates,
		Entitlements: entitlements,
		Publisher:    publisher,
		Config:       Config{CascadeLease: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(&p)
	}
	rec, err := New(p)
	require.NoError(t, err)

	return &fixture{
		db: db, clock: clk, rec: rec, grants: repo, aggRepo: aggRepo,
		aggregates: aggregates, publisher: publisher, node: node,
	}
}

type seller struct {
	principal  snowflake.ID
	storefront snowflake.ID
	premium    snowflake.ID
	regular    snowflake.ID
}

func (f *fixture) seedSeller(t *testing.T, status aggregatedomain.PrincipalStatus) seller {
	t.Helper()
	ctx := context.Background()
	s := seller{
		principal:  f.node.Generate(),
		storefront: f.node.Generate(),
		premium:    f.node.Generate(),
		regular:    f.node.Generate(),
	}
	require.NoError(t, f.aggRepo.InsertPrincipal(ctx, f.db, &aggregatedomain.Principal{
		ID: s.principal, Name: "seller", Status: status,
		EntitlementSummary: map[string]any{"grants": float64(1)},
		CreatedAt:          start, UpdatedAt: start,
	}))
	require.NoError(t, f.aggRepo.InsertStorefront(ctx, f.db, &aggregatedomain.Storefront{
		ID: s.storefront, PrincipalID: s.principal, Name: "main",
		Status: aggregatedomain.StorefrontStatusActive, CreatedAt: start, UpdatedAt: start,
	}))
	for _, item := range []struct {
		id      snowflake.ID
		premium bool
	}{{s.premium, true}, {s.regular, false}} {
		require.NoError(t, f.aggRepo.InsertInventoryItem(ctx, f.db, &aggregatedomain.InventoryItem{
			ID: item.id, PrincipalID: s.principal, StorefrontID: s.storefront, Title: "item",
			IsPremium: item.premium, CreatedAt: start, UpdatedAt: start,
		}))
	}
	return s
}

func (f *fixture) grant(t *testing.T, id snowflake.ID) grantdomain.Grant {
	t.Helper()
	g, err := f.grants.FindByID(context.Background(), f.db, id)
	require.NoError(t, err)
	require.NotNil(t, g)
	return *g
}

func (f *fixture) assertLapsed(t *testing.T, s seller, wantStatus aggregatedomain.PrincipalStatus) {
	t.Helper()
	ctx := context.Background()
	p, err := f.aggRepo.FindPrincipal(ctx, f.db, s.principal)
	require.NoError(t, err)
	assert.Equal(t, wantStatus, p.Status)
	assert.Empty(t, p.EntitlementSummary)

	store, err := f.aggRepo.FindStorefront(ctx, f.db, s.storefront)
	require.NoError(t, err)
	assert.Equal(t, aggregatedomain.StorefrontStatusInactive, store.Status)

	item, err := f.aggRepo.FindInventoryItem(ctx, f.db, s.premium)
	require.NoError(t, err)
	assert.False(t, item.IsPremium)
}

func TestSoleGrantExpiryCascades(t *testing.T) {
	f := newFixture(t)
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	g := testutil.SeedGrant(t, f.db, s.principal, "pro", start.Add(time.Hour))

	report, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)
	assert.Zero(t, report.Candidates, "grant still valid")

	f.clock.Advance(2 * time.Hour)
	report, err = f.rec.Reconcile(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Candidates)
	assert.Equal(t, 1, report.Deactivated)
	assert.Equal(t, 1, report.Cascaded)
	assert.Empty(t, report.Failures)
	assert.NotEmpty(t, report.RunID)

	got := f.grant(t, g.ID)
	assert.False(t, got.Active)
	assert.NotNil(t, got.CascadedAt)
	f.assertLapsed(t, s, aggregatedomain.PrincipalStatusInactive)
	assert.Equal(t, []notification.EventType{notification.EventPrincipalLapsed}, f.publisher.types())
}

func TestExpiryIsExclusiveAtValidTo(t *testing.T) {
	f := newFixture(t)
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	g := testutil.SeedGrant(t, f.db, s.principal, "basic", start)

	report, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deactivated)
	assert.False(t, f.grant(t, g.ID).Active)
}

func TestExpiryWithRemainingGrantRetainsPrincipal(t *testing.T) {
	f := newFixture(t)
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	expiring := testutil.SeedGrant(t, f.db, s.principal, "pro", start.Add(-time.Minute))
	testutil.SeedGrant(t, f.db, s.principal, "basic", start.Add(24*time.Hour))

	report, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deactivated)
	assert.Equal(t, 1, report.Retained)
	assert.Zero(t, report.Cascaded)

	assert.False(t, f.grant(t, expiring.ID).Active)
	p, err := f.aggRepo.FindPrincipal(context.Background(), f.db, s.principal)
	require.NoError(t, err)
	assert.Equal(t, aggregatedomain.PrincipalStatusActive, p.Status)
	store, err := f.aggRepo.FindStorefront(context.Background(), f.db, s.storefront)
	require.NoError(t, err)
	assert.Equal(t, aggregatedomain.StorefrontStatusActive, store.Status)
	assert.Equal(t, []notification.EventType{notification.EventGrantExpired}, f.publisher.types())
}

func TestUnpaidRemainingGrantDoesNotRetain(t *testing.T) {
	f := newFixture(t)
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	testutil.SeedGrant(t, f.db, s.principal, "pro", start.Add(-time.Minute))
	testutil.SeedGrant(t, f.db, s.principal, "basic", start.Add(24*time.Hour),
		testutil.WithPaymentState(grantdomain.PaymentStatePending))

	report, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cascaded)
	f.assertLapsed(t, s, aggregatedomain.PrincipalStatusInactive)
}

func TestSecondSweepIsNoOp(t *testing.T) {
	f := newFixture(t)
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	g := testutil.SeedGrant(t, f.db, s.principal, "pro", start.Add(-time.Minute))

	_, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)
	before := f.grant(t, g.ID)

	f.clock.Advance(time.Hour)
	report, err := f.rec.Reconcile(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Candidates)
	assert.Zero(t, report.Deactivated)

	after := f.grant(t, g.ID)
	assert.Equal(t, before.Version, after.Version)
	assert.Len(t, f.publisher.types(), 1)
}

func TestBannedPrincipalStaysBanned(t *testing.T) {
	f := newFixture(t)
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusBanned)
	testutil.SeedGrant(t, f.db, s.principal, "pro", start.Add(-time.Minute))

	report, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Cascaded)
	f.assertLapsed(t, s, aggregatedomain.PrincipalStatusBanned)
}

func TestPartialCascadeFailureIsRepairedAfterLease(t *testing.T) {
	f := newFixture(t)
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	g := testutil.SeedGrant(t, f.db, s.principal, "pro", start.Add(-time.Minute))
	f.aggregates.failures.Store(1)

	report, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deactivated)
	assert.Zero(t, report.Cascaded)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, stageCascade, report.Failures[0].Stage)
	assert.True(t, ierr.IsPartialCascadeFailure(report.Failures[0].Err))
	assert.True(t, ierr.IsPartialCascadeFailure(report.Err()))

	pending := f.grant(t, g.ID)
	assert.False(t, pending.Active)
	assert.Nil(t, pending.CascadedAt)

	item, err := f.aggRepo.FindInventoryItem(context.Background(), f.db, s.premium)
	require.NoError(t, err)
	assert.True(t, item.IsPremium, "failed write left the flag")
	assert.Empty(t, f.publisher.types())

	f.clock.Advance(time.Minute)
	report, err = f.rec.Reconcile(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, report.Candidates, "lease still held")

	f.clock.Advance(5 * time.Minute)
	report, err = f.rec.Reconcile(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 1, report.Cascaded)
	assert.Empty(t, report.Failures)

	assert.NotNil(t, f.grant(t, g.ID).CascadedAt)
	f.assertLapsed(t, s, aggregatedomain.PrincipalStatusInactive)
	assert.Equal(t, []notification.EventType{notification.EventPrincipalLapsed}, f.publisher.types())
}

func TestRepairRetainsWhenPrincipalRenewedMeanwhile(t *testing.T) {
	f := newFixture(t)
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	testutil.SeedGrant(t, f.db, s.principal, "pro", start.Add(-time.Minute))
	f.aggregates.failures.Store(1)

	_, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	testutil.SeedGrant(t, f.db, s.principal, "basic", f.clock.Now().Add(30*24*time.Hour))

	report, err := f.rec.Reconcile(context.Background(), f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Equal(t, 1, report.Retained)
	assert.Equal(t, []notification.EventType{notification.EventGrantExpired}, f.publisher.types())
}

func TestSweepSkippedWhenLockHeld(t *testing.T) {
	f := newFixture(t, withLocker(heldLocker{}))
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	g := testutil.SeedGrant(t, f.db, s.principal, "pro", start.Add(-time.Minute))

	report, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)
	assert.True(t, report.LockSkipped)
	assert.Zero(t, report.Candidates)
	assert.True(t, f.grant(t, g.ID).Active)
}

func TestSweepWalksAllBatches(t *testing.T) {
	f := newFixture(t, withBatchSize(2))
	var ids []snowflake.ID
	for i := 0; i < 5; i++ {
		s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
		ids = append(ids, testutil.SeedGrant(t, f.db, s.principal, "basic", start.Add(-time.Duration(i+1)*time.Minute)).ID)
	}

	report, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Candidates)
	assert.Equal(t, 5, report.Deactivated)
	assert.Equal(t, 5, report.Cascaded)
	for _, id := range ids {
		assert.False(t, f.grant(t, id).Active)
	}
}

func TestSweepAdvancesPastFailedBatch(t *testing.T) {
	repo := &scriptedRepo{Repository: grantrepo.Provide(), deactivate: map[snowflake.ID]error{}}
	f := newFixture(t, withBatchSize(2), withRepo(repo))

	var failing []snowflake.ID
	for i := 0; i < 2; i++ {
		s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
		g := testutil.SeedGrant(t, f.db, s.principal, "basic", start.Add(-time.Duration(10-i)*time.Minute))
		repo.deactivate[g.ID] = errors.New("deadlock detected")
		failing = append(failing, g.ID)
	}
	later := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	g := testutil.SeedGrant(t, f.db, later.principal, "basic", start.Add(-time.Minute))

	report, err := f.rec.Reconcile(context.Background(), start)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Candidates)
	assert.Len(t, report.Failures, 2)
	assert.Equal(t, 1, report.Deactivated)
	assert.False(t, f.grant(t, g.ID).Active)
	for _, id := range failing {
		assert.True(t, f.grant(t, id).Active)
	}
}

func TestRunForeverSweepsOnTickAndStopsOnCancel(t *testing.T) {
	repo := &scriptedRepo{Repository: grantrepo.Provide()}
	f := newFixture(t, withRepo(repo), withRunInterval(10*time.Millisecond))
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	g := testutil.SeedGrant(t, f.db, s.principal, "basic", start.Add(-time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.rec.RunForever(ctx)
	}()

	assert.Eventually(t, func() bool { return repo.listings.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunForever did not return after cancel")
	}
	assert.False(t, f.grant(t, g.ID).Active)
}

func TestConcurrentSweepsDeactivateOnce(t *testing.T) {
	f := newFixture(t)
	other, err := New(Params{
		DB: f.db, Log: zap.NewNop(), GenID: f.node, Clock: f.clock, Repo: f.grants,
		Aggregates: f.aggregates, Entitlements: f.rec.entitlements, Publisher: f.publisher,
	})
	require.NoError(t, err)

	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	testutil.SeedGrant(t, f.db, s.principal, "pro", start.Add(-time.Minute))

	var wg sync.WaitGroup
	reports := make([]SweepReport, 2)
	for i, rec := range []*Reconciler{f.rec, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := rec.Reconcile(context.Background(), start)
			assert.NoError(t, err)
			reports[i] = rep
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, reports[0].Deactivated+reports[1].Deactivated)
	assert.Equal(t, 1, reports[0].Cascaded+reports[1].Cascaded)
	assert.Len(t, f.publisher.types(), 1)
}

func TestRunOnceReportsPartialFailureAsError(t *testing.T) {
	f := newFixture(t)
	s := f.seedSeller(t, aggregatedomain.PrincipalStatusActive)
	testutil.SeedGrant(t, f.db, s.principal, "pro", start.Add(-time.Minute))
	f.aggregates.failures.Store(1)

	report, err := f.rec.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, ierr.IsPartialCascadeFailure(err))
	assert.Len(t, report.Failures, 1)
}
