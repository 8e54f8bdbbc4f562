package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	aggregatedomain "github.com/smallbiznis/quotaengine/internal/aggregate/domain"
	"github.com/smallbiznis/quotaengine/internal/clock"
	"github.com/smallbiznis/quotaengine/internal/config"
	entitlementdomain "github.com/smallbiznis/quotaengine/internal/entitlement/domain"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	"github.com/smallbiznis/quotaengine/internal/observability/metrics"
	plandomain "github.com/smallbiznis/quotaengine/internal/plan/domain"
	quotadomain "github.com/smallbiznis/quotaengine/internal/quota/domain"
	"github.com/smallbiznis/quotaengine/pkg/db"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errVersionConflict signals a lost compare-and-set; the attempt is retried.
var errVersionConflict = errors.New("usage version conflict")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Config       config.Config
	Repo         grantdomain.Repository
	Catalog      plandomain.Catalog
	Grants       grantdomain.Service
	Entitlements entitlementdomain.Service
	Aggregates   aggregatedomain.Service
	Metrics      *metrics.EngineMetrics `optional:"true"`
	Instruments  *metrics.Instruments   `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	repo         grantdomain.Repository
	catalog      plandomain.Catalog
	grants       grantdomain.Service
	entitlements entitlementdomain.Service
	live         quotadomain.LiveCounter
	metrics      *metrics.EngineMetrics
	instruments  *metrics.Instruments

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func New(p Params) quotadomain.Service {
	cfg := p.Config.Allocator
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = 10 * time.Millisecond
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff < initial {
		maxBackoff = initial
	}

	return &Service{
		db:             p.DB,
		log:            p.Log.Named("quota.allocator"),
		clock:          p.Clock,
		repo:           p.Repo,
		catalog:        p.Catalog,
		grants:         p.Grants,
		entitlements:   p.Entitlements,
		live:           p.Aggregates,
		metrics:        p.Metrics,
		instruments:    p.Instruments,
		maxAttempts:    maxAttempts,
		initialBackoff: initial,
		maxBackoff:     maxBackoff,
	}
}

// Allocate ledgers the full amount against exactly one eligible grant,
// trying grants in order of earliest expiry. A request never splits across
// grants.
func (s *Service) Allocate(ctx context.Context, req quotadomain.AllocateRequest) (result quotadomain.AllocationResult, err error) {
	key := strings.TrimSpace(req.FeatureKey)
	now := req.Now
	if now.IsZero() {
		now = s.clock.Now()
	}
	now = now.UTC()

	ctx, span := otel.Tracer("quotaengine/quota").Start(ctx, "quota.allocate")
	span.SetAttributes(
		attribute.String("quota.principal_id", req.PrincipalID.String()),
		attribute.String("quota.feature_key", key),
		attribute.Int64("quota.amount", req.Amount),
	)
	started := time.Now()
	defer func() {
		s.metrics.ObserveAllocation(key, err, time.Since(started))
		if err != nil {
			span.SetStatus(codes.Error, ierr.Code(err))
		} else {
			span.SetAttributes(
				attribute.String("quota.grant_id", result.GrantID.String()),
				attribute.Int("quota.attempts", result.Attempts),
			)
		}
		span.End()
	}()

	if req.PrincipalID == 0 {
		return result, ierr.WithError(quotadomain.ErrInvalidPrincipal).Mark(ierr.ErrValidation)
	}
	if req.Amount <= 0 {
		return result, ierr.WithError(quotadomain.ErrInvalidAmount).
			WithHint("amount must be a positive integer").
			Mark(ierr.ErrValidation)
	}
	if key == "" {
		return result, ierr.WithError(quotadomain.ErrEmptyFeatureKey).Mark(ierr.ErrValidation)
	}
	if !s.catalog.IsNumericKey(key) {
		return result, ierr.NewErrorf("feature %q is not a numeric quota in any plan", key).
			WithHintf("%s cannot be allocated", key).
			Mark(ierr.ErrInvalidFeatureKey)
	}

	attempts := 0
	op := func() (quotadomain.AllocationResult, error) {
		attempts++
		return s.tryAllocate(ctx, req.PrincipalID, key, req.Amount, now, attempts)
	}

	result, err = backoff.RetryWithData(op, s.newBackOff(ctx))
	switch {
	case err == nil:
		s.entitlements.Invalidate(req.PrincipalID)
		s.instruments.RecordAllocatedUnits(ctx, key, req.Amount)
		s.log.Debug("quota.allocated",
			zap.String("principal_id", req.PrincipalID.String()),
			zap.String("grant_id", result.GrantID.String()),
			zap.String("feature_key", key),
			zap.Int64("amount", req.Amount),
			zap.Int("attempts", result.Attempts),
		)
		return result, nil
	case errors.Is(err, errVersionConflict) || db.IsTransientErr(err):
		s.log.Warn("quota.allocate.contention",
			zap.String("principal_id", req.PrincipalID.String()),
			zap.String("feature_key", key),
			zap.Int("attempts", attempts),
		)
		return result, ierr.WithError(err).
			WithHint("allocation kept conflicting with concurrent writers, retry later").
			Mark(ierr.ErrContention)
	default:
		return result, err
	}
}

func (s *Service) tryAllocate(ctx context.Context, principalID snowflake.ID, key string, amount int64, now time.Time, attempt int) (quotadomain.AllocationResult, error) {
	if err := ctx.Err(); err != nil {
		return quotadomain.AllocationResult{}, backoff.Permanent(err)
	}

	grants, err := s.repo.ListEligibleByPrincipal(ctx, s.db, principalID, now)
	if err != nil {
		if db.IsTransientErr(err) {
			return quotadomain.AllocationResult{}, err
		}
		return quotadomain.AllocationResult{}, backoff.Permanent(err)
	}
	if len(grants) == 0 {
		return quotadomain.AllocationResult{}, backoff.Permanent(
			ierr.NewErrorf("principal %s has no eligible grant", principalID).
				WithHint("an active paid subscription is required").
				Mark(ierr.ErrNoEligibleGrant))
	}

	chosen, limit, ok := s.pick(grants, key, amount)
	if !ok {
		return quotadomain.AllocationResult{}, backoff.Permanent(
			ierr.NewErrorf("no grant has %d spare %s", amount, key).
				WithHintf("the %s quota is used up", key).
				Mark(ierr.ErrQuotaExceeded))
	}

	usage := chosen.Usage.Data().With(key, amount)
	swapped, err := s.repo.CompareAndSwapUsage(ctx, s.db, chosen.ID, chosen.Version, usage, now)
	if err != nil {
		if db.IsTransientErr(err) {
			return quotadomain.AllocationResult{}, err
		}
		return quotadomain.AllocationResult{}, backoff.Permanent(err)
	}
	if !swapped {
		s.metrics.IncAllocationConflict(key)
		return quotadomain.AllocationResult{}, errVersionConflict
	}

	return quotadomain.AllocationResult{
		GrantID:    chosen.ID,
		FeatureKey: key,
		Amount:     amount,
		UsedAfter:  usage.Get(key),
		GrantLimit: limit,
		Attempts:   attempt,
	}, nil
}

// pick returns the first grant, in repository order, with room for amount.
func (s *Service) pick(grants []grantdomain.Grant, key string, amount int64) (grantdomain.Grant, int64, bool) {
	for _, g := range grants {
		plan, ok := s.catalog.Plan(g.PlanID)
		if !ok || !plan.IsNumeric(key) {
			continue
		}
		limit := plan.Limit(key)
		if limit-g.UsageOf(key) >= amount {
			return g, limit, true
		}
	}
	return grantdomain.Grant{}, 0, false
}

func (s *Service) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.initialBackoff
	exp.MaxInterval = s.maxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.maxAttempts-1)), ctx)
}

func (s *Service) CheckCapability(ctx context.Context, principalID snowflake.ID, key string, now time.Time) (err error) {
	key = strings.TrimSpace(key)
	defer func() { s.metrics.ObserveCapabilityCheck(key, err) }()

	if key == "" {
		return ierr.WithError(quotadomain.ErrEmptyFeatureKey).Mark(ierr.ErrValidation)
	}
	if now.IsZero() {
		now = s.clock.Now()
	}

	ent, err := s.entitlements.Cached(ctx, principalID, now)
	if err != nil {
		return err
	}
	return requireCapability(ent, key)
}

// CheckConcurrentCap admits one more holder of a capped capability while
// the live count is below the numeric limit. The usage ledger is not read
// or written.
func (s *Service) CheckConcurrentCap(ctx context.Context, req quotadomain.ConcurrentCapRequest) (err error) {
	capability := strings.TrimSpace(req.CapabilityKey)
	limitKey := strings.TrimSpace(req.LimitKey)
	defer func() { s.metrics.ObserveCapabilityCheck(capability, err) }()

	if capability == "" || limitKey == "" {
		return ierr.WithError(quotadomain.ErrEmptyFeatureKey).Mark(ierr.ErrValidation)
	}
	now := req.Now
	if now.IsZero() {
		now = s.clock.Now()
	}

	ent, err := s.entitlements.Compute(ctx, req.PrincipalID, now)
	if err != nil {
		return err
	}
	if err := requireCapability(ent, capability); err != nil {
		return err
	}

	live, err := s.live.CountLivePremiumItems(ctx, req.PrincipalID)
	if err != nil {
		return ierr.WithError(err).WithMessage("count live items").Error()
	}
	if limit := ent.Limit(limitKey); live >= limit {
		return ierr.NewErrorf("%d of %d %s in use", live, limit, limitKey).
			WithHintf("the %s cap is reached", limitKey).
			Mark(ierr.ErrQuotaExceeded)
	}
	return nil
}

func (s *Service) ResetUsage(ctx context.Context, grantID snowflake.ID, featureKey string) (grantdomain.Grant, error) {
	g, err := s.grants.ResetUsage(ctx, grantID, featureKey)
	if err != nil {
		return grantdomain.Grant{}, err
	}
	s.entitlements.Invalidate(g.PrincipalID)
	return g, nil
}

func requireCapability(ent entitlementdomain.EffectiveEntitlement, key string) error {
	if ent.IsEmpty() {
		return ierr.NewErrorf("principal %s has no eligible grant", ent.PrincipalID).
			WithHint("an active paid subscription is required").
			Mark(ierr.ErrNoEligibleGrant)
	}
	if !ent.Has(key) {
		return ierr.NewErrorf("capability %q not granted", key).
			WithHintf("upgrade to a plan that includes %s", key).
			Mark(ierr.ErrCapabilityNotGranted)
	}
	return nil
}
