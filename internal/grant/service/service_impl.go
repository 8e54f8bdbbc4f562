package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/quotaengine/internal/cache"
	"github.com/smallbiznis/quotaengine/internal/clock"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	plandomain "github.com/smallbiznis/quotaengine/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const resetMaxAttempts = 3

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    grantdomain.Repository
	Catalog plandomain.Catalog
	Cache   cache.EntitlementCache `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    grantdomain.Repository
	catalog plandomain.Catalog
	cache   cache.EntitlementCache
}

func New(p Params) grantdomain.Service {
	entCache := p.Cache
	if entCache == nil {
		entCache = cache.NewEntitlementCache(0)
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("grant.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		catalog: p.Catalog,
		cache:   entCache,
	}
}

// Create issues a grant at checkout or trial start. The grant starts active
// with an empty usage ledger. An empty payment state is recorded as PENDING.
func (s *Service) Create(ctx context.Context, req grantdomain.CreateGrantRequest) (grantdomain.Grant, error) {
	if req.PrincipalID == 0 {
		return grantdomain.Grant{}, ierr.WithError(grantdomain.ErrInvalidPrincipal).Mark(ierr.ErrValidation)
	}

	planID := strings.TrimSpace(req.PlanID)
	if _, ok := s.catalog.Plan(planID); !ok {
		return grantdomain.Grant{}, ierr.WithError(grantdomain.ErrInvalidPlan).
			WithHintf("plan %q is not in the catalog", planID).
			Mark(ierr.ErrValidation)
	}

	state := req.PaymentState
	if state == "" {
		state = grantdomain.PaymentStatePending
	}
	if !state.Valid() {
		return grantdomain.Grant{}, ierr.WithError(grantdomain.ErrInvalidPaymentState).Mark(ierr.ErrValidation)
	}

	now := s.clock.Now()
	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}
	if req.ValidTo.IsZero() || !req.ValidTo.After(validFrom) {
		return grantdomain.Grant{}, ierr.WithError(grantdomain.ErrInvalidPeriod).
			WithHint("valid_to must be after valid_from").
			Mark(ierr.ErrValidation)
	}

	grant := grantdomain.Grant{
		ID:           s.genID.Generate(),
		PrincipalID:  req.PrincipalID,
		PlanID:       planID,
		ValidFrom:    validFrom.UTC(),
		ValidTo:      req.ValidTo.UTC(),
		PaymentState: state,
		Active:       true,
		Usage:        datatypes.NewJSONType(grantdomain.Usage{}),
		BillingCycle: strings.TrimSpace(req.BillingCycle),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.Insert(ctx, s.db, &grant); err != nil {
		return grantdomain.Grant{}, ierr.WithError(err).WithMessage("insert grant").Error()
	}
	s.cache.Invalidate(grant.PrincipalID)

	s.log.Info("grant.created",
		zap.String("grant_id", grant.ID.String()),
		zap.String("principal_id", grant.PrincipalID.String()),
		zap.String("plan_id", grant.PlanID),
		zap.Time("valid_to", grant.ValidTo),
		zap.String("payment_state", string(grant.PaymentState)),
	)
	return grant, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (grantdomain.Grant, error) {
	grant, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return grantdomain.Grant{}, err
	}
	if grant == nil {
		return grantdomain.Grant{}, ierr.WithError(grantdomain.ErrGrantNotFound).Mark(ierr.ErrNotFound)
	}
	return *grant, nil
}

func (s *Service) ListByPrincipal(ctx context.Context, principalID snowflake.ID) ([]grantdomain.Grant, error) {
	if principalID == 0 {
		return nil, ierr.WithError(grantdomain.ErrInvalidPrincipal).Mark(ierr.ErrValidation)
	}
	return s.repo.ListByPrincipal(ctx, s.db, principalID)
}

// UpdatePaymentState records the payment collaborator's verdict. Moving a
// grant away from PAID removes it from entitlement on the next read.
func (s *Service) UpdatePaymentState(ctx context.Context, id snowflake.ID, state grantdomain.PaymentState) (grantdomain.Grant, error) {
	if !state.Valid() {
		return grantdomain.Grant{}, ierr.WithError(grantdomain.ErrInvalidPaymentState).Mark(ierr.ErrValidation)
	}
	ok, err := s.repo.UpdatePaymentState(ctx, s.db, id, state, s.clock.Now())
	if err != nil {
		return grantdomain.Grant{}, err
	}
	if !ok {
		return grantdomain.Grant{}, ierr.WithError(grantdomain.ErrGrantNotFound).Mark(ierr.ErrNotFound)
	}
	grant, err := s.Get(ctx, id)
	if err != nil {
		return grantdomain.Grant{}, err
	}
	s.cache.Invalidate(grant.PrincipalID)
	return grant, nil
}

func (s *Service) ResetUsage(ctx context.Context, id snowflake.ID, featureKey string) (grantdomain.Grant, error) {
	featureKey = strings.TrimSpace(featureKey)
	if featureKey == "" {
		return grantdomain.Grant{}, ierr.WithError(grantdomain.ErrInvalidFeatureKey).Mark(ierr.ErrValidation)
	}

	for attempt := 1; attempt <= resetMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return grantdomain.Grant{}, err
		}
		grant, err := s.Get(ctx, id)
		if err != nil {
			return grantdomain.Grant{}, err
		}
		if !grant.Active {
			return grantdomain.Grant{}, ierr.NewError("grant is no longer active").
				WithHint("usage of a retired grant cannot be reset").
				Mark(ierr.ErrValidation)
		}
		if grant.UsageOf(featureKey) == 0 {
			return grant, nil
		}

		usage := grant.Usage.Data().Without(featureKey)
		swapped, err := s.repo.CompareAndSwapUsage(ctx, s.db, id, grant.Version, usage, s.clock.Now())
		if err != nil {
			return grantdomain.Grant{}, err
		}
		if swapped {
			s.log.Info("grant.usage.reset",
				zap.String("grant_id", id.String()),
				zap.String("feature_key", featureKey),
				zap.Int64("previous", grant.UsageOf(featureKey)),
			)
			s.cache.Invalidate(grant.PrincipalID)
			return s.Get(ctx, id)
		}
	}
	return grantdomain.Grant{}, ierr.WithError(grantdomain.ErrUsageConflict).
		WithHint("usage changed concurrently, retry later").
		Mark(ierr.ErrContention)
}
