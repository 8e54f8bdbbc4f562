package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	aggregatedomain "github.com/smallbiznis/quotaengine/internal/aggregate/domain"
	"github.com/smallbiznis/quotaengine/internal/cache"
	entitlementdomain "github.com/smallbiznis/quotaengine/internal/entitlement/domain"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
	grantdomain "github.com/smallbiznis/quotaengine/internal/grant/domain"
	"github.com/smallbiznis/quotaengine/internal/observability/metrics"
	plandomain "github.com/smallbiznis/quotaengine/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Repo       grantdomain.Repository
	Catalog    plandomain.Catalog
	Cache      cache.EntitlementCache
	Aggregates aggregatedomain.Service
	Metrics    *metrics.EngineMetrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	repo       grantdomain.Repository
	catalog    plandomain.Catalog
	cache      cache.EntitlementCache
	aggregates aggregatedomain.Service
	metrics    *metrics.EngineMetrics
}

func New(p Params) entitlementdomain.Service {
	entCache := p.Cache
	if entCache == nil {
		entCache = cache.NewEntitlementCache(0)
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("entitlement.service"),
		repo:       p.Repo,
		catalog:    p.Catalog,
		cache:      entCache,
		aggregates: p.Aggregates,
		metrics:    p.Metrics,
	}
}

func (s *Service) Compute(ctx context.Context, principalID snowflake.ID, now time.Time) (entitlementdomain.EffectiveEntitlement, error) {
	if principalID == 0 {
		return entitlementdomain.EffectiveEntitlement{}, ierr.NewError("principal id is required").Mark(ierr.ErrValidation)
	}
	now = now.UTC()

	grants, err := s.repo.ListEligibleByPrincipal(ctx, s.db, principalID, now)
	if err != nil {
		return entitlementdomain.EffectiveEntitlement{}, ierr.WithError(err).WithMessage("list eligible grants").Error()
	}

	unknown := lo.Filter(grants, func(g grantdomain.Grant, _ int) bool {
		_, ok := s.catalog.Plan(g.PlanID)
		return !ok
	})
	for _, g := range unknown {
		s.log.Warn("entitlement.plan.unknown",
			zap.String("principal_id", principalID.String()),
			zap.String("grant_id", g.ID.String()),
			zap.String("plan_id", g.PlanID),
		)
	}

	return Aggregate(principalID, grants, s.catalog, now), nil
}

func (s *Service) Cached(ctx context.Context, principalID snowflake.ID, now time.Time) (entitlementdomain.EffectiveEntitlement, error) {
	if ent, ok := s.cache.Get(principalID, now); ok {
		s.metrics.IncCacheLookup(true)
		return ent, nil
	}
	s.metrics.IncCacheLookup(false)

	ent, err := s.Compute(ctx, principalID, now)
	if err != nil {
		return entitlementdomain.EffectiveEntitlement{}, err
	}
	s.cache.Set(ent)
	return ent, nil
}

func (s *Service) Refresh(ctx context.Context, principalID snowflake.ID, now time.Time) (entitlementdomain.EffectiveEntitlement, error) {
	ent, err := s.Compute(ctx, principalID, now)
	if err != nil {
		return entitlementdomain.EffectiveEntitlement{}, err
	}

	if ent.IsEmpty() {
		err = s.aggregates.ClearEntitlementSummary(ctx, principalID)
	} else {
		err = s.aggregates.SetEntitlementSummary(ctx, principalID, ent.Summary())
	}
	if err != nil {
		return entitlementdomain.EffectiveEntitlement{}, err
	}
	s.cache.Set(ent)
	return ent, nil
}

func (s *Service) Invalidate(principalID snowflake.ID) {
	s.cache.Invalidate(principalID)
}
