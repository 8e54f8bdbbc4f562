package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	aggregatedomain "github.com/smallbiznis/quotaengine/internal/aggregate/domain"
	"github.com/smallbiznis/quotaengine/internal/clock"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  aggregatedomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  aggregatedomain.Repository
}

func New(p Params) aggregatedomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("aggregate.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// SetPrincipalStatus never lifts or overwrites a ban.
func (s *Service) SetPrincipalStatus(ctx context.Context, principalID snowflake.ID, status aggregatedomain.PrincipalStatus) error {
	if principalID == 0 {
		return ierr.NewError("principal id is required").Mark(ierr.ErrValidation)
	}
	switch status {
	case aggregatedomain.PrincipalStatusActive, aggregatedomain.PrincipalStatusInactive, aggregatedomain.PrincipalStatusBanned:
	default:
		return ierr.NewErrorf("unknown principal status %q", status).Mark(ierr.ErrValidation)
	}

	var keep []aggregatedomain.PrincipalStatus
	if status != aggregatedomain.PrincipalStatusBanned {
		keep = []aggregatedomain.PrincipalStatus{aggregatedomain.PrincipalStatusBanned}
	}
	if err := s.repo.SetPrincipalStatus(ctx, s.db, principalID, status, keep, s.clock.Now()); err != nil {
		return ierr.WithError(err).WithMessage("set principal status").Error()
	}
	return nil
}

func (s *Service) SetEntitlementSummary(ctx context.Context, principalID snowflake.ID, summary map[string]any) error {
	if principalID == 0 {
		return ierr.NewError("principal id is required").Mark(ierr.ErrValidation)
	}
	if err := s.repo.SetEntitlementSummary(ctx, s.db, principalID, summary, s.clock.Now()); err != nil {
		return ierr.WithError(err).WithMessage("set entitlement summary").Error()
	}
	return nil
}

func (s *Service) ClearEntitlementSummary(ctx context.Context, principalID snowflake.ID) error {
	if err := s.repo.ClearEntitlementSummary(ctx, s.db, principalID, s.clock.Now()); err != nil {
		return ierr.WithError(err).WithMessage("clear entitlement summary").Error()
	}
	return nil
}

func (s *Service) SetStorefrontStatus(ctx context.Context, storefrontID snowflake.ID, status aggregatedomain.StorefrontStatus) error {
	switch status {
	case aggregatedomain.StorefrontStatusActive, aggregatedomain.StorefrontStatusInactive:
	default:
		return ierr.NewErrorf("unknown storefront status %q", status).Mark(ierr.ErrValidation)
	}
	if err := s.repo.SetStorefrontStatus(ctx, s.db, storefrontID, status, s.clock.Now()); err != nil {
		return ierr.WithError(err).WithMessage("set storefront status").Error()
	}
	return nil
}

func (s *Service) ClearPremiumFlag(ctx context.Context, itemID snowflake.ID) error {
	if err := s.repo.ClearPremiumFlag(ctx, s.db, itemID, s.clock.Now()); err != nil {
		return ierr.WithError(err).WithMessage("clear premium flag").Error()
	}
	return nil
}

func (s *Service) StorefrontIDs(ctx context.Context, principalID snowflake.ID) ([]snowflake.ID, error) {
	return s.repo.ListStorefrontIDs(ctx, s.db, principalID)
}

func (s *Service) PremiumItemIDs(ctx context.Context, principalID snowflake.ID) ([]snowflake.ID, error) {
	return s.repo.ListPremiumItemIDs(ctx, s.db, principalID)
}

func (s *Service) CountLivePremiumItems(ctx context.Context, principalID snowflake.ID) (int64, error) {
	return s.repo.CountLivePremiumItems(ctx, s.db, principalID)
}
