// Package billing owns the plan catalog and the member tier that a paid
// subscription grants.
package billing

import (
	"context"
	"fmt"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LingoBill/app/models"
)

// Service resolves plans and keeps member tiers in line with payments.
type Service struct {
	repo Repository
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db))
}

// Lookup resolves the active plan sold for tier and period.
func (s *Service) Lookup(ctx context.Context, periodMonths int, tier string) (*models.Plan, error) {
	period := normalizePeriod(periodMonths)
	if period == 0 || !isPurchasableTier(tier) {
		return nil, fmt.Errorf("%w: tier %q period %d", ErrInvalidPlan, tier, periodMonths)
	}
	return s.repo.FindActivePlan(ctx, normalizeTier(tier), period)
}

// Plan loads a plan by id, active or not. Renewals keep billing retired plans.
func (s *Service) Plan(ctx context.Context, id uint) (*models.Plan, error) {
	if id == 0 {
		return nil, ErrPlanNotFound
	}
	return s.repo.FindPlanByID(ctx, id)
}

// Member loads the member profile subset used for billing.
func (s *Service) Member(ctx context.Context, id uint) (*models.Member, error) {
	if id == 0 {
		return nil, ErrMemberNotFound
	}
	return s.repo.FindMember(ctx, id)
}

// ApplyPlan grants the member the tier of plan.
func (s *Service) ApplyPlan(ctx context.Context, memberID uint, plan *models.Plan) (string, error) {
	if plan == nil {
		return "", ErrPlanNotFound
	}
	tier := normalizeTier(plan.Tier)
	if err := s.repo.UpdateMemberTier(ctx, memberID, tier); err != nil {
		return "", err
	}
	log.Infof("[Billing] Member %d now on tier %s (plan %d)", memberID, tier, plan.ID)
	return tier, nil
}

// DowngradeToBase returns the member to the base tier.
func (s *Service) DowngradeToBase(ctx context.Context, memberID uint) error {
	if err := s.repo.UpdateMemberTier(ctx, memberID, models.MemberTierBasic); err != nil {
		return err
	}
	log.Infof("[Billing] Member %d downgraded to %s", memberID, models.MemberTierBasic)
	return nil
}
