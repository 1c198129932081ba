package billing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/billing"
	"github.com/ManuelReschke/LingoBill/internal/pkg/billingtest"
)

func newCatalog() (*billing.Service, *billingtest.CatalogRepo) {
	repo := billingtest.NewCatalogRepo()
	repo.AddPlan(models.Plan{ID: 1, Name: "Standard 1M", Tier: models.MemberTierStandard, PeriodMonths: 1, Amount: 9900, IsActive: true})
	repo.AddPlan(models.Plan{ID: 2, Name: "Premium 6M", Tier: models.MemberTierPremium, PeriodMonths: 6, Amount: 43200, IsActive: true})
	repo.AddPlan(models.Plan{ID: 3, Name: "Premium 1M (retired)", Tier: models.MemberTierPremium, PeriodMonths: 1, Amount: 8900, IsActive: false})
	repo.AddMember(models.Member{ID: 7, Email: "kim@example.com"})
	return billing.NewService(repo), repo
}

func TestService_Lookup(t *testing.T) {
	s, _ := newCatalog()
	ctx := context.Background()

	p, err := s.Lookup(ctx, 6, "premium")
	require.NoError(t, err)
	assert.Equal(t, uint(2), p.ID)
	assert.Equal(t, int64(43200), p.Amount)

	_, err = s.Lookup(ctx, 1, "PREMIUM")
	assert.ErrorIs(t, err, billing.ErrPlanNotFound, "inactive plans are not sold")

	_, err = s.Lookup(ctx, 2, "PREMIUM")
	assert.ErrorIs(t, err, billing.ErrInvalidPlan)

	_, err = s.Lookup(ctx, 1, "BASIC")
	assert.ErrorIs(t, err, billing.ErrInvalidPlan)
}

func TestService_PlanLoadsRetiredPlans(t *testing.T) {
	s, _ := newCatalog()
	p, err := s.Plan(context.Background(), 3)
	require.NoError(t, err)
	assert.False(t, p.IsActive)

	_, err = s.Plan(context.Background(), 0)
	assert.ErrorIs(t, err, billing.ErrPlanNotFound)
}

func TestService_ApplyPlanAndDowngrade(t *testing.T) {
	s, repo := newCatalog()
	ctx := context.Background()

	p, err := s.Plan(ctx, 2)
	require.NoError(t, err)
	tier, err := s.ApplyPlan(ctx, 7, p)
	require.NoError(t, err)
	assert.Equal(t, models.MemberTierPremium, tier)
	assert.Equal(t, models.MemberTierPremium, repo.Tier(7))

	require.NoError(t, s.DowngradeToBase(ctx, 7))
	assert.Equal(t, models.MemberTierBasic, repo.Tier(7))

	assert.ErrorIs(t, s.DowngradeToBase(ctx, 99), billing.ErrMemberNotFound)
}

func TestService_Member(t *testing.T) {
	s, _ := newCatalog()
	m, err := s.Member(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, "kim@example.com", m.Email)

	_, err = s.Member(context.Background(), 0)
	assert.ErrorIs(t, err, billing.ErrMemberNotFound)
}
