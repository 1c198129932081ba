package billingtest

import (
	"context"
	"sync"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/billing"
)

// CatalogRepo is an in-memory billing.Repository.
type CatalogRepo struct {
	mu      sync.Mutex
	plans   map[uint]*models.Plan
	members map[uint]*models.Member
}

var _ billing.Repository = (*CatalogRepo)(nil)

func NewCatalogRepo() *CatalogRepo {
	return &CatalogRepo{
		plans:   make(map[uint]*models.Plan),
		members: make(map[uint]*models.Member),
	}
}

// AddPlan stores p. p.ID must be set.
func (r *CatalogRepo) AddPlan(p models.Plan) *models.Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[p.ID] = &p
	return &p
}

// AddMember stores m. m.ID must be set.
func (r *CatalogRepo) AddMember(m models.Member) *models.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.Tier == "" {
		m.Tier = models.MemberTierBasic
	}
	r.members[m.ID] = &m
	return &m
}

// Tier returns the member's stored tier.
func (r *CatalogRepo) Tier(memberID uint) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[memberID]; ok {
		return m.Tier
	}
	return ""
}

func (r *CatalogRepo) FindActivePlan(ctx context.Context, tier string, periodMonths int) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.plans {
		if p.Tier == tier && p.PeriodMonths == periodMonths && p.IsActive {
			c := *p
			return &c, nil
		}
	}
	return nil, billing.ErrPlanNotFound
}

func (r *CatalogRepo) FindPlanByID(ctx context.Context, id uint) (*models.Plan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.plans[id]; ok {
		c := *p
		return &c, nil
	}
	return nil, billing.ErrPlanNotFound
}

func (r *CatalogRepo) FindMember(ctx context.Context, id uint) (*models.Member, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.members[id]; ok {
		c := *m
		return &c, nil
	}
	return nil, billing.ErrMemberNotFound
}

func (r *CatalogRepo) UpdateMemberTier(ctx context.Context, memberID uint, tier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.members[memberID]
	if !ok {
		return billing.ErrMemberNotFound
	}
	m.Tier = tier
	return nil
}
