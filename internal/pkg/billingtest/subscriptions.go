package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/subscription"
)

// SubscriptionRepo is an in-memory subscription.Repository. Like the SQL
// table it rejects a second row after the same predecessor of a member.
type SubscriptionRepo struct {
	mu     sync.Mutex
	nextID uint
	rows   []*models.Subscription

	// AfterCurrent runs after every Current read, outside the lock.
	AfterCurrent func()
}

var _ subscription.Repository = (*SubscriptionRepo)(nil)

func NewSubscriptionRepo() *SubscriptionRepo {
	return &SubscriptionRepo{}
}

func (r *SubscriptionRepo) Create(ctx context.Context, subs ...*models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	type link struct{ member, previous uint }
	taken := make(map[link]bool, len(r.rows)+len(subs))
	for _, s := range r.rows {
		taken[link{s.MemberID, s.PreviousID}] = true
	}
	for _, s := range subs {
		l := link{s.MemberID, s.PreviousID}
		if taken[l] {
			return subscription.ErrConflict
		}
		taken[l] = true
	}

	for _, s := range subs {
		r.nextID++
		s.ID = r.nextID
		s.CreatedAt = time.Now()
		c := *s
		r.rows = append(r.rows, &c)
	}
	return nil
}

func (r *SubscriptionRepo) current(memberID uint) *models.Subscription {
	var best *models.Subscription
	for _, s := range r.rows {
		if s.MemberID != memberID {
			continue
		}
		if best == nil || s.StartedAt.After(best.StartedAt) || (s.StartedAt.Equal(best.StartedAt) && s.ID > best.ID) {
			best = s
		}
	}
	return best
}

func (r *SubscriptionRepo) Current(ctx context.Context, memberID uint) (*models.Subscription, error) {
	r.mu.Lock()
	cur := r.current(memberID)
	var c models.Subscription
	if cur != nil {
		c = *cur
	}
	r.mu.Unlock()

	if r.AfterCurrent != nil {
		r.AfterCurrent()
	}
	if cur == nil {
		return nil, subscription.ErrNotFound
	}
	return &c, nil
}

func (r *SubscriptionRepo) ByOrderID(ctx context.Context, memberID uint, orderID string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if s.MemberID == memberID && s.OrderID == orderID {
			c := *s
			return &c, nil
		}
	}
	return nil, subscription.ErrNotFound
}

func (r *SubscriptionRepo) Latest(ctx context.Context, filter subscription.LatestFilter) ([]models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[uint]bool)
	var out []models.Subscription
	for _, s := range r.rows {
		if seen[s.MemberID] {
			continue
		}
		seen[s.MemberID] = true
		cur := r.current(s.MemberID)
		if cur.Status != models.SubscriptionStatusActive || cur.ExpiredAt.After(filter.ExpiredBefore) {
			continue
		}
		if filter.AutoRenew != nil && cur.IsAutoRenew != *filter.AutoRenew {
			continue
		}
		if !filter.After.Follows(*cur) {
			continue
		}
		out = append(out, *cur)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiredAt.Equal(out[j].ExpiredAt) {
			return out[i].ExpiredAt.Before(out[j].ExpiredAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *SubscriptionRepo) SetAutoRenew(ctx context.Context, id uint, autoRenew bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.rows {
		if s.ID == id {
			s.IsAutoRenew = autoRenew
		}
	}
	return nil
}

// ByMember returns the member's rows in insertion order.
func (r *SubscriptionRepo) ByMember(memberID uint) []models.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Subscription
	for _, s := range r.rows {
		if s.MemberID == memberID {
			out = append(out, *s)
		}
	}
	return out
}
