// Package subscription keeps the append-only history of member subscription
// periods. The current subscription of a member is the row with the latest
// start.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LingoBill/app/models"
)

var (
	ErrNotFound     = errors.New("subscription: not found")
	ErrInvalidInput = errors.New("subscription: invalid input")
	// ErrConflict means another row was appended after the same predecessor
	// first.
	ErrConflict = errors.New("subscription: concurrent append")
)

// appendAttempts bounds how often an append is recomputed after losing a
// race on the member's chain.
const appendAttempts = 5

// Ledger appends and queries subscription periods.
type Ledger struct {
	repo Repository
	now  func() time.Time
}

// NewLedger creates a ledger from an injected repository.
func NewLedger(repo Repository) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

// NewLedgerFromDB creates a ledger from a GORM DB handle.
func NewLedgerFromDB(db *gorm.DB) *Ledger {
	return NewLedger(NewRepository(db))
}

// Current returns the member's latest row or ErrNotFound.
func (l *Ledger) Current(ctx context.Context, memberID uint) (*models.Subscription, error) {
	return l.repo.Current(ctx, memberID)
}

// Extend appends a period of plan bought by orderID. It starts when the
// member's active period ends, or now when there is none. Extending with an
// order that already bought a period returns that period.
func (l *Ledger) Extend(ctx context.Context, memberID uint, plan *models.Plan, autoRenew bool, orderID string) (*models.Subscription, error) {
	if memberID == 0 || plan == nil {
		return nil, fmt.Errorf("%w: member and plan are required", ErrInvalidInput)
	}

	sub, err := l.appendRow(ctx, memberID, orderID, func(cur *models.Subscription) (*models.Subscription, error) {
		now := l.now().Truncate(time.Second)
		start := now
		if cur != nil && cur.Status == models.SubscriptionStatusActive && cur.ExpiredAt.After(now) {
			start = cur.ExpiredAt
		}
		start = startAfter(cur, start)
		return &models.Subscription{
			MemberID:    memberID,
			PlanID:      plan.ID,
			OrderID:     orderID,
			StartedAt:   start,
			ExpiredAt:   plan.EndOf(start),
			Status:      models.SubscriptionStatusActive,
			IsAutoRenew: autoRenew,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	log.Infof("[Subscription] Extended member %d with plan %d until %s", memberID, plan.ID, sub.ExpiredAt.Format(time.RFC3339))
	return sub, nil
}

// Renew appends the period following current, bought by orderID. When the
// member already has a row for the order, or one starting at or after
// current's end, that row is returned instead so a resumed renewal never
// appends twice.
func (l *Ledger) Renew(ctx context.Context, current *models.Subscription, plan *models.Plan, orderID string) (*models.Subscription, error) {
	if current == nil || plan == nil {
		return nil, fmt.Errorf("%w: current subscription and plan are required", ErrInvalidInput)
	}

	return l.appendRow(ctx, current.MemberID, orderID, func(latest *models.Subscription) (*models.Subscription, error) {
		if latest != nil && latest.ID != current.ID && !latest.StartedAt.Before(current.ExpiredAt) {
			return latest, nil
		}
		return &models.Subscription{
			MemberID:    current.MemberID,
			PlanID:      plan.ID,
			OrderID:     orderID,
			StartedAt:   startAfter(latest, current.ExpiredAt),
			ExpiredAt:   plan.EndOf(current.ExpiredAt),
			Status:      models.SubscriptionStatusActive,
			IsAutoRenew: current.IsAutoRenew,
		}, nil
	})
}

// appendRow links the row built from the member's current row to it and
// inserts it. Losing the race for the current row rebuilds the row on top of
// the winner. A row the builder returns with an id is already stored.
func (l *Ledger) appendRow(ctx context.Context, memberID uint, orderID string, build func(cur *models.Subscription) (*models.Subscription, error)) (*models.Subscription, error) {
	for attempt := 1; ; attempt++ {
		if orderID != "" {
			sub, err := l.repo.ByOrderID(ctx, memberID, orderID)
			if err == nil {
				return sub, nil
			}
			if !errors.Is(err, ErrNotFound) {
				return nil, err
			}
		}

		cur, err := l.repo.Current(ctx, memberID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		sub, err := build(cur)
		if err != nil || sub.ID != 0 {
			return sub, err
		}
		if cur != nil {
			sub.PreviousID = cur.ID
		}

		err = l.repo.Create(ctx, sub)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, ErrConflict) || attempt == appendAttempts {
			return nil, err
		}
		log.Warnf("[Subscription] Concurrent append for member %d, retrying (%d/%d)", memberID, attempt, appendAttempts)
	}
}

// startAfter keeps starts strictly increasing along the chain.
func startAfter(cur *models.Subscription, t time.Time) time.Time {
	if cur != nil && !t.After(cur.StartedAt) {
		return cur.StartedAt.Add(time.Second)
	}
	return t
}

// MarkExpired appends an EXPIRED marker unless the current row already is
// one. changed reports whether a row was written.
func (l *Ledger) MarkExpired(ctx context.Context, memberID uint) (*models.Subscription, bool, error) {
	changed := false
	marker, err := l.appendRow(ctx, memberID, "", func(cur *models.Subscription) (*models.Subscription, error) {
		changed = false
		if cur == nil {
			return nil, ErrNotFound
		}
		if cur.Status == models.SubscriptionStatusExpired {
			return cur, nil
		}
		changed = true
		return l.expiredMarker(cur), nil
	})
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return marker, changed, nil
}

// expiredMarker takes effect now, not at the end of the paid period, to match
// the tier downgrade that accompanies it. A renewal declined inside the
// lookahead window forfeits at most that window.
func (l *Ledger) expiredMarker(cur *models.Subscription) *models.Subscription {
	at := startAfter(cur, l.now().Truncate(time.Second))
	return &models.Subscription{
		MemberID:   cur.MemberID,
		PreviousID: cur.ID,
		PlanID:     cur.PlanID,
		StartedAt:  at,
		ExpiredAt:  at,
		Status:     models.SubscriptionStatusExpired,
	}
}

// DueForRenewal returns current auto-renew subscriptions ending at or before
// at, ordered by end then id, in one query. Pass the cursor of the last row
// of a page to read the next one.
func (l *Ledger) DueForRenewal(ctx context.Context, at time.Time, after *Cursor, limit int) ([]models.Subscription, error) {
	autoRenew := true
	return l.repo.Latest(ctx, LatestFilter{ExpiredBefore: at, AutoRenew: &autoRenew, After: after, Limit: limit})
}

// ExpireOverdue appends EXPIRED markers for every member whose current period
// has ended. Auto-renew periods get grace on top so the renewal sweep can
// still pick them up. It returns the markers written.
func (l *Ledger) ExpireOverdue(ctx context.Context, now time.Time, grace time.Duration) ([]*models.Subscription, error) {
	manual := false
	due, err := l.repo.Latest(ctx, LatestFilter{ExpiredBefore: now, AutoRenew: &manual})
	if err != nil {
		return nil, err
	}
	autoRenew := true
	stale, err := l.repo.Latest(ctx, LatestFilter{ExpiredBefore: now.Add(-grace), AutoRenew: &autoRenew})
	if err != nil {
		return nil, err
	}
	due = append(due, stale...)

	markers := make([]*models.Subscription, 0, len(due))
	for i := range due {
		markers = append(markers, l.expiredMarker(&due[i]))
	}
	err = l.repo.Create(ctx, markers...)
	if !errors.Is(err, ErrConflict) {
		if err != nil {
			return nil, err
		}
		return markers, nil
	}

	// some members changed since the query; expire the rest one by one
	written := markers[:0]
	for _, m := range markers {
		m.ID = 0
		if err := l.repo.Create(ctx, m); err != nil {
			if errors.Is(err, ErrConflict) {
				log.Infof("[Subscription] Member %d changed during expiry, skipping", m.MemberID)
				continue
			}
			return written, err
		}
		written = append(written, m)
	}
	return written, nil
}

// CancelAutoRenew turns auto renewal off on the member's current row. The
// period already paid for stays active.
func (l *Ledger) CancelAutoRenew(ctx context.Context, memberID uint) (*models.Subscription, error) {
	cur, err := l.repo.Current(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if !cur.IsAutoRenew {
		return cur, nil
	}
	if err := l.repo.SetAutoRenew(ctx, cur.ID, false); err != nil {
		return nil, err
	}
	cur.IsAutoRenew = false
	log.Infof("[Subscription] Auto renewal canceled for member %d", memberID)
	return cur, nil
}
