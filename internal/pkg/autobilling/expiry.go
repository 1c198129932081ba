package autobilling

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LingoBill/app/models"
)

type Expirer interface {
	ExpireOverdue(ctx context.Context, now time.Time, grace time.Duration) ([]*models.Subscription, error)
}

type Downgrader interface {
	DowngradeToBase(ctx context.Context, memberID uint) error
}

// ExpirySweeper closes periods nobody paid for and drops those members to
// the base tier.
type ExpirySweeper struct {
	ledger Expirer
	tiers  Downgrader
	// Grace keeps unpaid auto-renew periods alive for the renewal sweep.
	Grace time.Duration
	now   func() time.Time
}

func NewExpirySweeper(ledger Expirer, tiers Downgrader, grace time.Duration) *ExpirySweeper {
	return &ExpirySweeper{ledger: ledger, tiers: tiers, Grace: grace, now: time.Now}
}

// Run expires overdue subscriptions and returns how many members were
// downgraded.
func (e *ExpirySweeper) Run(ctx context.Context) (int, error) {
	markers, err := e.ledger.ExpireOverdue(ctx, e.now(), e.Grace)
	if err != nil {
		return 0, err
	}

	downgraded := 0
	for _, m := range markers {
		if err := e.tiers.DowngradeToBase(ctx, m.MemberID); err != nil {
			log.Errorf("[Expiry] Failed to downgrade member %d: %v", m.MemberID, err)
			continue
		}
		downgraded++
	}
	if len(markers) > 0 {
		log.Infof("[Expiry] Expired %d subscription(s), downgraded %d member(s)", len(markers), downgraded)
	}
	return downgraded, nil
}
