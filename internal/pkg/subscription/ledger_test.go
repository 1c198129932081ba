package subscription_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/billingtest"
	"github.com/ManuelReschke/LingoBill/internal/pkg/subscription"
)

var monthly = &models.Plan{ID: 1, Name: "Standard 1M", Tier: "STANDARD", PeriodMonths: 1, Amount: 9900}

func TestLedger_ExtendStartsNowWithoutActivePeriod(t *testing.T) {
	repo := billingtest.NewSubscriptionRepo()
	l := subscription.NewLedger(repo)
	ctx := context.Background()

	before := time.Now().Truncate(time.Second)
	sub, err := l.Extend(ctx, 7, monthly, false, "o-1")
	require.NoError(t, err)
	assert.False(t, sub.StartedAt.Before(before))
	assert.Equal(t, sub.StartedAt.AddDate(0, 1, 0), sub.ExpiredAt)
	assert.Equal(t, models.SubscriptionStatusActive, sub.Status)
	assert.Equal(t, "o-1", sub.OrderID)
	assert.Zero(t, sub.PreviousID)

	cur, err := l.Current(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, sub.ID, cur.ID)
}

func TestLedger_ExtendAppendsAfterActivePeriod(t *testing.T) {
	repo := billingtest.NewSubscriptionRepo()
	l := subscription.NewLedger(repo)
	ctx := context.Background()

	first, err := l.Extend(ctx, 7, monthly, true, "o-1")
	require.NoError(t, err)
	second, err := l.Extend(ctx, 7, monthly, true, "o-2")
	require.NoError(t, err)

	assert.Equal(t, first.ExpiredAt, second.StartedAt)
	assert.Equal(t, first.ID, second.PreviousID)
	assert.Len(t, repo.ByMember(7), 2, "history is appended, never rewritten")
}

func TestLedger_ExtendSameOrderTwice(t *testing.T) {
	repo := billingtest.NewSubscriptionRepo()
	l := subscription.NewLedger(repo)
	ctx := context.Background()

	first, err := l.Extend(ctx, 7, monthly, false, "o-1")
	require.NoError(t, err)
	again, err := l.Extend(ctx, 7, monthly, false, "o-1")
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Len(t, repo.ByMember(7), 1)
}

func TestLedger_ConcurrentExtendsChainPeriods(t *testing.T) {
	repo := billingtest.NewSubscriptionRepo()
	l := subscription.NewLedger(repo)
	ctx := context.Background()

	// both purchases read the empty history before either appends
	var reads int32
	bothRead := make(chan struct{})
	repo.AfterCurrent = func() {
		switch atomic.AddInt32(&reads, 1) {
		case 1:
			<-bothRead
		case 2:
			close(bothRead)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = l.Extend(ctx, 7, monthly, false, fmt.Sprintf("o-%d", i))
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	rows := repo.ByMember(7)
	require.Len(t, rows, 2)
	sort.Slice(rows, func(i, j int) bool { return rows[i].StartedAt.Before(rows[j].StartedAt) })
	assert.Zero(t, rows[0].PreviousID)
	assert.Equal(t, rows[0].ID, rows[1].PreviousID)
	assert.Equal(t, rows[0].ExpiredAt, rows[1].StartedAt, "the second purchase starts when the first ends")
	assert.NotEqual(t, rows[0].OrderID, rows[1].OrderID)
}

func TestLedger_Renew(t *testing.T) {
	repo := billingtest.NewSubscriptionRepo()
	l := subscription.NewLedger(repo)
	ctx := context.Background()

	start := time.Now().Add(-30 * 24 * time.Hour)
	cur := &models.Subscription{MemberID: 7, PlanID: 1, StartedAt: start, ExpiredAt: start.AddDate(0, 1, 0), Status: models.SubscriptionStatusActive, IsAutoRenew: true}
	require.NoError(t, repo.Create(ctx, cur))

	next, err := l.Renew(ctx, cur, monthly, "o-renewal")
	require.NoError(t, err)
	assert.Equal(t, cur.ExpiredAt, next.StartedAt)
	assert.Equal(t, cur.ExpiredAt.AddDate(0, 1, 0), next.ExpiredAt)
	assert.True(t, next.IsAutoRenew)
	assert.Equal(t, cur.ID, next.PreviousID)
	assert.Equal(t, "o-renewal", next.OrderID)

	// renewing the same period again returns the existing row
	again, err := l.Renew(ctx, cur, monthly, "o-renewal")
	require.NoError(t, err)
	assert.Equal(t, next.ID, again.ID)
	assert.Len(t, repo.ByMember(7), 2)
}

func TestLedger_MarkExpired(t *testing.T) {
	repo := billingtest.NewSubscriptionRepo()
	l := subscription.NewLedger(repo)
	ctx := context.Background()

	_, changed, err := l.MarkExpired(ctx, 99)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = l.Extend(ctx, 7, monthly, true, "o-1")
	require.NoError(t, err)

	marker, changed, err := l.MarkExpired(ctx, 7)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.SubscriptionStatusExpired, marker.Status)

	cur, err := l.Current(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, cur.Status)

	_, changed, err = l.MarkExpired(ctx, 7)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, repo.ByMember(7), 2)
}

func TestLedger_DueForRenewal(t *testing.T) {
	repo := billingtest.NewSubscriptionRepo()
	l := subscription.NewLedger(repo)
	ctx := context.Background()
	now := time.Now()

	add := func(member, previous uint, startedAgo time.Duration, months int, autoRenew bool, status models.SubscriptionStatus) uint {
		start := now.Add(-startedAgo)
		sub := &models.Subscription{
			MemberID: member, PreviousID: previous, PlanID: 1, StartedAt: start, ExpiredAt: start.AddDate(0, months, 0),
			Status: status, IsAutoRenew: autoRenew,
		}
		require.NoError(t, repo.Create(ctx, sub))
		return sub.ID
	}
	add(1, 0, 31*24*time.Hour, 1, true, models.SubscriptionStatusActive)
	add(2, 0, 31*24*time.Hour, 1, false, models.SubscriptionStatusActive)
	add(3, 0, time.Hour, 1, true, models.SubscriptionStatusActive)
	first := add(4, 0, 31*24*time.Hour, 1, true, models.SubscriptionStatusActive)
	add(4, first, time.Hour, 0, false, models.SubscriptionStatusExpired)

	due, err := l.DueForRenewal(ctx, now, nil, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, uint(1), due[0].MemberID)
}

func TestLedger_DueForRenewalPages(t *testing.T) {
	repo := billingtest.NewSubscriptionRepo()
	l := subscription.NewLedger(repo)
	ctx := context.Background()
	now := time.Now()

	end := now.Add(-time.Hour)
	for member := uint(1); member <= 5; member++ {
		require.NoError(t, repo.Create(ctx, &models.Subscription{
			MemberID: member, PlanID: 1, StartedAt: end.AddDate(0, -1, 0), ExpiredAt: end,
			Status: models.SubscriptionStatusActive, IsAutoRenew: true,
		}))
	}

	var seen []uint
	var after *subscription.Cursor
	for {
		page, err := l.DueForRenewal(ctx, now, after, 2)
		require.NoError(t, err)
		for _, sub := range page {
			seen = append(seen, sub.MemberID)
		}
		if len(page) < 2 {
			break
		}
		after = subscription.CursorAt(page[len(page)-1])
	}
	assert.Equal(t, []uint{1, 2, 3, 4, 5}, seen, "equal end times are paged by id")
}

func TestLedger_ExpireOverdue(t *testing.T) {
	repo := billingtest.NewSubscriptionRepo()
	l := subscription.NewLedger(repo)
	ctx := context.Background()
	now := time.Now()

	add := func(member uint, expiredAgo time.Duration, autoRenew bool) {
		end := now.Add(-expiredAgo)
		require.NoError(t, repo.Create(ctx, &models.Subscription{
			MemberID: member, PlanID: 1, StartedAt: end.AddDate(0, -1, 0), ExpiredAt: end,
			Status: models.SubscriptionStatusActive, IsAutoRenew: autoRenew,
		}))
	}
	add(1, time.Hour, false)
	add(2, time.Hour, true)
	add(3, 72*time.Hour, true)
	add(4, -time.Hour, false)

	markers, err := l.ExpireOverdue(ctx, now, 48*time.Hour)
	require.NoError(t, err)

	expired := map[uint]bool{}
	for _, m := range markers {
		expired[m.MemberID] = true
		assert.Equal(t, models.SubscriptionStatusExpired, m.Status)
	}
	assert.Equal(t, map[uint]bool{1: true, 3: true}, expired)

	cur, err := l.Current(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusActive, cur.Status, "auto-renew period is still within grace")
}

func TestLedger_CancelAutoRenew(t *testing.T) {
	repo := billingtest.NewSubscriptionRepo()
	l := subscription.NewLedger(repo)
	ctx := context.Background()

	_, err := l.CancelAutoRenew(ctx, 7)
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	_, err = l.Extend(ctx, 7, monthly, true, "o-1")
	require.NoError(t, err)

	sub, err := l.CancelAutoRenew(ctx, 7)
	require.NoError(t, err)
	assert.False(t, sub.IsAutoRenew)

	cur, err := l.Current(ctx, 7)
	require.NoError(t, err)
	assert.False(t, cur.IsAutoRenew)
	assert.Equal(t, models.SubscriptionStatusActive, cur.Status)
}
