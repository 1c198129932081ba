package autobilling_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/autobilling"
	"github.com/ManuelReschke/LingoBill/internal/pkg/billingtest"
	"github.com/ManuelReschke/LingoBill/internal/pkg/events"
	"github.com/ManuelReschke/LingoBill/internal/pkg/gateway"
	"github.com/ManuelReschke/LingoBill/internal/pkg/idempotency"
	"github.com/ManuelReschke/LingoBill/internal/pkg/metrics/counter"
)

func newSweeper(h *billingtest.Harness, catalog autobilling.Catalog) *autobilling.Sweeper {
	return newSweeperWith(h, catalog, autobilling.Config{Lookahead: 24 * time.Hour, Workers: 2, ItemTimeout: 5 * time.Second})
}

func newSweeperWith(h *billingtest.Harness, catalog autobilling.Catalog, cfg autobilling.Config) *autobilling.Sweeper {
	if catalog == nil {
		catalog = h.Billing
	}
	return autobilling.NewSweeper(autobilling.Deps{
		Payments:    h.Store,
		Ledger:      h.Ledger,
		Catalog:     catalog,
		Gate:        h.Gate,
		Gateway:     h.Gateway,
		Compensator: h.Compensation,
		OrderIDs:    h.OrderIDs,
		Events:      h.Events,
		Counters:    counter.New(h.Redis),
	}, cfg)
}

// subscribe seeds an auto-renew subscription ending in an hour, paid by a
// DONE record carrying credentials for customer ck_<member>.
func subscribe(t *testing.T, h *billingtest.Harness, memberID, planID uint) (*models.Subscription, *models.PaymentRecord) {
	t.Helper()
	now := time.Now()
	prior := &models.PaymentRecord{
		OrderID:     fmt.Sprintf("initial-%d", memberID),
		MemberID:    memberID,
		PlanID:      planID,
		Status:      models.PaymentStatusDone,
		PaymentKey:  fmt.Sprintf("pk_initial_%d", memberID),
		TotalAmount: 9900,
		CreatedAt:   now.AddDate(0, -1, 0),
	}
	prior.SetCredentials(fmt.Sprintf("bk_%d", memberID), fmt.Sprintf("ck_%d", memberID))
	h.Payments.Put(prior)

	sub := &models.Subscription{
		MemberID:    memberID,
		PlanID:      planID,
		StartedAt:   now.AddDate(0, -1, 0).Add(time.Hour),
		ExpiredAt:   now.Add(time.Hour),
		Status:      models.SubscriptionStatusActive,
		IsAutoRenew: true,
	}
	require.NoError(t, h.Subscriptions.Create(context.Background(), sub))
	plan, err := h.Billing.Plan(context.Background(), planID)
	require.NoError(t, err)
	_, err = h.Billing.ApplyPlan(context.Background(), memberID, plan)
	require.NoError(t, err)
	return sub, prior
}

func TestRunSweep_IsolatesFailures(t *testing.T) {
	h := billingtest.NewHarness(t)
	subs := make(map[uint]*models.Subscription)
	for _, id := range []uint{1, 2, 3} {
		subs[id], _ = subscribe(t, h, id, billingtest.PlanStandardMonthly)
	}
	h.Provider.ChargeErrs["ck_2"] = []error{billingtest.Declined("NOT_ENOUGH_BALANCE", "insufficient funds")}

	report, err := newSweeper(h, nil).RunSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.Renewed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, autobilling.OutcomeRenewed, report.Outcomes[1])
	assert.Equal(t, autobilling.OutcomeFailed, report.Outcomes[2])
	assert.Equal(t, autobilling.OutcomeRenewed, report.Outcomes[3])
	assert.Len(t, h.Provider.Charges(), 3)

	for _, id := range []uint{1, 3} {
		rows := h.Subscriptions.ByMember(id)
		require.Len(t, rows, 2)
		assert.Equal(t, subs[id].ExpiredAt, rows[1].StartedAt)
		assert.Equal(t, subs[id].ExpiredAt.AddDate(0, 1, 0), rows[1].ExpiredAt)
		assert.True(t, rows[1].IsAutoRenew)

		recs := h.Payments.ByMember(id)
		require.Len(t, recs, 2)
		assert.Equal(t, models.PaymentStatusDone, recs[1].Status)
		assert.Equal(t, fmt.Sprintf("initial-%d", id), recs[1].SourceOrderID)
		assert.True(t, recs[1].HasCredentials())
	}

	failed := h.Payments.ByMember(2)
	require.Len(t, failed, 2)
	assert.False(t, failed[0].HasCredentials(), "source credentials are revoked")
	assert.False(t, failed[1].HasCredentials())
	assert.Equal(t, models.PaymentStatusAutoBillingFailed, failed[1].Status)
	assert.Equal(t, "NOT_ENOUGH_BALANCE", failed[1].FailureCode)

	cur, err := h.Ledger.Current(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, cur.Status)
	assert.Equal(t, models.MemberTierBasic, h.Catalog.Tier(2))
	assert.Equal(t, models.MemberTierStandard, h.Catalog.Tier(1))

	counters, err := counter.New(h.Redis).Today(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counters["sweep_renewed"])
	assert.Equal(t, int64(1), counters["sweep_failed"])

	billingFailed := h.Events.OfType(events.TypeBillingFailed)
	require.Len(t, billingFailed, 1)
	assert.Equal(t, uint(2), billingFailed[0].MemberID)
	assert.Len(t, h.Events.OfType(events.TypePaymentUpdated), 2)
}

func TestRunSweep_SecondRunChargesNothing(t *testing.T) {
	h := billingtest.NewHarness(t)
	subscribe(t, h, 1, billingtest.PlanStandardMonthly)
	s := newSweeper(h, nil)

	_, err := s.RunSweep(context.Background())
	require.NoError(t, err)
	report, err := s.RunSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, report.Total)
	assert.Len(t, h.Provider.Charges(), 1)
}

func TestRunSweep_ResumesPreparedRecord(t *testing.T) {
	h := billingtest.NewHarness(t)
	_, prior := subscribe(t, h, 1, billingtest.PlanStandardMonthly)

	prepared := &models.PaymentRecord{
		OrderID:       "renewal-1",
		MemberID:      1,
		PlanID:        billingtest.PlanStandardMonthly,
		Status:        models.PaymentStatusAutoBillingPrepared,
		SourceOrderID: prior.OrderID,
		TotalAmount:   9900,
	}
	prepared.SetCredentials(prior.Credentials())
	h.Payments.Put(prepared)

	report, err := newSweeper(h, nil).RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, autobilling.OutcomeRenewed, report.Outcomes[1])

	charges := h.Provider.Charges()
	require.Len(t, charges, 1)
	assert.Equal(t, "renewal-1", charges[0].OrderID)
	assert.Len(t, h.Payments.ByMember(1), 2, "no second renewal record")

	rec, err := h.Store.Get(context.Background(), "renewal-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusDone, rec.Status)
}

func TestRunSweep_RepairsPaidButNotRenewed(t *testing.T) {
	h := billingtest.NewHarness(t)
	_, prior := subscribe(t, h, 1, billingtest.PlanStandardMonthly)

	paid := &models.PaymentRecord{
		OrderID:       "renewal-1",
		MemberID:      1,
		PlanID:        billingtest.PlanStandardMonthly,
		Status:        models.PaymentStatusDone,
		SourceOrderID: prior.OrderID,
		TotalAmount:   9900,
		CreatedAt:     time.Now().Add(time.Minute),
	}
	paid.SetCredentials(prior.Credentials())
	h.Payments.Put(paid)

	report, err := newSweeper(h, nil).RunSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, autobilling.OutcomeRenewed, report.Outcomes[1])
	assert.Empty(t, h.Provider.Charges())
	assert.Len(t, h.Subscriptions.ByMember(1), 2)
	assert.Len(t, h.Events.OfType(events.TypePaymentUpdated), 1)

	rec, err := h.Store.Get(context.Background(), "renewal-1")
	require.NoError(t, err)
	assert.NotNil(t, rec.FulfilledAt)
}

func TestRunSweep_SkipsWithoutCredentials(t *testing.T) {
	h := billingtest.NewHarness(t)
	_, prior := subscribe(t, h, 1, billingtest.PlanStandardMonthly)
	require.NoError(t, h.Store.RevokeCredentials(context.Background(), prior.OrderID))

	report, err := newSweeper(h, nil).RunSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, autobilling.OutcomeSkipped, report.Outcomes[1])
	assert.Empty(t, h.Provider.Charges())
	assert.Len(t, h.Payments.ByMember(1), 1)
}

func TestRunSweep_SkipsClaimedCharge(t *testing.T) {
	h := billingtest.NewHarness(t)
	_, prior := subscribe(t, h, 1, billingtest.PlanStandardMonthly)

	prepared := &models.PaymentRecord{
		OrderID:       "renewal-1",
		MemberID:      1,
		PlanID:        billingtest.PlanStandardMonthly,
		Status:        models.PaymentStatusAutoBillingPrepared,
		SourceOrderID: prior.OrderID,
		TotalAmount:   9900,
	}
	prepared.SetCredentials(prior.Credentials())
	h.Payments.Put(prepared)
	require.NoError(t, h.Gate.ReserveToken(context.Background(), idempotency.ChargeKey("renewal-1", "ck_1")))

	report, err := newSweeper(h, nil).RunSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, autobilling.OutcomeSkipped, report.Outcomes[1])
	assert.Empty(t, h.Provider.Charges())
}

type panickyCatalog struct {
	autobilling.Catalog
	planID uint
}

func (c panickyCatalog) Plan(ctx context.Context, id uint) (*models.Plan, error) {
	if id == c.planID {
		panic("catalog exploded")
	}
	return c.Catalog.Plan(ctx, id)
}

func TestRunSweep_RecoversFromPanic(t *testing.T) {
	h := billingtest.NewHarness(t)
	subscribe(t, h, 1, billingtest.PlanStandardMonthly)
	subscribe(t, h, 2, billingtest.PlanPremiumHalfYear)

	report, err := newSweeper(h, panickyCatalog{Catalog: h.Billing, planID: billingtest.PlanPremiumHalfYear}).RunSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, autobilling.OutcomeRenewed, report.Outcomes[1])
	assert.Equal(t, autobilling.OutcomeFailed, report.Outcomes[2])
	assert.Len(t, h.Provider.Charges(), 1)
}

func TestRunSweep_NothingDue(t *testing.T) {
	h := billingtest.NewHarness(t)
	report, err := newSweeper(h, nil).RunSweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Total)
	assert.Empty(t, report.Outcomes)
}

func TestRunSweep_ReadsEveryPage(t *testing.T) {
	h := billingtest.NewHarness(t)
	for id := uint(1); id <= 5; id++ {
		subscribe(t, h, id, billingtest.PlanStandardMonthly)
	}

	s := newSweeperWith(h, nil, autobilling.Config{Lookahead: 24 * time.Hour, BatchSize: 2, Workers: 2, ItemTimeout: 5 * time.Second})
	report, err := s.RunSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, report.Total)
	assert.Equal(t, 5, report.Renewed)
	assert.Len(t, h.Provider.Charges(), 5)
	for id := uint(1); id <= 5; id++ {
		assert.Equal(t, autobilling.OutcomeRenewed, report.Outcomes[id])
		assert.Len(t, h.Subscriptions.ByMember(id), 2)
	}
}

func TestRunSweep_ProviderNeverRecovers(t *testing.T) {
	h := billingtest.NewHarness(t)
	subscribe(t, h, 1, billingtest.PlanStandardMonthly)
	subscribe(t, h, 2, billingtest.PlanStandardMonthly)
	for i := 0; i < 5; i++ {
		h.Provider.ChargeErrs["ck_1"] = append(h.Provider.ChargeErrs["ck_1"], billingtest.Retryable())
	}

	report, err := newSweeper(h, nil).RunSweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, autobilling.OutcomeFailed, report.Outcomes[1])
	assert.Equal(t, autobilling.OutcomeRenewed, report.Outcomes[2])

	var attempts int
	for _, c := range h.Provider.Charges() {
		if c.CustomerKey == "ck_1" {
			attempts++
		}
	}
	assert.Equal(t, billingtest.FastGatewayConfig().MaxAttempts, attempts)

	recs := h.Payments.ByMember(1)
	require.Len(t, recs, 2)
	assert.Equal(t, models.PaymentStatusAutoBillingFailed, recs[1].Status)
	assert.Equal(t, gateway.CodeRetryExhausted, recs[1].FailureCode)
	assert.False(t, recs[0].HasCredentials())
	assert.False(t, recs[1].HasCredentials())

	cur, err := h.Ledger.Current(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, cur.Status)
	assert.Equal(t, models.MemberTierBasic, h.Catalog.Tier(1))
	assert.Equal(t, models.MemberTierStandard, h.Catalog.Tier(2))
	assert.Len(t, h.Events.OfType(events.TypeBillingFailed), 1)
}
