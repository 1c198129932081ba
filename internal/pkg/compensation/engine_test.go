package compensation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/billingtest"
	"github.com/ManuelReschke/LingoBill/internal/pkg/compensation"
	"github.com/ManuelReschke/LingoBill/internal/pkg/events"
	"github.com/ManuelReschke/LingoBill/internal/pkg/gateway"
	"github.com/ManuelReschke/LingoBill/internal/pkg/idempotency"
	"github.com/ManuelReschke/LingoBill/internal/pkg/payment"
)

func seedRenewal(t *testing.T, h *billingtest.Harness) *models.PaymentRecord {
	t.Helper()
	ctx := context.Background()

	prior := &models.PaymentRecord{OrderID: "o-prior", MemberID: 3, PlanID: billingtest.PlanStandardMonthly, Status: models.PaymentStatusDone, TotalAmount: 9900}
	prior.SetCredentials("bk_3", "ck_3")
	h.Payments.Put(prior)

	plan, err := h.Billing.Plan(ctx, billingtest.PlanStandardMonthly)
	require.NoError(t, err)
	rec, err := h.Store.CreateRenewal(ctx, prior, "o-renewal", plan)
	require.NoError(t, err)

	start := time.Now().Add(-30 * 24 * time.Hour)
	require.NoError(t, h.Subscriptions.Create(ctx, &models.Subscription{
		MemberID: 3, PlanID: plan.ID, StartedAt: start, ExpiredAt: plan.EndOf(start),
		Status: models.SubscriptionStatusActive, IsAutoRenew: true,
	}))
	_, err = h.Billing.ApplyPlan(ctx, 3, plan)
	require.NoError(t, err)
	require.NoError(t, h.Gate.ReserveToken(ctx, idempotency.ChargeKey("o-renewal", "ck_3")))
	return rec
}

func TestCompensateRenewal(t *testing.T) {
	h := billingtest.NewHarness(t)
	ctx := context.Background()
	rec := seedRenewal(t, h)
	cause := billingtest.Declined("INVALID_CARD_EXPIRATION", "card expired")

	require.NoError(t, h.Compensation.CompensateRenewal(ctx, rec, cause))

	for _, id := range []string{"o-prior", "o-renewal"} {
		stored, err := h.Store.Get(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, stored.BillingKey, id)
		assert.Nil(t, stored.CustomerKey, id)
	}

	stored, err := h.Store.Get(ctx, "o-renewal")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusAutoBillingFailed, stored.Status)
	assert.Equal(t, "INVALID_CARD_EXPIRATION", stored.FailureCode)
	assert.Equal(t, "card expired", stored.FailureMessage)
	assert.NotNil(t, stored.CompensatedAt)

	prior, err := h.Store.Get(ctx, "o-prior")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusDone, prior.Status, "the paid record keeps its status")

	cur, err := h.Ledger.Current(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionStatusExpired, cur.Status)
	assert.Equal(t, models.MemberTierBasic, h.Catalog.Tier(3))

	failed := h.Events.OfType(events.TypeBillingFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "o-renewal", failed[0].OrderID)
	assert.Equal(t, "INVALID_CARD_EXPIRATION", failed[0].FailureCode)

	assert.False(t, h.Mini.Exists(idempotency.TokenKeyPrefix+idempotency.ChargeKey("o-renewal", "ck_3")))
}

func TestCompensateRenewal_IsIdempotent(t *testing.T) {
	h := billingtest.NewHarness(t)
	ctx := context.Background()
	rec := seedRenewal(t, h)
	cause := billingtest.Declined("REJECT_CARD_COMPANY", "declined")

	require.NoError(t, h.Compensation.CompensateRenewal(ctx, rec, cause))
	firstRows := len(h.Subscriptions.ByMember(3))
	firstState, err := h.Store.Get(ctx, "o-renewal")
	require.NoError(t, err)

	require.NoError(t, h.Compensation.CompensateRenewal(ctx, rec, cause))
	secondState, err := h.Store.Get(ctx, "o-renewal")
	require.NoError(t, err)

	assert.Equal(t, firstRows, len(h.Subscriptions.ByMember(3)), "no second EXPIRED marker")
	assert.Equal(t, firstState.Status, secondState.Status)
	assert.Equal(t, firstState.FailureCode, secondState.FailureCode)
	assert.Equal(t, firstState.CompensatedAt, secondState.CompensatedAt)
	assert.Len(t, h.Events.OfType(events.TypeBillingFailed), 1, "the failure event is emitted once")
	assert.Equal(t, models.MemberTierBasic, h.Catalog.Tier(3))
}

func TestCompensateCheckout(t *testing.T) {
	h := billingtest.NewHarness(t)
	ctx := context.Background()

	_, err := h.Store.Create(ctx, 5, billingtest.PlanPremiumHalfYear, "o-checkout", 43200)
	require.NoError(t, err)
	_, _, err = h.Store.TransitionTo(ctx, "o-checkout", models.PaymentStatusInProgress, payment.Fields{})
	require.NoError(t, err)
	require.NoError(t, h.Gate.ReserveToken(ctx, "tok-5"))

	cause := &gateway.Error{Kind: gateway.KindRetryExhausted, Op: "confirm", Attempts: 3, Err: billingtest.Retryable()}
	for i := 0; i < 2; i++ {
		require.NoError(t, h.Compensation.CompensateCheckout(ctx, "o-checkout", "tok-5", cause))
	}

	stored, err := h.Store.Get(ctx, "o-checkout")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusFailed, stored.Status)
	assert.Equal(t, gateway.CodeRetryExhausted, stored.FailureCode)
	assert.False(t, h.Mini.Exists(idempotency.TokenKeyPrefix+"tok-5"))
	assert.Len(t, h.Events.OfType(events.TypePaymentFailed), 1)
}

func TestCompensateRegistration(t *testing.T) {
	h := billingtest.NewHarness(t)
	ctx := context.Background()

	_, err := h.Store.Create(ctx, 6, billingtest.PlanStandardMonthly, "o-reg", 9900)
	require.NoError(t, err)
	_, err = h.Store.AttachCredentials(ctx, "o-reg", "bk_6", "ck_6")
	require.NoError(t, err)
	require.NoError(t, h.Gate.ReserveToken(ctx, idempotency.ChargeKey("o-reg", "ck_6")))
	require.NoError(t, h.Gate.ReserveToken(ctx, "reg-tok-6"))

	cause := &gateway.Error{Kind: gateway.KindCircuitOpen, Op: "charge", Code: gateway.CodeCircuitOpen}
	require.NoError(t, h.Compensation.CompensateRegistration(ctx, "o-reg", "ck_6", "reg-tok-6", cause))
	require.NoError(t, h.Compensation.CompensateRegistration(ctx, "o-reg", "ck_6", "reg-tok-6", cause))

	stored, err := h.Store.Get(ctx, "o-reg")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusAutoBillingFailed, stored.Status)
	assert.False(t, stored.HasCredentials())
	assert.Equal(t, gateway.CodeCircuitOpen, stored.FailureCode)
	assert.False(t, h.Mini.Exists(idempotency.TokenKeyPrefix+idempotency.ChargeKey("o-reg", "ck_6")))
	assert.False(t, h.Mini.Exists(idempotency.TokenKeyPrefix+"reg-tok-6"))
	assert.Len(t, h.Events.OfType(events.TypePaymentFailed), 1)
}

func TestCompensate_SettledPaymentIsLeftAlone(t *testing.T) {
	h := billingtest.NewHarness(t)
	ctx := context.Background()

	done := &models.PaymentRecord{OrderID: "o-done", MemberID: 2, PlanID: 1, Status: models.PaymentStatusDone, PaymentKey: "pk"}
	done.SetCredentials("bk_2", "ck_2")
	h.Payments.Put(done)

	err := h.Compensation.CompensateRenewal(ctx, done, errors.New("late failure"))
	assert.ErrorIs(t, err, compensation.ErrAlreadySettled)

	stored, err := h.Store.Get(ctx, "o-done")
	require.NoError(t, err)
	assert.True(t, stored.HasCredentials())
	assert.Empty(t, h.Events.Events())
}

func TestFailureFields(t *testing.T) {
	f := compensation.FailureFields(billingtest.Declined("REJECT", "no"))
	assert.Equal(t, "REJECT", f.FailureCode)
	assert.Equal(t, "no", f.FailureMessage)

	f = compensation.FailureFields(&gateway.Error{Kind: gateway.KindRetryExhausted, Err: billingtest.Declined("INNER", "inner")})
	assert.Equal(t, "INNER", f.FailureCode)

	f = compensation.FailureFields(errors.New("boom"))
	assert.Equal(t, "INTERNAL_ERROR", f.FailureCode)
	assert.Equal(t, "boom", f.FailureMessage)
}
