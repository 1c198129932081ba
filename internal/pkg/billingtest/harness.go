package billingtest

import (
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/billing"
	"github.com/ManuelReschke/LingoBill/internal/pkg/compensation"
	"github.com/ManuelReschke/LingoBill/internal/pkg/gateway"
	"github.com/ManuelReschke/LingoBill/internal/pkg/idempotency"
	"github.com/ManuelReschke/LingoBill/internal/pkg/payment"
	"github.com/ManuelReschke/LingoBill/internal/pkg/subscription"
)

// Plan ids seeded by NewHarness.
const (
	PlanStandardMonthly uint = 1
	PlanPremiumHalfYear uint = 2
)

// Harness wires the real services on top of in-memory repositories, an
// in-memory Redis and a scripted provider.
type Harness struct {
	Payments      *PaymentRepo
	Subscriptions *SubscriptionRepo
	Catalog       *CatalogRepo

	Store   *payment.Store
	Ledger  *subscription.Ledger
	Billing *billing.Service

	Redis *redis.Client
	Mini  *miniredis.Miniredis
	Gate  *idempotency.Gate

	Provider *Provider
	Gateway  *gateway.Client

	Events       *EventRecorder
	Compensation *compensation.Engine
	OrderIDs     *OrderIDs
}

// NewHarness seeds two plans and members 1 to 10.
func NewHarness(t testing.TB) *Harness {
	t.Helper()
	h := &Harness{
		Payments:      NewPaymentRepo(),
		Subscriptions: NewSubscriptionRepo(),
		Catalog:       NewCatalogRepo(),
		Provider:      NewProvider(),
		Events:        &EventRecorder{},
		OrderIDs:      &OrderIDs{},
	}
	h.Redis, h.Mini = NewRedis(t)

	h.Catalog.AddPlan(models.Plan{ID: PlanStandardMonthly, Name: "Standard 1M", Tier: models.MemberTierStandard, PeriodMonths: 1, Amount: 9900, IsActive: true})
	h.Catalog.AddPlan(models.Plan{ID: PlanPremiumHalfYear, Name: "Premium 6M", Tier: models.MemberTierPremium, PeriodMonths: 6, Amount: 43200, IsActive: true})
	for id := uint(1); id <= 10; id++ {
		h.Catalog.AddMember(models.Member{ID: id, Email: fmt.Sprintf("member%d@example.com", id)})
	}

	h.Store = payment.NewStore(h.Payments)
	h.Ledger = subscription.NewLedger(h.Subscriptions)
	h.Billing = billing.NewService(h.Catalog)
	h.Gate = idempotency.NewGate(h.Redis, idempotency.Config{})
	h.Gateway = gateway.NewClient(h.Provider, FastGatewayConfig())
	h.Compensation = compensation.NewEngine(h.Store, h.Ledger, h.Billing, h.Gate, h.Events)
	return h
}
