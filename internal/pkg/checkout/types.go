package checkout

import (
	"context"
	"errors"
	"time"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/payment"
)

var (
	ErrValidation     = errors.New("checkout: invalid request")
	ErrMemberMismatch = errors.New("checkout: order belongs to another member")
	// ErrFulfillment means the provider took the money but granting the
	// subscription failed. The payment record is DONE; confirming the order
	// again completes it.
	ErrFulfillment = errors.New("checkout: payment approved but fulfillment failed")
)

// CheckoutRequest starts a one-time purchase.
type CheckoutRequest struct {
	MemberID     uint   `json:"-" validate:"required"`
	Tier         string `json:"tier" validate:"required,oneof=STANDARD PREMIUM standard premium"`
	PeriodMonths int    `json:"periodMonths" validate:"required,oneof=1 3 6 12"`
}

// CheckoutResult is what the client needs to open the provider widget.
type CheckoutResult struct {
	OrderID   string `json:"orderId"`
	OrderName string `json:"orderName"`
	PlanID    uint   `json:"planId"`
	Amount    int64  `json:"amount"`
}

// ConfirmRequest confirms a purchase after the member authorized it.
type ConfirmRequest struct {
	MemberID       uint   `json:"-" validate:"required"`
	IdempotencyKey string `json:"-" validate:"required,max=200"`
	PaymentKey     string `json:"paymentKey" validate:"required,max=200"`
	OrderID        string `json:"orderId" validate:"required,max=64"`
	Amount         int64  `json:"amount" validate:"gt=0"`
}

// RegisterRequest enrolls a member in automatic billing.
type RegisterRequest struct {
	MemberID       uint   `json:"-" validate:"required"`
	IdempotencyKey string `json:"-" validate:"required,max=200"`
	Tier           string `json:"tier" validate:"required,oneof=STANDARD PREMIUM standard premium"`
	PeriodMonths   int    `json:"periodMonths" validate:"required,oneof=1 3 6 12"`
	CustomerKey    string `json:"customerKey" validate:"required,max=200"`
	AuthKey        string `json:"authKey" validate:"required,max=300"`
}

// Result is the outcome of a confirmation. Replayed is set when the order was
// already DONE and nothing was sent to the provider.
type Result struct {
	OrderID     string     `json:"orderId"`
	PaymentKey  string     `json:"paymentKey"`
	Status      string     `json:"status"`
	Method      string     `json:"method,omitempty"`
	TotalAmount int64      `json:"totalAmount"`
	ApprovedAt  *time.Time `json:"approvedAt,omitempty"`
	ReceiptURL  string     `json:"receiptUrl,omitempty"`
	Replayed    bool       `json:"replayed"`
}

func resultOf(rec *models.PaymentRecord, replayed bool) *Result {
	return &Result{
		OrderID:     rec.OrderID,
		PaymentKey:  rec.PaymentKey,
		Status:      string(rec.Status),
		Method:      rec.Method,
		TotalAmount: rec.TotalAmount,
		ApprovedAt:  rec.ApprovedAt,
		ReceiptURL:  rec.ReceiptURL,
		Replayed:    replayed,
	}
}

type Payments interface {
	Create(ctx context.Context, memberID, planID uint, orderID string, amount int64) (*models.PaymentRecord, error)
	Get(ctx context.Context, orderID string) (*models.PaymentRecord, error)
	TransitionTo(ctx context.Context, orderID string, to models.PaymentStatus, f payment.Fields) (*models.PaymentRecord, bool, error)
	AttachCredentials(ctx context.Context, orderID, billingKey, customerKey string) (*models.PaymentRecord, error)
	MarkFulfilled(ctx context.Context, orderID string) (bool, error)
	Unfulfilled(ctx context.Context, grace time.Duration, limit int) ([]*models.PaymentRecord, error)
}

type Gate interface {
	Reserve(ctx context.Context, orderID string, amount int64) error
	Verify(ctx context.Context, orderID string, amount int64) error
	ReserveToken(ctx context.Context, token string) error
	Release(ctx context.Context, token string) error
}

type Ledger interface {
	Extend(ctx context.Context, memberID uint, plan *models.Plan, autoRenew bool, orderID string) (*models.Subscription, error)
	CancelAutoRenew(ctx context.Context, memberID uint) (*models.Subscription, error)
}

type Catalog interface {
	Lookup(ctx context.Context, periodMonths int, tier string) (*models.Plan, error)
	Plan(ctx context.Context, id uint) (*models.Plan, error)
	ApplyPlan(ctx context.Context, memberID uint, plan *models.Plan) (string, error)
}

type Compensator interface {
	CompensateCheckout(ctx context.Context, orderID, token string, cause error) error
	CompensateRegistration(ctx context.Context, orderID, customerKey, token string, cause error) error
}
