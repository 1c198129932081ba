package gateway

import (
	"context"
	"time"
)

const StatusDone = "DONE"

// ConfirmRequest confirms a one-time payment the member authorized in the
// provider widget.
type ConfirmRequest struct {
	PaymentKey     string
	OrderID        string
	Amount         int64
	IdempotencyKey string
}

// IssueRequest exchanges a one-time auth grant for a reusable billing key.
type IssueRequest struct {
	CustomerKey string
	AuthKey     string
	OrderID     string
}

// ChargeRequest is a server-initiated charge with a stored billing key.
type ChargeRequest struct {
	BillingKey  string
	CustomerKey string
	OrderID     string
	Amount      int64
	OrderName   string
}

// IdempotencyKey anchors a recurring charge: there is no user-present
// confirmation, so the order and the customer identify the attempt.
func (r ChargeRequest) IdempotencyKey() string {
	return r.OrderID + ":" + r.CustomerKey
}

// Result is an approved payment as reported by the provider.
type Result struct {
	Status      string
	PaymentKey  string
	OrderID     string
	Method      string
	TotalAmount int64
	ApprovedAt  *time.Time
	ReceiptURL  string
}

// BillingKey is a reusable credential for recurring charges.
type BillingKey struct {
	BillingKey  string
	CustomerKey string
	Method      string
	IssuedAt    *time.Time
}

// Transport is one raw round trip to the provider, without retry or breaker.
type Transport interface {
	Confirm(ctx context.Context, req ConfirmRequest) (*Result, error)
	IssueBillingKey(ctx context.Context, req IssueRequest) (*BillingKey, error)
	Charge(ctx context.Context, req ChargeRequest) (*Result, error)
}

// Gateway is the port the orchestrator talks to.
type Gateway interface {
	ConfirmOneTime(ctx context.Context, req ConfirmRequest) (*Result, error)
	IssueRecurringToken(ctx context.Context, req IssueRequest) (*BillingKey, error)
	ChargeWithRecurringToken(ctx context.Context, req ChargeRequest) (*Result, error)
}
