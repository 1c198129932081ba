package billingtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ManuelReschke/LingoBill/internal/pkg/gateway"
)

// Provider is a scripted gateway.Transport. Errors queued per key are
// returned first, then calls succeed. Confirm is keyed by payment key,
// charges and issuance by customer key.
type Provider struct {
	mu sync.Mutex

	ConfirmErrs map[string][]error
	IssueErrs   map[string][]error
	ChargeErrs  map[string][]error

	ApprovedAt time.Time
	Method     string

	confirms []gateway.ConfirmRequest
	issues   []gateway.IssueRequest
	charges  []gateway.ChargeRequest
}

var _ gateway.Transport = (*Provider)(nil)

func NewProvider() *Provider {
	return &Provider{
		ConfirmErrs: make(map[string][]error),
		IssueErrs:   make(map[string][]error),
		ChargeErrs:  make(map[string][]error),
		ApprovedAt:  time.Date(2025, 5, 13, 18, 59, 4, 0, time.FixedZone("KST", 9*60*60)),
		Method:      "CARD",
	}
}

func pop(m map[string][]error, key string) error {
	errs := m[key]
	if len(errs) == 0 {
		return nil
	}
	m[key] = errs[1:]
	return errs[0]
}

func (p *Provider) Confirm(ctx context.Context, req gateway.ConfirmRequest) (*gateway.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.confirms = append(p.confirms, req)
	if err := pop(p.ConfirmErrs, req.PaymentKey); err != nil {
		return nil, err
	}
	approved := p.ApprovedAt
	return &gateway.Result{
		Status:      gateway.StatusDone,
		PaymentKey:  req.PaymentKey,
		OrderID:     req.OrderID,
		Method:      p.Method,
		TotalAmount: req.Amount,
		ApprovedAt:  &approved,
		ReceiptURL:  "https://receipt.example/" + req.PaymentKey,
	}, nil
}

func (p *Provider) IssueBillingKey(ctx context.Context, req gateway.IssueRequest) (*gateway.BillingKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.issues = append(p.issues, req)
	if err := pop(p.IssueErrs, req.CustomerKey); err != nil {
		return nil, err
	}
	issued := p.ApprovedAt
	return &gateway.BillingKey{BillingKey: "bk_" + req.CustomerKey, CustomerKey: req.CustomerKey, Method: p.Method, IssuedAt: &issued}, nil
}

func (p *Provider) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.charges = append(p.charges, req)
	if err := pop(p.ChargeErrs, req.CustomerKey); err != nil {
		return nil, err
	}
	approved := p.ApprovedAt
	return &gateway.Result{
		Status:      gateway.StatusDone,
		PaymentKey:  fmt.Sprintf("pk_%s", req.OrderID),
		OrderID:     req.OrderID,
		Method:      p.Method,
		TotalAmount: req.Amount,
		ApprovedAt:  &approved,
	}, nil
}

func (p *Provider) Confirms() []gateway.ConfirmRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gateway.ConfirmRequest(nil), p.confirms...)
}

func (p *Provider) Issues() []gateway.IssueRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gateway.IssueRequest(nil), p.issues...)
}

func (p *Provider) Charges() []gateway.ChargeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]gateway.ChargeRequest(nil), p.charges...)
}

// Retryable is a provider error worth another attempt.
func Retryable() error {
	return &gateway.Error{Kind: gateway.KindRetryable, Op: "stub", StatusCode: 503, Message: "temporarily unavailable"}
}

// Declined is an explicit provider decline.
func Declined(code, message string) error {
	return &gateway.Error{Kind: gateway.KindNonRetryable, Op: "stub", StatusCode: 400, Code: code, Message: message}
}

// FastGatewayConfig retries without noticeable delay and never trips the
// breaker on its own.
func FastGatewayConfig() gateway.Config {
	return gateway.Config{
		MaxAttempts:      3,
		InitialBackoff:   time.Millisecond,
		MaxBackoff:       2 * time.Millisecond,
		FailureThreshold: 1000,
		OpenTimeout:      time.Minute,
		HalfOpenRequests: 1,
	}
}
