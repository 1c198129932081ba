// Package compensation undoes the local effects of a payment that failed at
// the provider. Every step inspects current state first, so running a
// compensation again changes nothing.
package compensation

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/events"
	"github.com/ManuelReschke/LingoBill/internal/pkg/gateway"
	"github.com/ManuelReschke/LingoBill/internal/pkg/idempotency"
	"github.com/ManuelReschke/LingoBill/internal/pkg/payment"
)

const codeInternal = "INTERNAL_ERROR"

// ErrAlreadySettled is returned when the payment turned out DONE; there is
// nothing to compensate.
var ErrAlreadySettled = errors.New("compensation: payment already settled")

type PaymentStore interface {
	Get(ctx context.Context, orderID string) (*models.PaymentRecord, error)
	TransitionTo(ctx context.Context, orderID string, to models.PaymentStatus, f payment.Fields) (*models.PaymentRecord, bool, error)
	RevokeCredentials(ctx context.Context, orderIDs ...string) error
	MarkCompensated(ctx context.Context, orderID string) (bool, error)
}

type Ledger interface {
	MarkExpired(ctx context.Context, memberID uint) (*models.Subscription, bool, error)
}

type Tiers interface {
	DowngradeToBase(ctx context.Context, memberID uint) error
}

type Releaser interface {
	Release(ctx context.Context, token string) error
}

// Engine runs the typed fallbacks for checkout, registration and renewal.
type Engine struct {
	payments PaymentStore
	ledger   Ledger
	tiers    Tiers
	gate     Releaser
	sink     events.Sink
}

func NewEngine(payments PaymentStore, ledger Ledger, tiers Tiers, gate Releaser, sink events.Sink) *Engine {
	return &Engine{payments: payments, ledger: ledger, tiers: tiers, gate: gate, sink: sink}
}

// CompensateRenewal handles a failed recurring charge of rec: credentials of
// rec and of the record they were copied from are revoked, rec ends in
// AUTO_BILLING_FAILED, the subscription expires and the member drops to the
// base tier. The BillingFailed event is emitted once.
func (e *Engine) CompensateRenewal(ctx context.Context, rec *models.PaymentRecord, cause error) error {
	_, customerKey := rec.Credentials()
	cur, err := e.load(ctx, rec.OrderID)
	if err != nil {
		return err
	}

	if err := e.payments.RevokeCredentials(ctx, rec.SourceOrderID, rec.OrderID); err != nil {
		return fmt.Errorf("revoke credentials: %w", err)
	}

	failed, err := e.fail(ctx, cur, models.PaymentStatusAutoBillingFailed, cause)
	if err != nil {
		return err
	}

	if _, _, err := e.ledger.MarkExpired(ctx, cur.MemberID); err != nil {
		return fmt.Errorf("expire subscription: %w", err)
	}
	if err := e.tiers.DowngradeToBase(ctx, cur.MemberID); err != nil {
		return fmt.Errorf("downgrade member: %w", err)
	}

	if err := e.notifyOnce(ctx, failed, events.TypeBillingFailed); err != nil {
		return err
	}
	if customerKey != "" {
		e.release(ctx, idempotency.ChargeKey(rec.OrderID, customerKey))
	}

	log.Warnf("[Compensation] Renewal %s of member %d compensated: %s", rec.OrderID, cur.MemberID, failed.FailureCode)
	return nil
}

// CompensateCheckout handles a failed one-time confirmation: the record ends
// FAILED with the provider's reason and the client token is released.
func (e *Engine) CompensateCheckout(ctx context.Context, orderID, token string, cause error) error {
	cur, err := e.load(ctx, orderID)
	if err != nil {
		return err
	}

	failed, err := e.fail(ctx, cur, models.PaymentStatusFailed, cause)
	if err != nil {
		return err
	}
	if token != "" {
		e.release(ctx, token)
	}
	if err := e.notifyOnce(ctx, failed, events.TypePaymentFailed); err != nil {
		return err
	}

	log.Warnf("[Compensation] Checkout %s of member %d compensated: %s", orderID, cur.MemberID, failed.FailureCode)
	return nil
}

// CompensateRegistration handles a failed auto-billing registration: any
// issued credentials are revoked, the record ends AUTO_BILLING_FAILED and the
// request token is freed so the member can register again.
func (e *Engine) CompensateRegistration(ctx context.Context, orderID, customerKey, token string, cause error) error {
	cur, err := e.load(ctx, orderID)
	if err != nil {
		return err
	}

	if err := e.payments.RevokeCredentials(ctx, orderID); err != nil {
		return fmt.Errorf("revoke credentials: %w", err)
	}
	failed, err := e.fail(ctx, cur, models.PaymentStatusAutoBillingFailed, cause)
	if err != nil {
		return err
	}
	if customerKey != "" {
		e.release(ctx, idempotency.ChargeKey(orderID, customerKey))
	}
	if token != "" {
		e.release(ctx, token)
	}
	if err := e.notifyOnce(ctx, failed, events.TypePaymentFailed); err != nil {
		return err
	}

	log.Warnf("[Compensation] Registration %s of member %d compensated: %s", orderID, cur.MemberID, failed.FailureCode)
	return nil
}

func (e *Engine) load(ctx context.Context, orderID string) (*models.PaymentRecord, error) {
	cur, err := e.payments.Get(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load payment %s: %w", orderID, err)
	}
	if cur.Status == models.PaymentStatusDone {
		return nil, fmt.Errorf("%w: order %s", ErrAlreadySettled, orderID)
	}
	return cur, nil
}

func (e *Engine) fail(ctx context.Context, cur *models.PaymentRecord, to models.PaymentStatus, cause error) (*models.PaymentRecord, error) {
	rec, _, err := e.payments.TransitionTo(ctx, cur.OrderID, to, FailureFields(cause))
	if err != nil {
		return nil, fmt.Errorf("mark %s %s: %w", cur.OrderID, to, err)
	}
	return rec, nil
}

// notifyOnce emits the failure event only for the caller that stamps
// compensated_at first.
func (e *Engine) notifyOnce(ctx context.Context, rec *models.PaymentRecord, t events.Type) error {
	first, err := e.payments.MarkCompensated(ctx, rec.OrderID)
	if err != nil {
		return fmt.Errorf("mark compensated: %w", err)
	}
	if first {
		events.Emit(ctx, e.sink, events.FromRecord(t, rec))
	}
	return nil
}

func (e *Engine) release(ctx context.Context, token string) {
	// an unreleased token only blocks a retry until its TTL runs out
	if err := e.gate.Release(ctx, token); err != nil {
		log.Errorf("[Compensation] Failed to release %s: %v", token, err)
	}
}

// FailureFields extracts the failure code and message persisted for err.
func FailureFields(err error) payment.Fields {
	var ge *gateway.Error
	if errors.As(err, &ge) {
		return payment.Fields{FailureCode: ge.FailureCode(), FailureMessage: ge.FailureMessage()}
	}
	if err != nil {
		return payment.Fields{FailureCode: codeInternal, FailureMessage: err.Error()}
	}
	return payment.Fields{FailureCode: codeInternal}
}
