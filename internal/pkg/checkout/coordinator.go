// Package checkout drives one-time purchases and auto-billing registration
// from the first request to a granted subscription.
package checkout

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/events"
	"github.com/ManuelReschke/LingoBill/internal/pkg/gateway"
	"github.com/ManuelReschke/LingoBill/internal/pkg/idempotency"
	"github.com/ManuelReschke/LingoBill/internal/pkg/payment"
)

var validate = validator.New()

// Deps are the collaborators of a Coordinator.
type Deps struct {
	Payments    Payments
	Gate        Gate
	Gateway     gateway.Gateway
	Ledger      Ledger
	Catalog     Catalog
	Compensator Compensator
	OrderIDs    payment.OrderIDGenerator
	Events      events.Sink
}

// Coordinator runs the interactive payment flows.
type Coordinator struct {
	payments Payments
	gate     Gate
	gw       gateway.Gateway
	ledger   Ledger
	catalog  Catalog
	comp     Compensator
	ids      payment.OrderIDGenerator
	sink     events.Sink
}

func NewCoordinator(d Deps) *Coordinator {
	return &Coordinator{
		payments: d.Payments,
		gate:     d.Gate,
		gw:       d.Gateway,
		ledger:   d.Ledger,
		catalog:  d.Catalog,
		comp:     d.Compensator,
		ids:      d.OrderIDs,
		sink:     d.Events,
	}
}

func validateRequest(req interface{}) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Checkout creates a READY record for the plan and reserves its amount.
func (c *Coordinator) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	plan, err := c.catalog.Lookup(ctx, req.PeriodMonths, req.Tier)
	if err != nil {
		return nil, err
	}
	orderID, err := c.ids.Next(ctx)
	if err != nil {
		return nil, err
	}

	rec, err := c.payments.Create(ctx, req.MemberID, plan.ID, orderID, plan.Amount)
	if err != nil {
		return nil, err
	}
	if err := c.gate.Reserve(ctx, rec.OrderID, rec.TotalAmount); err != nil {
		return nil, fmt.Errorf("reserve order %s: %w", rec.OrderID, err)
	}

	log.Infof("[Checkout] Order %s created for member %d (plan %d, amount %d)", rec.OrderID, req.MemberID, plan.ID, plan.Amount)
	return &CheckoutResult{OrderID: rec.OrderID, OrderName: plan.Name, PlanID: plan.ID, Amount: plan.Amount}, nil
}

// Confirm is the single entry point for a client confirmation: a DONE order
// replays its result, a READY order is prepared and confirmed.
func (c *Coordinator) Confirm(ctx context.Context, req ConfirmRequest) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	rec, err := c.owned(ctx, req.MemberID, req.OrderID)
	if err != nil {
		return nil, err
	}
	switch rec.Status {
	case models.PaymentStatusDone:
		return c.replay(ctx, rec, req)
	case models.PaymentStatusReady:
		if _, err := c.PreparePayment(ctx, req); err != nil {
			return nil, err
		}
		return c.ConfirmPayment(ctx, req)
	default:
		return nil, fmt.Errorf("%w: order %s is %s", payment.ErrInvalidState, rec.OrderID, rec.Status)
	}
}

// PreparePayment claims the client token, checks the amount against the
// reservation and moves the record to IN_PROGRESS. Nothing is sent to the
// provider.
func (c *Coordinator) PreparePayment(ctx context.Context, req ConfirmRequest) (*models.PaymentRecord, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	if err := c.gate.ReserveToken(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	}

	rec, err := c.prepare(ctx, req)
	if err != nil {
		// nothing happened under this token, let the client try again
		if rerr := c.gate.Release(ctx, req.IdempotencyKey); rerr != nil {
			log.Errorf("[Checkout] Failed to release token for order %s: %v", req.OrderID, rerr)
		}
		return nil, err
	}
	return rec, nil
}

func (c *Coordinator) prepare(ctx context.Context, req ConfirmRequest) (*models.PaymentRecord, error) {
	if err := c.gate.Verify(ctx, req.OrderID, req.Amount); err != nil {
		return nil, err
	}
	if _, err := c.owned(ctx, req.MemberID, req.OrderID); err != nil {
		return nil, err
	}
	rec, _, err := c.payments.TransitionTo(ctx, req.OrderID, models.PaymentStatusInProgress, payment.Fields{})
	return rec, err
}

// ConfirmPayment sends the confirmation of an IN_PROGRESS order to the
// provider and fulfils it on approval. A failure that requires compensation
// marks the order FAILED before the error is returned.
func (c *Coordinator) ConfirmPayment(ctx context.Context, req ConfirmRequest) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	rec, err := c.owned(ctx, req.MemberID, req.OrderID)
	if err != nil {
		return nil, err
	}
	if rec.Status == models.PaymentStatusDone {
		return c.replay(ctx, rec, req)
	}
	if rec.Status != models.PaymentStatusInProgress {
		return nil, fmt.Errorf("%w: order %s is %s", payment.ErrInvalidState, rec.OrderID, rec.Status)
	}
	if err := c.gate.Verify(ctx, req.OrderID, req.Amount); err != nil {
		return nil, err
	}

	res, err := c.gw.ConfirmOneTime(ctx, gateway.ConfirmRequest{
		PaymentKey:     req.PaymentKey,
		OrderID:        req.OrderID,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if gateway.RequiresCompensation(err) {
			if cerr := c.comp.CompensateCheckout(ctx, req.OrderID, req.IdempotencyKey, err); cerr != nil {
				log.Errorf("[Checkout] Compensation of order %s failed: %v", req.OrderID, cerr)
			}
		} else {
			log.Warnf("[Checkout] Order %s left IN_PROGRESS, outcome unknown: %v", req.OrderID, err)
		}
		return nil, err
	}

	done, err := c.settle(ctx, rec, res, false)
	if err != nil {
		return nil, err
	}
	return resultOf(done, false), nil
}

// replay answers a repeated confirmation from the stored record. A DONE
// order whose subscription was never granted is completed first.
func (c *Coordinator) replay(ctx context.Context, rec *models.PaymentRecord, req ConfirmRequest) (*Result, error) {
	if rec.TotalAmount != req.Amount {
		return nil, fmt.Errorf("%w: order %s", idempotency.ErrAmountMismatch, rec.OrderID)
	}
	if rec.FulfilledAt == nil {
		log.Warnf("[Checkout] Order %s is DONE but was never fulfilled, completing it", rec.OrderID)
		if err := c.complete(ctx, rec, rec.HasCredentials()); err != nil {
			return nil, err
		}
	}
	log.Infof("[Checkout] Order %s already DONE, replaying result", rec.OrderID)
	return resultOf(rec, true), nil
}

// settle records the approval and grants what the payment bought.
func (c *Coordinator) settle(ctx context.Context, rec *models.PaymentRecord, res *gateway.Result, autoRenew bool) (*models.PaymentRecord, error) {
	done, _, err := c.payments.TransitionTo(ctx, rec.OrderID, models.PaymentStatusDone, successFields(res))
	if err != nil {
		log.Errorf("[Checkout] Order %s approved by provider (payment %s) but could not be recorded: %v", rec.OrderID, res.PaymentKey, err)
		return nil, err
	}
	if err := c.complete(ctx, done, autoRenew); err != nil {
		return nil, err
	}
	return done, nil
}

// complete grants the subscription and tier of a DONE record. It can be
// repeated: the ledger keeps one period per order and only the caller that
// stamps fulfilled_at emits the events.
func (c *Coordinator) complete(ctx context.Context, done *models.PaymentRecord, autoRenew bool) error {
	if done.FulfilledAt != nil {
		return nil
	}
	if err := c.fulfil(ctx, done, autoRenew); err != nil {
		log.Errorf("[Checkout] Order %s: %v", done.OrderID, err)
		return fmt.Errorf("%w: order %s: %v", ErrFulfillment, done.OrderID, err)
	}
	first, err := c.payments.MarkFulfilled(ctx, done.OrderID)
	if err != nil {
		log.Errorf("[Checkout] Order %s fulfilled but not stamped: %v", done.OrderID, err)
		return fmt.Errorf("%w: order %s: %v", ErrFulfillment, done.OrderID, err)
	}
	if !first {
		return nil
	}

	events.Emit(ctx, c.sink,
		events.FromRecord(events.TypePaymentUpdated, done),
		events.FromRecord(events.TypeReceiptMail, done),
	)
	log.Infof("[Checkout] Order %s DONE for member %d (payment %s)", done.OrderID, done.MemberID, done.PaymentKey)
	return nil
}

// CompleteUnfulfilled finishes approved one-time and registration payments
// whose subscription was never granted, such as after a crash between the
// approval and the ledger write. Renewals are repaired by the renewal sweep.
func (c *Coordinator) CompleteUnfulfilled(ctx context.Context, grace time.Duration, limit int) (int, error) {
	recs, err := c.payments.Unfulfilled(ctx, grace, limit)
	if err != nil {
		return 0, fmt.Errorf("load unfulfilled payments: %w", err)
	}

	completed := 0
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return completed, err
		}
		if err := c.complete(ctx, rec, rec.HasCredentials()); err != nil {
			continue
		}
		completed++
	}
	if len(recs) > 0 {
		log.Infof("[Checkout] Completed %d of %d unfulfilled payment(s)", completed, len(recs))
	}
	return completed, nil
}

func (c *Coordinator) fulfil(ctx context.Context, rec *models.PaymentRecord, autoRenew bool) error {
	plan, err := c.catalog.Plan(ctx, rec.PlanID)
	if err != nil {
		return err
	}
	if _, err := c.ledger.Extend(ctx, rec.MemberID, plan, autoRenew, rec.OrderID); err != nil {
		return err
	}
	_, err = c.catalog.ApplyPlan(ctx, rec.MemberID, plan)
	return err
}

// RegisterAutoBilling issues a billing key for the member, charges the first
// period with it and turns on automatic renewal. The client token is claimed
// first, so a retried request never reaches the provider twice.
func (c *Coordinator) RegisterAutoBilling(ctx context.Context, req RegisterRequest) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if err := c.gate.ReserveToken(ctx, req.IdempotencyKey); err != nil {
		return nil, err
	}

	rec, plan, err := c.openRegistration(ctx, req)
	if err != nil {
		c.releaseToken(ctx, req.IdempotencyKey)
		return nil, err
	}
	orderID := rec.OrderID

	bk, err := c.gw.IssueRecurringToken(ctx, gateway.IssueRequest{
		CustomerKey: req.CustomerKey,
		AuthKey:     req.AuthKey,
		OrderID:     orderID,
	})
	if err != nil {
		return nil, c.failRegistration(ctx, orderID, "", req.IdempotencyKey, err)
	}

	customerKey := bk.CustomerKey
	if customerKey == "" {
		customerKey = req.CustomerKey
	}
	if _, err := c.payments.AttachCredentials(ctx, orderID, bk.BillingKey, customerKey); err != nil {
		return nil, c.failRegistration(ctx, orderID, "", req.IdempotencyKey, err)
	}
	if err := c.gate.ReserveToken(ctx, idempotency.ChargeKey(orderID, customerKey)); err != nil {
		return nil, c.failRegistration(ctx, orderID, "", req.IdempotencyKey, err)
	}

	res, err := c.gw.ChargeWithRecurringToken(ctx, gateway.ChargeRequest{
		BillingKey:  bk.BillingKey,
		CustomerKey: customerKey,
		OrderID:     orderID,
		Amount:      plan.Amount,
		OrderName:   plan.Name,
	})
	if err != nil {
		if !gateway.RequiresCompensation(err) {
			log.Warnf("[Checkout] First charge of %s left open, outcome unknown: %v", orderID, err)
			return nil, err
		}
		return nil, c.failRegistration(ctx, orderID, customerKey, req.IdempotencyKey, err)
	}

	done, err := c.settle(ctx, rec, res, true)
	if err != nil {
		return nil, err
	}
	return resultOf(done, false), nil
}

func (c *Coordinator) openRegistration(ctx context.Context, req RegisterRequest) (*models.PaymentRecord, *models.Plan, error) {
	plan, err := c.catalog.Lookup(ctx, req.PeriodMonths, req.Tier)
	if err != nil {
		return nil, nil, err
	}
	orderID, err := c.ids.Next(ctx)
	if err != nil {
		return nil, nil, err
	}
	rec, err := c.payments.Create(ctx, req.MemberID, plan.ID, orderID, plan.Amount)
	if err != nil {
		return nil, nil, err
	}
	return rec, plan, nil
}

func (c *Coordinator) releaseToken(ctx context.Context, token string) {
	if err := c.gate.Release(ctx, token); err != nil {
		log.Errorf("[Checkout] Failed to release token: %v", err)
	}
}

func (c *Coordinator) failRegistration(ctx context.Context, orderID, customerKey, token string, cause error) error {
	if err := c.comp.CompensateRegistration(ctx, orderID, customerKey, token, cause); err != nil {
		log.Errorf("[Checkout] Compensation of registration %s failed: %v", orderID, err)
	}
	return cause
}

// CancelAutoBilling stops future renewals. The paid period is kept.
func (c *Coordinator) CancelAutoBilling(ctx context.Context, memberID uint) (*models.Subscription, error) {
	if memberID == 0 {
		return nil, fmt.Errorf("%w: member is required", ErrValidation)
	}
	return c.ledger.CancelAutoRenew(ctx, memberID)
}

func (c *Coordinator) owned(ctx context.Context, memberID uint, orderID string) (*models.PaymentRecord, error) {
	rec, err := c.payments.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec.MemberID != memberID {
		return nil, fmt.Errorf("%w: order %s", ErrMemberMismatch, orderID)
	}
	return rec, nil
}

func successFields(res *gateway.Result) payment.Fields {
	return payment.Fields{
		PaymentKey:  res.PaymentKey,
		Method:      res.Method,
		ApprovedAt:  res.ApprovedAt,
		TotalAmount: res.TotalAmount,
		ReceiptURL:  res.ReceiptURL,
	}
}
