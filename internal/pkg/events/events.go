// Package events defines the outbound notifications emitted after payment
// state changes.
package events

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/ManuelReschke/LingoBill/app/models"
)

// Type names an outbound event.
type Type string

const (
	TypePaymentUpdated Type = "PAYMENT_UPDATED"
	TypePaymentFailed  Type = "PAYMENT_FAILED"
	TypeBillingFailed  Type = "BILLING_FAILED"
	TypeReceiptMail    Type = "RECEIPT_MAIL"
)

// Event is the payload delivered to subscribers.
type Event struct {
	ID             string    `json:"id"`
	Type           Type      `json:"type"`
	OrderID        string    `json:"order_id"`
	MemberID       uint      `json:"member_id"`
	PlanID         uint      `json:"plan_id,omitempty"`
	Amount         int64     `json:"amount"`
	Status         string    `json:"status"`
	FailureCode    string    `json:"failure_code,omitempty"`
	FailureMessage string    `json:"failure_message,omitempty"`
	ReceiptURL     string    `json:"receipt_url,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Sink accepts events for asynchronous delivery.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// FromRecord builds an event of type t describing rec.
func FromRecord(t Type, rec *models.PaymentRecord) Event {
	return Event{
		ID:             uuid.New().String(),
		Type:           t,
		OrderID:        rec.OrderID,
		MemberID:       rec.MemberID,
		PlanID:         rec.PlanID,
		Amount:         rec.TotalAmount,
		Status:         string(rec.Status),
		FailureCode:    rec.FailureCode,
		FailureMessage: rec.FailureMessage,
		ReceiptURL:     rec.ReceiptURL,
		OccurredAt:     time.Now(),
	}
}

// Emit publishes every event to sink. Delivery problems are logged and never
// returned: the payment outcome is already persisted at this point.
func Emit(ctx context.Context, sink Sink, evs ...Event) {
	if sink == nil {
		return
	}
	for _, ev := range evs {
		if err := sink.Publish(ctx, ev); err != nil {
			log.Errorf("[Events] Failed to publish %s for order %s: %v", ev.Type, ev.OrderID, err)
		}
	}
}
