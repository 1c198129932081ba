// Package payment persists payment attempts and enforces their state machine.
package payment

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ManuelReschke/LingoBill/app/models"
)

var (
	ErrNotFound           = errors.New("payment: record not found")
	ErrOrderConflict      = errors.New("payment: order id already exists")
	ErrInvalidState       = errors.New("payment: invalid state transition")
	ErrMissingCredentials = errors.New("payment: billing credentials missing")
	ErrInvalidInput       = errors.New("payment: invalid input")
)

var transitions = map[models.PaymentStatus][]models.PaymentStatus{
	models.PaymentStatusReady: {
		models.PaymentStatusInProgress,
		models.PaymentStatusAutoBillingReady,
		models.PaymentStatusAutoBillingFailed,
	},
	models.PaymentStatusInProgress: {
		models.PaymentStatusDone,
		models.PaymentStatusFailed,
	},
	models.PaymentStatusAutoBillingReady: {
		models.PaymentStatusDone,
		models.PaymentStatusAutoBillingFailed,
	},
	models.PaymentStatusAutoBillingPrepared: {
		models.PaymentStatusDone,
		models.PaymentStatusAutoBillingFailed,
	},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to models.PaymentStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Fields carries the attributes written together with a transition.
// Zero values leave the stored attribute untouched.
type Fields struct {
	PaymentKey     string
	Method         string
	ApprovedAt     *time.Time
	TotalAmount    int64
	ReceiptURL     string
	FailureCode    string
	FailureMessage string
}

// Transition computes the record that results from moving rec to status to.
// rec itself is never modified. Asking for the terminal status the record is
// already in reports changed=false without error so retries stay harmless.
func Transition(rec *models.PaymentRecord, to models.PaymentStatus, f Fields) (*models.PaymentRecord, bool, error) {
	if rec == nil {
		return nil, false, ErrNotFound
	}
	if rec.Status == to && to.IsTerminal() {
		return rec.Clone(), false, nil
	}
	if !CanTransition(rec.Status, to) {
		return nil, false, fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidState, rec.Status, to, rec.OrderID)
	}

	next := rec.Clone()
	next.Status = to
	if f.PaymentKey != "" {
		next.PaymentKey = f.PaymentKey
	}
	if f.Method != "" {
		next.Method = f.Method
	}
	if f.ApprovedAt != nil {
		t := *f.ApprovedAt
		next.ApprovedAt = &t
	}
	if f.TotalAmount > 0 {
		next.TotalAmount = f.TotalAmount
	}
	if f.ReceiptURL != "" {
		next.ReceiptURL = f.ReceiptURL
	}
	if f.FailureCode != "" {
		next.FailureCode = f.FailureCode
	}
	if f.FailureMessage != "" {
		next.FailureMessage = truncate(f.FailureMessage, 512)
	}
	return next, true, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
