// Package billingtest provides in-memory repositories and provider stubs for
// tests of the payment flows.
package billingtest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/payment"
)

// PaymentRepo is an in-memory payment.Repository with the same conditional
// update semantics as the SQL one.
type PaymentRepo struct {
	mu     sync.Mutex
	nextID uint
	rows   map[string]*models.PaymentRecord

	// FailUpdate makes the next Update return this error.
	FailUpdate error
}

var _ payment.Repository = (*PaymentRepo)(nil)

func NewPaymentRepo() *PaymentRepo {
	return &PaymentRepo{rows: make(map[string]*models.PaymentRecord)}
}

func (r *PaymentRepo) Create(ctx context.Context, rec *models.PaymentRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rows[rec.OrderID]; ok {
		return payment.ErrOrderConflict
	}
	r.nextID++
	now := time.Now()
	rec.ID = r.nextID
	rec.CreatedAt = now
	rec.UpdatedAt = now
	r.rows[rec.OrderID] = rec.Clone()
	return nil
}

func (r *PaymentRepo) FindByOrderID(ctx context.Context, orderID string) (*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[orderID]
	if !ok {
		return nil, payment.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *PaymentRepo) Update(ctx context.Context, next *models.PaymentRecord, expected models.PaymentStatus, withCredentials bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailUpdate; err != nil {
		r.FailUpdate = nil
		return false, err
	}
	cur, ok := r.rows[next.OrderID]
	if !ok || cur.Status != expected {
		return false, nil
	}

	upd := cur.Clone()
	upd.Status = next.Status
	upd.PaymentKey = next.PaymentKey
	upd.Method = next.Method
	upd.ReceiptURL = next.ReceiptURL
	upd.ApprovedAt = next.Clone().ApprovedAt
	upd.TotalAmount = next.TotalAmount
	upd.FailureCode = next.FailureCode
	upd.FailureMessage = next.FailureMessage
	if withCredentials {
		upd.SetCredentials(next.Credentials())
	}
	upd.UpdatedAt = time.Now()
	r.rows[next.OrderID] = upd
	return true, nil
}

func (r *PaymentRepo) ClearCredentials(ctx context.Context, orderIDs []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, id := range orderIDs {
		rec, ok := r.rows[id]
		if !ok || (rec.BillingKey == nil && rec.CustomerKey == nil) {
			continue
		}
		rec.SetCredentials("", "")
		n++
	}
	return n, nil
}

func (r *PaymentRepo) MarkCompensated(ctx context.Context, orderID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[orderID]
	if !ok || rec.CompensatedAt != nil {
		return false, nil
	}
	t := at
	rec.CompensatedAt = &t
	return true, nil
}

func (r *PaymentRepo) MarkFulfilled(ctx context.Context, orderID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[orderID]
	if !ok || rec.Status != models.PaymentStatusDone || rec.FulfilledAt != nil {
		return false, nil
	}
	t := at
	rec.FulfilledAt = &t
	return true, nil
}

func (r *PaymentRepo) Unfulfilled(ctx context.Context, before time.Time, limit int) ([]*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.PaymentRecord
	for _, rec := range r.rows {
		if rec.Status == models.PaymentStatusDone && rec.FulfilledAt == nil &&
			rec.SourceOrderID == "" && rec.UpdatedAt.Before(before) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *PaymentRepo) LatestByMembers(ctx context.Context, memberIDs []uint) (map[uint]*models.PaymentRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := make(map[uint]bool, len(memberIDs))
	for _, id := range memberIDs {
		want[id] = true
	}
	out := make(map[uint]*models.PaymentRecord)
	for _, rec := range r.rows {
		if !want[rec.MemberID] {
			continue
		}
		if prev, ok := out[rec.MemberID]; !ok || rec.ID > prev.ID {
			out[rec.MemberID] = rec.Clone()
		}
	}
	return out, nil
}

// Put stores rec as is, bypassing the state machine.
func (r *PaymentRepo) Put(rec *models.PaymentRecord) *models.PaymentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	rec.ID = r.nextID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	r.rows[rec.OrderID] = rec.Clone()
	return rec
}

// All returns every record ordered by id.
func (r *PaymentRepo) All() []*models.PaymentRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.PaymentRecord, 0, len(r.rows))
	for _, rec := range r.rows {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByMember returns the member's records ordered by id.
func (r *PaymentRepo) ByMember(memberID uint) []*models.PaymentRecord {
	var out []*models.PaymentRecord
	for _, rec := range r.All() {
		if rec.MemberID == memberID {
			out = append(out, rec)
		}
	}
	return out
}
