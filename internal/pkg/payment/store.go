package payment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/LingoBill/app/models"
)

// Store is the source of truth for payment attempts.
type Store struct {
	repo Repository
	now  func() time.Time
}

// NewStore creates a store from an injected repository.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo, now: time.Now}
}

// NewStoreFromDB creates a store from a GORM DB handle.
func NewStoreFromDB(db *gorm.DB) *Store {
	return NewStore(NewRepository(db))
}

// Create inserts a READY record. The order id is unique; a duplicate fails
// with ErrOrderConflict.
func (s *Store) Create(ctx context.Context, memberID, planID uint, orderID string, amount int64) (*models.PaymentRecord, error) {
	orderID = strings.TrimSpace(orderID)
	if memberID == 0 || planID == 0 || orderID == "" || amount <= 0 {
		return nil, fmt.Errorf("%w: member, plan, order id and a positive amount are required", ErrInvalidInput)
	}

	rec := &models.PaymentRecord{
		OrderID:     orderID,
		MemberID:    memberID,
		PlanID:      planID,
		Status:      models.PaymentStatusReady,
		TotalAmount: amount,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// CreateRenewal inserts an AUTO_BILLING_PREPARED record for the next period.
// Credentials are copied from prior, never invented.
func (s *Store) CreateRenewal(ctx context.Context, prior *models.PaymentRecord, orderID string, plan *models.Plan) (*models.PaymentRecord, error) {
	if prior == nil || plan == nil || strings.TrimSpace(orderID) == "" {
		return nil, fmt.Errorf("%w: prior record, plan and order id are required", ErrInvalidInput)
	}
	if !prior.HasCredentials() {
		return nil, fmt.Errorf("%w: order %s", ErrMissingCredentials, prior.OrderID)
	}

	rec := &models.PaymentRecord{
		OrderID:       strings.TrimSpace(orderID),
		MemberID:      prior.MemberID,
		PlanID:        plan.ID,
		Status:        models.PaymentStatusAutoBillingPrepared,
		SourceOrderID: prior.OrderID,
		TotalAmount:   plan.Amount,
	}
	rec.SetCredentials(prior.Credentials())
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Get loads a record by order id.
func (s *Store) Get(ctx context.Context, orderID string) (*models.PaymentRecord, error) {
	return s.repo.FindByOrderID(ctx, strings.TrimSpace(orderID))
}

// TransitionTo moves the record to status to with a conditional update, so
// the persisted status decides between concurrent callers. changed is false
// when the record already was in the requested terminal status.
func (s *Store) TransitionTo(ctx context.Context, orderID string, to models.PaymentStatus, f Fields) (*models.PaymentRecord, bool, error) {
	cur, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, false, err
	}

	next, changed, err := Transition(cur, to, f)
	if err != nil || !changed {
		return next, false, err
	}
	return s.apply(ctx, cur, next, false)
}

// AttachCredentials stores issued billing credentials on a READY record and
// moves it to AUTO_BILLING_READY.
func (s *Store) AttachCredentials(ctx context.Context, orderID, billingKey, customerKey string) (*models.PaymentRecord, error) {
	if strings.TrimSpace(billingKey) == "" || strings.TrimSpace(customerKey) == "" {
		return nil, fmt.Errorf("%w: order %s", ErrMissingCredentials, orderID)
	}

	cur, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	next, _, err := Transition(cur, models.PaymentStatusAutoBillingReady, Fields{})
	if err != nil {
		return nil, err
	}
	next.SetCredentials(billingKey, customerKey)

	next, _, err = s.apply(ctx, cur, next, true)
	return next, err
}

func (s *Store) apply(ctx context.Context, cur, next *models.PaymentRecord, withCredentials bool) (*models.PaymentRecord, bool, error) {
	ok, err := s.repo.Update(ctx, next, cur.Status, withCredentials)
	if err != nil {
		return nil, false, err
	}
	if ok {
		return next, true, nil
	}

	// lost the race: whoever won decides the outcome
	latest, err := s.repo.FindByOrderID(ctx, cur.OrderID)
	if err != nil {
		return nil, false, err
	}
	if latest.Status == next.Status && next.Status.IsTerminal() {
		return latest, false, nil
	}
	log.Warnf("[Payment] Concurrent transition on order %s: wanted %s, found %s", cur.OrderID, next.Status, latest.Status)
	return latest, false, fmt.Errorf("%w: %s -> %s (order %s)", ErrInvalidState, latest.Status, next.Status, cur.OrderID)
}

// RevokeCredentials nulls billing and customer key on the given records.
// Records that have none are left alone.
func (s *Store) RevokeCredentials(ctx context.Context, orderIDs ...string) error {
	ids := make([]string, 0, len(orderIDs))
	for _, id := range orderIDs {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	n, err := s.repo.ClearCredentials(ctx, ids)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Infof("[Payment] Revoked billing credentials on %d record(s): %v", n, ids)
	}
	return nil
}

// MarkCompensated stamps compensated_at once. It reports true only for the
// caller that set it, which then owns the failure notification.
func (s *Store) MarkCompensated(ctx context.Context, orderID string) (bool, error) {
	return s.repo.MarkCompensated(ctx, orderID, s.now())
}

// MarkFulfilled stamps fulfilled_at on a DONE record once. It reports true
// only for the caller that set it, which then owns the success events.
func (s *Store) MarkFulfilled(ctx context.Context, orderID string) (bool, error) {
	return s.repo.MarkFulfilled(ctx, orderID, s.now())
}

// Unfulfilled returns DONE records still waiting for their subscription,
// ignoring those updated within the last grace period.
func (s *Store) Unfulfilled(ctx context.Context, grace time.Duration, limit int) ([]*models.PaymentRecord, error) {
	return s.repo.Unfulfilled(ctx, s.now().Add(-grace), limit)
}

// LatestByMembers returns the most recent record per member in one query.
func (s *Store) LatestByMembers(ctx context.Context, memberIDs []uint) (map[uint]*models.PaymentRecord, error) {
	return s.repo.LatestByMembers(ctx, memberIDs)
}
