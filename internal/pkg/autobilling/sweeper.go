// Package autobilling renews due subscriptions with stored billing keys and
// expires the ones nobody pays for.
package autobilling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
	"github.com/ManuelReschke/LingoBill/internal/pkg/events"
	"github.com/ManuelReschke/LingoBill/internal/pkg/gateway"
	"github.com/ManuelReschke/LingoBill/internal/pkg/idempotency"
	"github.com/ManuelReschke/LingoBill/internal/pkg/payment"
	"github.com/ManuelReschke/LingoBill/internal/pkg/subscription"
)

type Payments interface {
	LatestByMembers(ctx context.Context, memberIDs []uint) (map[uint]*models.PaymentRecord, error)
	CreateRenewal(ctx context.Context, prior *models.PaymentRecord, orderID string, plan *models.Plan) (*models.PaymentRecord, error)
	TransitionTo(ctx context.Context, orderID string, to models.PaymentStatus, f payment.Fields) (*models.PaymentRecord, bool, error)
	MarkFulfilled(ctx context.Context, orderID string) (bool, error)
}

type Ledger interface {
	DueForRenewal(ctx context.Context, at time.Time, after *subscription.Cursor, limit int) ([]models.Subscription, error)
	Renew(ctx context.Context, current *models.Subscription, plan *models.Plan, orderID string) (*models.Subscription, error)
}

type Catalog interface {
	Plan(ctx context.Context, id uint) (*models.Plan, error)
	ApplyPlan(ctx context.Context, memberID uint, plan *models.Plan) (string, error)
}

type Gate interface {
	ReserveToken(ctx context.Context, token string) error
}

type Compensator interface {
	CompensateRenewal(ctx context.Context, rec *models.PaymentRecord, cause error) error
}

// Recorder keeps sweep outcome counters.
type Recorder interface {
	Add(ctx context.Context, name string, n int64) error
}

// Config tunes a sweep.
type Config struct {
	// Lookahead renews subscriptions that end within this window.
	Lookahead time.Duration
	// BatchSize is the page size; a sweep reads pages until none is left.
	BatchSize   int
	Workers     int
	ItemTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Lookahead:   24 * time.Hour,
		BatchSize:   500,
		Workers:     4,
		ItemTimeout: time.Minute,
	}
}

// ConfigFromEnv overlays AUTOBILLING_* variables on DefaultConfig.
func ConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		Lookahead:   env.GetEnvDuration("AUTOBILLING_LOOKAHEAD", def.Lookahead),
		BatchSize:   env.GetEnvInt("AUTOBILLING_BATCH_SIZE", def.BatchSize),
		Workers:     env.GetEnvInt("AUTOBILLING_WORKERS", def.Workers),
		ItemTimeout: env.GetEnvDuration("AUTOBILLING_ITEM_TIMEOUT", def.ItemTimeout),
	}
}

// Deps are the collaborators of a Sweeper.
type Deps struct {
	Payments    Payments
	Ledger      Ledger
	Catalog     Catalog
	Gate        Gate
	Gateway     gateway.Gateway
	Compensator Compensator
	OrderIDs    payment.OrderIDGenerator
	Events      events.Sink
	// Counters is optional.
	Counters Recorder
}

// Sweeper charges due auto-renew subscriptions.
type Sweeper struct {
	d   Deps
	cfg Config
	now func() time.Time
}

func NewSweeper(d Deps, cfg Config) *Sweeper {
	def := DefaultConfig()
	if cfg.Lookahead < 0 {
		cfg.Lookahead = 0
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.ItemTimeout <= 0 {
		cfg.ItemTimeout = def.ItemTimeout
	}
	return &Sweeper{d: d, cfg: cfg, now: time.Now}
}

// Outcome of one subscription in a sweep.
type Outcome string

const (
	OutcomeRenewed Outcome = "renewed"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Report summarizes a sweep.
type Report struct {
	Total    int
	Renewed  int
	Skipped  int
	Failed   int
	Outcomes map[uint]Outcome
}

func (r *Report) add(memberID uint, o Outcome) {
	r.Outcomes[memberID] = o
	switch o {
	case OutcomeRenewed:
		r.Renewed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeFailed:
		r.Failed++
	}
}

type item struct {
	sub    models.Subscription
	latest *models.PaymentRecord
}

// RunSweep renews every due subscription, reading them page by page. One
// subscription failing, even by panicking, never affects the others.
func (s *Sweeper) RunSweep(ctx context.Context) (*Report, error) {
	at := s.now().Add(s.cfg.Lookahead)
	report := &Report{Outcomes: make(map[uint]Outcome)}

	var after *subscription.Cursor
	for {
		due, err := s.d.Ledger.DueForRenewal(ctx, at, after, s.cfg.BatchSize)
		if err != nil {
			return s.abort(ctx, report, fmt.Errorf("load due subscriptions: %w", err))
		}
		if len(due) == 0 {
			break
		}
		if err := s.runPage(ctx, due, report); err != nil {
			return s.abort(ctx, report, err)
		}
		if len(due) < s.cfg.BatchSize || ctx.Err() != nil {
			break
		}
		after = subscription.CursorAt(due[len(due)-1])
	}

	if report.Total > 0 {
		log.Infof("[AutoBilling] Sweep finished: total=%d renewed=%d skipped=%d failed=%d",
			report.Total, report.Renewed, report.Skipped, report.Failed)
		s.record(ctx, report)
	}
	return report, nil
}

func (s *Sweeper) abort(ctx context.Context, report *Report, err error) (*Report, error) {
	if report.Total == 0 {
		return nil, err
	}
	log.Errorf("[AutoBilling] Sweep stopped after %d subscription(s): %v", report.Total, err)
	s.record(ctx, report)
	return report, err
}

func (s *Sweeper) runPage(ctx context.Context, due []models.Subscription, report *Report) error {
	memberIDs := make([]uint, 0, len(due))
	for _, sub := range due {
		memberIDs = append(memberIDs, sub.MemberID)
	}
	latest, err := s.d.Payments.LatestByMembers(ctx, memberIDs)
	if err != nil {
		return fmt.Errorf("load latest payments: %w", err)
	}

	log.Infof("[AutoBilling] Renewing %d due subscription(s) with %d worker(s)", len(due), s.cfg.Workers)
	report.Total += len(due)

	jobs := make(chan item)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for it := range jobs {
				o := s.process(ctx, it)
				mu.Lock()
				report.add(it.sub.MemberID, o)
				mu.Unlock()
			}
		}()
	}

	for _, sub := range due {
		jobs <- item{sub: sub, latest: latest[sub.MemberID]}
	}
	close(jobs)
	wg.Wait()
	return nil
}

func (s *Sweeper) record(ctx context.Context, r *Report) {
	if s.d.Counters == nil {
		return
	}
	for name, n := range map[Outcome]int{OutcomeRenewed: r.Renewed, OutcomeSkipped: r.Skipped, OutcomeFailed: r.Failed} {
		if err := s.d.Counters.Add(ctx, "sweep_"+string(name), int64(n)); err != nil {
			log.Warnf("[AutoBilling] Failed to record %s counter: %v", name, err)
		}
	}
}

func (s *Sweeper) process(ctx context.Context, it item) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[AutoBilling] Panic renewing member %d: %v", it.sub.MemberID, r)
			out = OutcomeFailed
		}
	}()

	if err := ctx.Err(); err != nil {
		return OutcomeSkipped
	}
	itemCtx, cancel := context.WithTimeout(ctx, s.cfg.ItemTimeout)
	defer cancel()

	out, err := s.renew(itemCtx, it.sub, it.latest)
	if err != nil {
		log.Errorf("[AutoBilling] Member %d (subscription %d): %v", it.sub.MemberID, it.sub.ID, err)
	}
	return out
}

func (s *Sweeper) renew(ctx context.Context, sub models.Subscription, latest *models.PaymentRecord) (Outcome, error) {
	if latest == nil {
		log.Warnf("[AutoBilling] Member %d has no payment record, skipping", sub.MemberID)
		return OutcomeSkipped, nil
	}

	plan, err := s.d.Catalog.Plan(ctx, sub.PlanID)
	if err != nil {
		return OutcomeFailed, err
	}

	var rec *models.PaymentRecord
	switch {
	case latest.Status == models.PaymentStatusAutoBillingPrepared:
		// a previous sweep committed this record but never finished it
		rec = latest
		log.Infof("[AutoBilling] Resuming order %s for member %d", rec.OrderID, sub.MemberID)
	case latest.Status == models.PaymentStatusDone && latest.SourceOrderID != "" && latest.CreatedAt.After(sub.CreatedAt):
		// paid, but the ledger was never extended
		return s.fulfil(ctx, sub, latest, plan)
	default:
		rec, err = s.prepare(ctx, latest, plan)
		if err != nil {
			if errors.Is(err, payment.ErrMissingCredentials) {
				log.Warnf("[AutoBilling] Member %d has no billing credentials, skipping", sub.MemberID)
				return OutcomeSkipped, nil
			}
			return OutcomeFailed, err
		}
	}

	if !rec.HasCredentials() {
		log.Warnf("[AutoBilling] Order %s has no billing credentials, skipping", rec.OrderID)
		return OutcomeSkipped, nil
	}
	billingKey, customerKey := rec.Credentials()

	if err := s.d.Gate.ReserveToken(ctx, idempotency.ChargeKey(rec.OrderID, customerKey)); err != nil {
		if errors.Is(err, idempotency.ErrConflict) {
			log.Infof("[AutoBilling] Charge of order %s already claimed, skipping", rec.OrderID)
			return OutcomeSkipped, nil
		}
		return OutcomeFailed, fmt.Errorf("reserve charge of %s: %w", rec.OrderID, err)
	}

	res, err := s.d.Gateway.ChargeWithRecurringToken(ctx, gateway.ChargeRequest{
		BillingKey:  billingKey,
		CustomerKey: customerKey,
		OrderID:     rec.OrderID,
		Amount:      rec.TotalAmount,
		OrderName:   plan.Name,
	})
	if err != nil {
		if gateway.RequiresCompensation(err) {
			if cerr := s.d.Compensator.CompensateRenewal(ctx, rec, err); cerr != nil {
				log.Errorf("[AutoBilling] Compensation of order %s failed: %v", rec.OrderID, cerr)
			}
		}
		return OutcomeFailed, fmt.Errorf("charge %s: %w", rec.OrderID, err)
	}

	done, _, err := s.d.Payments.TransitionTo(ctx, rec.OrderID, models.PaymentStatusDone, payment.Fields{
		PaymentKey:  res.PaymentKey,
		Method:      res.Method,
		ApprovedAt:  res.ApprovedAt,
		TotalAmount: res.TotalAmount,
		ReceiptURL:  res.ReceiptURL,
	})
	if err != nil {
		return OutcomeFailed, fmt.Errorf("record approval of %s (payment %s): %w", rec.OrderID, res.PaymentKey, err)
	}
	return s.fulfil(ctx, sub, done, plan)
}

// prepare commits the renewal record before anything is charged.
func (s *Sweeper) prepare(ctx context.Context, prior *models.PaymentRecord, plan *models.Plan) (*models.PaymentRecord, error) {
	if !prior.HasCredentials() {
		return nil, payment.ErrMissingCredentials
	}
	orderID, err := s.d.OrderIDs.Next(ctx)
	if err != nil {
		return nil, err
	}
	return s.d.Payments.CreateRenewal(ctx, prior, orderID, plan)
}

// fulfil extends the subscription for a paid renewal. Repeating it is safe:
// the ledger keeps one period per order and only the caller that stamps
// fulfilled_at emits the events.
func (s *Sweeper) fulfil(ctx context.Context, sub models.Subscription, done *models.PaymentRecord, plan *models.Plan) (Outcome, error) {
	next, err := s.d.Ledger.Renew(ctx, &sub, plan, done.OrderID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("renew subscription after %s: %w", done.OrderID, err)
	}
	if _, err := s.d.Catalog.ApplyPlan(ctx, sub.MemberID, plan); err != nil {
		return OutcomeFailed, fmt.Errorf("apply plan after %s: %w", done.OrderID, err)
	}
	first, err := s.d.Payments.MarkFulfilled(ctx, done.OrderID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("stamp fulfilment of %s: %w", done.OrderID, err)
	}
	if !first {
		return OutcomeRenewed, nil
	}

	events.Emit(ctx, s.d.Events,
		events.FromRecord(events.TypePaymentUpdated, done),
		events.FromRecord(events.TypeReceiptMail, done),
	)
	log.Infof("[AutoBilling] Member %d renewed until %s (order %s)", sub.MemberID, next.ExpiredAt.Format(time.RFC3339), done.OrderID)
	return OutcomeRenewed, nil
}
