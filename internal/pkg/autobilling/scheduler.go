package autobilling

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/robfig/cron/v3"

	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
)

// SchedulerConfig holds the cron specs (with seconds) and run timeouts.
type SchedulerConfig struct {
	RenewalSpec    string
	RenewalTimeout time.Duration
	ExpirySpec     string
	ExpiryTimeout  time.Duration
	FulfilSpec     string
	FulfilTimeout  time.Duration
	// FulfilGrace leaves payments alone that a request may still be fulfilling.
	FulfilGrace time.Duration
	FulfilBatch int
}

// Fulfiller completes approved payments whose subscription was never granted.
type Fulfiller interface {
	CompleteUnfulfilled(ctx context.Context, grace time.Duration, limit int) (int, error)
}

func SchedulerConfigFromEnv() SchedulerConfig {
	return SchedulerConfig{
		RenewalSpec:    env.GetEnv("AUTOBILLING_CRON", "0 0 3 * * *"),
		RenewalTimeout: env.GetEnvDuration("AUTOBILLING_TIMEOUT", 10*time.Minute),
		ExpirySpec:     env.GetEnv("EXPIRY_CRON", "0 30 3 * * *"),
		ExpiryTimeout:  env.GetEnvDuration("EXPIRY_TIMEOUT", 5*time.Minute),
		FulfilSpec:     env.GetEnv("FULFIL_CRON", "0 */5 * * * *"),
		FulfilTimeout:  env.GetEnvDuration("FULFIL_TIMEOUT", 2*time.Minute),
		FulfilGrace:    env.GetEnvDuration("FULFIL_GRACE", 5*time.Minute),
		FulfilBatch:    env.GetEnvInt("FULFIL_BATCH", 100),
	}
}

// Scheduler triggers the renewal and expiry sweeps on a cron schedule.
type Scheduler struct {
	cron    *cron.Cron
	sweeper *Sweeper
	expiry  *ExpirySweeper
	fulfil  Fulfiller
	cfg     SchedulerConfig
}

func NewScheduler(sweeper *Sweeper, expiry *ExpirySweeper, cfg SchedulerConfig) (*Scheduler, error) {
	s := &Scheduler{
		// a sweep still running when the next one is due is not started twice
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		sweeper: sweeper,
		expiry:  expiry,
		cfg:     cfg,
	}

	if _, err := s.cron.AddFunc(cfg.RenewalSpec, s.RunRenewal); err != nil {
		return nil, err
	}
	if expiry != nil {
		if _, err := s.cron.AddFunc(cfg.ExpirySpec, s.RunExpiry); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// RunRenewal runs one renewal sweep with the configured timeout.
func (s *Scheduler) RunRenewal() {
	log.Info("[CRON] Starting auto-renewal sweep...")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RenewalTimeout)
	defer cancel()

	report, err := s.sweeper.RunSweep(ctx)
	if err != nil {
		log.Errorf("[CRON] Auto-renewal sweep failed: %v", err)
		return
	}
	log.Infof("[CRON] Auto-renewal completed: total=%d, renewed=%d, skipped=%d, failed=%d",
		report.Total, report.Renewed, report.Skipped, report.Failed)
}

// RunExpiry runs one expiry sweep with the configured timeout.
func (s *Scheduler) RunExpiry() {
	log.Info("[CRON] Starting subscription expiration check...")
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ExpiryTimeout)
	defer cancel()

	n, err := s.expiry.Run(ctx)
	if err != nil {
		log.Errorf("[CRON] Error expiring subscriptions: %v", err)
		return
	}
	log.Infof("[CRON] Finished subscription expiration check, %d member(s) downgraded", n)
}

// AddFulfilment schedules the repair of unfulfilled payments.
func (s *Scheduler) AddFulfilment(f Fulfiller) error {
	s.fulfil = f
	_, err := s.cron.AddFunc(s.cfg.FulfilSpec, s.RunFulfilment)
	return err
}

// RunFulfilment completes one batch of unfulfilled payments.
func (s *Scheduler) RunFulfilment() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FulfilTimeout)
	defer cancel()

	n, err := s.fulfil.CompleteUnfulfilled(ctx, s.cfg.FulfilGrace, s.cfg.FulfilBatch)
	if err != nil {
		log.Errorf("[CRON] Error completing unfulfilled payments: %v", err)
		return
	}
	if n > 0 {
		log.Infof("[CRON] Completed %d unfulfilled payment(s)", n)
	}
}

func (s *Scheduler) Start() {
	s.cron.Start()
	log.Infof("[CRON] Scheduled auto-renewal (%s) and expiry (%s)", s.cfg.RenewalSpec, s.cfg.ExpirySpec)
}

// Stop stops scheduling and waits up to timeout for running sweeps.
func (s *Scheduler) Stop(timeout time.Duration) {
	ctx := s.cron.Stop()
	select {
	case <-ctx.Done():
		log.Info("[CRON] Cron jobs stopped gracefully")
	case <-time.After(timeout):
		log.Warn("[CRON] Cron jobs forced to stop after timeout")
	}
}

// Entries reports how many jobs are scheduled.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
