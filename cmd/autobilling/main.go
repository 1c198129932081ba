package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ManuelReschke/LingoBill/internal/pkg/autobilling"
	"github.com/ManuelReschke/LingoBill/internal/pkg/billing"
	"github.com/ManuelReschke/LingoBill/internal/pkg/cache"
	"github.com/ManuelReschke/LingoBill/internal/pkg/checkout"
	"github.com/ManuelReschke/LingoBill/internal/pkg/compensation"
	"github.com/ManuelReschke/LingoBill/internal/pkg/database"
	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
	"github.com/ManuelReschke/LingoBill/internal/pkg/gateway"
	"github.com/ManuelReschke/LingoBill/internal/pkg/idempotency"
	"github.com/ManuelReschke/LingoBill/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/LingoBill/internal/pkg/outbox"
	"github.com/ManuelReschke/LingoBill/internal/pkg/payment"
	"github.com/ManuelReschke/LingoBill/internal/pkg/subscription"
)

func main() {
	env.SetupEnvFile()

	command := "schedule"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	database.SetupDatabase()
	cache.SetupCache()
	defer func() { _ = cache.Close() }()

	w := newWorkers()

	switch command {
	case "schedule":
		scheduler, err := autobilling.NewScheduler(w.sweeper, w.expiry, autobilling.SchedulerConfigFromEnv())
		if err != nil {
			log.Fatalf("Invalid cron spec: %v", err)
		}
		if err := scheduler.AddFulfilment(w.coordinator); err != nil {
			log.Fatalf("Invalid cron spec: %v", err)
		}
		scheduler.Start()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down scheduler...")
		scheduler.Stop(env.GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second))

	case "renew":
		ctx, cancel := context.WithTimeout(context.Background(), env.GetEnvDuration("AUTOBILLING_TIMEOUT", 10*time.Minute))
		defer cancel()
		report, err := w.sweeper.RunSweep(ctx)
		if err != nil {
			log.Fatalf("Auto-renewal sweep failed: %v", err)
		}
		log.Printf("Auto-renewal: total=%d renewed=%d skipped=%d failed=%d",
			report.Total, report.Renewed, report.Skipped, report.Failed)

	case "expire":
		ctx, cancel := context.WithTimeout(context.Background(), env.GetEnvDuration("EXPIRY_TIMEOUT", 5*time.Minute))
		defer cancel()
		n, err := w.expiry.Run(ctx)
		if err != nil {
			log.Fatalf("Expiry sweep failed: %v", err)
		}
		log.Printf("Expiry: %d member(s) downgraded", n)

	case "fulfil":
		cfg := autobilling.SchedulerConfigFromEnv()
		ctx, cancel := context.WithTimeout(context.Background(), cfg.FulfilTimeout)
		defer cancel()
		n, err := w.coordinator.CompleteUnfulfilled(ctx, cfg.FulfilGrace, cfg.FulfilBatch)
		if err != nil {
			log.Fatalf("Fulfilment repair failed: %v", err)
		}
		log.Printf("Fulfilment: %d payment(s) completed", n)

	default:
		printUsage()
		os.Exit(1)
	}
}

type workers struct {
	sweeper     *autobilling.Sweeper
	expiry      *autobilling.ExpirySweeper
	coordinator *checkout.Coordinator
}

func newWorkers() workers {
	db := database.GetDB()
	rdb := cache.GetClient()

	payments := payment.NewStoreFromDB(db)
	ledger := subscription.NewLedgerFromDB(db)
	catalog := billing.NewServiceFromDB(db)
	gate := idempotency.NewGate(rdb, idempotency.ConfigFromEnv())

	// events are only enqueued here, the server process delivers them
	queue := outbox.NewQueue(rdb, outbox.ConfigFromEnv())

	gw := gateway.NewClient(gateway.NewHTTPTransportFromEnv(), gateway.ConfigFromEnv())
	comp := compensation.NewEngine(payments, ledger, catalog, gate, queue)
	orderIDs := payment.NewRedisOrderIDs(rdb)

	sweeper := autobilling.NewSweeper(autobilling.Deps{
		Payments:    payments,
		Ledger:      ledger,
		Catalog:     catalog,
		Gate:        gate,
		Gateway:     gw,
		Compensator: comp,
		OrderIDs:    orderIDs,
		Events:      queue,
		Counters:    counter.New(rdb),
	}, autobilling.ConfigFromEnv())

	coordinator := checkout.NewCoordinator(checkout.Deps{
		Payments:    payments,
		Gate:        gate,
		Gateway:     gw,
		Ledger:      ledger,
		Catalog:     catalog,
		Compensator: comp,
		OrderIDs:    orderIDs,
		Events:      queue,
	})

	return workers{
		sweeper:     sweeper,
		expiry:      autobilling.NewExpirySweeper(ledger, catalog, env.GetEnvDuration("EXPIRY_GRACE", 72*time.Hour)),
		coordinator: coordinator,
	}
}

func printUsage() {
	fmt.Println("Usage: go run cmd/autobilling/main.go [command]")
	fmt.Println("Commands:")
	fmt.Println("  schedule - run every job on its cron schedule (default)")
	fmt.Println("  renew    - run one renewal sweep and exit")
	fmt.Println("  expire   - run one expiry sweep and exit")
	fmt.Println("  fulfil   - complete approved payments that were never fulfilled and exit")
}
