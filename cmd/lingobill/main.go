package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/LingoBill/app/controllers"
	"github.com/ManuelReschke/LingoBill/internal/pkg/billing"
	"github.com/ManuelReschke/LingoBill/internal/pkg/cache"
	"github.com/ManuelReschke/LingoBill/internal/pkg/checkout"
	"github.com/ManuelReschke/LingoBill/internal/pkg/compensation"
	"github.com/ManuelReschke/LingoBill/internal/pkg/database"
	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
	"github.com/ManuelReschke/LingoBill/internal/pkg/gateway"
	"github.com/ManuelReschke/LingoBill/internal/pkg/idempotency"
	"github.com/ManuelReschke/LingoBill/internal/pkg/mail"
	"github.com/ManuelReschke/LingoBill/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/LingoBill/internal/pkg/outbox"
	"github.com/ManuelReschke/LingoBill/internal/pkg/payment"
	"github.com/ManuelReschke/LingoBill/internal/pkg/router"
	"github.com/ManuelReschke/LingoBill/internal/pkg/subscription"
)

func main() {
	app, queue := NewApplication()
	queue.Start()

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Println("Shutting down...")
		if err := app.ShutdownWithTimeout(env.GetEnvDuration("SHUTDOWN_TIMEOUT", 10*time.Second)); err != nil {
			log.Printf("Server shutdown failed: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	queue.Stop()
	_ = cache.Close()
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires the payment core and returns the fiber app together
// with the outbox queue that delivers its events.
func NewApplication() (*fiber.App, *outbox.Queue) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()

	db := database.GetDB()
	rdb := cache.GetClient()

	payments := payment.NewStoreFromDB(db)
	ledger := subscription.NewLedgerFromDB(db)
	catalog := billing.NewServiceFromDB(db)
	gate := idempotency.NewGate(rdb, idempotency.ConfigFromEnv())
	gw := gateway.NewClient(gateway.NewHTTPTransportFromEnv(), gateway.ConfigFromEnv())

	queue := outbox.NewQueue(rdb, outbox.ConfigFromEnv())
	mail.NewNotifier(mail.NewSMTPSenderFromEnv(), catalog).Register(queue)

	coordinator := checkout.NewCoordinator(checkout.Deps{
		Payments:    payments,
		Gate:        gate,
		Gateway:     gw,
		Ledger:      ledger,
		Catalog:     catalog,
		Compensator: compensation.NewEngine(payments, ledger, catalog, gate, queue),
		OrderIDs:    payment.NewRedisOrderIDs(rdb),
		Events:      queue,
	})

	app := fiber.New(fiber.Config{
		BodyLimit: 64 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	// ROUTER
	router.InstallRouter(app, router.Controllers{
		Payments: controllers.NewPaymentController(coordinator),
		Status:   controllers.NewAdminStatusController(gw, queue, counter.New(rdb)),
	})

	return app, queue
}
