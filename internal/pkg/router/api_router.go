package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/LingoBill/app/controllers"
	"github.com/ManuelReschke/LingoBill/internal/pkg/env"
	"github.com/ManuelReschke/LingoBill/internal/pkg/middleware"
)

type ApiRouter struct {
	payments *controllers.PaymentController
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        env.GetEnvInt("API_RATE_LIMIT", 60),
		Expiration: time.Minute,
	}))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1", middleware.MemberContextMiddleware, middleware.RequireMember)

	payments := v1.Group("/payments")
	payments.Post("/checkout", h.payments.HandleCheckout)
	payments.Post("/confirm", h.payments.HandleConfirm)

	billing := v1.Group("/billing")
	billing.Post("/auto", h.payments.HandleRegisterAutoBilling)
	billing.Delete("/auto", h.payments.HandleCancelAutoBilling)
}

func NewApiRouter(payments *controllers.PaymentController) *ApiRouter {
	return &ApiRouter{payments: payments}
}
