package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/LingoBill/internal/pkg/billing"
	"github.com/ManuelReschke/LingoBill/internal/pkg/checkout"
	"github.com/ManuelReschke/LingoBill/internal/pkg/gateway"
	"github.com/ManuelReschke/LingoBill/internal/pkg/idempotency"
	"github.com/ManuelReschke/LingoBill/internal/pkg/payment"
	"github.com/ManuelReschke/LingoBill/internal/pkg/subscription"
)

// statusFor maps a flow error to an HTTP status and a stable error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, checkout.ErrValidation),
		errors.Is(err, payment.ErrInvalidInput),
		errors.Is(err, subscription.ErrInvalidInput),
		errors.Is(err, billing.ErrInvalidPlan):
		return fiber.StatusBadRequest, "validation_error"

	case errors.Is(err, idempotency.ErrConflict),
		errors.Is(err, payment.ErrOrderConflict):
		return fiber.StatusConflict, "duplicate_request"

	case errors.Is(err, idempotency.ErrAmountMismatch):
		return fiber.StatusUnprocessableEntity, "amount_mismatch"
	case errors.Is(err, idempotency.ErrNotFound):
		return fiber.StatusUnprocessableEntity, "reservation_not_found"
	case errors.Is(err, payment.ErrInvalidState),
		errors.Is(err, payment.ErrMissingCredentials):
		return fiber.StatusUnprocessableEntity, "invalid_state"

	case errors.Is(err, payment.ErrNotFound),
		errors.Is(err, checkout.ErrMemberMismatch):
		return fiber.StatusNotFound, "order_not_found"
	case errors.Is(err, subscription.ErrNotFound):
		return fiber.StatusNotFound, "subscription_not_found"
	case errors.Is(err, billing.ErrPlanNotFound):
		return fiber.StatusNotFound, "plan_not_found"
	case errors.Is(err, billing.ErrMemberNotFound):
		return fiber.StatusNotFound, "member_not_found"

	case errors.Is(err, gateway.ErrServiceUnavailable),
		errors.Is(err, idempotency.ErrCacheUnavailable):
		return fiber.StatusServiceUnavailable, "service_unavailable"
	}

	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		return fiber.StatusBadGateway, "payment_failed"
	}
	if errors.Is(err, checkout.ErrFulfillment) {
		return fiber.StatusInternalServerError, "fulfillment_pending"
	}
	return fiber.StatusInternalServerError, "internal_server_error"
}

func errorResponse(c *fiber.Ctx, err error) error {
	status, code := statusFor(err)
	body := fiber.Map{"error": code, "message": err.Error()}

	var gwErr *gateway.Error
	if errors.As(err, &gwErr) {
		body["code"] = gwErr.FailureCode()
		body["message"] = gwErr.FailureMessage()
	}
	if status >= fiber.StatusInternalServerError {
		log.Errorf("[API] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(body)
}
