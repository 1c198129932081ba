package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LingoBill/app/models"
	"github.com/ManuelReschke/LingoBill/internal/pkg/checkout"
	"github.com/ManuelReschke/LingoBill/internal/pkg/usercontext"
)

// PaymentFlows is the member-facing payment API.
type PaymentFlows interface {
	Checkout(ctx context.Context, req checkout.CheckoutRequest) (*checkout.CheckoutResult, error)
	Confirm(ctx context.Context, req checkout.ConfirmRequest) (*checkout.Result, error)
	RegisterAutoBilling(ctx context.Context, req checkout.RegisterRequest) (*checkout.Result, error)
	CancelAutoBilling(ctx context.Context, memberID uint) (*models.Subscription, error)
}

type PaymentController struct {
	flows PaymentFlows
}

func NewPaymentController(flows PaymentFlows) *PaymentController {
	return &PaymentController{flows: flows}
}

func badBody(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "validation_error", "message": "Invalid JSON body"})
}

// HandleCheckout creates an order for the requested plan.
func (pc *PaymentController) HandleCheckout(c *fiber.Ctx) error {
	var req checkout.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	req.MemberID = usercontext.GetMemberID(c)

	out, err := pc.flows.Checkout(c.UserContext(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(out)
}

// HandleConfirm confirms an order. The Idempotency-Key header is required;
// repeating a confirmed request returns the stored result.
func (pc *PaymentController) HandleConfirm(c *fiber.Ctx) error {
	var req checkout.ConfirmRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	req.MemberID = usercontext.GetMemberID(c)
	req.IdempotencyKey = c.Get(usercontext.HeaderIdempotencyKey)

	res, err := pc.flows.Confirm(c.UserContext(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// HandleRegisterAutoBilling issues a billing key and charges the first period.
func (pc *PaymentController) HandleRegisterAutoBilling(c *fiber.Ctx) error {
	var req checkout.RegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return badBody(c)
	}
	req.MemberID = usercontext.GetMemberID(c)
	req.IdempotencyKey = c.Get(usercontext.HeaderIdempotencyKey)

	res, err := pc.flows.RegisterAutoBilling(c.UserContext(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(res)
}

// HandleCancelAutoBilling turns automatic renewal off.
func (pc *PaymentController) HandleCancelAutoBilling(c *fiber.Ctx) error {
	sub, err := pc.flows.CancelAutoBilling(c.UserContext(), usercontext.GetMemberID(c))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"subscriptionId": sub.ID,
		"expiredAt":      sub.ExpiredAt,
		"autoRenew":      sub.IsAutoRenew,
	})
}
