package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LingoBill/internal/pkg/outbox"
)

// BreakerStates reports the circuit breaker state per traffic class.
type BreakerStates interface {
	BreakerState() map[string]string
}

// OutboxStats reports event delivery counters.
type OutboxStats interface {
	Stats(ctx context.Context) (map[outbox.Status]int64, error)
	QueueSize(ctx context.Context) (int64, error)
	ProcessingSize(ctx context.Context) (int64, error)
}

// DailyCounters reports today's billing counters.
type DailyCounters interface {
	Today(ctx context.Context) (map[string]int64, error)
}

// AdminStatusController exposes operational state of the payment core.
type AdminStatusController struct {
	breakers BreakerStates
	outbox   OutboxStats
	counters DailyCounters
}

func NewAdminStatusController(breakers BreakerStates, ob OutboxStats, counters DailyCounters) *AdminStatusController {
	return &AdminStatusController{breakers: breakers, outbox: ob, counters: counters}
}

// HandleStatus returns breaker states, outbox counters and today's billing
// counters.
func (ac *AdminStatusController) HandleStatus(c *fiber.Ctx) error {
	ctx := c.UserContext()

	stats, err := ac.outbox.Stats(ctx)
	if err != nil {
		return errorResponse(c, err)
	}
	pending, err := ac.outbox.QueueSize(ctx)
	if err != nil {
		return errorResponse(c, err)
	}
	processing, err := ac.outbox.ProcessingSize(ctx)
	if err != nil {
		return errorResponse(c, err)
	}

	today, err := ac.counters.Today(ctx)
	if err != nil {
		return errorResponse(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"breakers": ac.breakers.BreakerState(),
		"today":    today,
		"outbox": fiber.Map{
			"pending":    pending,
			"processing": processing,
			"stats":      stats,
		},
	})
}
