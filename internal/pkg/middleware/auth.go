package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LingoBill/internal/pkg/usercontext"
)

// RequireMember ensures the request belongs to a member and returns JSON 401
// otherwise.
func RequireMember(c *fiber.Ctx) error {
	if !usercontext.IsAuthenticated(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "member id required",
		})
	}
	return c.Next()
}
