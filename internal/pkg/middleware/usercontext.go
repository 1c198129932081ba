package middleware

import (
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/LingoBill/internal/pkg/usercontext"
)

// MemberContextMiddleware sets up the member context for every request from
// the header written by the authenticating proxy. Missing or malformed ids
// leave the request anonymous.
func MemberContextMiddleware(c *fiber.Ctx) error {
	raw := strings.TrimSpace(c.Get(usercontext.HeaderMemberID))
	if raw == "" {
		c.Locals(usercontext.KeyMemberContext, usercontext.MemberContext{})
		return c.Next()
	}

	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		c.Locals(usercontext.KeyMemberContext, usercontext.MemberContext{})
		return c.Next()
	}

	c.Locals(usercontext.KeyMemberContext, usercontext.MemberContext{
		MemberID:      uint(id),
		Authenticated: true,
	})
	return c.Next()
}
