package usercontext

import "github.com/gofiber/fiber/v2"

const (
	// HeaderMemberID carries the member id set by the authenticating proxy.
	HeaderMemberID = "X-Member-ID"
	// HeaderIdempotencyKey is the client token of a confirmation or registration.
	HeaderIdempotencyKey = "Idempotency-Key"

	KeyMemberContext = "MEMBER_CONTEXT"
)

// MemberContext is the caller identity of a request.
type MemberContext struct {
	MemberID      uint `json:"member_id"`
	Authenticated bool `json:"authenticated"`
}

// GetMemberContext retrieves the member context from the fiber context.
// Returns an anonymous context if none is set.
func GetMemberContext(c *fiber.Ctx) MemberContext {
	if ctx, ok := c.Locals(KeyMemberContext).(MemberContext); ok {
		return ctx
	}
	return MemberContext{}
}

// GetMemberID returns the current member id, or 0 for anonymous callers.
func GetMemberID(c *fiber.Ctx) uint {
	return GetMemberContext(c).MemberID
}

// IsAuthenticated reports whether the request carried a member id.
func IsAuthenticated(c *fiber.Ctx) bool {
	return GetMemberContext(c).Authenticated
}
