package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/noah-isme/gema-assessment-api/internal/observability"
)

// CorrelationHeader is echoed on every response.
const CorrelationHeader = "X-Correlation-ID"

const correlationLocal = "correlation_id"

// CorrelationID tags the request with the caller's X-Correlation-ID (or
// X-Request-ID), minting a UUID when neither is sent. The id lands in the user
// context so attempt events published by the request carry it.
func CorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := firstHeader(c, CorrelationHeader, "X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals(correlationLocal, id)
		c.Set(CorrelationHeader, id)
		c.SetUserContext(observability.WithCorrelationID(c.UserContext(), id))

		return c.Next()
	}
}

// GetCorrelationID returns the correlation id bound to the request.
func GetCorrelationID(c *fiber.Ctx) string {
	if c == nil {
		return ""
	}
	if id, ok := c.Locals(correlationLocal).(string); ok {
		return id
	}
	return observability.CorrelationIDFromContext(c.UserContext())
}

func firstHeader(c *fiber.Ctx, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(c.Get(name)); value != "" {
			return value
		}
	}
	return ""
}
