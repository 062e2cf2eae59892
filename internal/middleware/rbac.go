package middleware

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

// reviewerRoles may read any attempt and act on the review pipeline.
var reviewerRoles = map[string]struct{}{
	"assessor":  {},
	"moderator": {},
	"verifier":  {},
	"admin":     {},
}

// RequireRole rejects callers whose role matches none of roles. The group
// name "reviewer" admits every reviewer role.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make([]string, 0, len(roles))
	for _, role := range roles {
		if normalized := strings.ToLower(strings.TrimSpace(role)); normalized != "" {
			allowed = append(allowed, normalized)
		}
	}

	return func(c *fiber.Ctx) error {
		current := normalizeRoleValue(c.Locals("user_role"))
		for _, role := range allowed {
			if roleSatisfies(current, role) {
				return c.Next()
			}
		}
		return utils.Fail(c, fiber.StatusForbidden, "insufficient permissions", fiber.Map{"required_role": strings.Join(allowed, ",")})
	}
}

func roleSatisfies(current, required string) bool {
	if current == "" {
		return false
	}
	if required == AuthRoleReviewer {
		_, ok := reviewerRoles[current]
		return ok
	}
	return current == required
}

func normalizeRoleValue(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case fmt.Stringer:
		return strings.ToLower(strings.TrimSpace(v.String()))
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", value)))
	}
}
