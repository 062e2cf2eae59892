package middleware

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/noah-isme/gema-assessment-api/internal/utils"
)

var errNoSubject = errors.New("token subject missing")

// Identity is the caller resolved from a bearer token.
type Identity struct {
	UserID uint
	Role   string
}

// JWTProtected validates HMAC signed bearer tokens and stores the caller in
// the user_id and user_role locals. Browsers cannot set headers on websocket
// upgrades, so those requests may send the token as access_token instead.
func JWTProtected(secret string) fiber.Handler {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	keyFunc := func(*jwt.Token) (interface{}, error) { return []byte(secret), nil }

	return func(c *fiber.Ctx) error {
		tokenString, err := bearerToken(c)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}

		claims := jwt.MapClaims{}
		token, err := parser.ParseWithClaims(tokenString, claims, keyFunc)
		if err != nil || !token.Valid {
			return utils.SendError(c, fiber.StatusUnauthorized, "invalid token")
		}

		identity, err := identityFromClaims(claims)
		if err != nil {
			return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
		}

		c.Locals("user_id", identity.UserID)
		if identity.Role != "" {
			c.Locals("user_role", identity.Role)
		}
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, error) {
	authorization := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
	if authorization == "" && websocket.IsWebSocketUpgrade(c) {
		if token := strings.TrimSpace(c.Query("access_token")); token != "" {
			return token, nil
		}
	}
	if authorization == "" {
		return "", errors.New("authorization header missing")
	}

	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid authorization header")
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", errors.New("invalid token")
	}
	return token, nil
}

func identityFromClaims(claims jwt.MapClaims) (Identity, error) {
	var identity Identity
	found := false
	for _, key := range []string{"sub", "user_id", "id"} {
		if value, ok := claims[key]; ok {
			if id, err := parseSubject(value); err == nil && id > 0 {
				identity.UserID = id
				found = true
				break
			}
		}
	}
	if !found {
		return Identity{}, errNoSubject
	}

	for _, key := range []string{"role", "roles"} {
		if role := firstRole(claims[key]); role != "" {
			identity.Role = role
			break
		}
	}
	return identity, nil
}

func parseSubject(value interface{}) (uint, error) {
	switch v := value.(type) {
	case float64:
		if v < 0 {
			return 0, fmt.Errorf("negative subject")
		}
		return uint(v), nil
	case string:
		parsed, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, err
		}
		return uint(parsed), nil
	default:
		return 0, fmt.Errorf("unsupported subject type %T", value)
	}
}

func firstRole(value interface{}) string {
	switch v := value.(type) {
	case string:
		return strings.ToLower(strings.TrimSpace(v))
	case []interface{}:
		for _, item := range v {
			if role := firstRole(item); role != "" {
				return role
			}
		}
	}
	return ""
}
