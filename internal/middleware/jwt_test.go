package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func newJWTApp() *fiber.App {
	app := fiber.New()
	app.Use(JWTProtected("secret"))
	app.Get("/me", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"user_id": c.Locals("user_id"),
			"role":    c.Locals("user_role"),
		})
	})
	return app
}

func TestJWTProtectedSetsIdentity(t *testing.T) {
	app := newJWTApp()
	token := signToken(t, "secret", jwt.MapClaims{
		"sub":  "42",
		"role": "Assessor",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		UserID uint   `json:"user_id"`
		Role   string `json:"role"`
	}
	decodeJSON(t, resp, &body)
	require.Equal(t, uint(42), body.UserID)
	require.Equal(t, "assessor", body.Role)
}

func TestJWTProtectedRejectsBadTokens(t *testing.T) {
	app := newJWTApp()

	cases := map[string]string{
		"missing":      "",
		"wrong scheme": "Basic abc",
		"wrong secret": "Bearer " + signToken(t, "other", jwt.MapClaims{"sub": "1"}),
		"expired":      "Bearer " + signToken(t, "secret", jwt.MapClaims{"sub": "1", "exp": time.Now().Add(-time.Minute).Unix()}),
		"no subject":   "Bearer " + signToken(t, "secret", jwt.MapClaims{"role": "student"}),
		"empty bearer": "Bearer ",
	}
	for name, header := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
		})
	}
}

func TestJWTProtectedReadsRoleList(t *testing.T) {
	app := newJWTApp()
	token := signToken(t, "secret", jwt.MapClaims{"user_id": 7, "roles": []string{"", "Student"}})

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "bearer "+token)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		UserID uint   `json:"user_id"`
		Role   string `json:"role"`
	}
	decodeJSON(t, resp, &body)
	require.Equal(t, uint(7), body.UserID)
	require.Equal(t, "student", body.Role)
}

func TestJWTProtectedIgnoresQueryTokenOutsideUpgrades(t *testing.T) {
	app := newJWTApp()
	token := signToken(t, "secret", jwt.MapClaims{"sub": "1", "role": "student"})

	req := httptest.NewRequest(http.MethodGet, "/me?access_token="+token, nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func decodeJSON(t *testing.T, resp *http.Response, target interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(target))
}
