package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// GatewayAuth guards engine-facing endpoints with a shared secret.
// The engine authenticates either with "Authorization: Bearer <secret>"
// or an "x-gateway-secret" header. An unset secret rejects everything:
// a misconfigured deployment must not accept unauthenticated pushes.
func GatewayAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret != "" {
			auth := c.Get("Authorization")
			if strings.HasPrefix(auth, "Bearer ") {
				token := strings.TrimPrefix(auth, "Bearer ")
				if subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1 {
					return c.Next()
				}
			}
			if header := c.Get("x-gateway-secret"); header != "" {
				if subtle.ConstantTimeCompare([]byte(header), []byte(secret)) == 1 {
					return c.Next()
				}
			}
		}
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"received": false,
			"error":    "Unauthorized",
		})
	}
}
