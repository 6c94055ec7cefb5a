package middleware

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/crypto/bcrypt"
)

const gatewaySecretHeader = "X-Gateway-Secret"

// GatewayAuth protects gateway callback endpoints (top-up notifications,
// payout confirmations) with a shared secret. The configured value is a
// bcrypt hash, so the plaintext secret never lives in the environment. An
// empty hash disables the check for local development.
func GatewayAuth(secretHash string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secretHash == "" {
			return c.Next()
		}
		secret := c.Get(gatewaySecretHeader)
		if secret == "" {
			return fiber.NewError(http.StatusUnauthorized, "missing gateway secret")
		}
		if err := bcrypt.CompareHashAndPassword([]byte(secretHash), []byte(secret)); err != nil {
			return fiber.NewError(http.StatusUnauthorized, "invalid gateway secret")
		}
		return c.Next()
	}
}
