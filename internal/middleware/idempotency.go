package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const idempotencyKeyHeader = "Idempotency-Key"

// maxIdempotencyKeyLength bounds what we will store in the guard and embed in
// ledger entry keys.
const maxIdempotencyKeyLength = 128

// RequireIdempotencyKey rejects unsafe requests that arrive without an
// Idempotency-Key header. Replay detection itself happens in the services,
// which fingerprint the request and store the first outcome; this middleware
// only guarantees the key is there to fingerprint against.
func RequireIdempotencyKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := c.Get(idempotencyKeyHeader)
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		if len(key) > maxIdempotencyKeyLength {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key header too long")
		}
		return c.Next()
	}
}
