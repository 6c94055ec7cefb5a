package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soko-plus/soko_plus/internal/hold"
)

// RegisterHoldRoutes wires reservation lifecycle endpoints.
func RegisterHoldRoutes(r fiber.Router, h *hold.Handler, requireKey, rateLimit fiber.Handler) {
	r.Post("/holds", rateLimit, requireKey, h.Create)
	r.Post("/holds/:holdId/release", rateLimit, requireKey, h.Release)
	r.Post("/holds/:holdId/capture", rateLimit, requireKey, h.Capture)
	r.Post("/bookings/:bookingRef/resolve", rateLimit, requireKey, h.ResolveBooking)
}
