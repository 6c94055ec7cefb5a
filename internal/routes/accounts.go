package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soko-plus/soko_plus/internal/account"
)

// RegisterAccountRoutes wires balance, transaction history and manual
// adjustment endpoints.
func RegisterAccountRoutes(r fiber.Router, h *account.Handler, requireKey, rateLimit fiber.Handler) {
	r.Get("/accounts/:ownerType/:ownerId/balance", h.Balance)
	r.Get("/accounts/:ownerType/:ownerId/transactions", h.Transactions)
	r.Post("/transactions", rateLimit, requireKey, h.CreateTransaction)
}
