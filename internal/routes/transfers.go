package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soko-plus/soko_plus/internal/transfer"
)

// RegisterTransferRoutes wires transfer, top-up, refund and withdrawal
// endpoints. Gateway callbacks (top-up verification, payout settlement) sit
// behind the shared-secret check.
func RegisterTransferRoutes(r fiber.Router, h *transfer.Handler, requireKey, rateLimit, gatewayAuth fiber.Handler) {
	r.Post("/transfers", rateLimit, requireKey, h.Transfer)
	r.Post("/refunds", rateLimit, requireKey, h.Refund)

	r.Post("/topups/verify", gatewayAuth, requireKey, h.VerifyTopup)

	r.Post("/withdrawals", rateLimit, requireKey, h.RequestWithdrawal)
	r.Get("/withdrawals/:withdrawalId", h.GetWithdrawal)
	r.Post("/withdrawals/:withdrawalId/complete", gatewayAuth, h.CompleteWithdrawal)
	r.Post("/withdrawals/:withdrawalId/fail", gatewayAuth, h.FailWithdrawal)
	r.Post("/withdrawals/:withdrawalId/cancel", rateLimit, h.CancelWithdrawal)
}
