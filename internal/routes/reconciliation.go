package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/soko-plus/soko_plus/internal/reconciliation"
)

// RegisterReconciliationRoutes wires the finance back-office endpoints.
func RegisterReconciliationRoutes(r fiber.Router, h *reconciliation.Handler) {
	recon := r.Group("/reconciliation")
	recon.Post("/periods", h.CreatePeriod)
	recon.Get("/periods", h.ListPeriods)
	recon.Get("/periods/:periodId", h.GetPeriod)
	recon.Post("/periods/:periodId/statement", h.SubmitStatement)
	recon.Get("/periods/:periodId/issues", h.ListIssues)
	recon.Post("/periods/:periodId/issues", h.RaiseIssue)
	recon.Post("/periods/:periodId/complete", h.CompletePeriod)
	recon.Post("/periods/:periodId/fail", h.FailPeriod)
	recon.Post("/issues/:issueId/resolve", h.ResolveIssue)
}
