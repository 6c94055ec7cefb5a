package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

const healthProbeTimeout = 2 * time.Second

// RegisterHealthRoutes adds the readiness endpoint. It reports which backend
// serves the ledger and the idempotency guard, and probes the persistent ones.
func RegisterHealthRoutes(app *fiber.App, d Deps) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), healthProbeTimeout)
		defer cancel()

		ledgerBackend, ledgerStatus := "memory", "ok"
		if d.DB != nil {
			ledgerBackend = "postgres"
			if err := d.DB.Ping(ctx); err != nil {
				ledgerStatus = err.Error()
			}
		}

		guardBackend, guardStatus := "memory", "ok"
		if d.Cache != nil {
			guardBackend = "redis"
			if err := d.Cache.Ping(ctx).Err(); err != nil {
				guardStatus = err.Error()
			}
		}

		status := http.StatusOK
		if ledgerStatus != "ok" || guardStatus != "ok" {
			status = http.StatusServiceUnavailable
		}
		return c.Status(status).JSON(fiber.Map{
			"service":    d.Cfg.AppName,
			"env":        d.Cfg.AppEnv,
			"ledger":     fiber.Map{"backend": ledgerBackend, "status": ledgerStatus},
			"guard":      fiber.Map{"backend": guardBackend, "status": guardStatus},
			"checked_at": time.Now().UTC().Format(time.RFC3339Nano),
		})
	})
}
