package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/soko-plus/soko_plus/internal/account"
	"github.com/soko-plus/soko_plus/internal/config"
	"github.com/soko-plus/soko_plus/internal/events"
	"github.com/soko-plus/soko_plus/internal/hold"
	"github.com/soko-plus/soko_plus/internal/idempotency"
	"github.com/soko-plus/soko_plus/internal/ledger"
	"github.com/soko-plus/soko_plus/internal/middleware"
	"github.com/soko-plus/soko_plus/internal/reconciliation"
	"github.com/soko-plus/soko_plus/internal/transfer"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg       config.Config
	DB        *pgxpool.Pool
	Cache     *redis.Client
	Publisher events.Publisher
	Logger    *slog.Logger
}

// Runtime holds the long-running components built during wiring that the
// caller has to start and stop alongside the HTTP server.
type Runtime struct {
	Sweeper *hold.Sweeper
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) (*Runtime, error) {
	// Outside of dev the in-process fallbacks are not acceptable.
	if !isDev(d.Cfg.AppEnv) {
		if d.DB == nil {
			return nil, fmt.Errorf("database is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
		if d.Cache == nil {
			return nil, fmt.Errorf("redis is required when APP_ENV=%s", d.Cfg.AppEnv)
		}
	}

	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	var store ledger.Store
	if d.DB != nil {
		store = ledger.NewPostgres(d.DB)
	} else {
		store = ledger.NewMemory()
	}
	if err := account.EnsurePlatformAccounts(context.Background(), store); err != nil {
		return nil, err
	}

	var guard idempotency.Guard
	if d.Cache != nil {
		guard = idempotency.NewRedisGuard(d.Cache, d.Cfg.IdempotencyTTL)
	} else {
		guard = idempotency.NewMemoryGuard()
	}

	var withdrawals transfer.Repository
	if d.DB != nil {
		withdrawals = transfer.NewPostgresRepository(d.DB)
	} else {
		withdrawals = transfer.NewMemoryRepository()
	}

	var reconStore reconciliation.Store
	if d.DB != nil {
		reconStore = reconciliation.NewPostgresStore(d.DB)
	} else {
		reconStore = reconciliation.NewMemoryStore()
	}

	accountSvc := account.NewService(store, guard, d.Publisher, d.Logger)
	holdSvc := hold.NewService(store, guard, d.Publisher, d.Logger)
	transferSvc := transfer.NewService(store, guard, holdSvc, withdrawals,
		transfer.StaticGateway{}, d.Publisher, d.Logger,
		transfer.Config{TransferFeeBps: d.Cfg.TransferFeeBps})
	reconEngine := reconciliation.NewEngine(reconStore, store, d.Publisher, d.Logger, d.Cfg.ReconciliationTolerance)

	accountHandler := account.NewHandler(accountSvc)
	holdHandler := hold.NewHandler(holdSvc)
	transferHandler := transfer.NewHandler(transferSvc)
	reconHandler := reconciliation.NewHandler(reconEngine)

	api := app.Group("/api/v1")
	api.Get("/ping", func(c *fiber.Ctx) error {
		reqID, _ := c.Locals("X-Request-ID").(string)
		return c.Status(http.StatusOK).JSON(fiber.Map{
			"status":     "ok",
			"request_id": reqID,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		})
	})

	requireKey := middleware.RequireIdempotencyKey()
	rateLimiter := middleware.RateLimit(d.Cache, "money", 120)
	gatewayAuth := middleware.GatewayAuth(d.Cfg.GatewaySecretHash)

	RegisterAccountRoutes(api, accountHandler, requireKey, rateLimiter)
	RegisterHoldRoutes(api, holdHandler, requireKey, rateLimiter)
	RegisterTransferRoutes(api, transferHandler, requireKey, rateLimiter, gatewayAuth)
	RegisterReconciliationRoutes(api, reconHandler)

	return &Runtime{
		Sweeper: hold.NewSweeper(holdSvc, store, d.Cfg.HoldSweepInterval, d.Logger),
	}, nil
}

func isDev(env string) bool {
	switch strings.ToLower(env) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}
