package http

import (
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/splitpay/settlement/internal/config"
	"github.com/splitpay/settlement/internal/http/handlers"
	"github.com/splitpay/settlement/internal/middleware"
	"github.com/splitpay/settlement/internal/rbac"
	"go.uber.org/zap"
)

func SetupRouter(
	app *fiber.App,
	cfg *config.Config,
	log *zap.Logger,
	rdb *redis.Client,
	splitHandler *handlers.SplitHandler,
	providerHandler *handlers.ProviderWebhookHandler,
	wsHub *handlers.WSHub,
) {
	// Global middleware
	app.Use(recover.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Request-ID",
	}))
	app.Use(middleware.RequestIDMiddleware())
	app.Use(middleware.LoggerMiddleware(log))

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	// Provider callbacks authenticate by signature, not JWT
	app.Post("/webhooks/provider", providerHandler.Handle)

	api := app.Group("/api/v1")

	// Rate limiting runs after auth so callers are counted by subject
	protected := api.Group("",
		middleware.AuthMiddleware(cfg, log),
		middleware.RateLimitMiddleware(rdb, cfg.RateLimitPerMinute, time.Minute),
	)

	// Splits
	splits := protected.Group("/splits")
	splits.Post("/", middleware.RequirePermission(rbac.PermCreateSplit), splitHandler.CreateSplit)
	splits.Get("/:id", middleware.RequirePermission(rbac.PermViewSplit), splitHandler.GetSplit)
	splits.Post("/:id/payments", middleware.RequirePermission(rbac.PermRecordPayment), splitHandler.RecordPayment)
	splits.Post("/:id/settle", middleware.RequirePermission(rbac.PermTriggerSettle), splitHandler.Settle)
	splits.Post("/:id/cancel", middleware.RequirePermission(rbac.PermCancelSplit), splitHandler.Cancel)
	splits.Post("/:id/retry", middleware.RequirePermission(rbac.PermRetrySettle), splitHandler.Retry)
	splits.Get("/:id/attempts", middleware.RequirePermission(rbac.PermViewSplit), splitHandler.ListAttempts)
	splits.Get("/:id/deliveries", middleware.RequirePermission(rbac.PermViewSplit), splitHandler.ListDeliveries)
	splits.Get("/:id/audit", middleware.RequirePermission(rbac.PermViewAudit), splitHandler.ListAudit)

	// WebSocket
	app.Use("/ws", handlers.WSUpgradeMiddleware())
	app.Get("/ws", websocket.New(wsHub.HandleWS))
}
