package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/splitpay/settlement/internal/app"
	"github.com/splitpay/settlement/internal/config"
	"github.com/splitpay/settlement/internal/db"
	"github.com/splitpay/settlement/internal/events"
	apphttp "github.com/splitpay/settlement/internal/http"
	"github.com/splitpay/settlement/internal/http/handlers"
	"github.com/splitpay/settlement/internal/services"
	"go.uber.org/zap"
)

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Database
	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, cfg.MigrationsDir, log); err != nil {
		log.Fatal("failed to run migrations", zap.Error(err))
	}

	// Redis
	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	engine, err := app.NewEngine(ctx, cfg, pool, rdb, log)
	if err != nil {
		log.Fatal("failed to build settlement engine", zap.Error(err))
	}

	splitService := services.NewSplitService(
		engine.Splits, engine.Deliveries, engine.Audit, engine.Audit,
		engine.Orchestrator, engine.Transferer, log.Named("splits"),
	)

	// Handlers
	splitHandler := handlers.NewSplitHandler(splitService, log)
	providerHandler := handlers.NewProviderWebhookHandler(splitService, cfg.ProviderWebhookSecret, cfg.WebhookMaxAge, log)
	wsHub := handlers.NewWSHub(cfg, events.NewRedisSubscriber(rdb, log), log)
	wsHub.Start(ctx)

	server := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{"error": err.Error()})
		},
	})

	apphttp.SetupRouter(server, cfg, log, rdb, splitHandler, providerHandler, wsHub)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down...")
		cancel()
		_ = server.Shutdown()
	}()

	addr := fmt.Sprintf(":%s", cfg.APIPort)
	log.Info("starting API server",
		zap.String("addr", addr),
		zap.String("signer_backend", cfg.SignerBackend),
	)
	if err := server.Listen(addr); err != nil {
		log.Fatal("server error", zap.Error(err))
	}
}
