package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/splitpay/settlement/internal/app"
	"github.com/splitpay/settlement/internal/config"
	"github.com/splitpay/settlement/internal/db"
	"github.com/splitpay/settlement/internal/settlement"
	"go.uber.org/zap"
)

const deliveryBatchSize = 100

func main() {
	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg := config.Load()
	cfg.Validate(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPostgresPool(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := db.NewRedisClient(ctx, cfg.RedisURL, log)
	if err != nil {
		log.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer rdb.Close()

	engine, err := app.NewEngine(ctx, cfg, pool, rdb, log)
	if err != nil {
		log.Fatal("failed to build settlement engine", zap.Error(err))
	}

	metricsApp := fiber.New(fiber.Config{DisableStartupMessage: true})
	metricsApp.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	metricsApp.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
	go func() {
		addr := fmt.Sprintf(":%s", cfg.WorkerPort)
		if err := metricsApp.Listen(addr); err != nil {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	defer metricsApp.Shutdown()

	log.Info("worker started",
		zap.Duration("poll_interval", cfg.PollInterval),
		zap.Int("max_attempts", cfg.MaxAttempts),
		zap.String("partial_policy", cfg.PartialPolicy),
	)

	// Run jobs on tickers
	pollTicker := time.NewTicker(cfg.PollInterval)
	staleTicker := time.NewTicker(time.Minute)
	expiryTicker := time.NewTicker(time.Minute)
	defer pollTicker.Stop()
	defer staleTicker.Stop()
	defer expiryTicker.Stop()

	// Redelivery sleeps through webhook backoff, so it gets its own loop.
	deliveriesDone := startDeliveryLoop(ctx, cfg.WebhookBaseDelay, engine.Dispatcher, log)
	defer func() { <-deliveriesDone }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-pollTicker.C:
			runPoll(ctx, engine.Orchestrator, log)
		case <-staleTicker.C:
			runStaleRepair(ctx, engine.Orchestrator, log)
		case <-expiryTicker.C:
			runExpiry(ctx, engine.Orchestrator, log)
		case <-sigCh:
			log.Info("shutting down worker")
			cancel()
			return
		case <-ctx.Done():
			return
		}
	}
}

func runPoll(ctx context.Context, orch *settlement.Orchestrator, log *zap.Logger) {
	n, err := orch.ReconcilePending(ctx)
	if err != nil {
		log.Error("poll cycle failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("poll cycle finished", zap.Int("splits", n))
	}
}

func runStaleRepair(ctx context.Context, orch *settlement.Orchestrator, log *zap.Logger) {
	n, err := orch.RepairStaleClaims(ctx)
	if err != nil {
		log.Error("stale claim repair failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Warn("released stale claims", zap.Int("count", n))
	}
}

func runExpiry(ctx context.Context, orch *settlement.Orchestrator, log *zap.Logger) {
	n, err := orch.ExpireUnpaid(ctx)
	if err != nil {
		log.Error("payment timeout sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("applied payment timeout policy", zap.Int("count", n))
	}
}

type deliveryRetrier interface {
	RetryDeliveries(ctx context.Context, limit int) (int, error)
}

// startDeliveryLoop resumes orphaned webhook deliveries every interval until
// ctx is done. The returned channel closes once the loop has exited.
func startDeliveryLoop(ctx context.Context, interval time.Duration, d deliveryRetrier, log *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runDeliveryRetry(ctx, d, log)
			}
		}
	}()
	return done
}

func runDeliveryRetry(ctx context.Context, d deliveryRetrier, log *zap.Logger) {
	n, err := d.RetryDeliveries(ctx, deliveryBatchSize)
	if err != nil {
		log.Error("webhook retry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("retried webhook deliveries", zap.Int("count", n))
	}
}
