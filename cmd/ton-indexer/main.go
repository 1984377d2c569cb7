package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/splitpay/settlement/internal/app"
	"github.com/splitpay/settlement/internal/config"
	"github.com/splitpay/settlement/internal/db"
	"github.com/splitpay/settlement/internal/ton"
	"github.com/xssnick/tonutils-go/address"
	"go.uber.org/zap"
)

const pollInterval = 5 * time.Second

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

	tonAPI := engine.TONAPI
	if tonAPI == nil {
		if tonAPI, err = app.ConnectTON(ctx, cfg, log); err != nil {
			log.Fatal("failed to connect to TON network", zap.Error(err))
		}
	}

	escrow := escrowAddress(cfg, engine, log)
	log.Info("TON indexer started",
		zap.String("escrow", escrow.String()),
		zap.String("network", cfg.TONNetwork),
	)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Info("shutting down TON indexer")
		cancel()
	}()

	indexer := ton.NewIndexer(tonAPI, escrow, engine.Splits, engine.Orchestrator, rdb, log.Named("indexer"))
	indexer.Run(ctx, pollInterval)
}

// escrowAddress prefers TON_ESCROW_ADDRESS and falls back to the signing
// wallet when the TON backend holds the escrow itself.
func escrowAddress(cfg *config.Config, engine *app.Engine, log *zap.Logger) *address.Address {
	raw := cfg.TONEscrowAddress
	if raw == "" {
		w, ok := engine.Transferer.(*ton.WalletTransferer)
		if !ok {
			log.Fatal("TON_ESCROW_ADDRESS is required unless SIGNER_BACKEND=ton")
		}
		raw = w.Address()
	}
	addr, err := address.ParseAddr(raw)
	if err != nil {
		log.Fatal("invalid escrow address", zap.String("addr", raw), zap.Error(err))
	}
	return addr
}
