// Package app wires the settlement engine from configuration. The api,
// worker and ton-indexer binaries share it so every process runs the same
// state machine against the same store.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/splitpay/settlement/internal/config"
	"github.com/splitpay/settlement/internal/events"
	"github.com/splitpay/settlement/internal/repositories"
	"github.com/splitpay/settlement/internal/settlement"
	"github.com/splitpay/settlement/internal/signer"
	"github.com/splitpay/settlement/internal/ton"
	"github.com/splitpay/settlement/internal/webhook"
	liteapi "github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

type Engine struct {
	Splits       *repositories.SplitRepo
	Deliveries   *repositories.WebhookRepo
	Audit        *repositories.AuditRepo
	Publisher    *events.RedisPublisher
	Transferer   settlement.Transferer
	Dispatcher   *webhook.Dispatcher
	Orchestrator *settlement.Orchestrator

	// TONAPI is set when the TON backend is in use.
	TONAPI liteapi.APIClientWrapped
}

// NewEngine builds the repositories, the signing backend chosen by
// SIGNER_BACKEND, the webhook dispatcher and the orchestrator.
func NewEngine(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, log *zap.Logger) (*Engine, error) {
	e := &Engine{
		Splits:     repositories.NewSplitRepo(pool),
		Deliveries: repositories.NewWebhookRepo(pool),
		Audit:      repositories.NewAuditRepo(pool),
		Publisher:  events.NewRedisPublisher(rdb, log),
	}

	switch cfg.SignerBackend {
	case config.SignerBackendTON:
		api, err := ConnectTON(ctx, cfg, log)
		if err != nil {
			return nil, err
		}
		t, err := ton.NewWalletTransferer(api, cfg.TONWalletSeed, rdb, log)
		if err != nil {
			return nil, err
		}
		e.TONAPI = api
		e.Transferer = t
	default:
		e.Transferer = signer.NewClient(cfg.SignerURL, cfg.SignerAPIKey, cfg.TransferTimeout, log)
	}

	e.Dispatcher = webhook.NewDispatcher(e.Splits, e.Deliveries, e.Publisher, webhook.Config{
		Timeout:    cfg.WebhookTimeout,
		MaxRetries: cfg.WebhookMaxRetries,
		BaseDelay:  cfg.WebhookBaseDelay,
	}, log.Named("webhook"))

	guard := settlement.NewGuard(e.Splits, cfg.MaxAttempts, cfg.StaleClaimAfter, log.Named("guard"))
	executor := settlement.NewExecutor(e.Splits, guard, e.Transferer, cfg.ProviderName, cfg.TransferTimeout, log.Named("executor"))
	e.Orchestrator = settlement.NewOrchestrator(e.Splits, guard, executor, e.Dispatcher, e.Publisher, e.Audit, settlement.OrchestratorConfig{
		PaymentTimeout: cfg.PaymentTimeout,
		PartialPolicy:  cfg.PartialPolicy,
		PollBatchSize:  cfg.PollBatchSize,
		PollFanOut:     cfg.PollFanOut,
	}, log.Named("orchestrator"))

	return e, nil
}

// ConnectTON opens a lite server connection for the configured network.
func ConnectTON(ctx context.Context, cfg *config.Config, log *zap.Logger) (liteapi.APIClientWrapped, error) {
	api, err := ton.Connect(ctx, ton.ConnConfig{
		Network: cfg.TONNetwork,
		Host:    cfg.LiteServerHost,
		Port:    cfg.LiteServerPort,
		Key:     cfg.LiteServerKey,
	}, log)
	if err != nil {
		return nil, fmt.Errorf("connect to TON network: %w", err)
	}
	return api, nil
}
