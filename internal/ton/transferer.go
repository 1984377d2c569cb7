// Package ton implements the settlement transfer backend and deposit
// helpers on TON.
package ton

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/settlement"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	liteapi "github.com/xssnick/tonutils-go/ton"
	"github.com/xssnick/tonutils-go/ton/wallet"
	"go.uber.org/zap"
)

const (
	Currency = "TON"

	transferKeyPrefix = "ton-transfer:"
	inflightMarker    = "inflight"
	inflightTTL       = 10 * time.Minute
	signatureTTL      = 30 * 24 * time.Hour
)

// Wallet is the subset of *wallet.Wallet the transferer uses.
type Wallet interface {
	WalletAddress() *address.Address
	GetBalance(ctx context.Context, block *liteapi.BlockIDExt) (tlb.Coins, error)
	TransferWaitTransaction(ctx context.Context, to *address.Address, amount tlb.Coins, comment string) (*tlb.Transaction, *liteapi.BlockIDExt, error)
}

// Chain is the subset of the lite API the transferer uses.
type Chain interface {
	CurrentMasterchainInfo(ctx context.Context) (*liteapi.BlockIDExt, error)
}

// WalletTransferer implements settlement.Transferer from a seed-derived
// escrow wallet. The signing service has no idempotency keys on-chain, so
// keys are tracked in Redis: a key that already produced a transaction
// returns its hash instead of sending again.
type WalletTransferer struct {
	chain  Chain
	wallet Wallet
	rdb    *redis.Client
	log    *zap.Logger
}

// NewWalletTransferer derives a v4r2 wallet from a space-separated seed phrase.
func NewWalletTransferer(api liteapi.APIClientWrapped, seed string, rdb *redis.Client, log *zap.Logger) (*WalletTransferer, error) {
	w, err := wallet.FromSeed(api, strings.Fields(seed), wallet.V4R2)
	if err != nil {
		return nil, fmt.Errorf("derive escrow wallet: %w", err)
	}
	log.Info("TON escrow wallet loaded", zap.String("address", w.WalletAddress().String()))
	return newWalletTransferer(api, w, rdb, log), nil
}

func newWalletTransferer(chain Chain, w Wallet, rdb *redis.Client, log *zap.Logger) *WalletTransferer {
	return &WalletTransferer{chain: chain, wallet: w, rdb: rdb, log: log}
}

// Address is the escrow wallet address deposits are sent to.
func (t *WalletTransferer) Address() string {
	return t.wallet.WalletAddress().String()
}

func (t *WalletTransferer) ValidateAddress(addr string) error {
	_, err := address.ParseAddr(addr)
	return err
}

func (t *WalletTransferer) Balance(ctx context.Context, escrow, currency string) (decimal.Decimal, error) {
	if err := t.checkSource(escrow, currency); err != nil {
		return decimal.Zero, err
	}

	block, err := t.chain.CurrentMasterchainInfo(ctx)
	if err != nil {
		return decimal.Zero, settlement.Retryable(fmt.Errorf("get master block: %w", err))
	}
	coins, err := t.wallet.GetBalance(ctx, block)
	if err != nil {
		return decimal.Zero, settlement.Retryable(fmt.Errorf("get escrow balance: %w", err))
	}
	return FromNano(coins.Nano()), nil
}

func (t *WalletTransferer) Transfer(ctx context.Context, req settlement.TransferRequest) (settlement.TransferResult, error) {
	if err := t.checkSource(req.Source, req.Currency); err != nil {
		return settlement.TransferResult{}, err
	}

	to, err := address.ParseAddr(req.Destination)
	if err != nil {
		return settlement.TransferResult{}, settlement.Terminal(fmt.Errorf("%w: %v", settlement.ErrInvalidAddress, err))
	}
	coins, err := ToCoins(req.Amount)
	if err != nil {
		return settlement.TransferResult{}, settlement.Terminal(err)
	}

	key := transferKeyPrefix + req.IdempotencyKey
	if req.IdempotencyKey != "" {
		acquired, err := t.rdb.SetNX(ctx, key, inflightMarker, inflightTTL).Result()
		if err != nil {
			return settlement.TransferResult{}, settlement.Retryable(fmt.Errorf("reserve idempotency key: %w", err))
		}
		if !acquired {
			prev, err := t.rdb.Get(ctx, key).Result()
			if err == nil && prev != inflightMarker {
				t.log.Info("transfer already sent for idempotency key",
					zap.String("key", req.IdempotencyKey),
					zap.String("tx_hash", prev),
				)
				return settlement.TransferResult{Signature: prev}, nil
			}
			return settlement.TransferResult{}, settlement.Retryable(errors.New("transfer for this key is still in flight"))
		}
	}

	tx, _, err := t.wallet.TransferWaitTransaction(ctx, to, coins, req.Memo)
	if err != nil {
		if req.IdempotencyKey != "" {
			t.rdb.Del(ctx, key)
		}
		return settlement.TransferResult{}, settlement.Retryable(fmt.Errorf("send TON transfer: %w", err))
	}

	sig := hex.EncodeToString(tx.Hash)
	if req.IdempotencyKey != "" {
		t.rdb.Set(ctx, key, sig, signatureTTL)
	}
	t.log.Info("TON transfer confirmed",
		zap.String("to", req.Destination),
		zap.String("amount", coins.String()),
		zap.String("tx_hash", sig),
		zap.Uint64("lt", tx.LT),
	)
	return settlement.TransferResult{Signature: sig}, nil
}

// checkSource rejects transfers this wallet cannot sign.
func (t *WalletTransferer) checkSource(source, currency string) error {
	if !strings.EqualFold(currency, Currency) {
		return settlement.Terminal(fmt.Errorf("%w: %s", settlement.ErrUnsupportedCurrency, currency))
	}
	if source == "" {
		return nil
	}
	src, err := address.ParseAddr(source)
	if err != nil {
		return settlement.Terminal(fmt.Errorf("%w: escrow %v", settlement.ErrInvalidAddress, err))
	}
	own := t.wallet.WalletAddress()
	if src.Workchain() != own.Workchain() || !bytes.Equal(src.Data(), own.Data()) {
		return settlement.Terminal(fmt.Errorf("escrow %s is not the signing wallet %s", source, t.Address()))
	}
	return nil
}
