package ton

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/models"
	"github.com/splitpay/settlement/internal/settlement"
	"github.com/xssnick/tonutils-go/address"
	"github.com/xssnick/tonutils-go/tlb"
	liteapi "github.com/xssnick/tonutils-go/ton"
	"go.uber.org/zap"
)

const (
	redisCursorLT   = "split-indexer:cursor:lt"
	redisCursorHash = "split-indexer:cursor:hash"
	redisProcessed  = "split-indexer:tx:"
	processedTTL    = 7 * 24 * time.Hour
	processingTTL   = 5 * time.Minute
	txBatchSize     = 100
)

// AccountReader is the subset of the lite API the indexer reads.
type AccountReader interface {
	CurrentMasterchainInfo(ctx context.Context) (*liteapi.BlockIDExt, error)
	GetAccount(ctx context.Context, block *liteapi.BlockIDExt, addr *address.Address) (*tlb.Account, error)
	ListTransactions(ctx context.Context, addr *address.Address, num uint32, lt uint64, txHash []byte) ([]*tlb.Transaction, error)
}

// PaymentRecorder applies a participant deposit and runs a reconcile cycle.
type PaymentRecorder interface {
	RecordPayment(ctx context.Context, splitID, participantID uuid.UUID, amount decimal.Decimal, actorID string) (*settlement.Result, error)
}

// SplitReader looks up the split a deposit memo names.
type SplitReader interface {
	GetSplit(ctx context.Context, id uuid.UUID) (*models.BillSplit, error)
}

// Indexer watches the escrow wallet for incoming transfers whose comment is a
// deposit memo and records them as participant payments. The cursor lives in
// Redis and never moves past a deposit that failed to record.
type Indexer struct {
	api      AccountReader
	escrow   *address.Address
	splits   SplitReader
	recorder PaymentRecorder
	rdb      *redis.Client
	log      *zap.Logger
}

func NewIndexer(api AccountReader, escrow *address.Address, splits SplitReader, recorder PaymentRecorder, rdb *redis.Client, log *zap.Logger) *Indexer {
	return &Indexer{api: api, escrow: escrow, splits: splits, recorder: recorder, rdb: rdb, log: log}
}

// Run polls until ctx is done.
func (ix *Indexer) Run(ctx context.Context, interval time.Duration) {
	ix.InitCursor(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ix.Poll(ctx); err != nil {
				ix.log.Error("poll cycle failed", zap.Error(err))
			}
		}
	}
}

// InitCursor starts a fresh indexer at the wallet's current state so that
// historical transfers are not replayed.
func (ix *Indexer) InitCursor(ctx context.Context) {
	existing, _ := ix.rdb.Get(ctx, redisCursorLT).Result()
	if existing != "" {
		ix.log.Info("resuming from saved cursor", zap.String("lt", existing))
		return
	}

	account, err := ix.account(ctx)
	if err != nil || account == nil || !account.IsActive || account.LastTxLT == 0 {
		ix.log.Info("escrow wallet has no history yet, starting from LT=0", zap.Error(err))
		ix.rdb.Set(ctx, redisCursorLT, "0", 0)
		return
	}

	ix.saveCursor(ctx, account.LastTxLT, account.LastTxHash)
	ix.log.Info("cursor initialized at current account state",
		zap.Uint64("lt", account.LastTxLT),
		zap.String("hash", hex.EncodeToString(account.LastTxHash)),
	)
}

// Poll processes every transaction newer than the cursor in chronological order.
func (ix *Indexer) Poll(ctx context.Context) error {
	cursorLT := ix.loadCursorLT(ctx)

	account, err := ix.account(ctx)
	if err != nil {
		return err
	}
	if account == nil || !account.IsActive || account.LastTxLT <= cursorLT {
		return nil
	}

	txs, err := ix.fetchNewTransactions(ctx, account, cursorLT)
	if err != nil {
		return fmt.Errorf("fetch transactions: %w", err)
	}
	if len(txs) > 0 {
		ix.log.Info("found new transactions", zap.Int("count", len(txs)))
	}

	for _, tx := range txs {
		if err := ix.Process(ctx, tx); err != nil {
			ix.saveCursor(ctx, tx.LT-1, nil)
			return fmt.Errorf("process tx %d: %w", tx.LT, err)
		}
	}

	ix.saveCursor(ctx, account.LastTxLT, account.LastTxHash)
	return nil
}

func (ix *Indexer) account(ctx context.Context) (*tlb.Account, error) {
	block, err := ix.api.CurrentMasterchainInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get master block: %w", err)
	}
	account, err := ix.api.GetAccount(ctx, block, ix.escrow)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// fetchNewTransactions pages backwards from the account head until it
// reaches the cursor, then returns oldest first.
func (ix *Indexer) fetchNewTransactions(ctx context.Context, account *tlb.Account, cursorLT uint64) ([]*tlb.Transaction, error) {
	var all []*tlb.Transaction

	lt := account.LastTxLT
	hash := account.LastTxHash
	for {
		txs, err := ix.api.ListTransactions(ctx, ix.escrow, uint32(txBatchSize), lt, hash)
		if err != nil {
			return nil, fmt.Errorf("list transactions (lt=%d): %w", lt, err)
		}
		if len(txs) == 0 {
			break
		}

		reachedCursor := false
		for _, tx := range txs {
			if tx.LT <= cursorLT {
				reachedCursor = true
				continue
			}
			all = append(all, tx)
		}
		if reachedCursor || len(txs) < txBatchSize {
			break
		}

		oldest := txs[0]
		if oldest.PrevTxLT == 0 {
			break
		}
		lt = oldest.PrevTxLT
		hash = oldest.PrevTxHash
	}

	sort.Slice(all, func(i, j int) bool { return all[i].LT < all[j].LT })
	return all, nil
}

// Process records one incoming transfer. Transfers that are not deposits, or
// that name a split which cannot take them, are skipped; only failures that
// may succeed later are returned.
func (ix *Indexer) Process(ctx context.Context, tx *tlb.Transaction) error {
	if tx.IO.In == nil {
		return nil
	}
	inMsg, ok := tx.IO.In.Msg.(*tlb.InternalMessage)
	if !ok || inMsg == nil || inMsg.Bounced || inMsg.Amount.Nano().Sign() <= 0 {
		return nil
	}

	memo := ExtractComment(inMsg)
	splitID, participantID, err := ParseDepositMemo(memo)
	if err != nil {
		ix.log.Debug("transfer is not a split deposit, skipping",
			zap.Uint64("lt", tx.LT),
			zap.String("memo", memo),
		)
		return nil
	}

	txKey := redisProcessed + strconv.FormatUint(tx.LT, 10)
	fresh, err := ix.rdb.SetNX(ctx, txKey, "processing", processingTTL).Result()
	if err != nil {
		return fmt.Errorf("mark tx: %w", err)
	}
	if !fresh {
		return nil
	}

	from := ""
	if inMsg.SrcAddr != nil {
		from = inMsg.SrcAddr.String()
	}
	amount := FromNano(inMsg.Amount.Nano())
	log := ix.log.With(
		zap.Uint64("lt", tx.LT),
		zap.String("split_id", splitID.String()),
		zap.String("participant_id", participantID.String()),
		zap.String("amount", amount.String()),
		zap.String("from", from),
	)

	split, err := ix.splits.GetSplit(ctx, splitID)
	if errors.Is(err, ledger.ErrSplitNotFound) {
		log.Warn("deposit names an unknown split, manual refund required")
		ix.rdb.Set(ctx, txKey, "rejected:unknown_split", processedTTL)
		return nil
	}
	if err != nil {
		ix.rdb.Del(ctx, txKey)
		return err
	}
	if split.Currency != Currency {
		log.Warn("deposit currency does not match split, manual refund required", zap.String("split_currency", split.Currency))
		ix.rdb.Set(ctx, txKey, "rejected:currency", processedTTL)
		return nil
	}

	res, err := ix.recorder.RecordPayment(ctx, splitID, participantID, amount, "ton:"+from)
	if settlement.IsValidation(err) {
		log.Warn("deposit rejected, manual refund required", zap.Error(err))
		ix.rdb.Set(ctx, txKey, "rejected", processedTTL)
		return nil
	}
	if err != nil {
		ix.rdb.Del(ctx, txKey)
		return err
	}

	ix.rdb.Set(ctx, txKey, "recorded:"+res.Outcome, processedTTL)
	log.Info("deposit recorded", zap.String("outcome", res.Outcome), zap.String("status", res.Status))
	return nil
}

func (ix *Indexer) loadCursorLT(ctx context.Context) uint64 {
	val, err := ix.rdb.Get(ctx, redisCursorLT).Result()
	if err != nil || val == "" {
		return 0
	}
	lt, _ := strconv.ParseUint(val, 10, 64)
	return lt
}

func (ix *Indexer) saveCursor(ctx context.Context, lt uint64, hash []byte) {
	ix.rdb.Set(ctx, redisCursorLT, strconv.FormatUint(lt, 10), 0)
	ix.rdb.Set(ctx, redisCursorHash, hex.EncodeToString(hash), 0)
}
