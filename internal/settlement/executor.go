package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/metrics"
	"github.com/splitpay/settlement/internal/models"
	"go.uber.org/zap"
)

// TransferRequest is one consolidated transfer out of escrow.
type TransferRequest struct {
	Source         string
	Destination    string
	Amount         decimal.Decimal
	Currency       string
	Memo           string
	IdempotencyKey string
}

type TransferResult struct {
	Signature string
}

// Transferer is the signing/broadcast collaborator. Implementations classify
// failures with Terminal/Retryable or the Err* sentinels.
type Transferer interface {
	Transfer(ctx context.Context, req TransferRequest) (TransferResult, error)
	ValidateAddress(addr string) error
	Balance(ctx context.Context, address, currency string) (decimal.Decimal, error)
}

// Executor performs the transfer for a claimed split and writes the outcome.
// It is the only component that initiates outbound transfers from escrow.
type Executor struct {
	store      ledger.Store
	guard      *Guard
	transferer Transferer
	provider   string
	timeout    time.Duration
	log        *zap.Logger
}

func NewExecutor(store ledger.Store, guard *Guard, transferer Transferer, provider string, timeout time.Duration, log *zap.Logger) *Executor {
	return &Executor{
		store:      store,
		guard:      guard,
		transferer: transferer,
		provider:   provider,
		timeout:    timeout,
		log:        log,
	}
}

// Execute runs one settlement attempt under claim. Transfer failures are not
// returned: they are written to the split (pending for retry, failed when
// terminal or exhausted). The returned error covers store failures and a lost claim.
func (e *Executor) Execute(ctx context.Context, claim Claim, recipient Recipient) (*models.BillSplit, error) {
	split := claim.Split

	// 1. Re-validate against the collaborator's address rules and escrow balance.
	if err := e.transferer.ValidateAddress(recipient.Address); err != nil {
		return e.fail(ctx, claim, Terminal(fmt.Errorf("%w: %v", ErrInvalidAddress, err)))
	}

	// A split that already left claimed may have broadcast under its
	// idempotency key before the holder died; the escrow is then empty and
	// only the collaborator knows the signature, so skip the balance check
	// and let it deduplicate.
	amount := SettlementAmount(split)
	if split.SettlementAttempts == 0 {
		balance, err := e.transferer.Balance(ctx, split.EscrowAddress, split.Currency)
		if err != nil {
			return e.fail(ctx, claim, err)
		}
		if balance.LessThan(amount) {
			return e.fail(ctx, claim, Terminal(fmt.Errorf("%w: have %s, need %s %s", ErrInsufficientBalance, balance, amount, split.Currency)))
		}
	}

	// 2. Build the transfer.
	req := TransferRequest{
		Source:      split.EscrowAddress,
		Destination: recipient.Address,
		Amount:      amount,
		Currency:    split.Currency,
		Memo:        recipient.Memo(e.provider),
	}
	if split.IdempotencyKey != nil {
		req.IdempotencyKey = *split.IdempotencyKey
	}

	// 3. Delegate to the signer.
	tctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	e.log.Info("submitting settlement transfer",
		zap.String("split_id", split.ID.String()),
		zap.String("destination", req.Destination),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", req.Currency),
		zap.String("memo", req.Memo),
	)
	res, err := e.transferer.Transfer(tctx, req)
	if err != nil {
		return e.fail(ctx, claim, err)
	}

	// 4. Close the claim.
	return e.settle(ctx, claim, res.Signature)
}

func (e *Executor) settle(ctx context.Context, claim Claim, signature string) (*models.BillSplit, error) {
	split := claim.Split
	updated, err := e.store.ConditionalUpdate(ctx, split.ID, models.SettlementStatusClaimed, models.SettlementUpdate{
		Status:        models.SettlementStatusSettled,
		ExpectToken:   &claim.Token,
		TxRef:         &signature,
		AttemptsDelta: 1,
	})
	if errors.Is(err, ledger.ErrConflict) {
		// The funds moved but our claim was released as stale. The signer
		// deduplicates on the idempotency key; leave a record for reconciliation.
		metrics.Transfers.WithLabelValues("claim_lost").Inc()
		e.log.Error("transfer broadcast after claim was lost",
			zap.String("split_id", split.ID.String()),
			zap.String("tx_ref", signature),
		)
		if err := e.store.RecordAttempt(ctx, models.SettlementAttempt{
			SplitID: split.ID,
			Attempt: split.SettlementAttempts + 1,
			Outcome: models.AttemptOutcomeClaimLost,
			TxRef:   &signature,
		}); err != nil {
			e.log.Error("failed to record orphaned broadcast",
				zap.String("split_id", split.ID.String()),
				zap.String("tx_ref", signature),
				zap.Error(err),
			)
		}
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("mark split %s settled: %w", split.ID, err)
	}

	_ = e.store.RecordAttempt(ctx, models.SettlementAttempt{
		SplitID: split.ID,
		Attempt: updated.SettlementAttempts,
		Outcome: models.AttemptOutcomeSettled,
		TxRef:   &signature,
	})
	metrics.Transfers.WithLabelValues("settled").Inc()
	e.log.Info("split settled",
		zap.String("split_id", split.ID.String()),
		zap.String("tx_ref", signature),
		zap.Int("attempts", updated.SettlementAttempts),
	)
	return updated, nil
}

func (e *Executor) fail(ctx context.Context, claim Claim, cause error) (*models.BillSplit, error) {
	split := claim.Split
	retryable := IsRetryable(cause)
	next := e.guard.nextAfterFailure(split.SettlementAttempts, retryable)
	msg := cause.Error()

	updated, err := e.store.ConditionalUpdate(ctx, split.ID, models.SettlementStatusClaimed, models.SettlementUpdate{
		Status:        next,
		ExpectToken:   &claim.Token,
		LastError:     &msg,
		AttemptsDelta: 1,
	})
	if errors.Is(err, ledger.ErrConflict) {
		return nil, ErrClaimLost
	}
	if err != nil {
		return nil, fmt.Errorf("record failed attempt for split %s: %w", split.ID, err)
	}

	outcome := models.AttemptOutcomeRetrying
	if next == models.SettlementStatusFailed {
		outcome = models.AttemptOutcomeFailed
	}
	_ = e.store.RecordAttempt(ctx, models.SettlementAttempt{
		SplitID: split.ID,
		Attempt: updated.SettlementAttempts,
		Outcome: outcome,
		Error:   &msg,
	})
	metrics.Transfers.WithLabelValues(outcome).Inc()
	e.log.Warn("settlement attempt failed",
		zap.String("split_id", split.ID.String()),
		zap.Bool("retryable", retryable),
		zap.String("new_status", next),
		zap.Int("attempts", updated.SettlementAttempts),
		zap.Error(cause),
	)
	return updated, nil
}
