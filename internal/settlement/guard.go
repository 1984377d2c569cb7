package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/metrics"
	"github.com/splitpay/settlement/internal/models"
	"go.uber.org/zap"
)

// Claim refusal reasons
const (
	ReasonAlreadyClaimed = "already_claimed"
	ReasonNotFound       = "not_found"
)

// Claim is the result of TryClaim. When Claimed is true, Token identifies the
// holder; only a write presenting it may move the split out of claimed.
type Claim struct {
	Claimed bool
	Token   uuid.UUID
	Reason  string
	Split   *models.BillSplit
}

// Guard enforces at most one executor per split through the store's
// conditional write. It holds no state between calls.
type Guard struct {
	store       ledger.Store
	maxAttempts int
	staleAfter  time.Duration
	now         func() time.Time
	log         *zap.Logger
}

func NewGuard(store ledger.Store, maxAttempts int, staleAfter time.Duration, log *zap.Logger) *Guard {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Guard{
		store:       store,
		maxAttempts: maxAttempts,
		staleAfter:  staleAfter,
		now:         time.Now,
		log:         log,
	}
}

// IdempotencyKey derives the settlement key from the split id and the time of
// its first claim.
func IdempotencyKey(splitID uuid.UUID, claimedAt time.Time) string {
	return fmt.Sprintf("settle_%s_%d", splitID, claimedAt.UnixMilli())
}

// TryClaim moves the split from pending to claimed. Exactly one of any number
// of concurrent callers gets Claimed == true.
func (g *Guard) TryClaim(ctx context.Context, splitID uuid.UUID) (Claim, error) {
	now := g.now()
	token := uuid.New()
	key := IdempotencyKey(splitID, now)

	updated, err := g.store.ConditionalUpdate(ctx, splitID, models.SettlementStatusPending, models.SettlementUpdate{
		Status:         models.SettlementStatusClaimed,
		ClaimToken:     &token,
		ClaimedAt:      &now,
		IdempotencyKey: &key,
	})
	switch {
	case errors.Is(err, ledger.ErrConflict):
		metrics.Claims.WithLabelValues("conflict").Inc()
		return Claim{Claimed: false, Reason: ReasonAlreadyClaimed}, nil
	case errors.Is(err, ledger.ErrSplitNotFound):
		return Claim{Claimed: false, Reason: ReasonNotFound}, err
	case err != nil:
		return Claim{}, fmt.Errorf("claim split %s: %w", splitID, err)
	}

	metrics.Claims.WithLabelValues("claimed").Inc()
	g.log.Info("split claimed",
		zap.String("split_id", splitID.String()),
		zap.String("idempotency_key", *updated.IdempotencyKey),
		zap.Int("attempts", updated.SettlementAttempts),
	)
	return Claim{Claimed: true, Token: token, Split: updated}, nil
}

// nextAfterFailure picks where a claim goes after a failed or abandoned attempt.
func (g *Guard) nextAfterFailure(attemptsSoFar int, retryable bool) string {
	if retryable && attemptsSoFar+1 < g.maxAttempts {
		return models.SettlementStatusPending
	}
	return models.SettlementStatusFailed
}

// IsStale reports whether a claimed split has outlived the stale-claim timeout.
func (g *Guard) IsStale(s *models.BillSplit) bool {
	if s.SettlementStatus != models.SettlementStatusClaimed || s.ClaimedAt == nil {
		return false
	}
	return g.now().Sub(*s.ClaimedAt) > g.staleAfter
}

// RepairStale releases a claim whose holder apparently crashed: back to
// pending with the attempt counted, or to failed once the cap is reached.
// Returns ErrConflict if the holder finished (or someone else repaired) first.
func (g *Guard) RepairStale(ctx context.Context, s *models.BillSplit) (*models.BillSplit, error) {
	if !g.IsStale(s) {
		return s, nil
	}

	next := g.nextAfterFailure(s.SettlementAttempts, true)
	reason := "stale claim released"
	updated, err := g.store.ConditionalUpdate(ctx, s.ID, models.SettlementStatusClaimed, models.SettlementUpdate{
		Status:        next,
		ExpectToken:   s.ClaimToken,
		LastError:     &reason,
		AttemptsDelta: 1,
	})
	if err != nil {
		return nil, err
	}

	_ = g.store.RecordAttempt(ctx, models.SettlementAttempt{
		SplitID: s.ID,
		Attempt: updated.SettlementAttempts,
		Outcome: models.AttemptOutcomeStale,
		Error:   &reason,
	})
	metrics.Claims.WithLabelValues("stale_repaired").Inc()
	g.log.Warn("stale settlement claim released",
		zap.String("split_id", s.ID.String()),
		zap.String("new_status", next),
		zap.Int("attempts", updated.SettlementAttempts),
	)
	return updated, nil
}
