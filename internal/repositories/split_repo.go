package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/models"
)

// SplitRepo is the Postgres Ledger Store. Status changes go through a single
// conditional UPDATE; payments serialize on the split row lock.
type SplitRepo struct {
	pool *pgxpool.Pool
}

func NewSplitRepo(pool *pgxpool.Pool) *SplitRepo {
	return &SplitRepo{pool: pool}
}

const splitColumns = `
	id, bill_id, creator_id, total_amount, currency, settlement_mode,
	creator_wallet, escrow_address, external_metadata, completion_threshold,
	settlement_status, settlement_attempts, idempotency_key, claim_token, claimed_at,
	settlement_tx_ref, last_error, callback_url, webhook_url, webhook_secret,
	participants, polled_at, created_at, updated_at`

func scanSplit(row pgx.Row) (*models.BillSplit, error) {
	var (
		s            models.BillSplit
		metadata     []byte
		participants []byte
	)
	err := row.Scan(&s.ID, &s.BillID, &s.CreatorID, &s.TotalAmount, &s.Currency, &s.SettlementMode,
		&s.CreatorWallet, &s.EscrowAddress, &metadata, &s.CompletionThreshold,
		&s.SettlementStatus, &s.SettlementAttempts, &s.IdempotencyKey, &s.ClaimToken, &s.ClaimedAt,
		&s.SettlementTxRef, &s.LastError, &s.CallbackURL, &s.WebhookURL, &s.WebhookSecret,
		&participants, &s.PolledAt, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ledger.ErrSplitNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		s.ExternalMetadata = metadata
	}
	if err := json.Unmarshal(participants, &s.Participants); err != nil {
		return nil, fmt.Errorf("decode participants of split %s: %w", s.ID, err)
	}
	return &s, nil
}

func (r *SplitRepo) CreateSplit(ctx context.Context, s *models.BillSplit) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	for i := range s.Participants {
		if s.Participants[i].ID == uuid.Nil {
			s.Participants[i].ID = uuid.New()
		}
	}
	participants, err := json.Marshal(s.Participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	var metadata []byte
	if len(s.ExternalMetadata) > 0 {
		metadata = s.ExternalMetadata
	}

	return r.pool.QueryRow(ctx, `
		INSERT INTO bill_splits (id, bill_id, creator_id, total_amount, currency, settlement_mode,
			creator_wallet, escrow_address, external_metadata, completion_threshold,
			settlement_status, callback_url, webhook_url, webhook_secret, participants)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`, s.ID, s.BillID, s.CreatorID, s.TotalAmount, s.Currency, s.SettlementMode,
		s.CreatorWallet, s.EscrowAddress, metadata, s.Threshold(),
		s.SettlementStatus, s.CallbackURL, s.WebhookURL, s.WebhookSecret, participants,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *SplitRepo) GetSplit(ctx context.Context, id uuid.UUID) (*models.BillSplit, error) {
	return scanSplit(r.pool.QueryRow(ctx, `SELECT `+splitColumns+` FROM bill_splits WHERE id = $1`, id))
}

func (r *SplitRepo) GetSplitByOrderID(ctx context.Context, orderID string) (*models.BillSplit, error) {
	return scanSplit(r.pool.QueryRow(ctx, `
		SELECT `+splitColumns+` FROM bill_splits
		WHERE external_metadata ->> 'order_id' = $1
		LIMIT 1
	`, orderID))
}

// ConditionalUpdate is the compare-and-swap the settlement state machine is
// built on: the WHERE clause carries the expected status and claim token, so
// of N concurrent writers exactly one sees a returned row.
func (r *SplitRepo) ConditionalUpdate(ctx context.Context, id uuid.UUID, expected string, u models.SettlementUpdate) (*models.BillSplit, error) {
	updated, err := scanSplit(r.pool.QueryRow(ctx, `
		UPDATE bill_splits SET
			settlement_status   = $3,
			claim_token         = $4,
			claimed_at          = $5,
			idempotency_key     = COALESCE(idempotency_key, $6),
			settlement_tx_ref   = COALESCE($7, settlement_tx_ref),
			last_error          = $8,
			settlement_attempts = settlement_attempts + $9,
			updated_at          = now()
		WHERE id = $1 AND settlement_status = $2
		  AND ($10::uuid IS NULL OR claim_token = $10)
		RETURNING `+splitColumns,
		id, expected, u.Status, u.ClaimToken, u.ClaimedAt, u.IdempotencyKey, u.TxRef, u.LastError,
		u.AttemptsDelta, u.ExpectToken,
	))
	if errors.Is(err, ledger.ErrSplitNotFound) {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM bill_splits WHERE id = $1)`, id).Scan(&exists); err != nil {
			return nil, err
		}
		if exists {
			return nil, ledger.ErrConflict
		}
		return nil, ledger.ErrSplitNotFound
	}
	return updated, err
}

// RecordParticipantPayment locks the split row, applies the payment and the
// overpayment redistribution, and writes the participants back.
func (r *SplitRepo) RecordParticipantPayment(ctx context.Context, splitID, participantID uuid.UUID, amount decimal.Decimal) (*models.BillSplit, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}

	var result *models.BillSplit
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		s, err := scanSplit(tx.QueryRow(ctx, `SELECT `+splitColumns+` FROM bill_splits WHERE id = $1 FOR UPDATE`, splitID))
		if err != nil {
			return err
		}
		if s.Closed() {
			return ledger.ErrSplitClosed
		}
		idx := s.ParticipantIndex(participantID)
		if idx < 0 {
			return ledger.ErrParticipantNotFound
		}

		s.ApplyPayment(idx, amount)
		participants, err := json.Marshal(s.Participants)
		if err != nil {
			return fmt.Errorf("encode participants: %w", err)
		}
		if err := tx.QueryRow(ctx, `
			UPDATE bill_splits SET participants = $2, updated_at = now()
			WHERE id = $1
			RETURNING updated_at
		`, splitID, participants).Scan(&s.UpdatedAt); err != nil {
			return err
		}
		result = s
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *SplitRepo) ListByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]models.BillSplit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+splitColumns+` FROM bill_splits
		WHERE settlement_status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, status, updatedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var splits []models.BillSplit
	for rows.Next() {
		s, err := scanSplit(rows)
		if err != nil {
			return nil, err
		}
		splits = append(splits, *s)
	}
	return splits, rows.Err()
}

// NextPollBatch rotates through pending splits by polled_at so a split sent
// back to pending after a failed transfer is reached even when older unpaid
// splits outnumber the batch. SKIP LOCKED lets concurrent workers take
// disjoint batches.
func (r *SplitRepo) NextPollBatch(ctx context.Context, polledAt time.Time, limit int) ([]models.BillSplit, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		UPDATE bill_splits SET polled_at = $1
		WHERE id IN (
			SELECT id FROM bill_splits
			WHERE settlement_status = 'pending'
			ORDER BY polled_at ASC NULLS FIRST, updated_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+splitColumns, polledAt, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var splits []models.BillSplit
	for rows.Next() {
		s, err := scanSplit(rows)
		if err != nil {
			return nil, err
		}
		splits = append(splits, *s)
	}
	return splits, rows.Err()
}

func (r *SplitRepo) RecordAttempt(ctx context.Context, a models.SettlementAttempt) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO settlement_attempts (split_id, attempt, outcome, error, tx_ref)
		VALUES ($1, $2, $3, $4, $5)
	`, a.SplitID, a.Attempt, a.Outcome, a.Error, a.TxRef)
	return err
}

func (r *SplitRepo) ListAttempts(ctx context.Context, splitID uuid.UUID) ([]models.SettlementAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, split_id, attempt, outcome, error, tx_ref, created_at
		FROM settlement_attempts WHERE split_id = $1
		ORDER BY created_at ASC
	`, splitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []models.SettlementAttempt
	for rows.Next() {
		var a models.SettlementAttempt
		if err := rows.Scan(&a.ID, &a.SplitID, &a.Attempt, &a.Outcome, &a.Error, &a.TxRef, &a.CreatedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

var (
	_ ledger.Store         = (*SplitRepo)(nil)
	_ ledger.DeliveryStore = (*WebhookRepo)(nil)
	_ ledger.AuditLog      = (*AuditRepo)(nil)
	_ ledger.AuditReader   = (*AuditRepo)(nil)
)
