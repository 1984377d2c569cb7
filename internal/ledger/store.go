// Package ledger defines the Ledger Store contract the settlement engine
// coordinates through, and an in-memory implementation of it.
//
// The store is the only coordination point between concurrent engine
// invocations. Two primitives carry all of the correctness:
//
//   - ConditionalUpdate: compare-and-swap on settlement_status (and, when
//     requested, on the claim token). Exactly one of N racing writers wins.
//   - RecordParticipantPayment: applies a payment and the overpayment
//     redistribution under a per-split serialization point.
//
// Implementations: repositories.SplitRepo (Postgres) and Memory.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/models"
)

var (
	// ErrSplitNotFound is returned when no split exists for the given key.
	ErrSplitNotFound = errors.New("split not found")

	// ErrConflict is returned when a conditional write did not match the
	// expected status or claim token. Another actor got there first.
	ErrConflict = errors.New("conditional update conflict")

	// ErrParticipantNotFound is returned when a payment names an unknown participant.
	ErrParticipantNotFound = errors.New("participant not found")

	// ErrInvalidAmount is returned for zero or negative payment amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrSplitClosed is returned when a payment targets a settled or cancelled split.
	ErrSplitClosed = errors.New("split is closed for payments")

	// ErrDuplicateDelivery is returned when a webhook delivery with the same
	// dedupe key already exists.
	ErrDuplicateDelivery = errors.New("duplicate webhook delivery")
)

type Store interface {
	CreateSplit(ctx context.Context, s *models.BillSplit) error
	GetSplit(ctx context.Context, id uuid.UUID) (*models.BillSplit, error)
	GetSplitByOrderID(ctx context.Context, orderID string) (*models.BillSplit, error)

	// ConditionalUpdate applies u only if the stored status equals expected
	// (and the claim token equals u.ExpectToken when set). Returns ErrConflict otherwise.
	ConditionalUpdate(ctx context.Context, id uuid.UUID, expected string, u models.SettlementUpdate) (*models.BillSplit, error)

	// RecordParticipantPayment atomically adds amount to the participant's
	// amountPaid and applies the redistribution rule.
	RecordParticipantPayment(ctx context.Context, splitID, participantID uuid.UUID, amount decimal.Decimal) (*models.BillSplit, error)

	// NextPollBatch returns up to limit pending splits, least recently polled
	// first, and stamps them with polledAt. updated_at is left untouched so
	// idle-time policies still see the last real activity.
	NextPollBatch(ctx context.Context, polledAt time.Time, limit int) ([]models.BillSplit, error)

	// ListByStatus returns splits in status whose updated_at is before the cutoff.
	ListByStatus(ctx context.Context, status string, updatedBefore time.Time, limit int) ([]models.BillSplit, error)

	RecordAttempt(ctx context.Context, a models.SettlementAttempt) error
	ListAttempts(ctx context.Context, splitID uuid.UUID) ([]models.SettlementAttempt, error)
}

// DeliveryStore persists outbound webhook delivery records.
type DeliveryStore interface {
	// CreateDelivery inserts d and assigns its sequence. Returns
	// ErrDuplicateDelivery if d.DedupeKey already exists.
	CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error
	UpdateDelivery(ctx context.Context, d *models.WebhookDelivery) error
	ListDeliveries(ctx context.Context, splitID uuid.UUID) ([]models.WebhookDelivery, error)
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error)
}

// AuditLog records who did what to a split.
type AuditLog interface {
	Log(ctx context.Context, entry models.AuditLog) error
}

// AuditReader pages through the audit trail of one entity, newest first.
type AuditReader interface {
	GetByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}
