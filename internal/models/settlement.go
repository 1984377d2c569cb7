package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Settlement attempt outcomes
const (
	AttemptOutcomeSettled   = "settled"
	AttemptOutcomeRetrying  = "retrying"
	AttemptOutcomeFailed    = "failed"
	AttemptOutcomeStale     = "stale_claim_released"
	AttemptOutcomeClaimLost = "claim_lost"
)

// SettlementAttempt is the audit trail of one claim/execute cycle. It is never
// read back to decide state; the split row is authoritative.
type SettlementAttempt struct {
	ID        uuid.UUID `json:"id"`
	SplitID   uuid.UUID `json:"split_id"`
	Attempt   int       `json:"attempt"`
	Outcome   string    `json:"outcome"`
	Error     *string   `json:"error,omitempty"`
	TxRef     *string   `json:"tx_ref,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// SettlementUpdate is the field set written by a conditional status change.
// ClaimToken/ClaimedAt/LastError are written as given (nil clears them);
// IdempotencyKey is only stored if the split has none yet; TxRef only if non-nil.
type SettlementUpdate struct {
	Status         string
	ExpectToken    *uuid.UUID
	ClaimToken     *uuid.UUID
	ClaimedAt      *time.Time
	IdempotencyKey *string
	TxRef          *string
	LastError      *string
	AttemptsDelta  int
}

// Apply mutates s the same way the store's conditional write does.
func (u SettlementUpdate) Apply(s *BillSplit, now time.Time) {
	s.SettlementStatus = u.Status
	s.ClaimToken = u.ClaimToken
	s.ClaimedAt = u.ClaimedAt
	if s.IdempotencyKey == nil && u.IdempotencyKey != nil {
		k := *u.IdempotencyKey
		s.IdempotencyKey = &k
	}
	if u.TxRef != nil {
		ref := *u.TxRef
		s.SettlementTxRef = &ref
	}
	s.LastError = u.LastError
	s.SettlementAttempts += u.AttemptsDelta
	s.UpdatedAt = now
}

// Webhook delivery statuses
const (
	DeliveryStatusPending   = "pending"
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusAbandoned = "abandoned"
)

// Webhook event types
const (
	WebhookEventSettlementCompleted = "settlement.completed"
	WebhookEventSettlementFailed    = "settlement.failed"
)

type WebhookDelivery struct {
	ID             uuid.UUID       `json:"id"`
	SplitID        uuid.UUID       `json:"split_id"`
	Sequence       int             `json:"sequence"`
	DedupeKey      string          `json:"dedupe_key"`
	TargetURL      string          `json:"target_url"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	Signature      string          `json:"signature"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastHTTPStatus *int            `json:"last_http_status,omitempty"`
	LastError      *string         `json:"last_error,omitempty"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
