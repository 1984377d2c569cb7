package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Settlement statuses
const (
	SettlementStatusPending   = "pending"
	SettlementStatusClaimed   = "claimed"
	SettlementStatusSettled   = "settled"
	SettlementStatusFailed    = "failed"
	SettlementStatusCancelled = "cancelled"
)

// Settlement modes
const (
	SettlementModeSelfWithdrawal  = "self_withdrawal"
	SettlementModeMerchantGateway = "merchant_gateway"
)

// Participant statuses
const (
	ParticipantStatusInvited       = "invited"
	ParticipantStatusPartiallyPaid = "partially_paid"
	ParticipantStatusPaid          = "paid"
)

// Valid state transitions: from -> []to
var ValidSettlementTransitions = map[string][]string{
	SettlementStatusPending:   {SettlementStatusClaimed, SettlementStatusCancelled},
	SettlementStatusClaimed:   {SettlementStatusSettled, SettlementStatusFailed, SettlementStatusPending},
	SettlementStatusFailed:    {SettlementStatusPending},
	SettlementStatusSettled:   {},
	SettlementStatusCancelled: {},
}

func IsValidTransition(from, to string) bool {
	allowed, ok := ValidSettlementTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no automatic transition leaves the status.
func IsTerminal(status string) bool {
	return status == SettlementStatusSettled || status == SettlementStatusFailed || status == SettlementStatusCancelled
}

// DefaultCompletionThreshold requires 100% of the total to be collected.
var DefaultCompletionThreshold = decimal.NewFromInt(1)

type BillSplit struct {
	ID                  uuid.UUID       `json:"id"`
	BillID              string          `json:"bill_id"`
	CreatorID           string          `json:"creator_id"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	Currency            string          `json:"currency"`
	SettlementMode      string          `json:"settlement_mode"`
	CreatorWallet       string          `json:"creator_wallet"`
	EscrowAddress       string          `json:"escrow_address"`
	ExternalMetadata    json.RawMessage `json:"external_metadata,omitempty"`
	CompletionThreshold decimal.Decimal `json:"completion_threshold"`
	SettlementStatus    string          `json:"settlement_status"`
	SettlementAttempts  int             `json:"settlement_attempts"`
	IdempotencyKey      *string         `json:"idempotency_key,omitempty"`
	ClaimToken          *uuid.UUID      `json:"-"`
	ClaimedAt           *time.Time      `json:"claimed_at,omitempty"`
	SettlementTxRef     *string         `json:"settlement_tx_ref,omitempty"`
	LastError           *string         `json:"last_error,omitempty"`
	CallbackURL         *string         `json:"callback_url,omitempty"`
	WebhookURL          *string         `json:"webhook_url,omitempty"`
	WebhookSecret       *string         `json:"-"`
	Participants        []Participant   `json:"participants"`
	PolledAt            *time.Time      `json:"-"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

type Participant struct {
	ID         uuid.UUID       `json:"id"`
	Identity   string          `json:"identity"`
	WalletRef  string          `json:"wallet_ref,omitempty"`
	AmountOwed decimal.Decimal `json:"amount_owed"`
	AmountPaid decimal.Decimal `json:"amount_paid"`
	Status     string          `json:"status"`
}

// Collected sums what every participant has paid so far.
func (s *BillSplit) Collected() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Participants {
		total = total.Add(p.AmountPaid)
	}
	return total
}

// TotalOwed sums the participants' current obligations.
func (s *BillSplit) TotalOwed() decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.Participants {
		total = total.Add(p.AmountOwed)
	}
	return total
}

func (s *BillSplit) Threshold() decimal.Decimal {
	if s.CompletionThreshold.IsZero() {
		return DefaultCompletionThreshold
	}
	return s.CompletionThreshold
}

func (s *BillSplit) ParticipantIndex(id uuid.UUID) int {
	for i, p := range s.Participants {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Closed reports whether the split no longer accepts payments. Funds sent
// after settlement or cancellation need a manual refund.
func (s *BillSplit) Closed() bool {
	return s.SettlementStatus == SettlementStatusSettled || s.SettlementStatus == SettlementStatusCancelled
}

// HasWebhook reports whether an outbound notification target is configured.
func (s *BillSplit) HasWebhook() bool {
	return s.WebhookURL != nil && *s.WebhookURL != "" && s.WebhookSecret != nil && *s.WebhookSecret != ""
}

// Clone returns a deep copy so callers can mutate participants safely.
func (s *BillSplit) Clone() *BillSplit {
	c := *s
	c.Participants = append([]Participant(nil), s.Participants...)
	if s.ExternalMetadata != nil {
		c.ExternalMetadata = append(json.RawMessage(nil), s.ExternalMetadata...)
	}
	return &c
}

// ApplyPayment records amount against participant idx and redistributes any
// overpayment: the excess is taken off the amountOwed of the other unpaid
// participants in list order, and the payer's own amountOwed grows by what was
// moved, so the sum of amountOwed stays equal to the split total.
// Excess that nobody can absorb stays as plain overpayment.
func (s *BillSplit) ApplyPayment(idx int, amount decimal.Decimal) {
	payer := &s.Participants[idx]
	before := payer.AmountPaid
	payer.AmountPaid = payer.AmountPaid.Add(amount)

	// Only the part of this payment above what was still owed counts as excess.
	alreadyOver := decimal.Max(before.Sub(payer.AmountOwed), decimal.Zero)
	excess := decimal.Max(payer.AmountPaid.Sub(payer.AmountOwed), decimal.Zero).Sub(alreadyOver)

	if excess.IsPositive() {
		for i := range s.Participants {
			if i == idx || excess.IsZero() {
				continue
			}
			other := &s.Participants[i]
			outstanding := other.AmountOwed.Sub(other.AmountPaid)
			if !outstanding.IsPositive() {
				continue
			}
			moved := decimal.Min(outstanding, excess)
			other.AmountOwed = other.AmountOwed.Sub(moved)
			payer.AmountOwed = payer.AmountOwed.Add(moved)
			excess = excess.Sub(moved)
			other.Status = participantStatus(*other)
		}
	}

	payer.Status = participantStatus(*payer)
}

func participantStatus(p Participant) string {
	switch {
	case p.AmountPaid.GreaterThanOrEqual(p.AmountOwed):
		return ParticipantStatusPaid
	case p.AmountPaid.IsPositive():
		return ParticipantStatusPartiallyPaid
	default:
		return ParticipantStatusInvited
	}
}
