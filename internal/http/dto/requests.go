package dto

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

type CreateSplitRequest struct {
	BillID              string               `json:"bill_id"`
	TotalAmount         decimal.Decimal      `json:"total_amount"`
	Currency            string               `json:"currency"`
	CompletionThreshold *decimal.Decimal     `json:"completion_threshold,omitempty"` // fraction in (0, 1], default 1
	CreatorWallet       string               `json:"creator_wallet"`
	EscrowAddress       string               `json:"escrow_address"`
	ExternalMetadata    json.RawMessage      `json:"external_metadata,omitempty"`
	CallbackURL         *string              `json:"callback_url,omitempty"`
	WebhookURL          *string              `json:"webhook_url,omitempty"`
	WebhookSecret       *string              `json:"webhook_secret,omitempty"`
	Participants        []ParticipantRequest `json:"participants"`
}

type ParticipantRequest struct {
	Identity   string          `json:"identity"`
	WalletRef  string          `json:"wallet_ref,omitempty"`
	AmountOwed decimal.Decimal `json:"amount_owed"`
}

type RecordPaymentRequest struct {
	ParticipantID string          `json:"participant_id"`
	Amount        decimal.Decimal `json:"amount"`
}

// ProviderWebhookRequest is an order-status update pushed by the payment provider.
type ProviderWebhookRequest struct {
	Event   string `json:"event"` // order.paid / order.updated / order.cancelled
	OrderID string `json:"order_id"`
	Status  string `json:"status,omitempty"`
}
