package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/splitpay/settlement/internal/models"
	"github.com/splitpay/settlement/internal/settlement"
)

// Outbound statuses
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Event is the body POSTed to a split's webhook URL.
type Event struct {
	OrderID              string   `json:"order_id"`
	SplitID              string   `json:"split_id"`
	TransactionSignature *string  `json:"transaction_signature"`
	Amount               string   `json:"amount"`
	Currency             string   `json:"currency"`
	Participants         []string `json:"participants"`
	Status               string   `json:"status"`
	Timestamp            string   `json:"timestamp"`
}

// NewEvent describes the terminal outcome of s. Only settled and failed
// splits produce events.
func NewEvent(s *models.BillSplit, at time.Time) (Event, string, error) {
	var status, eventType string
	switch s.SettlementStatus {
	case models.SettlementStatusSettled:
		status, eventType = StatusCompleted, models.WebhookEventSettlementCompleted
	case models.SettlementStatusFailed:
		status, eventType = StatusFailed, models.WebhookEventSettlementFailed
	default:
		return Event{}, "", fmt.Errorf("split %s is %s, not terminal", s.ID, s.SettlementStatus)
	}

	meta, _ := settlement.ParseMetadata(s.ExternalMetadata)

	wallets := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		wallets = append(wallets, p.WalletRef)
	}

	return Event{
		OrderID:              meta.OrderID,
		SplitID:              s.ID.String(),
		TransactionSignature: s.SettlementTxRef,
		Amount:               settlement.SettlementAmount(s).String(),
		Currency:             s.Currency,
		Participants:         wallets,
		Status:               status,
		Timestamp:            at.UTC().Format(time.RFC3339),
	}, eventType, nil
}

// DedupeKey identifies one terminal outcome of a split. A second Notify for
// the same outcome is dropped.
func DedupeKey(s *models.BillSplit) string {
	return fmt.Sprintf("%s:%s:%d", s.ID, s.SettlementStatus, s.SettlementAttempts)
}

func (e Event) Marshal() (json.RawMessage, error) {
	return json.Marshal(e)
}
