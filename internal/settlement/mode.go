package settlement

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/splitpay/settlement/internal/models"
	"go.uber.org/zap"
)

// Metadata is the strict form of the order metadata attached to a split by
// the merchant integration.
type Metadata struct {
	MerchantTreasury string `json:"merchant_treasury,omitempty"`
	OrderID          string `json:"order_id,omitempty"`
	Provider         string `json:"provider,omitempty"`
}

// ParseMetadata decodes raw external metadata. Unknown fields are rejected so
// loosely-typed payloads never reach the settlement core.
func ParseMetadata(raw json.RawMessage) (Metadata, error) {
	var m Metadata
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return m, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Metadata{}, fmt.Errorf("parse external metadata: %w", err)
	}
	m.MerchantTreasury = strings.TrimSpace(m.MerchantTreasury)
	m.OrderID = strings.TrimSpace(m.OrderID)
	m.Provider = strings.TrimSpace(m.Provider)
	return m, nil
}

// ResolveMode classifies a split: merchant_gateway when a non-empty merchant
// treasury address is present in its metadata, self_withdrawal otherwise.
// Malformed metadata falls back to self_withdrawal with a warning.
func ResolveMode(s *models.BillSplit, log *zap.Logger) string {
	m, err := ParseMetadata(s.ExternalMetadata)
	if err != nil {
		log.Warn("malformed split metadata, treating as self withdrawal",
			zap.String("split_id", s.ID.String()),
			zap.Error(err),
		)
		return models.SettlementModeSelfWithdrawal
	}
	if m.MerchantTreasury != "" {
		return models.SettlementModeMerchantGateway
	}
	return models.SettlementModeSelfWithdrawal
}

// Recipient is where a settlement transfer goes.
type Recipient struct {
	Mode     string
	Address  string
	OrderID  string
	Provider string
}

// ResolveRecipient returns the transfer destination for mode.
func ResolveRecipient(s *models.BillSplit, mode string) Recipient {
	if mode == models.SettlementModeMerchantGateway {
		m, _ := ParseMetadata(s.ExternalMetadata)
		return Recipient{
			Mode:     mode,
			Address:  m.MerchantTreasury,
			OrderID:  m.OrderID,
			Provider: m.Provider,
		}
	}
	return Recipient{
		Mode:    models.SettlementModeSelfWithdrawal,
		Address: strings.TrimSpace(s.CreatorWallet),
	}
}

// Validate rejects splits that can never settle: missing recipient,
// non-positive total, or a gateway split without an order reference.
func (r Recipient) Validate(s *models.BillSplit) error {
	if !s.TotalAmount.IsPositive() {
		return &ValidationError{Field: "total_amount", Reason: "must be positive"}
	}
	if s.Currency == "" {
		return &ValidationError{Field: "currency", Reason: "is required"}
	}
	if r.Address == "" {
		return &ValidationError{Field: "recipient", Reason: "address is missing"}
	}
	if r.Mode == models.SettlementModeMerchantGateway && r.OrderID == "" {
		return &ValidationError{Field: "order_id", Reason: "merchant gateway settlement requires an order reference"}
	}
	return nil
}

// Memo returns the transfer memo: "<PROVIDER> Order: <orderId>" for gateway
// settlements, empty for self withdrawal.
func (r Recipient) Memo(defaultProvider string) string {
	if r.Mode != models.SettlementModeMerchantGateway {
		return ""
	}
	provider := r.Provider
	if provider == "" {
		provider = defaultProvider
	}
	return fmt.Sprintf("%s Order: %s", provider, r.OrderID)
}
