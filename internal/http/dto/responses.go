package dto

import (
	"github.com/splitpay/settlement/internal/models"
)

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

type SuccessResponse struct {
	OK   bool `json:"ok"`
	Data any  `json:"data,omitempty"`
}

// SplitView is the status view of a split returned to API callers.
type SplitView struct {
	*models.BillSplit
	DisplayStatus string `json:"display_status"`
	Collected     string `json:"collected"`
	Required      string `json:"required"`
}

type ProviderWebhookResponse struct {
	Success bool   `json:"success"`
	Outcome string `json:"outcome,omitempty"`
}
