package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/models"
	"github.com/splitpay/settlement/internal/settlement"
	"go.uber.org/zap"
)

// ErrNotOwner is returned when a non-operator acts on a split they did not create.
var ErrNotOwner = errors.New("not the owner of this split")

// AddressValidator checks recipient addresses before a split is accepted.
type AddressValidator interface {
	ValidateAddress(addr string) error
}

// Actor is the authenticated caller of a service operation.
type Actor struct {
	ID         string
	Type       string // user / operator / provider / system
	IsOperator bool
}

// SplitService is the API-facing layer over the ledger and the orchestrator.
type SplitService struct {
	store      ledger.Store
	deliveries ledger.DeliveryStore
	audit      ledger.AuditLog
	auditLog   ledger.AuditReader
	orch       *settlement.Orchestrator
	addresses  AddressValidator
	log        *zap.Logger
}

func NewSplitService(
	store ledger.Store,
	deliveries ledger.DeliveryStore,
	audit ledger.AuditLog,
	auditLog ledger.AuditReader,
	orch *settlement.Orchestrator,
	addresses AddressValidator,
	log *zap.Logger,
) *SplitService {
	return &SplitService{
		store:      store,
		deliveries: deliveries,
		audit:      audit,
		auditLog:   auditLog,
		orch:       orch,
		addresses:  addresses,
		log:        log,
	}
}

// CreateSplit validates a new split at the boundary and persists it pending.
// External metadata is parsed strictly here so nothing loosely typed reaches
// the settlement core.
func (s *SplitService) CreateSplit(ctx context.Context, actor Actor, split *models.BillSplit) (*models.BillSplit, error) {
	split.BillID = strings.TrimSpace(split.BillID)
	split.Currency = strings.ToUpper(strings.TrimSpace(split.Currency))
	split.CreatorWallet = strings.TrimSpace(split.CreatorWallet)
	split.EscrowAddress = strings.TrimSpace(split.EscrowAddress)

	if split.BillID == "" {
		return nil, &settlement.ValidationError{Field: "bill_id", Reason: "is required"}
	}
	if !split.TotalAmount.IsPositive() {
		return nil, &settlement.ValidationError{Field: "total_amount", Reason: "must be positive"}
	}
	if split.Currency == "" {
		return nil, &settlement.ValidationError{Field: "currency", Reason: "is required"}
	}
	if split.EscrowAddress == "" {
		return nil, &settlement.ValidationError{Field: "escrow_address", Reason: "is required"}
	}
	if split.CompletionThreshold.IsZero() {
		split.CompletionThreshold = models.DefaultCompletionThreshold
	}
	if !split.CompletionThreshold.IsPositive() || split.CompletionThreshold.GreaterThan(decimal.NewFromInt(1)) {
		return nil, &settlement.ValidationError{Field: "completion_threshold", Reason: "must be in (0, 1]"}
	}
	if err := validateParticipants(split); err != nil {
		return nil, err
	}
	if err := validateWebhook(split); err != nil {
		return nil, err
	}

	meta, err := settlement.ParseMetadata(split.ExternalMetadata)
	if err != nil {
		return nil, &settlement.ValidationError{Field: "external_metadata", Reason: err.Error()}
	}
	if meta == (settlement.Metadata{}) {
		split.ExternalMetadata = nil
	} else {
		normalized, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		split.ExternalMetadata = normalized
	}

	mode := settlement.ResolveMode(split, s.log)
	recipient := settlement.ResolveRecipient(split, mode)
	if err := recipient.Validate(split); err != nil {
		return nil, err
	}
	if s.addresses != nil {
		if err := s.addresses.ValidateAddress(recipient.Address); err != nil {
			return nil, &settlement.ValidationError{Field: "recipient", Reason: err.Error()}
		}
	}
	if mode == models.SettlementModeMerchantGateway {
		if existing, err := s.store.GetSplitByOrderID(ctx, meta.OrderID); err == nil {
			return nil, &settlement.ValidationError{Field: "order_id", Reason: fmt.Sprintf("order already bound to split %s", existing.ID)}
		} else if !errors.Is(err, ledger.ErrSplitNotFound) {
			return nil, err
		}
	}

	split.ID = uuid.Nil
	split.CreatorID = actor.ID
	split.SettlementMode = mode
	split.SettlementStatus = models.SettlementStatusPending
	split.SettlementAttempts = 0
	split.IdempotencyKey = nil
	split.ClaimToken = nil
	split.ClaimedAt = nil
	split.SettlementTxRef = nil
	split.LastError = nil

	if err := s.store.CreateSplit(ctx, split); err != nil {
		return nil, fmt.Errorf("create split: %w", err)
	}

	_ = s.audit.Log(ctx, models.AuditLog{
		ActorID:    &actor.ID,
		ActorType:  actor.Type,
		Action:     "split_created",
		EntityType: "bill_split",
		EntityID:   &split.ID,
		Meta: map[string]any{
			"total_amount": split.TotalAmount.String(),
			"currency":     split.Currency,
			"mode":         mode,
			"participants": len(split.Participants),
		},
	})
	s.log.Info("split created",
		zap.String("split_id", split.ID.String()),
		zap.String("mode", mode),
		zap.String("total", split.TotalAmount.String()),
	)
	return split, nil
}

func validateParticipants(split *models.BillSplit) error {
	if len(split.Participants) == 0 {
		return &settlement.ValidationError{Field: "participants", Reason: "at least one participant is required"}
	}
	owed := decimal.Zero
	for i := range split.Participants {
		p := &split.Participants[i]
		p.ID = uuid.Nil
		p.Identity = strings.TrimSpace(p.Identity)
		if p.Identity == "" {
			return &settlement.ValidationError{Field: fmt.Sprintf("participants[%d].identity", i), Reason: "is required"}
		}
		if p.AmountOwed.IsNegative() {
			return &settlement.ValidationError{Field: fmt.Sprintf("participants[%d].amount_owed", i), Reason: "must not be negative"}
		}
		p.AmountPaid = decimal.Zero
		p.Status = models.ParticipantStatusInvited
		owed = owed.Add(p.AmountOwed)
	}
	if !owed.Equal(split.TotalAmount) {
		return &settlement.ValidationError{
			Field:  "participants",
			Reason: fmt.Sprintf("amounts owed sum to %s, total is %s", owed, split.TotalAmount),
		}
	}
	return nil
}

func validateWebhook(split *models.BillSplit) error {
	hasURL := split.WebhookURL != nil && *split.WebhookURL != ""
	hasSecret := split.WebhookSecret != nil && *split.WebhookSecret != ""
	if hasURL != hasSecret {
		return &settlement.ValidationError{Field: "webhook", Reason: "webhook_url and webhook_secret must be set together"}
	}
	for field, raw := range map[string]*string{"webhook_url": split.WebhookURL, "callback_url": split.CallbackURL} {
		if raw == nil || *raw == "" {
			continue
		}
		u, err := url.Parse(*raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &settlement.ValidationError{Field: field, Reason: "must be an absolute http(s) URL"}
		}
	}
	return nil
}

func (s *SplitService) GetSplit(ctx context.Context, id uuid.UUID) (*models.BillSplit, error) {
	return s.store.GetSplit(ctx, id)
}

// RecordPayment records a participant contribution and runs a reconcile cycle.
func (s *SplitService) RecordPayment(ctx context.Context, actor Actor, splitID, participantID uuid.UUID, amount decimal.Decimal) (*settlement.Result, error) {
	if err := s.checkOwner(ctx, actor, splitID); err != nil {
		return nil, err
	}
	return s.orch.RecordPayment(ctx, splitID, participantID, amount, actor.ID)
}

// Settle is the explicit poll trigger.
func (s *SplitService) Settle(ctx context.Context, splitID uuid.UUID) (*settlement.Result, error) {
	return s.orch.Reconcile(ctx, splitID, settlement.TriggerPoll)
}

func (s *SplitService) Cancel(ctx context.Context, actor Actor, splitID uuid.UUID) (*settlement.Result, error) {
	if err := s.checkOwner(ctx, actor, splitID); err != nil {
		return nil, err
	}
	return s.orch.Cancel(ctx, splitID, actor.ID, actor.Type)
}

// Retry requeues a failed split. Operators only.
func (s *SplitService) Retry(ctx context.Context, actor Actor, splitID uuid.UUID) (*settlement.Result, error) {
	return s.orch.Requeue(ctx, splitID, actor.ID)
}

func (s *SplitService) ListAttempts(ctx context.Context, splitID uuid.UUID) ([]models.SettlementAttempt, error) {
	if _, err := s.store.GetSplit(ctx, splitID); err != nil {
		return nil, err
	}
	return s.store.ListAttempts(ctx, splitID)
}

func (s *SplitService) ListDeliveries(ctx context.Context, splitID uuid.UUID) ([]models.WebhookDelivery, error) {
	if _, err := s.store.GetSplit(ctx, splitID); err != nil {
		return nil, err
	}
	return s.deliveries.ListDeliveries(ctx, splitID)
}

func (s *SplitService) ListAudit(ctx context.Context, splitID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	if _, err := s.store.GetSplit(ctx, splitID); err != nil {
		return nil, err
	}
	return s.auditLog.GetByEntity(ctx, "bill_split", splitID, limit, offset)
}

// HandleProviderEvent applies a verified order-status update from the
// payment provider to the split bound to the order.
func (s *SplitService) HandleProviderEvent(ctx context.Context, event, orderID string) (*settlement.Result, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, &settlement.ValidationError{Field: "order_id", Reason: "is required"}
	}
	split, err := s.store.GetSplitByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	switch event {
	case "order.cancelled":
		return s.orch.Cancel(ctx, split.ID, "", "provider")
	case "order.paid", "order.updated":
		return s.orch.Reconcile(ctx, split.ID, settlement.TriggerProvider)
	default:
		return nil, &settlement.ValidationError{Field: "event", Reason: fmt.Sprintf("unsupported event %q", event)}
	}
}

func (s *SplitService) checkOwner(ctx context.Context, actor Actor, splitID uuid.UUID) error {
	split, err := s.store.GetSplit(ctx, splitID)
	if err != nil {
		return err
	}
	if !actor.IsOperator && split.CreatorID != actor.ID {
		return ErrNotOwner
	}
	return nil
}
