package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/events"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/metrics"
	"github.com/splitpay/settlement/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Triggers
const (
	TriggerPayment  = "payment"
	TriggerPoll     = "poll"
	TriggerProvider = "provider"
	TriggerTimeout  = "timeout"
)

// Outcomes
const (
	OutcomeThresholdNotMet = "threshold_not_met"
	OutcomeAlreadyHandled  = "already_handled"
	OutcomeSettled         = "settled"
	OutcomeRetryScheduled  = "retry_scheduled"
	OutcomeFailed          = "failed"
	OutcomeCancelled       = "cancelled"
	OutcomeRequeued        = "requeued"
	OutcomePaymentRecorded = "payment_recorded"
)

// Display statuses shown to end users
const (
	DisplayAwaitingPayment = "awaiting_payment"
	DisplayProcessing      = "processing"
	DisplaySuccess         = "success"
	DisplayRetryAvailable  = "retry_available"
	DisplayCancelled       = "cancelled"
)

// Partial-threshold timeout policies
const (
	PolicyWait        = "wait"
	PolicyForceSettle = "force_settle"
	PolicyCancel      = "cancel"
)

// Notifier delivers terminal settlement outcomes. Notify must not block on
// delivery and its failures never affect settlement state.
type Notifier interface {
	Notify(ctx context.Context, split *models.BillSplit)
}

type Result struct {
	SplitID       uuid.UUID       `json:"split_id"`
	Outcome       string          `json:"outcome"`
	Status        string          `json:"settlement_status"`
	DisplayStatus string          `json:"display_status"`
	Mode          string          `json:"settlement_mode"`
	Collected     decimal.Decimal `json:"collected"`
	Required      decimal.Decimal `json:"required"`
	Attempts      int             `json:"settlement_attempts"`
	TxRef         *string         `json:"settlement_tx_ref,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
}

type OrchestratorConfig struct {
	PaymentTimeout time.Duration
	PartialPolicy  string
	PollBatchSize  int
	PollFanOut     int
}

// Orchestrator drives one reconciliation cycle per call. It keeps no state
// between calls; every decision is re-derived from the Ledger Store.
type Orchestrator struct {
	store     ledger.Store
	guard     *Guard
	executor  *Executor
	notifier  Notifier
	publisher events.Publisher
	audit     ledger.AuditLog
	cfg       OrchestratorConfig
	now       func() time.Time
	log       *zap.Logger
}

func NewOrchestrator(
	store ledger.Store,
	guard *Guard,
	executor *Executor,
	notifier Notifier,
	publisher events.Publisher,
	audit ledger.AuditLog,
	cfg OrchestratorConfig,
	log *zap.Logger,
) *Orchestrator {
	if cfg.PartialPolicy == "" {
		cfg.PartialPolicy = PolicyWait
	}
	if cfg.PollBatchSize <= 0 {
		cfg.PollBatchSize = 100
	}
	if cfg.PollFanOut <= 0 {
		cfg.PollFanOut = 4
	}
	return &Orchestrator{
		store:     store,
		guard:     guard,
		executor:  executor,
		notifier:  notifier,
		publisher: publisher,
		audit:     audit,
		cfg:       cfg,
		now:       time.Now,
		log:       log,
	}
}

// Reconcile evaluates a split and, when it is pending and complete, claims
// and settles it. Safe to call any number of times from any trigger.
func (o *Orchestrator) Reconcile(ctx context.Context, splitID uuid.UUID, trigger string) (*Result, error) {
	start := time.Now()
	res, err := o.reconcile(ctx, splitID, trigger, false)
	outcome := "error"
	if res != nil {
		outcome = res.Outcome
	}
	metrics.ReconcileDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func (o *Orchestrator) reconcile(ctx context.Context, splitID uuid.UUID, trigger string, force bool) (*Result, error) {
	split, err := o.store.GetSplit(ctx, splitID)
	if err != nil {
		return nil, err
	}

	if split.SettlementStatus != models.SettlementStatusPending {
		return o.result(split, OutcomeAlreadyHandled), nil
	}

	// 1. Mode + recipient
	mode := ResolveMode(split, o.log)
	recipient := ResolveRecipient(split, mode)
	if err := recipient.Validate(split); err != nil {
		return nil, err
	}

	// 2. Threshold
	if !ThresholdMet(split) && !(force && split.Collected().IsPositive()) {
		return o.result(split, OutcomeThresholdNotMet), nil
	}

	// 3. Claim
	claim, err := o.guard.TryClaim(ctx, splitID)
	if err != nil {
		return nil, err
	}
	if !claim.Claimed {
		return o.reload(ctx, splitID, OutcomeAlreadyHandled)
	}
	o.publish(ctx, events.EventSplitStatusChanged, claim.Split, trigger)

	// 4. Execute
	updated, err := o.executor.Execute(ctx, claim, recipient)
	if errors.Is(err, ErrClaimLost) {
		return o.reload(ctx, splitID, OutcomeAlreadyHandled)
	}
	if err != nil {
		return nil, err
	}

	// 5. Terminal state → notify asynchronously
	o.afterTransition(ctx, updated, trigger)

	switch updated.SettlementStatus {
	case models.SettlementStatusSettled:
		return o.result(updated, OutcomeSettled), nil
	case models.SettlementStatusFailed:
		return o.result(updated, OutcomeFailed), nil
	default:
		return o.result(updated, OutcomeRetryScheduled), nil
	}
}

// RecordPayment is the payment trigger: record the contribution, then run a cycle.
func (o *Orchestrator) RecordPayment(ctx context.Context, splitID, participantID uuid.UUID, amount decimal.Decimal, actorID string) (*Result, error) {
	if !amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	}

	split, err := o.store.RecordParticipantPayment(ctx, splitID, participantID, amount)
	switch {
	case errors.Is(err, ledger.ErrParticipantNotFound):
		return nil, &ValidationError{Field: "participant_id", Reason: "unknown participant"}
	case errors.Is(err, ledger.ErrSplitClosed):
		return nil, &ValidationError{Field: "split", Reason: "split is closed for payments"}
	case errors.Is(err, ledger.ErrInvalidAmount):
		return nil, &ValidationError{Field: "amount", Reason: "must be positive"}
	case err != nil:
		return nil, err
	}

	_ = o.audit.Log(ctx, models.AuditLog{
		ActorID:    strPtr(actorID),
		ActorType:  "user",
		Action:     "participant_payment_recorded",
		EntityType: "bill_split",
		EntityID:   &split.ID,
		Meta:       map[string]any{"participant_id": participantID.String(), "amount": amount.String()},
	})
	o.publish(ctx, events.EventPaymentReceived, split, TriggerPayment)

	// The payment is durable from here on. A failed cycle is left to the
	// poller so callers never re-submit a recorded payment.
	res, err := o.Reconcile(ctx, splitID, TriggerPayment)
	if err != nil {
		o.log.Warn("reconcile after payment failed, poller will retry",
			zap.String("split_id", splitID.String()),
			zap.Error(err),
		)
		res = o.result(split, OutcomePaymentRecorded)
		res.LastError = strPtr(err.Error())
	}
	return res, nil
}

// Cancel moves a pending split to cancelled. Claimed or later splits cannot be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, splitID uuid.UUID, actorID, actorType string) (*Result, error) {
	updated, err := o.store.ConditionalUpdate(ctx, splitID, models.SettlementStatusPending, models.SettlementUpdate{
		Status: models.SettlementStatusCancelled,
	})
	if errors.Is(err, ledger.ErrConflict) {
		current, gerr := o.store.GetSplit(ctx, splitID)
		if gerr != nil {
			return nil, gerr
		}
		if current.SettlementStatus == models.SettlementStatusCancelled {
			return o.result(current, OutcomeAlreadyHandled), nil
		}
		return nil, &ValidationError{Field: "settlement_status", Reason: fmt.Sprintf("cannot cancel a %s split", current.SettlementStatus)}
	}
	if err != nil {
		return nil, err
	}

	_ = o.audit.Log(ctx, models.AuditLog{
		ActorID:    strPtr(actorID),
		ActorType:  actorType,
		Action:     "split_cancelled",
		EntityType: "bill_split",
		EntityID:   &updated.ID,
		Meta:       map[string]any{"collected": updated.Collected().String()},
	})
	o.publish(ctx, events.EventSplitStatusChanged, updated, "cancel")
	o.log.Info("split cancelled", zap.String("split_id", splitID.String()), zap.String("actor_type", actorType))
	return o.result(updated, OutcomeCancelled), nil
}

// Requeue is the manual retry affordance: failed → pending, then a fresh cycle.
func (o *Orchestrator) Requeue(ctx context.Context, splitID uuid.UUID, actorID string) (*Result, error) {
	updated, err := o.store.ConditionalUpdate(ctx, splitID, models.SettlementStatusFailed, models.SettlementUpdate{
		Status: models.SettlementStatusPending,
	})
	if errors.Is(err, ledger.ErrConflict) {
		current, gerr := o.store.GetSplit(ctx, splitID)
		if gerr != nil {
			return nil, gerr
		}
		if current.SettlementStatus == models.SettlementStatusFailed {
			return nil, err
		}
		return nil, &ValidationError{Field: "settlement_status", Reason: fmt.Sprintf("only failed splits can be retried, split is %s", current.SettlementStatus)}
	}
	if err != nil {
		return nil, err
	}

	_ = o.audit.Log(ctx, models.AuditLog{
		ActorID:    strPtr(actorID),
		ActorType:  "operator",
		Action:     "settlement_requeued",
		EntityType: "bill_split",
		EntityID:   &updated.ID,
		Meta:       map[string]any{"attempts": updated.SettlementAttempts},
	})
	o.publish(ctx, events.EventSplitStatusChanged, updated, "requeue")

	res, err := o.Reconcile(ctx, splitID, "requeue")
	if err != nil {
		return nil, err
	}
	if res.Outcome == OutcomeThresholdNotMet || res.Outcome == OutcomeAlreadyHandled {
		res.Outcome = OutcomeRequeued
	}
	return res, nil
}

// ReconcilePending runs a poll cycle over pending splits with bounded fan-out.
func (o *Orchestrator) ReconcilePending(ctx context.Context) (int, error) {
	splits, err := o.store.NextPollBatch(ctx, o.now(), o.cfg.PollBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list pending splits: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.PollFanOut)
	for _, s := range splits {
		id := s.ID
		g.Go(func() error {
			if _, err := o.Reconcile(gctx, id, TriggerPoll); err != nil && !IsValidation(err) {
				o.log.Error("poll reconcile failed", zap.String("split_id", id.String()), zap.Error(err))
			}
			return nil
		})
	}
	return len(splits), g.Wait()
}

// RepairStaleClaims releases claims whose holder never finished.
func (o *Orchestrator) RepairStaleClaims(ctx context.Context) (int, error) {
	cutoff := o.now().Add(-o.guard.staleAfter)
	splits, err := o.store.ListByStatus(ctx, models.SettlementStatusClaimed, cutoff, o.cfg.PollBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list claimed splits: %w", err)
	}

	repaired := 0
	for i := range splits {
		s := &splits[i]
		if !o.guard.IsStale(s) {
			continue
		}
		updated, err := o.guard.RepairStale(ctx, s)
		if errors.Is(err, ledger.ErrConflict) {
			continue
		}
		if err != nil {
			o.log.Error("stale claim repair failed", zap.String("split_id", s.ID.String()), zap.Error(err))
			continue
		}
		repaired++
		o.afterTransition(ctx, updated, TriggerPoll)
	}
	return repaired, nil
}

// ExpireUnpaid applies the payment timeout policy to pending splits that have
// seen no activity for PaymentTimeout and still miss their threshold.
func (o *Orchestrator) ExpireUnpaid(ctx context.Context) (int, error) {
	if o.cfg.PaymentTimeout <= 0 || o.cfg.PartialPolicy == PolicyWait {
		return 0, nil
	}

	cutoff := o.now().Add(-o.cfg.PaymentTimeout)
	splits, err := o.store.ListByStatus(ctx, models.SettlementStatusPending, cutoff, o.cfg.PollBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list idle pending splits: %w", err)
	}

	expired := 0
	for i := range splits {
		s := &splits[i]
		if ThresholdMet(s) {
			continue
		}

		var err error
		switch o.cfg.PartialPolicy {
		case PolicyCancel:
			_, err = o.Cancel(ctx, s.ID, "", "system")
			if err == nil && s.Collected().IsPositive() {
				_ = o.audit.Log(ctx, models.AuditLog{
					ActorType:  "system",
					Action:     "refund_required",
					EntityType: "bill_split",
					EntityID:   &s.ID,
					Meta:       map[string]any{"collected": s.Collected().String(), "currency": s.Currency},
				})
			}
		case PolicyForceSettle:
			if !s.Collected().IsPositive() {
				continue
			}
			_, err = o.reconcile(ctx, s.ID, TriggerTimeout, true)
		}
		if err != nil {
			o.log.Error("payment timeout policy failed",
				zap.String("split_id", s.ID.String()),
				zap.String("policy", o.cfg.PartialPolicy),
				zap.Error(err),
			)
			continue
		}
		expired++
	}
	return expired, nil
}

// --- helpers ---

func (o *Orchestrator) afterTransition(ctx context.Context, s *models.BillSplit, trigger string) {
	o.publish(ctx, events.EventSplitStatusChanged, s, trigger)

	if s.SettlementStatus != models.SettlementStatusSettled && s.SettlementStatus != models.SettlementStatusFailed {
		return
	}

	meta := map[string]any{"attempts": s.SettlementAttempts}
	if s.SettlementTxRef != nil {
		meta["tx_ref"] = *s.SettlementTxRef
	}
	if s.LastError != nil {
		meta["error"] = *s.LastError
	}
	_ = o.audit.Log(ctx, models.AuditLog{
		ActorType:  "system",
		Action:     "settlement_" + s.SettlementStatus,
		EntityType: "bill_split",
		EntityID:   &s.ID,
		Meta:       meta,
	})

	if s.HasWebhook() {
		o.notifier.Notify(ctx, s)
	}
}

func (o *Orchestrator) publish(ctx context.Context, eventType string, s *models.BillSplit, trigger string) {
	payload := map[string]any{
		"split_id":            s.ID.String(),
		"settlement_status":   s.SettlementStatus,
		"display_status":      DisplayStatus(s),
		"settlement_attempts": s.SettlementAttempts,
		"collected":           s.Collected().String(),
		"trigger":             trigger,
	}
	if s.SettlementTxRef != nil {
		payload["settlement_tx_ref"] = *s.SettlementTxRef
	}
	if err := o.publisher.Publish(ctx, events.StreamSplits, events.Event{Type: eventType, Payload: payload}); err != nil {
		o.log.Debug("publish split event failed", zap.String("split_id", s.ID.String()), zap.Error(err))
	}
}

func (o *Orchestrator) reload(ctx context.Context, splitID uuid.UUID, outcome string) (*Result, error) {
	s, err := o.store.GetSplit(ctx, splitID)
	if err != nil {
		return nil, err
	}
	return o.result(s, outcome), nil
}

func (o *Orchestrator) result(s *models.BillSplit, outcome string) *Result {
	return &Result{
		SplitID:       s.ID,
		Outcome:       outcome,
		Status:        s.SettlementStatus,
		DisplayStatus: DisplayStatus(s),
		Mode:          ResolveMode(s, o.log),
		Collected:     s.Collected(),
		Required:      Required(s),
		Attempts:      s.SettlementAttempts,
		TxRef:         s.SettlementTxRef,
		LastError:     s.LastError,
	}
}

// DisplayStatus maps settlement state to what end users see.
func DisplayStatus(s *models.BillSplit) string {
	switch s.SettlementStatus {
	case models.SettlementStatusSettled:
		return DisplaySuccess
	case models.SettlementStatusFailed:
		return DisplayRetryAvailable
	case models.SettlementStatusCancelled:
		return DisplayCancelled
	case models.SettlementStatusClaimed:
		return DisplayProcessing
	default:
		if s.SettlementAttempts > 0 || ThresholdMet(s) {
			return DisplayProcessing
		}
		return DisplayAwaitingPayment
	}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
