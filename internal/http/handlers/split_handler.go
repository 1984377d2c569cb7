package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/http/dto"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/middleware"
	"github.com/splitpay/settlement/internal/models"
	"github.com/splitpay/settlement/internal/rbac"
	"github.com/splitpay/settlement/internal/services"
	"github.com/splitpay/settlement/internal/settlement"
	"go.uber.org/zap"
)

type SplitHandler struct {
	splitService *services.SplitService
	log          *zap.Logger
}

func NewSplitHandler(splitService *services.SplitService, log *zap.Logger) *SplitHandler {
	return &SplitHandler{splitService: splitService, log: log}
}

func (h *SplitHandler) CreateSplit(c *fiber.Ctx) error {
	var req dto.CreateSplitRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request", RequestID: middleware.GetRequestID(c)})
	}

	split := &models.BillSplit{
		BillID:           req.BillID,
		TotalAmount:      req.TotalAmount,
		Currency:         req.Currency,
		CreatorWallet:    req.CreatorWallet,
		EscrowAddress:    req.EscrowAddress,
		ExternalMetadata: req.ExternalMetadata,
		CallbackURL:      req.CallbackURL,
		WebhookURL:       req.WebhookURL,
		WebhookSecret:    req.WebhookSecret,
	}
	if req.CompletionThreshold != nil {
		split.CompletionThreshold = *req.CompletionThreshold
		if split.CompletionThreshold.IsZero() {
			return h.fail(c, &settlement.ValidationError{Field: "completion_threshold", Reason: "must be in (0, 1]"})
		}
	}
	for _, p := range req.Participants {
		split.Participants = append(split.Participants, models.Participant{
			Identity:   p.Identity,
			WalletRef:  p.WalletRef,
			AmountOwed: p.AmountOwed,
		})
	}

	created, err := h.splitService.CreateSplit(c.Context(), actorFrom(c), split)
	if err != nil {
		return h.fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: splitView(created)})
}

func (h *SplitHandler) GetSplit(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid split id"})
	}

	split, err := h.splitService.GetSplit(c.Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: splitView(split)})
}

func (h *SplitHandler) RecordPayment(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid split id"})
	}

	var req dto.RecordPaymentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid request"})
	}
	participantID, err := uuid.Parse(req.ParticipantID)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid participant_id"})
	}
	if !req.Amount.GreaterThan(decimal.Zero) {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "amount must be positive"})
	}

	res, err := h.splitService.RecordPayment(c.Context(), actorFrom(c), id, participantID, req.Amount)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}

func (h *SplitHandler) Settle(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid split id"})
	}

	res, err := h.splitService.Settle(c.Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}

func (h *SplitHandler) Cancel(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid split id"})
	}

	res, err := h.splitService.Cancel(c.Context(), actorFrom(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}

func (h *SplitHandler) Retry(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid split id"})
	}

	res, err := h.splitService.Retry(c.Context(), actorFrom(c), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: res})
}

func (h *SplitHandler) ListAttempts(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid split id"})
	}

	attempts, err := h.splitService.ListAttempts(c.Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: attempts})
}

func (h *SplitHandler) ListDeliveries(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid split id"})
	}

	deliveries, err := h.splitService.ListDeliveries(c.Context(), id)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deliveries})
}

func (h *SplitHandler) ListAudit(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "invalid split id"})
	}

	limit, offset := 50, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, err := h.splitService.ListAudit(c.Context(), id, limit, offset)
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}

// fail maps service errors to HTTP statuses.
func (h *SplitHandler) fail(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	msg := "internal error"

	var ve *settlement.ValidationError
	switch {
	case errors.As(err, &ve):
		status, msg = fiber.StatusBadRequest, ve.Error()
	case errors.Is(err, ledger.ErrSplitNotFound):
		status, msg = fiber.StatusNotFound, "split not found"
	case errors.Is(err, services.ErrNotOwner):
		status, msg = fiber.StatusForbidden, err.Error()
	case errors.Is(err, ledger.ErrConflict):
		status, msg = fiber.StatusConflict, "split was modified concurrently, retry the request"
	default:
		h.log.Error("split request failed",
			zap.String("path", c.Path()),
			zap.String("request_id", middleware.GetRequestID(c)),
			zap.Error(err),
		)
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: msg, RequestID: middleware.GetRequestID(c)})
}

func actorFrom(c *fiber.Ctx) services.Actor {
	role := middleware.GetRole(c)
	actorType := "user"
	switch role {
	case rbac.RoleOperator:
		actorType = "operator"
	case rbac.RoleService:
		actorType = "service"
	}
	return services.Actor{
		ID:         middleware.GetSubject(c),
		Type:       actorType,
		IsOperator: role == rbac.RoleOperator,
	}
}

func splitView(s *models.BillSplit) dto.SplitView {
	return dto.SplitView{
		BillSplit:     s,
		DisplayStatus: settlement.DisplayStatus(s),
		Collected:     s.Collected().String(),
		Required:      settlement.Required(s).String(),
	}
}
