package handlers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/splitpay/settlement/internal/http/dto"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/services"
	"github.com/splitpay/settlement/internal/settlement"
	"github.com/splitpay/settlement/internal/webhook"
	"go.uber.org/zap"
)

// ProviderWebhookHandler receives order-status updates from the payment
// provider. Nothing is applied before the signature checks out.
type ProviderWebhookHandler struct {
	splitService *services.SplitService
	secret       string
	maxAge       time.Duration
	now          func() time.Time
	log          *zap.Logger
}

func NewProviderWebhookHandler(splitService *services.SplitService, secret string, maxAge time.Duration, log *zap.Logger) *ProviderWebhookHandler {
	return &ProviderWebhookHandler{
		splitService: splitService,
		secret:       secret,
		maxAge:       maxAge,
		now:          time.Now,
		log:          log,
	}
}

func (h *ProviderWebhookHandler) Handle(c *fiber.Ctx) error {
	if h.secret == "" {
		return c.Status(fiber.StatusServiceUnavailable).JSON(dto.ProviderWebhookResponse{Success: false})
	}

	body := c.Body()
	if err := webhook.Verify(h.secret, c.Get(webhook.ProviderSignatureHeader), body, h.maxAge, h.now()); err != nil {
		h.log.Warn("rejected provider webhook", zap.String("ip", c.IP()), zap.Error(err))
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ProviderWebhookResponse{Success: false})
	}

	var req dto.ProviderWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ProviderWebhookResponse{Success: false})
	}

	res, err := h.splitService.HandleProviderEvent(c.Context(), req.Event, req.OrderID)
	switch {
	case err == nil:
		h.log.Info("provider webhook applied",
			zap.String("event", req.Event),
			zap.String("order_id", req.OrderID),
			zap.String("outcome", res.Outcome),
		)
		return c.JSON(dto.ProviderWebhookResponse{Success: true, Outcome: res.Outcome})
	case errors.Is(err, ledger.ErrSplitNotFound):
		return c.Status(fiber.StatusNotFound).JSON(dto.ProviderWebhookResponse{Success: false})
	case settlement.IsValidation(err):
		h.log.Warn("provider webhook not applicable", zap.String("order_id", req.OrderID), zap.Error(err))
		return c.Status(fiber.StatusUnprocessableEntity).JSON(dto.ProviderWebhookResponse{Success: false})
	default:
		h.log.Error("provider webhook failed", zap.String("order_id", req.OrderID), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(dto.ProviderWebhookResponse{Success: false})
	}
}
