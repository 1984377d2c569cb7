package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/auth"
	"github.com/splitpay/settlement/internal/config"
	"github.com/splitpay/settlement/internal/events"
	"github.com/splitpay/settlement/internal/http/handlers"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/models"
	"github.com/splitpay/settlement/internal/rbac"
	"github.com/splitpay/settlement/internal/services"
	"github.com/splitpay/settlement/internal/settlement"
	"github.com/splitpay/settlement/internal/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testJWTSecret      = "test-jwt-secret"
	testProviderSecret = "provider-secret"
)

type stubTransferer struct {
	mu        sync.Mutex
	transfers []settlement.TransferRequest
}

func (s *stubTransferer) Transfer(_ context.Context, req settlement.TransferRequest) (settlement.TransferResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transfers = append(s.transfers, req)
	return settlement.TransferResult{Signature: fmt.Sprintf("sig-%d", len(s.transfers))}, nil
}

func (s *stubTransferer) ValidateAddress(addr string) error {
	if addr == "bad" {
		return fmt.Errorf("not a valid address")
	}
	return nil
}

func (s *stubTransferer) Balance(context.Context, string, string) (decimal.Decimal, error) {
	return decimal.NewFromInt(1_000_000), nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, events.Event) error { return nil }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, *models.BillSplit) {}

type testServer struct {
	app        *fiber.App
	store      *ledger.Memory
	transferer *stubTransferer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	cfg := &config.Config{
		JWTSecret:             testJWTSecret,
		OperatorIDs:           []string{"ops-1"},
		ProviderWebhookSecret: testProviderSecret,
		WebhookMaxAge:         webhook.DefaultMaxAge,
		RateLimitPerMinute:    1000,
	}

	store := ledger.NewMemory()
	tr := &stubTransferer{}
	guard := settlement.NewGuard(store, 3, 5*time.Minute, log)
	executor := settlement.NewExecutor(store, guard, tr, "PROVIDER", time.Second, log)
	orch := settlement.NewOrchestrator(store, guard, executor, nopNotifier{}, nopPublisher{}, store, settlement.OrchestratorConfig{}, log)
	svc := services.NewSplitService(store, store, store, store, orch, tr, log)

	app := fiber.New()
	SetupRouter(app, cfg, log, rdb,
		handlers.NewSplitHandler(svc, log),
		handlers.NewProviderWebhookHandler(svc, cfg.ProviderWebhookSecret, cfg.WebhookMaxAge, log),
		handlers.NewWSHub(cfg, nil, log),
	)
	return &testServer{app: app, store: store, transferer: tr}
}

func token(t *testing.T, subject, role string) string {
	t.Helper()
	tok, err := auth.GenerateJWT(testJWTSecret, subject, role, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, tok string, body any) (int, map[string]any) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func gatewaySplitBody() map[string]any {
	return map[string]any{
		"bill_id":        "bill-1",
		"total_amount":   "100",
		"currency":       "USDC",
		"escrow_address": "escrow-1",
		"external_metadata": map[string]any{
			"merchant_treasury": "treasury-1",
			"order_id":          "ORD-123",
		},
		"participants": []map[string]any{
			{"identity": "alice", "amount_owed": "50"},
			{"identity": "bob", "amount_owed": "50"},
		},
	}
}

func createSplit(t *testing.T, s *testServer, tok string, body map[string]any) map[string]any {
	t.Helper()
	status, out := s.do(t, fiber.MethodPost, "/api/v1/splits", tok, body)
	require.Equal(t, fiber.StatusCreated, status, out)
	return out["data"].(map[string]any)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	status, out := s.do(t, fiber.MethodGet, "/health", "", nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ok", out["status"])

	req := httptest.NewRequest(fiber.MethodGet, "/metrics", nil)
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestCreateSplit_RequiresAuth(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, fiber.MethodPost, "/api/v1/splits", "", gatewaySplitBody())
	assert.Equal(t, fiber.StatusUnauthorized, status)
}

func TestCreateSplit_Validation(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "creator-1", rbac.RoleCreator)

	tests := []struct {
		name   string
		mutate func(b map[string]any)
	}{
		{"owed does not sum to total", func(b map[string]any) { b["total_amount"] = "120" }},
		{"no participants", func(b map[string]any) { b["participants"] = []map[string]any{} }},
		{"threshold above one", func(b map[string]any) { b["completion_threshold"] = "1.5" }},
		{"unknown metadata field", func(b map[string]any) {
			b["external_metadata"] = map[string]any{"merchant_treasury": "t", "order_id": "o", "extra": 1}
		}},
		{"gateway without order", func(b map[string]any) {
			b["external_metadata"] = map[string]any{"merchant_treasury": "treasury-1"}
		}},
		{"invalid recipient address", func(b map[string]any) {
			b["external_metadata"] = map[string]any{"merchant_treasury": "bad", "order_id": "ORD-9"}
		}},
		{"webhook url without secret", func(b map[string]any) { b["webhook_url"] = "https://merchant.example/hook" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body := gatewaySplitBody()
			tt.mutate(body)
			status, out := s.do(t, fiber.MethodPost, "/api/v1/splits", tok, body)
			assert.Equal(t, fiber.StatusBadRequest, status, out)
		})
	}
}

func TestCreateSplit_DuplicateOrder(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "merchant-1", rbac.RoleService)

	createSplit(t, s, tok, gatewaySplitBody())
	status, _ := s.do(t, fiber.MethodPost, "/api/v1/splits", tok, gatewaySplitBody())
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestSplitLifecycle_GatewaySettlement(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "merchant-1", rbac.RoleService)

	split := createSplit(t, s, tok, gatewaySplitBody())
	assert.Equal(t, models.SettlementModeMerchantGateway, split["settlement_mode"])
	assert.Equal(t, settlement.DisplayAwaitingPayment, split["display_status"])

	id := split["id"].(string)
	parts := split["participants"].([]any)
	alice := parts[0].(map[string]any)["id"].(string)
	bob := parts[1].(map[string]any)["id"].(string)

	status, out := s.do(t, fiber.MethodPost, "/api/v1/splits/"+id+"/payments", tok, map[string]any{"participant_id": alice, "amount": "50"})
	require.Equal(t, fiber.StatusOK, status, out)
	assert.Equal(t, settlement.OutcomeThresholdNotMet, out["data"].(map[string]any)["outcome"])

	status, out = s.do(t, fiber.MethodPost, "/api/v1/splits/"+id+"/payments", tok, map[string]any{"participant_id": bob, "amount": "55"})
	require.Equal(t, fiber.StatusOK, status, out)
	assert.Equal(t, settlement.OutcomeSettled, out["data"].(map[string]any)["outcome"])

	require.Len(t, s.transferer.transfers, 1)
	tr := s.transferer.transfers[0]
	assert.Equal(t, "treasury-1", tr.Destination)
	assert.Equal(t, "PROVIDER Order: ORD-123", tr.Memo)
	assert.True(t, tr.Amount.Equal(decimal.NewFromInt(100)))

	status, out = s.do(t, fiber.MethodGet, "/api/v1/splits/"+id, tok, nil)
	require.Equal(t, fiber.StatusOK, status)
	view := out["data"].(map[string]any)
	assert.Equal(t, settlement.DisplaySuccess, view["display_status"])
	assert.Equal(t, "sig-1", view["settlement_tx_ref"])

	// a second poll is a no-op
	status, out = s.do(t, fiber.MethodPost, "/api/v1/splits/"+id+"/settle", tok, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, settlement.OutcomeAlreadyHandled, out["data"].(map[string]any)["outcome"])
	assert.Len(t, s.transferer.transfers, 1)

	status, out = s.do(t, fiber.MethodGet, "/api/v1/splits/"+id+"/attempts", tok, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Len(t, out["data"].([]any), 1)
}

func TestRecordPayment_NotOwner(t *testing.T) {
	s := newTestServer(t)
	split := createSplit(t, s, token(t, "creator-1", rbac.RoleCreator), gatewaySplitBody())
	id := split["id"].(string)
	pid := split["participants"].([]any)[0].(map[string]any)["id"].(string)

	status, _ := s.do(t, fiber.MethodPost, "/api/v1/splits/"+id+"/payments",
		token(t, "creator-2", rbac.RoleCreator), map[string]any{"participant_id": pid, "amount": "10"})
	assert.Equal(t, fiber.StatusForbidden, status)
}

func TestRecordPayment_UnknownParticipant(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "creator-1", rbac.RoleCreator)
	split := createSplit(t, s, tok, gatewaySplitBody())

	status, _ := s.do(t, fiber.MethodPost, "/api/v1/splits/"+split["id"].(string)+"/payments", tok,
		map[string]any{"participant_id": uuid.NewString(), "amount": "10"})
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestGetSplit_NotFound(t *testing.T) {
	s := newTestServer(t)
	status, _ := s.do(t, fiber.MethodGet, "/api/v1/splits/"+uuid.NewString(), token(t, "c", rbac.RoleCreator), nil)
	assert.Equal(t, fiber.StatusNotFound, status)

	status, _ = s.do(t, fiber.MethodGet, "/api/v1/splits/not-a-uuid", token(t, "c", rbac.RoleCreator), nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
}

func TestRetry_OperatorOnly(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "creator-1", rbac.RoleCreator)
	split := createSplit(t, s, tok, gatewaySplitBody())
	id := split["id"].(string)

	status, _ := s.do(t, fiber.MethodPost, "/api/v1/splits/"+id+"/retry", tok, nil)
	assert.Equal(t, fiber.StatusForbidden, status)

	// operator subjects are elevated regardless of the token role
	ops := token(t, "ops-1", rbac.RoleCreator)
	status, out := s.do(t, fiber.MethodPost, "/api/v1/splits/"+id+"/retry", ops, nil)
	assert.Equal(t, fiber.StatusBadRequest, status, out)

	status, out = s.do(t, fiber.MethodGet, "/api/v1/splits/"+id+"/audit", ops, nil)
	require.Equal(t, fiber.StatusOK, status)
	entries := out["data"].([]any)
	require.NotEmpty(t, entries)
	assert.Equal(t, "split_created", entries[len(entries)-1].(map[string]any)["action"])
}

func TestCancel(t *testing.T) {
	s := newTestServer(t)
	tok := token(t, "creator-1", rbac.RoleCreator)
	split := createSplit(t, s, tok, gatewaySplitBody())
	id := split["id"].(string)

	status, out := s.do(t, fiber.MethodPost, "/api/v1/splits/"+id+"/cancel", tok, nil)
	require.Equal(t, fiber.StatusOK, status, out)
	assert.Equal(t, settlement.OutcomeCancelled, out["data"].(map[string]any)["outcome"])

	status, out = s.do(t, fiber.MethodPost, "/api/v1/splits/"+id+"/cancel", tok, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, settlement.OutcomeAlreadyHandled, out["data"].(map[string]any)["outcome"])
}

func (s *testServer) provider(t *testing.T, body []byte, header string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(fiber.MethodPost, "/webhooks/provider", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if header != "" {
		req.Header.Set(webhook.ProviderSignatureHeader, header)
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp.StatusCode, out
}

func TestProviderWebhook(t *testing.T) {
	s := newTestServer(t)
	split := createSplit(t, s, token(t, "merchant-1", rbac.RoleService), gatewaySplitBody())
	id := uuid.MustParse(split["id"].(string))

	body := []byte(`{"event":"order.cancelled","order_id":"ORD-123","status":"cancelled"}`)

	t.Run("missing signature", func(t *testing.T) {
		status, out := s.provider(t, body, "")
		assert.Equal(t, fiber.StatusUnauthorized, status)
		assert.Equal(t, false, out["success"])
	})

	t.Run("wrong secret", func(t *testing.T) {
		status, _ := s.provider(t, body, webhook.Sign("other", body, time.Now()))
		assert.Equal(t, fiber.StatusUnauthorized, status)
	})

	t.Run("stale timestamp", func(t *testing.T) {
		status, _ := s.provider(t, body, webhook.Sign(testProviderSecret, body, time.Now().Add(-10*time.Minute)))
		assert.Equal(t, fiber.StatusUnauthorized, status)
	})

	t.Run("unknown order", func(t *testing.T) {
		other := []byte(`{"event":"order.paid","order_id":"ORD-404"}`)
		status, _ := s.provider(t, other, webhook.Sign(testProviderSecret, other, time.Now()))
		assert.Equal(t, fiber.StatusNotFound, status)
	})

	t.Run("valid cancellation", func(t *testing.T) {
		status, out := s.provider(t, body, webhook.Sign(testProviderSecret, body, time.Now()))
		require.Equal(t, fiber.StatusOK, status)
		assert.Equal(t, true, out["success"])

		got, err := s.store.GetSplit(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, models.SettlementStatusCancelled, got.SettlementStatus)
	})
}
