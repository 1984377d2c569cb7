package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/events"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func newTestDispatcher(store *ledger.Memory, pub events.Publisher) (*Dispatcher, *[]time.Duration) {
	var slept []time.Duration
	d := NewDispatcher(store, store, pub, Config{
		Timeout:    2 * time.Second,
		MaxRetries: 3,
		BaseDelay:  time.Second,
	}, zap.NewNop())
	d.sleep = func(_ context.Context, wait time.Duration) error {
		slept = append(slept, wait)
		return nil
	}
	return d, &slept
}

func settledSplit(t *testing.T, store *ledger.Memory, target string) *models.BillSplit {
	t.Helper()
	secret := "whsec_test"
	txRef := "5sig"
	s := &models.BillSplit{
		BillID:             "bill-1",
		TotalAmount:        decimal.NewFromInt(100),
		Currency:           "USDC",
		ExternalMetadata:   json.RawMessage(`{"merchant_treasury":"T1","order_id":"ORD-123"}`),
		SettlementStatus:   models.SettlementStatusSettled,
		SettlementTxRef:    &txRef,
		SettlementAttempts: 1,
		WebhookURL:         &target,
		WebhookSecret:      &secret,
		Participants: []models.Participant{
			{WalletRef: "wallet-a", AmountOwed: decimal.NewFromInt(50), AmountPaid: decimal.NewFromInt(50)},
			{WalletRef: "wallet-b", AmountOwed: decimal.NewFromInt(50), AmountPaid: decimal.NewFromInt(55)},
		},
	}
	require.NoError(t, store.CreateSplit(context.Background(), s))
	return s
}

func TestDeliver_SignedEvent(t *testing.T) {
	var (
		gotBody   []byte
		gotHeader string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotHeader = r.Header.Get(SettlementSignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := ledger.NewMemory()
	d, slept := newTestDispatcher(store, &recordingPublisher{})
	s := settledSplit(t, store, srv.URL)

	rec, err := d.enqueue(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, d.Deliver(context.Background(), rec, "whsec_test"))
	assert.Empty(t, *slept)

	require.NoError(t, Verify("whsec_test", gotHeader, gotBody, 0, time.Now()))

	var evt Event
	require.NoError(t, json.Unmarshal(gotBody, &evt))
	assert.Equal(t, "ORD-123", evt.OrderID)
	assert.Equal(t, s.ID.String(), evt.SplitID)
	require.NotNil(t, evt.TransactionSignature)
	assert.Equal(t, "5sig", *evt.TransactionSignature)
	assert.Equal(t, "100", evt.Amount)
	assert.Equal(t, "USDC", evt.Currency)
	assert.Equal(t, []string{"wallet-a", "wallet-b"}, evt.Participants)
	assert.Equal(t, StatusCompleted, evt.Status)
	_, err = time.Parse(time.RFC3339, evt.Timestamp)
	assert.NoError(t, err)

	list, err := store.ListDeliveries(context.Background(), s.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.DeliveryStatusDelivered, list[0].Status)
	assert.Equal(t, 1, list[0].Attempts)
	assert.Equal(t, 1, list[0].Sequence)
	assert.Equal(t, models.WebhookEventSettlementCompleted, list[0].EventType)
}

func TestDeliver_RetriesThenAbandons(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := ledger.NewMemory()
	pub := &recordingPublisher{}
	d, slept := newTestDispatcher(store, pub)
	s := settledSplit(t, store, srv.URL)

	rec, err := d.enqueue(context.Background(), s)
	require.NoError(t, err)
	err = d.Deliver(context.Background(), rec, "whsec_test")

	var de *DeliveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, 4, de.Attempts)
	assert.Equal(t, http.StatusInternalServerError, de.LastStatus)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *slept)

	list, _ := store.ListDeliveries(context.Background(), s.ID)
	require.Len(t, list, 1)
	assert.Equal(t, models.DeliveryStatusAbandoned, list[0].Status)
	assert.Equal(t, 4, list[0].Attempts)
	assert.Nil(t, list[0].NextRetryAt)

	// settlement state is untouched by a failed notification
	got, _ := store.GetSplit(context.Background(), s.ID)
	assert.Equal(t, models.SettlementStatusSettled, got.SettlementStatus)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventWebhookAbandoned, pub.events[0].Type)
}

func TestDeliver_RecoversOnThirdAttempt(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	store := ledger.NewMemory()
	d, slept := newTestDispatcher(store, &recordingPublisher{})
	s := settledSplit(t, store, srv.URL)

	rec, err := d.enqueue(context.Background(), s)
	require.NoError(t, err)
	require.NoError(t, d.Deliver(context.Background(), rec, "whsec_test"))

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *slept)
	list, _ := store.ListDeliveries(context.Background(), s.ID)
	require.Len(t, list, 1)
	assert.Equal(t, models.DeliveryStatusDelivered, list[0].Status)
	assert.Equal(t, 3, list[0].Attempts)
	require.NotNil(t, list[0].LastHTTPStatus)
	assert.Equal(t, http.StatusAccepted, *list[0].LastHTTPStatus)
}

func TestNotify_DeliversInBackgroundOnce(t *testing.T) {
	received := make(chan struct{}, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		received <- struct{}{}
	}))
	defer srv.Close()

	store := ledger.NewMemory()
	d, _ := newTestDispatcher(store, &recordingPublisher{})
	s := settledSplit(t, store, srv.URL)

	d.Notify(context.Background(), s)
	d.Notify(context.Background(), s)

	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}
	select {
	case <-received:
		t.Fatal("duplicate outcome was delivered twice")
	case <-time.After(200 * time.Millisecond):
	}

	list, _ := store.ListDeliveries(context.Background(), s.ID)
	assert.Len(t, list, 1)
}

func TestRetryDeliveries_ResumesOrphanedRecord(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := ledger.NewMemory()
	d, _ := newTestDispatcher(store, &recordingPublisher{})
	s := settledSplit(t, store, srv.URL)

	// queued but never delivered: the process died
	_, err := d.enqueue(context.Background(), s)
	require.NoError(t, err)

	n, err := d.RetryDeliveries(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	d.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = d.RetryDeliveries(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	list, _ := store.ListDeliveries(context.Background(), s.ID)
	assert.Equal(t, models.DeliveryStatusDelivered, list[0].Status)
}

func TestNewEvent_FailedAndNonTerminal(t *testing.T) {
	s := &models.BillSplit{
		TotalAmount:      decimal.NewFromInt(10),
		Currency:         "USD",
		SettlementStatus: models.SettlementStatusFailed,
	}
	evt, typ, err := NewEvent(s, time.Now())
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, evt.Status)
	assert.Equal(t, models.WebhookEventSettlementFailed, typ)
	assert.Nil(t, evt.TransactionSignature)

	s.SettlementStatus = models.SettlementStatusClaimed
	_, _, err = NewEvent(s, time.Now())
	assert.Error(t, err)
}

func TestRetryDeliveries_ResumesConcurrently(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := ledger.NewMemory()
	d, _ := newTestDispatcher(store, &recordingPublisher{})

	var splits []*models.BillSplit
	for i := 0; i < 3; i++ {
		s := settledSplit(t, store, srv.URL)
		_, err := d.enqueue(ctx, s)
		require.NoError(t, err)
		splits = append(splits, s)
	}

	// the first three backoff sleeps only return once all three records are
	// sleeping at the same time; a sequential sweep would time out instead
	var entered atomic.Int32
	allSleeping := make(chan struct{})
	d.sleep = func(ctx context.Context, _ time.Duration) error {
		n := entered.Add(1)
		if n == 3 {
			close(allSleeping)
		}
		if n > 3 {
			return nil
		}
		select {
		case <-allSleeping:
			return nil
		case <-time.After(2 * time.Second):
			return errors.New("backoff held up the batch")
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	d.now = func() time.Time { return time.Now().Add(time.Hour) }

	n, err := d.RetryDeliveries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, s := range splits {
		list, err := store.ListDeliveries(ctx, s.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, models.DeliveryStatusAbandoned, list[0].Status)
		assert.Equal(t, 4, list[0].Attempts)
	}
}
