package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/splitpay/settlement/internal/events"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/metrics"
	"github.com/splitpay/settlement/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DeliveryError is a notification that exhausted its retry budget. It never
// affects the settlement status of the split.
type DeliveryError struct {
	DeliveryID string
	Attempts   int
	LastStatus int
	Err        error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("webhook delivery %s abandoned after %d attempts (last status %d): %v", e.DeliveryID, e.Attempts, e.LastStatus, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

type Config struct {
	Timeout    time.Duration // per attempt
	MaxRetries int           // attempts after the first
	BaseDelay  time.Duration // doubled for every retry
	FanOut     int           // records resumed concurrently by RetryDeliveries
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.FanOut <= 0 {
		c.FanOut = 8
	}
	return c
}

// delay before retry n (1-based): base, 2·base, 4·base, ...
func (c Config) delay(n int) time.Duration {
	return c.BaseDelay << (n - 1)
}

// resumeAfter is how long a pending record may sit before another process
// assumes its delivering goroutine died.
func (c Config) resumeAfter() time.Duration {
	total := time.Duration(c.MaxRetries+1) * c.Timeout
	for n := 1; n <= c.MaxRetries; n++ {
		total += c.delay(n)
	}
	return total
}

// Dispatcher delivers signed settlement events. Notify returns immediately;
// delivery runs in the background and every attempt is persisted.
type Dispatcher struct {
	splits     ledger.Store
	deliveries ledger.DeliveryStore
	publisher  events.Publisher
	client     *http.Client
	cfg        Config
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	log        *zap.Logger
}

func NewDispatcher(splits ledger.Store, deliveries ledger.DeliveryStore, publisher events.Publisher, cfg Config, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		splits:     splits,
		deliveries: deliveries,
		publisher:  publisher,
		client:     &http.Client{},
		cfg:        cfg.withDefaults(),
		sleep:      sleepCtx,
		now:        time.Now,
		log:        log,
	}
}

// Notify persists a delivery record for the split's terminal outcome and
// starts delivering it. Duplicate outcomes are dropped.
func (d *Dispatcher) Notify(ctx context.Context, s *models.BillSplit) {
	rec, err := d.enqueue(ctx, s)
	if errors.Is(err, ledger.ErrDuplicateDelivery) {
		d.log.Debug("webhook already queued", zap.String("split_id", s.ID.String()))
		return
	}
	if err != nil {
		d.log.Error("failed to queue webhook", zap.String("split_id", s.ID.String()), zap.Error(err))
		return
	}

	secret := *s.WebhookSecret
	go func() {
		if err := d.Deliver(context.Background(), rec, secret); err != nil {
			d.log.Warn("webhook delivery failed", zap.String("split_id", s.ID.String()), zap.Error(err))
		}
	}()
}

func (d *Dispatcher) enqueue(ctx context.Context, s *models.BillSplit) (*models.WebhookDelivery, error) {
	if !s.HasWebhook() {
		return nil, fmt.Errorf("split %s has no webhook target", s.ID)
	}

	evt, eventType, err := NewEvent(s, d.now())
	if err != nil {
		return nil, err
	}
	payload, err := evt.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal webhook event: %w", err)
	}

	now := d.now()
	rec := &models.WebhookDelivery{
		SplitID:     s.ID,
		DedupeKey:   DedupeKey(s),
		TargetURL:   *s.WebhookURL,
		EventType:   eventType,
		Payload:     payload,
		Status:      models.DeliveryStatusPending,
		NextRetryAt: &now,
	}
	if err := d.deliveries.CreateDelivery(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Deliver runs the remaining attempts of rec: one initial attempt plus
// MaxRetries retries at exponential delays. The payload is re-signed with a
// fresh timestamp on every attempt.
func (d *Dispatcher) Deliver(ctx context.Context, rec *models.WebhookDelivery, secret string) error {
	total := d.cfg.MaxRetries + 1
	var lastErr error

	for rec.Attempts < total {
		if rec.Attempts > 0 {
			wait := d.cfg.delay(rec.Attempts)
			next := d.now().Add(wait)
			rec.NextRetryAt = &next
			d.save(ctx, rec)
			if err := d.sleep(ctx, wait); err != nil {
				return err
			}
		}

		status, err := d.attempt(ctx, rec, secret)
		rec.Attempts++
		if status != 0 {
			rec.LastHTTPStatus = &status
		}

		if err == nil {
			rec.Status = models.DeliveryStatusDelivered
			rec.LastError = nil
			rec.NextRetryAt = nil
			d.save(ctx, rec)
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			d.log.Info("webhook delivered",
				zap.String("split_id", rec.SplitID.String()),
				zap.String("event", rec.EventType),
				zap.Int("attempt", rec.Attempts),
			)
			return nil
		}

		lastErr = err
		msg := err.Error()
		rec.LastError = &msg
		metrics.WebhookDeliveries.WithLabelValues("failed_attempt").Inc()
		d.log.Warn("webhook attempt failed",
			zap.String("split_id", rec.SplitID.String()),
			zap.Int("attempt", rec.Attempts),
			zap.Int("status", status),
			zap.Error(err),
		)
	}

	rec.Status = models.DeliveryStatusAbandoned
	rec.NextRetryAt = nil
	d.save(ctx, rec)
	metrics.WebhookDeliveries.WithLabelValues("abandoned").Inc()

	lastStatus := 0
	if rec.LastHTTPStatus != nil {
		lastStatus = *rec.LastHTTPStatus
	}
	d.log.Error("webhook delivery abandoned",
		zap.String("split_id", rec.SplitID.String()),
		zap.String("target", rec.TargetURL),
		zap.Int("attempts", rec.Attempts),
	)
	if err := d.publisher.Publish(ctx, events.StreamSplits, events.Event{
		Type: events.EventWebhookAbandoned,
		Payload: map[string]any{
			"split_id":    rec.SplitID.String(),
			"delivery_id": rec.ID.String(),
			"attempts":    rec.Attempts,
			"last_status": lastStatus,
		},
	}); err != nil {
		d.log.Debug("publish abandoned webhook event failed", zap.Error(err))
	}

	return &DeliveryError{DeliveryID: rec.ID.String(), Attempts: rec.Attempts, LastStatus: lastStatus, Err: lastErr}
}

func (d *Dispatcher) attempt(ctx context.Context, rec *models.WebhookDelivery, secret string) (int, error) {
	actx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, rec.TargetURL, bytes.NewReader(rec.Payload))
	if err != nil {
		return 0, err
	}
	rec.Signature = Sign(secret, rec.Payload, d.now())
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SettlementSignatureHeader, rec.Signature)
	req.Header.Set("X-Settlement-Event", rec.EventType)
	req.Header.Set("X-Settlement-Delivery", rec.ID.String())

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("webhook endpoint unavailable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("webhook endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// RetryDeliveries resumes pending records whose delivering process died
// mid-schedule. Records resume from their persisted attempt count and run
// concurrently up to FanOut, so one dead endpoint's backoff does not hold
// up the rest of the batch.
func (d *Dispatcher) RetryDeliveries(ctx context.Context, limit int) (int, error) {
	cutoff := d.now().Add(-d.cfg.resumeAfter())
	due, err := d.deliveries.ListDueDeliveries(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("list due deliveries: %w", err)
	}

	var resumed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.FanOut)
	for i := range due {
		rec := due[i]
		g.Go(func() error {
			split, err := d.splits.GetSplit(gctx, rec.SplitID)
			if err != nil || split.WebhookSecret == nil {
				d.log.Error("cannot resume webhook delivery",
					zap.String("delivery_id", rec.ID.String()),
					zap.Error(err),
				)
				return nil
			}
			if err := d.Deliver(gctx, &rec, *split.WebhookSecret); err != nil {
				d.log.Warn("resumed webhook delivery failed", zap.String("delivery_id", rec.ID.String()), zap.Error(err))
			}
			resumed.Add(1)
			return nil
		})
	}
	err = g.Wait()
	return int(resumed.Load()), err
}

func (d *Dispatcher) save(ctx context.Context, rec *models.WebhookDelivery) {
	if err := d.deliveries.UpdateDelivery(ctx, rec); err != nil {
		d.log.Error("failed to persist webhook delivery",
			zap.String("delivery_id", rec.ID.String()),
			zap.Error(err),
		)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
