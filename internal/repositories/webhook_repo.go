package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/splitpay/settlement/internal/ledger"
	"github.com/splitpay/settlement/internal/models"
)

// WebhookRepo persists outbound webhook delivery records.
type WebhookRepo struct {
	pool *pgxpool.Pool
}

func NewWebhookRepo(pool *pgxpool.Pool) *WebhookRepo {
	return &WebhookRepo{pool: pool}
}

const deliveryColumns = `
	id, split_id, sequence, dedupe_key, target_url, event_type, payload, signature,
	status, attempts, last_http_status, last_error, next_retry_at, created_at, updated_at`

func scanDelivery(row pgx.Row) (models.WebhookDelivery, error) {
	var d models.WebhookDelivery
	var payload []byte
	err := row.Scan(&d.ID, &d.SplitID, &d.Sequence, &d.DedupeKey, &d.TargetURL, &d.EventType, &payload, &d.Signature,
		&d.Status, &d.Attempts, &d.LastHTTPStatus, &d.LastError, &d.NextRetryAt, &d.CreatedAt, &d.UpdatedAt)
	d.Payload = payload
	return d, err
}

// CreateDelivery inserts d with the next per-split sequence number. The unique
// dedupe key turns a repeated outcome into ErrDuplicateDelivery.
func (r *WebhookRepo) CreateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO webhook_deliveries (id, split_id, sequence, dedupe_key, target_url, event_type,
			payload, signature, status, attempts, next_retry_at)
		SELECT $1::uuid, $2::uuid, COALESCE(MAX(sequence), 0) + 1, $3::text, $4::text, $5::text,
			$6::jsonb, $7::text, $8::text, $9::int, $10::timestamptz
		FROM webhook_deliveries WHERE split_id = $2::uuid
		ON CONFLICT (dedupe_key) DO NOTHING
		RETURNING sequence, created_at, updated_at
	`, d.ID, d.SplitID, d.DedupeKey, d.TargetURL, d.EventType, []byte(d.Payload), d.Signature,
		d.Status, d.Attempts, d.NextRetryAt,
	).Scan(&d.Sequence, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrDuplicateDelivery
	}
	return err
}

func (r *WebhookRepo) UpdateDelivery(ctx context.Context, d *models.WebhookDelivery) error {
	err := r.pool.QueryRow(ctx, `
		UPDATE webhook_deliveries SET
			signature = $2, status = $3, attempts = $4, last_http_status = $5,
			last_error = $6, next_retry_at = $7, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`, d.ID, d.Signature, d.Status, d.Attempts, d.LastHTTPStatus, d.LastError, d.NextRetryAt,
	).Scan(&d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.ErrSplitNotFound
	}
	return err
}

func (r *WebhookRepo) ListDeliveries(ctx context.Context, splitID uuid.UUID) ([]models.WebhookDelivery, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE split_id = $1 ORDER BY sequence ASC
	`, splitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *WebhookRepo) ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+deliveryColumns+` FROM webhook_deliveries
		WHERE status = 'pending' AND next_retry_at <= $1
		ORDER BY next_retry_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.WebhookDelivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
