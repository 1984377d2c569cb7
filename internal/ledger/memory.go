package ledger

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/models"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for tests and local runs)
// =============================================================================

// Memory implements every ledger interface. A single mutex is the
// serialization point; every read hands out a copy so callers never share
// state with the store.
type Memory struct {
	mu         sync.Mutex
	splits     map[uuid.UUID]*models.BillSplit
	attempts   map[uuid.UUID][]models.SettlementAttempt
	deliveries map[uuid.UUID][]*models.WebhookDelivery
	dedupe     map[string]bool
	audit      []models.AuditLog
	now        func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		splits:     make(map[uuid.UUID]*models.BillSplit),
		attempts:   make(map[uuid.UUID][]models.SettlementAttempt),
		deliveries: make(map[uuid.UUID][]*models.WebhookDelivery),
		dedupe:     make(map[string]bool),
		now:        time.Now,
	}
}

// WithClock overrides the time source used for updated_at stamps.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) CreateSplit(_ context.Context, s *models.BillSplit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	for i := range s.Participants {
		if s.Participants[i].ID == uuid.Nil {
			s.Participants[i].ID = uuid.New()
		}
	}
	now := m.now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	m.splits[s.ID] = s.Clone()
	return nil
}

func (m *Memory) GetSplit(_ context.Context, id uuid.UUID) (*models.BillSplit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.splits[id]
	if !ok {
		return nil, ErrSplitNotFound
	}
	return s.Clone(), nil
}

func (m *Memory) GetSplitByOrderID(_ context.Context, orderID string) (*models.BillSplit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.splits {
		var meta struct {
			OrderID string `json:"order_id"`
		}
		if len(s.ExternalMetadata) == 0 || json.Unmarshal(s.ExternalMetadata, &meta) != nil {
			continue
		}
		if meta.OrderID == orderID {
			return s.Clone(), nil
		}
	}
	return nil, ErrSplitNotFound
}

func (m *Memory) ConditionalUpdate(_ context.Context, id uuid.UUID, expected string, u models.SettlementUpdate) (*models.BillSplit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.splits[id]
	if !ok {
		return nil, ErrSplitNotFound
	}
	if s.SettlementStatus != expected {
		return nil, ErrConflict
	}
	if u.ExpectToken != nil && (s.ClaimToken == nil || *s.ClaimToken != *u.ExpectToken) {
		return nil, ErrConflict
	}

	u.Apply(s, m.now())
	return s.Clone(), nil
}

func (m *Memory) RecordParticipantPayment(_ context.Context, splitID, participantID uuid.UUID, amount decimal.Decimal) (*models.BillSplit, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.splits[splitID]
	if !ok {
		return nil, ErrSplitNotFound
	}
	if s.Closed() {
		return nil, ErrSplitClosed
	}
	idx := s.ParticipantIndex(participantID)
	if idx < 0 {
		return nil, ErrParticipantNotFound
	}

	s.ApplyPayment(idx, amount)
	s.UpdatedAt = m.now()
	return s.Clone(), nil
}

func (m *Memory) ListByStatus(_ context.Context, status string, updatedBefore time.Time, limit int) ([]models.BillSplit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.BillSplit
	for _, s := range m.splits {
		if s.SettlementStatus == status && s.UpdatedAt.Before(updatedBefore) {
			out = append(out, *s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) NextPollBatch(_ context.Context, polledAt time.Time, limit int) ([]models.BillSplit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*models.BillSplit
	for _, s := range m.splits {
		if s.SettlementStatus == models.SettlementStatusPending {
			due = append(due, s)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].PolledAt, due[j].PolledAt
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return due[i].UpdatedAt.Before(due[j].UpdatedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]models.BillSplit, 0, len(due))
	for _, s := range due {
		at := polledAt
		s.PolledAt = &at
		out = append(out, *s.Clone())
	}
	return out, nil
}

func (m *Memory) RecordAttempt(_ context.Context, a models.SettlementAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = m.now()
	}
	m.attempts[a.SplitID] = append(m.attempts[a.SplitID], a)
	return nil
}

func (m *Memory) ListAttempts(_ context.Context, splitID uuid.UUID) ([]models.SettlementAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.SettlementAttempt(nil), m.attempts[splitID]...), nil
}

// --- Webhook deliveries ---

func (m *Memory) CreateDelivery(_ context.Context, d *models.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.dedupe[d.DedupeKey] {
		return ErrDuplicateDelivery
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := m.now()
	d.Sequence = len(m.deliveries[d.SplitID]) + 1
	d.CreatedAt = now
	d.UpdatedAt = now

	stored := *d
	m.deliveries[d.SplitID] = append(m.deliveries[d.SplitID], &stored)
	m.dedupe[d.DedupeKey] = true
	return nil
}

func (m *Memory) UpdateDelivery(_ context.Context, d *models.WebhookDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, stored := range m.deliveries[d.SplitID] {
		if stored.ID == d.ID {
			d.UpdatedAt = m.now()
			*stored = *d
			return nil
		}
	}
	return ErrSplitNotFound
}

func (m *Memory) ListDeliveries(_ context.Context, splitID uuid.UUID) ([]models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.WebhookDelivery, 0, len(m.deliveries[splitID]))
	for _, d := range m.deliveries[splitID] {
		out = append(out, *d)
	}
	return out, nil
}

func (m *Memory) ListDueDeliveries(_ context.Context, now time.Time, limit int) ([]models.WebhookDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.WebhookDelivery
	for _, list := range m.deliveries {
		for _, d := range list {
			if d.Status == models.DeliveryStatusPending && d.NextRetryAt != nil && !d.NextRetryAt.After(now) {
				out = append(out, *d)
			}
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Audit ---

func (m *Memory) Log(_ context.Context, entry models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	entry.CreatedAt = m.now()
	m.audit = append(m.audit, entry)
	return nil
}

func (m *Memory) GetByEntity(_ context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []models.AuditLog
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if e.EntityType == entityType && e.EntityID != nil && *e.EntityID == entityID {
			out = append(out, e)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AuditEntries returns a copy of the audit trail.
func (m *Memory) AuditEntries() []models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.AuditLog(nil), m.audit...)
}
