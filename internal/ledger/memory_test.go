package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingSplit(t *testing.T, m *Memory) *models.BillSplit {
	t.Helper()
	s := &models.BillSplit{
		BillID:           "bill-1",
		TotalAmount:      decimal.NewFromInt(100),
		Currency:         "USD",
		EscrowAddress:    "escrow",
		SettlementStatus: models.SettlementStatusPending,
		Participants:     []models.Participant{{Identity: "a", AmountOwed: decimal.NewFromInt(100)}},
	}
	require.NoError(t, m.CreateSplit(context.Background(), s))
	return s
}

func TestRecordParticipantPayment_ClosedSplits(t *testing.T) {
	for _, status := range []string{models.SettlementStatusSettled, models.SettlementStatusCancelled} {
		t.Run(status, func(t *testing.T) {
			m := NewMemory()
			s := newPendingSplit(t, m)
			ctx := context.Background()

			_, err := m.ConditionalUpdate(ctx, s.ID, models.SettlementStatusPending, models.SettlementUpdate{Status: status})
			require.NoError(t, err)

			_, err = m.RecordParticipantPayment(ctx, s.ID, s.Participants[0].ID, decimal.NewFromInt(40))
			assert.ErrorIs(t, err, ErrSplitClosed)

			got, _ := m.GetSplit(ctx, s.ID)
			assert.True(t, got.Collected().IsZero())
		})
	}
}

func TestNextPollBatch_RotatesThroughPending(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		ids = append(ids, newPendingSplit(t, m).ID)
	}
	settled := newPendingSplit(t, m)
	_, err := m.ConditionalUpdate(ctx, settled.ID, models.SettlementStatusPending, models.SettlementUpdate{Status: models.SettlementStatusSettled})
	require.NoError(t, err)

	before, _ := m.GetSplit(ctx, ids[0])

	start := time.Now()
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		batch, err := m.NextPollBatch(ctx, start.Add(time.Duration(i)*time.Second), 2)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		for _, s := range batch {
			assert.NotEqual(t, settled.ID, s.ID)
			seen[s.ID.String()] = true
		}
	}
	for _, id := range ids {
		assert.True(t, seen[id.String()], "split %s was never polled", id)
	}

	// polling leaves the activity clock alone
	after, _ := m.GetSplit(ctx, ids[0])
	require.NotNil(t, after.PolledAt)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
}
