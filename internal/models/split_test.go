package models

import (
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func TestIsValidTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{SettlementStatusPending, SettlementStatusClaimed, true},
		{SettlementStatusClaimed, SettlementStatusSettled, true},

		// Retry paths
		{SettlementStatusClaimed, SettlementStatusFailed, true},
		{SettlementStatusClaimed, SettlementStatusPending, true},
		{SettlementStatusFailed, SettlementStatusPending, true},

		// Cancellation
		{SettlementStatusPending, SettlementStatusCancelled, true},
		{SettlementStatusClaimed, SettlementStatusCancelled, false},

		// Invalid transitions
		{SettlementStatusFailed, SettlementStatusClaimed, false},
		{SettlementStatusSettled, SettlementStatusPending, false},
		{SettlementStatusSettled, SettlementStatusFailed, false},
		{SettlementStatusPending, SettlementStatusSettled, false},
		{SettlementStatusCancelled, SettlementStatusPending, false},
		{"nonexistent", SettlementStatusPending, false},
		{SettlementStatusPending, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestAllStatusesHaveTransitionEntry(t *testing.T) {
	allStatuses := []string{
		SettlementStatusPending, SettlementStatusClaimed, SettlementStatusSettled,
		SettlementStatusFailed, SettlementStatusCancelled,
	}

	for _, status := range allStatuses {
		if _, ok := ValidSettlementTransitions[status]; !ok {
			t.Errorf("status %q missing from ValidSettlementTransitions map", status)
		}
	}
}

func TestTerminalStatusesHaveNoTransitions(t *testing.T) {
	terminal := []string{SettlementStatusSettled, SettlementStatusCancelled}
	for _, status := range terminal {
		transitions := ValidSettlementTransitions[status]
		if len(transitions) != 0 {
			t.Errorf("terminal status %q should have no transitions, got %v", status, transitions)
		}
	}
}

func newSplit(owed ...int64) *BillSplit {
	s := &BillSplit{ID: uuid.New(), Currency: "USDC"}
	total := decimal.Zero
	for _, o := range owed {
		amt := decimal.NewFromInt(o)
		total = total.Add(amt)
		s.Participants = append(s.Participants, Participant{
			ID:         uuid.New(),
			AmountOwed: amt,
			AmountPaid: decimal.Zero,
			Status:     ParticipantStatusInvited,
		})
	}
	s.TotalAmount = total
	return s
}

func TestApplyPayment_RedistributesOverpayment(t *testing.T) {
	s := newSplit(50, 50)

	s.ApplyPayment(0, decimal.NewFromInt(60))

	a, b := s.Participants[0], s.Participants[1]
	if !b.AmountOwed.Equal(decimal.NewFromInt(40)) {
		t.Errorf("B owed = %s, want 40", b.AmountOwed)
	}
	if !a.AmountOwed.Equal(decimal.NewFromInt(60)) {
		t.Errorf("A owed = %s, want 60", a.AmountOwed)
	}
	if !s.TotalOwed().Equal(s.TotalAmount) {
		t.Errorf("total owed = %s, want %s", s.TotalOwed(), s.TotalAmount)
	}
	if a.Status != ParticipantStatusPaid {
		t.Errorf("A status = %s, want paid", a.Status)
	}
	if b.Status != ParticipantStatusInvited {
		t.Errorf("B status = %s, want invited", b.Status)
	}
}

func TestApplyPayment_ExcessSpreadsInListOrder(t *testing.T) {
	s := newSplit(30, 30, 40)
	s.ApplyPayment(1, decimal.NewFromInt(10))

	// A pays 75: 45 excess, B has 20 outstanding, C has 40.
	s.ApplyPayment(0, decimal.NewFromInt(75))

	if got := s.Participants[1].AmountOwed; !got.Equal(decimal.NewFromInt(10)) {
		t.Errorf("B owed = %s, want 10", got)
	}
	if got := s.Participants[1].Status; got != ParticipantStatusPaid {
		t.Errorf("B status = %s, want paid", got)
	}
	if got := s.Participants[2].AmountOwed; !got.Equal(decimal.NewFromInt(15)) {
		t.Errorf("C owed = %s, want 15", got)
	}
	if !s.TotalOwed().Equal(s.TotalAmount) {
		t.Errorf("total owed = %s, want %s", s.TotalOwed(), s.TotalAmount)
	}
}

func TestApplyPayment_UnabsorbedExcessStaysWithPayer(t *testing.T) {
	s := newSplit(50, 50)
	s.ApplyPayment(0, decimal.NewFromInt(50))
	s.ApplyPayment(1, decimal.NewFromInt(55))

	if got := s.Participants[0].AmountOwed; !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("first participant owed = %s, want 50", got)
	}
	if got := s.Collected(); !got.Equal(decimal.NewFromInt(105)) {
		t.Errorf("collected = %s, want 105", got)
	}
	if !s.TotalOwed().Equal(s.TotalAmount) {
		t.Errorf("total owed = %s, want %s", s.TotalOwed(), s.TotalAmount)
	}
}

func TestApplyPayment_PartialPayment(t *testing.T) {
	s := newSplit(50, 50)
	s.ApplyPayment(0, decimal.NewFromInt(20))
	if got := s.Participants[0].Status; got != ParticipantStatusPartiallyPaid {
		t.Errorf("status = %s, want partially_paid", got)
	}
	s.ApplyPayment(0, decimal.NewFromInt(30))
	if got := s.Participants[0].Status; got != ParticipantStatusPaid {
		t.Errorf("status = %s, want paid", got)
	}
	if got := s.Participants[1].AmountOwed; !got.Equal(decimal.NewFromInt(50)) {
		t.Errorf("other owed changed to %s", got)
	}
}

func TestSettlementUpdateApply(t *testing.T) {
	s := newSplit(10)
	s.SettlementStatus = SettlementStatusClaimed
	token := uuid.New()
	s.ClaimToken = &token
	first := "settle_first"
	s.IdempotencyKey = &first

	second := "settle_second"
	ref := "sig-1"
	SettlementUpdate{
		Status:         SettlementStatusSettled,
		IdempotencyKey: &second,
		TxRef:          &ref,
		AttemptsDelta:  1,
	}.Apply(s, s.CreatedAt)

	if s.SettlementStatus != SettlementStatusSettled {
		t.Errorf("status = %s", s.SettlementStatus)
	}
	if s.ClaimToken != nil {
		t.Error("claim token should be cleared")
	}
	if *s.IdempotencyKey != first {
		t.Errorf("idempotency key overwritten: %s", *s.IdempotencyKey)
	}
	if s.SettlementTxRef == nil || *s.SettlementTxRef != ref {
		t.Error("tx ref not set")
	}
	if s.SettlementAttempts != 1 {
		t.Errorf("attempts = %d, want 1", s.SettlementAttempts)
	}
}
