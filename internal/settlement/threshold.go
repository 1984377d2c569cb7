package settlement

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/models"
)

// RoundingToleranceMinorUnits is how far below the required amount a fully
// paid split may fall and still count as complete. Decimal rounding across
// several participants can leave a split one minor unit short, which would
// otherwise strand the settlement forever.
const RoundingToleranceMinorUnits = 1

// currencyDecimals maps a currency to its minor-unit exponent.
var currencyDecimals = map[string]int32{
	"USD":  2,
	"EUR":  2,
	"GBP":  2,
	"USDC": 6,
	"USDT": 6,
	"SOL":  9,
	"TON":  9,
}

const defaultCurrencyDecimals = 2

// MinorUnit returns the smallest representable amount of currency.
func MinorUnit(currency string) decimal.Decimal {
	exp, ok := currencyDecimals[strings.ToUpper(currency)]
	if !ok {
		exp = defaultCurrencyDecimals
	}
	return decimal.New(1, -exp)
}

// Required is totalAmount × completionThreshold.
func Required(s *models.BillSplit) decimal.Decimal {
	return s.TotalAmount.Mul(s.Threshold())
}

// ThresholdMet reports whether collected funds satisfy the completion
// condition. It operates on already-redistributed participant amounts.
func ThresholdMet(s *models.BillSplit) bool {
	collected := s.Collected()
	required := Required(s)
	if collected.GreaterThanOrEqual(required) {
		return true
	}

	tolerance := MinorUnit(s.Currency).Mul(decimal.NewFromInt(RoundingToleranceMinorUnits))
	if required.Sub(collected).GreaterThan(tolerance) {
		return false
	}
	for _, p := range s.Participants {
		if p.AmountOwed.Sub(p.AmountPaid).GreaterThan(tolerance) {
			return false
		}
	}
	return len(s.Participants) > 0
}

// SettlementAmount is what leaves escrow: the full total, or everything
// collected when a partial threshold (or the rounding tolerance) let the
// split complete below its total.
func SettlementAmount(s *models.BillSplit) decimal.Decimal {
	return decimal.Min(s.Collected(), s.TotalAmount)
}
