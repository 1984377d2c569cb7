package ton

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/xssnick/tonutils-go/tlb"
)

// NanoDecimals is the exponent of one nanoTON.
const NanoDecimals = 9

// DepositMemoPrefix starts the comment participants attach to escrow deposits.
const DepositMemoPrefix = "split:"

// DepositMemo is the comment a participant attaches to a deposit.
func DepositMemo(splitID, participantID uuid.UUID) string {
	return fmt.Sprintf("%s%s:%s", DepositMemoPrefix, splitID, participantID)
}

// ParseDepositMemo extracts split and participant ids from "split:<split>:<participant>".
func ParseDepositMemo(memo string) (uuid.UUID, uuid.UUID, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(memo), DepositMemoPrefix)
	if !ok {
		return uuid.Nil, uuid.Nil, fmt.Errorf("memo %q is not a split deposit", memo)
	}
	splitPart, participantPart, ok := strings.Cut(rest, ":")
	if !ok {
		return uuid.Nil, uuid.Nil, fmt.Errorf("memo %q has no participant", memo)
	}
	splitID, err := uuid.Parse(splitPart)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("memo split id: %w", err)
	}
	participantID, err := uuid.Parse(participantPart)
	if err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("memo participant id: %w", err)
	}
	return splitID, participantID, nil
}

// ExtractComment parses a text comment from an internal message body.
// Text comments have opcode 0x00000000 followed by UTF-8 text.
func ExtractComment(msg *tlb.InternalMessage) string {
	if msg == nil || msg.Body == nil {
		return ""
	}

	slice := msg.Body.BeginParse()
	if slice.BitsLeft() < 32 {
		return ""
	}
	op, err := slice.LoadUInt(32)
	if err != nil || op != 0 {
		return ""
	}

	remaining := slice.BitsLeft()
	if remaining < 8 {
		return ""
	}
	data, err := slice.LoadSlice(remaining)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// FromNano converts nanoTON to TON.
func FromNano(nano *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(nano, -NanoDecimals)
}

// ToCoins converts a TON amount to coins, truncating below one nanoTON.
func ToCoins(amount decimal.Decimal) (tlb.Coins, error) {
	if amount.IsNegative() {
		return tlb.Coins{}, fmt.Errorf("negative amount %s", amount)
	}
	nano := amount.Shift(NanoDecimals).Truncate(0).BigInt()
	return tlb.FromNanoTON(nano), nil
}
