package settlement

import (
	"errors"
	"fmt"
)

var (
	// ErrThresholdNotMet is informational: collected funds do not satisfy the
	// completion condition yet. Reconcile reports it as a no-op outcome.
	ErrThresholdNotMet = errors.New("completion threshold not met")

	// ErrAlreadyProcessed means a claim or settlement already exists for the split.
	ErrAlreadyProcessed = errors.New("settlement already processed")

	// ErrClaimLost is returned when the executor's closing write no longer
	// matches its claim (the claim was repaired as stale in the meantime).
	ErrClaimLost = errors.New("settlement claim lost")

	// ErrInsufficientBalance is a terminal transfer failure.
	ErrInsufficientBalance = errors.New("insufficient escrow balance")

	// ErrInvalidAddress is a terminal transfer failure.
	ErrInvalidAddress = errors.New("invalid recipient address")

	// ErrUnsupportedCurrency is a terminal transfer failure.
	ErrUnsupportedCurrency = errors.New("unsupported currency")
)

// ValidationError rejects a split before any claim. No state is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// TransferError wraps a failure reported by the signing collaborator.
type TransferError struct {
	Retryable bool
	Err       error
}

func (e *TransferError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("transfer failed (%s): %v", kind, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Terminal builds a non-retryable TransferError.
func Terminal(err error) error {
	return &TransferError{Retryable: false, Err: err}
}

// Retryable builds a retryable TransferError.
func Retryable(err error) error {
	return &TransferError{Retryable: true, Err: err}
}

// IsRetryable reports whether a transfer failure may succeed on a later claim.
// Semantic failures are terminal; anything unclassified (network, timeouts)
// is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrInsufficientBalance) || errors.Is(err, ErrInvalidAddress) || errors.Is(err, ErrUnsupportedCurrency) {
		return false
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
