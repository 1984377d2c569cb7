// Package signer talks to the external signing and broadcast service that
// submits settlement transfers on-chain.
package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/splitpay/settlement/internal/settlement"
	"go.uber.org/zap"
)

// Error codes returned by the signing service.
const (
	CodeInsufficientBalance = "insufficient_balance"
	CodeInvalidAddress      = "invalid_address"
	CodeUnsupportedCurrency = "unsupported_currency"
)

// Client implements settlement.Transferer over the signing service HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *zap.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, log *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

type transferRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Memo        string `json:"memo,omitempty"`
}

type transferResponse struct {
	Signature string `json:"signature"`
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Transfer signs and broadcasts one transfer. The idempotency key makes a
// repeated call for the same settlement return the original signature.
func (c *Client) Transfer(ctx context.Context, req settlement.TransferRequest) (settlement.TransferResult, error) {
	body, err := json.Marshal(transferRequest{
		Source:      req.Source,
		Destination: req.Destination,
		Amount:      req.Amount.String(),
		Currency:    req.Currency,
		Memo:        req.Memo,
	})
	if err != nil {
		return settlement.TransferResult{}, settlement.Terminal(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transfers", bytes.NewReader(body))
	if err != nil {
		return settlement.TransferResult{}, settlement.Terminal(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	var out transferResponse
	if err := c.do(httpReq, &out); err != nil {
		return settlement.TransferResult{}, err
	}
	if out.Signature == "" {
		return settlement.TransferResult{}, settlement.Retryable(errors.New("signer returned an empty signature"))
	}

	c.log.Debug("transfer broadcast",
		zap.String("destination", req.Destination),
		zap.String("signature", out.Signature),
	)
	return settlement.TransferResult{Signature: out.Signature}, nil
}

// Balance returns the escrow balance in currency units.
func (c *Client) Balance(ctx context.Context, address, currency string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/balances/%s?currency=%s", c.baseURL, url.PathEscape(address), url.QueryEscape(currency))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}

	var out balanceResponse
	if err := c.do(httpReq, &out); err != nil {
		return decimal.Zero, err
	}
	bal, err := decimal.NewFromString(out.Balance)
	if err != nil {
		return decimal.Zero, settlement.Retryable(fmt.Errorf("signer returned malformed balance %q: %w", out.Balance, err))
	}
	return bal, nil
}

// ValidateAddress accepts base58 public keys that decode to 32 bytes.
func (c *Client) ValidateAddress(addr string) error {
	return ValidateAddress(addr)
}

func ValidateAddress(addr string) error {
	if addr == "" {
		return errors.New("address is empty")
	}
	raw, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("address is not base58: %w", err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("address decodes to %d bytes, want 32", len(raw))
	}
	return nil
}

// do sends req and decodes a 2xx JSON body into out. Failures are
// classified: semantic 4xx codes are terminal, everything else retryable.
func (c *Client) do(req *http.Request, out any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return settlement.Retryable(fmt.Errorf("signer unavailable: %w", err))
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, out); err != nil {
			return settlement.Retryable(fmt.Errorf("decode signer response: %w", err))
		}
		return nil
	}

	var apiErr errorResponse
	_ = json.Unmarshal(body, &apiErr)
	cause := fmt.Errorf("signer returned %d: %s", resp.StatusCode, strings.TrimSpace(apiErr.Message))

	switch apiErr.Code {
	case CodeInsufficientBalance:
		return settlement.Terminal(fmt.Errorf("%w: %v", settlement.ErrInsufficientBalance, cause))
	case CodeInvalidAddress:
		return settlement.Terminal(fmt.Errorf("%w: %v", settlement.ErrInvalidAddress, cause))
	case CodeUnsupportedCurrency:
		return settlement.Terminal(fmt.Errorf("%w: %v", settlement.ErrUnsupportedCurrency, cause))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode >= 500:
		return settlement.Retryable(cause)
	case resp.StatusCode == http.StatusConflict:
		// same idempotency key still in flight on the signer side
		return settlement.Retryable(cause)
	default:
		return settlement.Terminal(cause)
	}
}
