// Package facilitator implements the payment facilitator: the trusted
// service that verifies payment transactions, signs them as fee payer, and
// broadcasts them to the ledger. The Client half is the RPC used by
// consumers; the Service half is the facilitator process itself.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/thisissamridh/mesh/internal/retry"
)

var (
	ErrUnavailable  = errors.New("facilitator: unavailable")
	ErrVerifyFailed = errors.New("facilitator: transaction failed verification")
	ErrSettleFailed = errors.New("facilitator: settlement failed")
)

// Default operation timeouts. Verify is a structural check; settle waits
// for ledger confirmation.
const (
	VerifyTimeout = 5 * time.Second
	SettleTimeout = 30 * time.Second
)

// SupportedResponse describes the facilitator's capabilities.
type SupportedResponse struct {
	X402Version     string   `json:"x402Version"`
	Scheme          string   `json:"scheme"`
	Network         string   `json:"network"`
	FeePayer        string   `json:"feePayer"`
	SupportedTokens []string `json:"supportedTokens"`
}

// paymentBody wraps a base64 transaction for verify/settle requests.
type paymentBody struct {
	Payment struct {
		Transaction string `json:"transaction"`
	} `json:"payment"`
}

// VerifyResponse is the result of a structural verification.
type VerifyResponse struct {
	IsValid bool   `json:"isValid"`
	Message string `json:"message,omitempty"`
}

// SettleResponse is the result of signing and broadcasting a payment.
type SettleResponse struct {
	Success              bool   `json:"success"`
	TransactionSignature string `json:"transactionSignature,omitempty"`
	Network              string `json:"network,omitempty"`
	Error                string `json:"error,omitempty"`
}

// Client is a thin RPC over the facilitator's HTTP API. All operations are
// idempotent from the caller's perspective: retries on transport failure
// are safe because settlement is keyed by the transaction's inherent
// uniqueness.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a facilitator client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: SettleTimeout},
	}
}

// Supported fetches the facilitator's capability document.
func (c *Client) Supported(ctx context.Context) (*SupportedResponse, error) {
	var out SupportedResponse
	if err := c.getJSON(ctx, "/supported", VerifyTimeout, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks the facilitator's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]any
	return c.getJSON(ctx, "/health", VerifyTimeout, &out)
}

// Verify asks the facilitator to structurally validate a payment without
// broadcasting it.
func (c *Client) Verify(ctx context.Context, paymentB64 string) (*VerifyResponse, error) {
	var body paymentBody
	body.Payment.Transaction = paymentB64

	var out VerifyResponse
	if err := c.postJSON(ctx, "/verify", VerifyTimeout, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Settle submits a payment for fee-payer signing and broadcast, waiting for
// ledger confirmation. A response with Success=false is terminal, not
// retried; only transport failures are retried.
func (c *Client) Settle(ctx context.Context, paymentB64 string) (*SettleResponse, error) {
	var body paymentBody
	body.Payment.Transaction = paymentB64

	var out SettleResponse
	err := retry.Do(ctx, 2, 500*time.Millisecond, func() error {
		out = SettleResponse{}
		if err := c.postJSON(ctx, "/settle", SettleTimeout, body, &out); err != nil {
			return err // transport failure, retryable
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// --- transport helpers ---

func (c *Client) getJSON(ctx context.Context, path string, timeout time.Duration, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, path, resp.StatusCode, payload)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, timeout time.Duration, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := json.Marshal(in)
	if err != nil {
		return retry.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s returned %d: %s", ErrUnavailable, path, resp.StatusCode, body)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return retry.Permanent(fmt.Errorf("facilitator: %s returned %d: %s", path, resp.StatusCode, body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
