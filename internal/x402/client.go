package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/thisissamridh/mesh/internal/facilitator"
)

// Builder constructs unsigned payment transactions (see txbuilder).
type Builder interface {
	BuildTransfer(ctx context.Context, payer, recipient string, minorUnits *big.Int) (string, error)
}

// Settler settles a payment through the facilitator.
type Settler interface {
	Settle(ctx context.Context, paymentB64 string) (*facilitator.SettleResponse, error)
}

// Client performs payment-gated HTTP requests. It settles at most one
// payment per request: after a successful settlement exactly one retry
// carries the proof, and a second 402 is terminal.
type Client struct {
	httpClient *http.Client
	builder    Builder
	settler    Settler
	payer      string // payer wallet address
	network    string
	logger     *slog.Logger
}

// New creates an x402 client for the given payer wallet address.
func New(builder Builder, settler Settler, payer, network string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		builder:    builder,
		settler:    settler,
		payer:      payer,
		network:    network,
		logger:     logger,
	}
}

// Fetch issues the request, handles a 402 challenge by building and
// settling a payment up to maxAmount minor units, and retries once with
// proof.
//
// Error contract:
//   - ErrBudgetExceeded  — challenge amount > maxAmount, nothing paid
//   - ErrSettlementFailed — facilitator refused or transport died, nothing paid
//   - ErrPaymentRejected — second 402 after proof; Result.Signature is set
//   - *ProviderError     — non-402 failure on the proof retry; Signature set
func (c *Client) Fetch(ctx context.Context, method, url string, body []byte, maxAmount *big.Int) (*Result, error) {
	resp, payload, err := c.do(ctx, method, url, body, "")
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusPaymentRequired {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return &Result{StatusCode: resp.StatusCode, Data: payload}, nil
		}
		return nil, fmt.Errorf("x402: provider returned %d: %s", resp.StatusCode, payload)
	}

	// Parse the challenge.
	var challenge Challenge
	if err := json.Unmarshal(payload, &challenge); err != nil {
		return nil, fmt.Errorf("x402: unparsable 402 challenge: %w", err)
	}
	if challenge.Recipient == "" || challenge.AmountMinor <= 0 {
		return nil, fmt.Errorf("x402: incomplete 402 challenge")
	}

	amount := big.NewInt(challenge.AmountMinor)
	if maxAmount != nil && amount.Cmp(maxAmount) > 0 {
		return nil, fmt.Errorf("%w: asked %s, authorized %s",
			ErrBudgetExceeded, amount.String(), maxAmount.String())
	}

	c.logger.Info("payment challenge received",
		"url", url,
		"recipient", challenge.Recipient,
		"amount_minor", challenge.AmountMinor,
		"nonce", challenge.Nonce,
	)

	// Build the unsigned payment transaction.
	paymentB64, err := c.builder.BuildTransfer(ctx, c.payer, challenge.Recipient, amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}

	// Settle through the facilitator. A failed settlement is terminal; no
	// proof retry happens.
	settlement, err := c.settler.Settle(ctx, paymentB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSettlementFailed, err)
	}
	if !settlement.Success {
		return nil, fmt.Errorf("%w: %s", ErrSettlementFailed, settlement.Error)
	}
	signature := settlement.TransactionSignature

	c.logger.Info("payment settled", "signature", signature, "amount_minor", challenge.AmountMinor)

	// Exactly one retry with the proof header. Whatever happens now, the
	// signature is preserved in the outcome: payment already settled.
	proof, _ := json.Marshal(Proof{Signature: signature, Network: c.network})
	resp, payload, err = c.do(ctx, method, url, body, string(proof))
	if err != nil {
		return &Result{Signature: signature, AmountPaid: challenge.AmountMinor},
			&ProviderError{StatusCode: 0, Signature: signature, Body: err.Error()}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Result{
			StatusCode: resp.StatusCode,
			Data:       payload,
			Signature:  signature,
			AmountPaid: challenge.AmountMinor,
		}, nil
	case resp.StatusCode == http.StatusPaymentRequired:
		return &Result{StatusCode: resp.StatusCode, Signature: signature, AmountPaid: challenge.AmountMinor},
			fmt.Errorf("%w (signature %s)", ErrPaymentRejected, signature)
	default:
		return &Result{StatusCode: resp.StatusCode, Signature: signature, AmountPaid: challenge.AmountMinor},
			&ProviderError{StatusCode: resp.StatusCode, Signature: signature, Body: string(payload)}
	}
}

// do issues one HTTP request, optionally with the payment proof header, and
// returns the response with its drained body.
func (c *Client) do(ctx context.Context, method, url string, body []byte, proofHeader string) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if proofHeader != "" {
		req.Header.Set(PaymentHeader, proofHeader)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("x402: request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("x402: failed to read response: %w", err)
	}
	return resp, payload, nil
}
