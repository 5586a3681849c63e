package x402

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thisissamridh/mesh/internal/facilitator"
)

// stubBuilder returns a canned payment payload.
type stubBuilder struct {
	built atomic.Int64
	err   error
}

func (b *stubBuilder) BuildTransfer(_ context.Context, _, _ string, _ *big.Int) (string, error) {
	if b.err != nil {
		return "", b.err
	}
	b.built.Add(1)
	return "dW5zaWduZWQtdHg=", nil
}

// stubSettler simulates the facilitator.
type stubSettler struct {
	settles atomic.Int64
	resp    *facilitator.SettleResponse
	err     error
}

func (s *stubSettler) Settle(_ context.Context, _ string) (*facilitator.SettleResponse, error) {
	s.settles.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

// challengeProvider is a test provider that 402s until shown any proof,
// then serves data. It counts requests by kind.
type challengeProvider struct {
	challenges atomic.Int64
	deliveries atomic.Int64

	// behavior switches
	rejectProof  bool // 402 again even with proof
	failAfterPay bool // 500 with proof
}

func (p *challengeProvider) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PaymentHeader) == "" {
			p.challenges.Add(1)
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(Challenge{
				Recipient:      "0x9999999999999999999999999999999999999999",
				AmountHuman:    "0.0001",
				AmountMinor:    100,
				TokenMint:      "0xToken",
				Network:        "base-sepolia",
				FacilitatorURL: "http://localhost:3000",
				Nonce:          "nonce-1",
				ExpiresAt:      time.Now().Add(time.Minute),
			})
			return
		}

		if p.rejectProof {
			w.WriteHeader(http.StatusPaymentRequired)
			json.NewEncoder(w).Encode(map[string]string{"error": "payment_not_found_or_insufficient"})
			return
		}
		if p.failAfterPay {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}

		p.deliveries.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"service_data":      map[string]any{"symbol": "SOL/USDC", "price": 150.0},
			"payment_signature": r.Header.Get(PaymentHeader),
		})
	}
}

func newTestClient(builder *stubBuilder, settler *stubSettler) *Client {
	return New(builder, settler, "0x1111111111111111111111111111111111111111",
		"base-sepolia", slog.Default())
}

func TestFetch_HappyPath(t *testing.T) {
	provider := &challengeProvider{}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	builder := &stubBuilder{}
	settler := &stubSettler{resp: &facilitator.SettleResponse{
		Success: true, TransactionSignature: "0xsig", Network: "base-sepolia",
	}}
	client := newTestClient(builder, settler)

	result, err := client.Fetch(context.Background(), "POST", srv.URL, nil, big.NewInt(200))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}

	if result.Signature != "0xsig" {
		t.Errorf("expected signature 0xsig, got %s", result.Signature)
	}
	if result.AmountPaid != 100 {
		t.Errorf("expected 100 minor units paid, got %d", result.AmountPaid)
	}
	// Exactly one settlement and exactly one successful delivery.
	if settler.settles.Load() != 1 {
		t.Errorf("expected exactly 1 settlement, got %d", settler.settles.Load())
	}
	if provider.deliveries.Load() != 1 {
		t.Errorf("expected exactly 1 delivery, got %d", provider.deliveries.Load())
	}
	if provider.challenges.Load() != 1 {
		t.Errorf("expected exactly 1 challenge, got %d", provider.challenges.Load())
	}
}

func TestFetch_NoPaymentNeeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"free": "data"})
	}))
	defer srv.Close()

	settler := &stubSettler{}
	client := newTestClient(&stubBuilder{}, settler)

	result, err := client.Fetch(context.Background(), "GET", srv.URL, nil, big.NewInt(100))
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if result.Signature != "" {
		t.Errorf("expected no signature, got %s", result.Signature)
	}
	if settler.settles.Load() != 0 {
		t.Error("settlement happened for a free resource")
	}
}

func TestFetch_BudgetExceeded(t *testing.T) {
	provider := &challengeProvider{}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	settler := &stubSettler{}
	client := newTestClient(&stubBuilder{}, settler)

	// Challenge asks 100, we authorize only 50.
	_, err := client.Fetch(context.Background(), "POST", srv.URL, nil, big.NewInt(50))
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Fatalf("expected ErrBudgetExceeded, got %v", err)
	}
	if settler.settles.Load() != 0 {
		t.Error("settlement attempted despite budget rejection")
	}
}

func TestFetch_SettlementFailed(t *testing.T) {
	provider := &challengeProvider{}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	settler := &stubSettler{resp: &facilitator.SettleResponse{
		Success: false, Error: "insufficient_balance",
	}}
	client := newTestClient(&stubBuilder{}, settler)

	_, err := client.Fetch(context.Background(), "POST", srv.URL, nil, big.NewInt(200))
	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected ErrSettlementFailed, got %v", err)
	}

	// No proof retry happened: the provider saw exactly one request, the
	// original 402 challenge.
	if provider.challenges.Load() != 1 {
		t.Errorf("expected 1 challenge, got %d", provider.challenges.Load())
	}
	if provider.deliveries.Load() != 0 {
		t.Errorf("expected 0 deliveries, got %d", provider.deliveries.Load())
	}
}

func TestFetch_SecondPaymentRequiredIsTerminal(t *testing.T) {
	provider := &challengeProvider{rejectProof: true}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	settler := &stubSettler{resp: &facilitator.SettleResponse{
		Success: true, TransactionSignature: "0xsig",
	}}
	client := newTestClient(&stubBuilder{}, settler)

	result, err := client.Fetch(context.Background(), "POST", srv.URL, nil, big.NewInt(200))
	if !errors.Is(err, ErrPaymentRejected) {
		t.Fatalf("expected ErrPaymentRejected, got %v", err)
	}
	// The settled signature is preserved even though the provider refused.
	if result == nil || result.Signature != "0xsig" {
		t.Error("expected settlement signature preserved in the result")
	}
	// No second settlement, no third request.
	if settler.settles.Load() != 1 {
		t.Errorf("expected exactly 1 settlement, got %d", settler.settles.Load())
	}
}

func TestFetch_ProviderErrorAfterPayment(t *testing.T) {
	provider := &challengeProvider{failAfterPay: true}
	srv := httptest.NewServer(provider.handler())
	defer srv.Close()

	settler := &stubSettler{resp: &facilitator.SettleResponse{
		Success: true, TransactionSignature: "0xsig",
	}}
	client := newTestClient(&stubBuilder{}, settler)

	result, err := client.Fetch(context.Background(), "POST", srv.URL, nil, big.NewInt(200))

	var provErr *ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if provErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", provErr.StatusCode)
	}
	// Payment settled: signature must survive the failure.
	if provErr.Signature != "0xsig" {
		t.Errorf("expected signature on error, got %q", provErr.Signature)
	}
	if result == nil || result.Signature != "0xsig" {
		t.Error("expected signature preserved in the result")
	}
}
