package consumer

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/thisissamridh/mesh/internal/evaluator"
	"github.com/thisissamridh/mesh/internal/market"
	"github.com/thisissamridh/mesh/internal/registryclient"
	"github.com/thisissamridh/mesh/internal/x402"
)

// stubPayments scripts the x402 outcome.
type stubPayments struct {
	result *x402.Result
	err    error
	calls  int
}

func (s *stubPayments) Fetch(_ context.Context, _, _ string, _ []byte, _ *big.Int) (*x402.Result, error) {
	s.calls++
	return s.result, s.err
}

// testMarketplace hosts a real registry over httptest.
type testMarketplace struct {
	svc *market.Service
	srv *httptest.Server
}

func newTestMarketplace(t *testing.T) *testMarketplace {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc := market.NewService(market.NewMemoryStore(), slog.Default())
	r := gin.New()
	market.NewHandler(svc).RegisterRoutes(r.Group("/"))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testMarketplace{svc: svc, srv: srv}
}

func (m *testMarketplace) register(t *testing.T, id string, agentType market.AgentType) {
	t.Helper()
	_, err := m.svc.RegisterAgent(context.Background(), market.RegisterAgentRequest{
		AgentID:       id,
		Name:          "Agent " + id,
		AgentType:     agentType,
		EndpointURL:   "http://localhost:5001",
		WalletAddress: "0x1111111111111111111111111111111111111111",
		Capabilities:  []string{"price_data"},
	})
	if err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func newTestLoop(m *testMarketplace, payments PaymentClient) *Loop {
	return New(Config{
		AgentID:      "consumer_001",
		BidWindow:    600 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
		Deadline:     10 * time.Second,
	}, registryclient.New(m.srv.URL), payments, evaluator.NewWeighted(), slog.Default())
}

func TestRequestService_HappyPath(t *testing.T) {
	m := newTestMarketplace(t)
	m.register(t, "consumer_001", market.AgentTypeConsumer)
	m.register(t, "provider_001", market.AgentTypeDataProvider)

	serviceData, _ := json.Marshal(map[string]any{"symbol": "SOL/USDC", "price": 150.0})
	payments := &stubPayments{result: &x402.Result{
		StatusCode: 200, Data: serviceData, Signature: "0xsig", AmountPaid: 100,
	}}

	// A provider bids shortly after the RFP appears.
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			open, err := m.svc.ListOpenRFPs(context.Background(), []string{"price_data"})
			if err == nil && len(open) > 0 {
				_, _ = m.svc.SubmitBid(context.Background(), open[0].RFPID, market.SubmitBidRequest{
					BidderAgentID: "provider_001",
					BidPriceUSDC:  "0.0001",
				})
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	loop := newTestLoop(m, payments)
	result := loop.RequestService(context.Background(), ServiceRequest{
		TaskType:      "price_data",
		Description:   "spot quote",
		MaxBudgetUSDC: "0.001",
	})

	if !result.OK {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Signature != "0xsig" {
		t.Errorf("expected signature, got %q", result.Signature)
	}
	if result.TotalBids != 1 {
		t.Errorf("expected 1 bid, got %d", result.TotalBids)
	}
	if payments.calls != 1 {
		t.Errorf("expected exactly 1 payment flow, got %d", payments.calls)
	}
	if result.Stars < 1 {
		t.Errorf("expected a rating to be recorded, got %d stars", result.Stars)
	}

	// The marketplace recorded the delivery and the rating.
	assignment, err := m.svc.GetAssignment(context.Background(), result.AssignmentID)
	if err != nil {
		t.Fatal(err)
	}
	if assignment.PaymentTxSignature != "0xsig" {
		t.Errorf("expected delivery signature recorded, got %q", assignment.PaymentTxSignature)
	}
	if score := m.svc.Reputation("provider_001"); score.Count != 1 {
		t.Errorf("expected 1 rating recorded, got %d", score.Count)
	}
}

func TestRequestService_NoBids(t *testing.T) {
	m := newTestMarketplace(t)
	m.register(t, "consumer_001", market.AgentTypeConsumer)

	payments := &stubPayments{}
	loop := newTestLoop(m, payments)

	result := loop.RequestService(context.Background(), ServiceRequest{
		TaskType:      "price_data",
		MaxBudgetUSDC: "0.001",
	})

	if result.OK {
		t.Fatal("expected failure with no bids")
	}
	if result.ErrorKind != ErrorNoBids {
		t.Errorf("expected NoBids, got %s", result.ErrorKind)
	}
	if payments.calls != 0 {
		t.Errorf("payment attempted with no winner: %d calls", payments.calls)
	}
}

func TestRequestService_DeliveryFailedAfterPayment(t *testing.T) {
	m := newTestMarketplace(t)
	m.register(t, "consumer_001", market.AgentTypeConsumer)
	m.register(t, "provider_001", market.AgentTypeDataProvider)

	payments := &stubPayments{
		result: &x402.Result{StatusCode: 500, Signature: "0xsig", AmountPaid: 100},
		err:    &x402.ProviderError{StatusCode: 500, Signature: "0xsig"},
	}

	go bidWhenOpen(m, "provider_001")

	loop := newTestLoop(m, payments)
	result := loop.RequestService(context.Background(), ServiceRequest{
		TaskType:      "price_data",
		MaxBudgetUSDC: "0.001",
	})

	if result.OK {
		t.Fatal("expected failure")
	}
	if result.ErrorKind != ErrorDeliveryFailedAfterPayment {
		t.Errorf("expected DeliveryFailedAfterPayment, got %s", result.ErrorKind)
	}
	// The settled signature must surface in the result.
	if result.Signature != "0xsig" {
		t.Errorf("expected signature in failure result, got %q", result.Signature)
	}
	// Single settlement: no second payment attempt after a post-payment failure.
	if payments.calls != 1 {
		t.Errorf("expected 1 payment flow, got %d", payments.calls)
	}
}

func TestRequestService_SettlementFailed(t *testing.T) {
	m := newTestMarketplace(t)
	m.register(t, "consumer_001", market.AgentTypeConsumer)
	m.register(t, "provider_001", market.AgentTypeDataProvider)

	payments := &stubPayments{err: x402.ErrSettlementFailed}

	go bidWhenOpen(m, "provider_001")

	loop := newTestLoop(m, payments)
	result := loop.RequestService(context.Background(), ServiceRequest{
		TaskType:      "price_data",
		MaxBudgetUSDC: "0.001",
	})

	if result.OK {
		t.Fatal("expected failure")
	}
	if result.ErrorKind != ErrorSettlementFailed {
		t.Errorf("expected SettlementFailed, got %s", result.ErrorKind)
	}
	if result.Signature != "" {
		t.Errorf("no settlement happened, but result carries signature %q", result.Signature)
	}
}

// bidWhenOpen places one bid as soon as an open RFP appears.
func bidWhenOpen(m *testMarketplace, bidder string) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		open, err := m.svc.ListOpenRFPs(context.Background(), []string{"price_data"})
		if err == nil && len(open) > 0 {
			_, _ = m.svc.SubmitBid(context.Background(), open[0].RFPID, market.SubmitBidRequest{
				BidderAgentID: bidder,
				BidPriceUSDC:  "0.0001",
			})
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
