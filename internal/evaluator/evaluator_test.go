package evaluator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/thisissamridh/mesh/internal/market"
)

func testBid(id, bidder, price string, rep float64, created time.Time) *market.Bid {
	return &market.Bid{
		BidID:           id,
		BidderAgentID:   bidder,
		BidPriceUSDC:    price,
		ReputationScore: rep,
		CreatedAt:       created,
	}
}

func TestWeighted_Rank(t *testing.T) {
	eval := NewWeighted()
	rfp := &market.RFP{RFPID: "rfp_1", MaxBudgetUSDC: "200"}
	now := time.Now()

	bids := []*market.Bid{
		testBid("bid_p2", "p2", "120", 3.0, now),
		testBid("bid_p1", "p1", "150", 4.8, now),
	}

	result, err := eval.Rank(context.Background(), rfp, bids, nil)
	if err != nil {
		t.Fatalf("rank failed: %v", err)
	}

	// 0.4*(50/200)+0.35*(4.8/5)=0.436 beats 0.4*(80/200)+0.35*(3/5)=0.370
	if result.WinnerBidID != "bid_p1" {
		t.Errorf("expected bid_p1 to win, got %s", result.WinnerBidID)
	}
	if len(result.Verdicts) != 2 {
		t.Fatalf("expected 2 verdicts, got %d", len(result.Verdicts))
	}
	if !result.Verdicts[0].Accept || result.Verdicts[1].Accept {
		t.Error("expected only the winner accepted")
	}
	if result.Confidence != 1.0 {
		t.Errorf("deterministic evaluator should be fully confident, got %f", result.Confidence)
	}
}

func TestWeighted_Rank_FreshReputationsOverrideSnapshot(t *testing.T) {
	eval := NewWeighted()
	rfp := &market.RFP{RFPID: "rfp_1", MaxBudgetUSDC: "200"}
	now := time.Now()

	// Snapshot says p1 has 0 reputation, but the fresh lookup says 5.
	bids := []*market.Bid{
		testBid("bid_p1", "p1", "150", 0, now),
		testBid("bid_p2", "p2", "150", 0, now.Add(time.Second)),
	}

	result, err := eval.Rank(context.Background(), rfp, bids, map[string]float64{"p1": 5})
	if err != nil {
		t.Fatal(err)
	}
	if result.WinnerBidID != "bid_p1" {
		t.Errorf("expected fresh reputation to decide the winner, got %s", result.WinnerBidID)
	}
}

func TestWeighted_Rank_NoBids(t *testing.T) {
	eval := NewWeighted()
	_, err := eval.Rank(context.Background(), &market.RFP{MaxBudgetUSDC: "1"}, nil, nil)
	if !errors.Is(err, ErrNoBids) {
		t.Errorf("expected ErrNoBids, got %v", err)
	}
}

func TestWeighted_Rank_SpeedComponent(t *testing.T) {
	eval := NewWeighted()
	rfp := &market.RFP{MaxBudgetUSDC: "100", RequiredDeliveryTimeMS: 1000}
	now := time.Now()

	fast := testBid("bid_fast", "f", "50", 0, now)
	fast.EstimatedCompletionMS = 100
	slow := testBid("bid_slow", "s", "50", 0, now)
	slow.EstimatedCompletionMS = 900

	result, err := eval.Rank(context.Background(), rfp, []*market.Bid{slow, fast}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.WinnerBidID != "bid_fast" {
		t.Errorf("expected faster bid to win, got %s", result.WinnerBidID)
	}
}

func TestWeighted_Rate(t *testing.T) {
	eval := NewWeighted()
	bid := &market.Bid{EstimatedCompletionMS: 1000}

	// Well-formed data delivered on time.
	result, err := eval.Rate(context.Background(), []byte(`{"price": 150}`), 500, bid)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stars != 5 {
		t.Errorf("expected 5 stars, got %d", result.Stars)
	}

	// Empty response.
	result, err = eval.Rate(context.Background(), nil, 500, bid)
	if err != nil {
		t.Fatal(err)
	}
	if result.Stars != 1 {
		t.Errorf("expected 1 star for empty response, got %d", result.Stars)
	}
}

func TestWeighted_DecideBid(t *testing.T) {
	eval := NewWeighted()

	decision, err := eval.DecideBid(context.Background(),
		&market.RFP{MaxBudgetUSDC: "0.001"}, "0.0001")
	if err != nil {
		t.Fatal(err)
	}
	if !decision.Bid || decision.PriceUSDC != "0.0001" {
		t.Errorf("expected bid at list price, got %+v", decision)
	}

	// Budget below list price: decline.
	decision, err = eval.DecideBid(context.Background(),
		&market.RFP{MaxBudgetUSDC: "0.00005"}, "0.0001")
	if err != nil {
		t.Fatal(err)
	}
	if decision.Bid {
		t.Error("expected decline when budget is below list price")
	}
}

// failingEvaluator always errors, to exercise the fallback path.
type failingEvaluator struct{}

func (f *failingEvaluator) Rank(context.Context, *market.RFP, []*market.Bid, map[string]float64) (*RankResult, error) {
	return nil, errors.New("model timeout")
}

func (f *failingEvaluator) Rate(context.Context, []byte, int64, *market.Bid) (*RateResult, error) {
	return nil, errors.New("model timeout")
}

func TestWithFallback(t *testing.T) {
	eval := WithFallback(&failingEvaluator{}, NewWeighted())
	rfp := &market.RFP{MaxBudgetUSDC: "200"}
	bids := []*market.Bid{testBid("bid_1", "p1", "100", 4, time.Now())}

	result, err := eval.Rank(context.Background(), rfp, bids, nil)
	if err != nil {
		t.Fatalf("fallback rank failed: %v", err)
	}
	if result.WinnerBidID != "bid_1" {
		t.Errorf("expected fallback winner bid_1, got %s", result.WinnerBidID)
	}

	rate, err := eval.Rate(context.Background(), []byte(`{}`), 100, bids[0])
	if err != nil {
		t.Fatalf("fallback rate failed: %v", err)
	}
	if rate.Stars < 1 || rate.Stars > 5 {
		t.Errorf("fallback stars out of range: %d", rate.Stars)
	}
}

func TestWithFallback_NoBidsNotMasked(t *testing.T) {
	eval := WithFallback(NewWeighted(), NewWeighted())
	_, err := eval.Rank(context.Background(), &market.RFP{MaxBudgetUSDC: "1"}, nil, nil)
	if !errors.Is(err, ErrNoBids) {
		t.Errorf("expected ErrNoBids to pass through, got %v", err)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"fenced json", "prose\n```json\n{\"a\":1}\n```\nmore", `{"a":1}`},
		{"plain fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"embedded object", `the answer is {"a":1} ok`, `{"a":1}`},
		{"bare", `{"a":1}`, `{"a":1}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := string(extractJSON(tc.in))
			if got != tc.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}
