// Package evaluator provides the pluggable bid-evaluation capability: given
// an RFP and its bids, pick a winner; given a delivered service, rate it.
//
// Two implementations ship: Weighted (deterministic) and Model (backed by an
// external language model). WithFallback composes them so model failures
// degrade to the deterministic scorer.
package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/thisissamridh/mesh/internal/market"
)

var ErrNoBids = errors.New("evaluator: no bids to evaluate")

// Verdict is a per-bid accept/reject decision.
type Verdict struct {
	BidID  string `json:"bid_id"`
	Accept bool   `json:"accept"`
	Reason string `json:"reason"`
}

// RankResult is the outcome of ranking a bid set.
type RankResult struct {
	WinnerBidID string    `json:"winner_bid_id"`
	Verdicts    []Verdict `json:"verdicts"`
	Confidence  float64   `json:"confidence"` // 0-1
	Analysis    string    `json:"analysis"`
}

// RateResult is a star rating for a delivered service.
type RateResult struct {
	Stars  int    `json:"stars"` // 1-5
	Review string `json:"review"`
}

// BidEvaluator ranks competing bids and rates delivered services.
// Both operations are pure: no marketplace state is touched.
type BidEvaluator interface {
	Rank(ctx context.Context, rfp *market.RFP, bids []*market.Bid, reputations map[string]float64) (*RankResult, error)
	Rate(ctx context.Context, serviceResult []byte, latencyMS int64, bid *market.Bid) (*RateResult, error)
}

// Bidder decides whether (and at what price) a provider should bid on an RFP.
type Bidder interface {
	DecideBid(ctx context.Context, rfp *market.RFP, basePriceUSDC string) (*BidDecision, error)
}

// BidDecision is a provider's bid/no-bid call.
type BidDecision struct {
	Bid         bool    `json:"bid"`
	PriceUSDC   string  `json:"price_usdc"`
	EstimatedMS int64   `json:"estimated_ms"`
	Confidence  float64 `json:"confidence"`
	Message     string  `json:"message"`
	DeclineNote string  `json:"decline_note,omitempty"`
}

// -----------------------------------------------------------------------------
// Deterministic implementation
// -----------------------------------------------------------------------------

// Weighted is the deterministic evaluator. Each bid scores
//
//	w_price*(budget-price)/budget + w_rep*reputation/5 + w_speed*max(0, 1-latency/required)
//
// with default weights (0.40, 0.35, 0.25). Ties break by lowest price, then
// earliest bid.
type Weighted struct {
	weights market.ScoringWeights
}

// NewWeighted creates the deterministic evaluator with default weights.
func NewWeighted() *Weighted {
	return &Weighted{weights: market.DefaultScoringWeights()}
}

// NewWeightedWith creates a deterministic evaluator with custom weights.
func NewWeightedWith(w market.ScoringWeights) *Weighted {
	return &Weighted{weights: w}
}

// Rank scores every bid and selects the argmax.
func (e *Weighted) Rank(_ context.Context, rfp *market.RFP, bids []*market.Bid, reputations map[string]float64) (*RankResult, error) {
	if len(bids) == 0 {
		return nil, ErrNoBids
	}

	// Fresh reputations override the snapshot taken at submission.
	scored := make([]*market.Bid, len(bids))
	for i, b := range bids {
		cp := *b
		if rep, ok := reputations[b.BidderAgentID]; ok {
			cp.ReputationScore = rep
		}
		scored[i] = &cp
	}

	ranked := market.RankBids(rfp, scored, e.weights)
	winner := ranked[0]

	verdicts := make([]Verdict, len(ranked))
	for i, bs := range ranked {
		verdicts[i] = Verdict{
			BidID:  bs.Bid.BidID,
			Accept: i == 0,
			Reason: fmt.Sprintf("score %.4f (price %s, reputation %.2f)", bs.Score, bs.Bid.BidPriceUSDC, bs.Bid.ReputationScore),
		}
	}

	return &RankResult{
		WinnerBidID: winner.Bid.BidID,
		Verdicts:    verdicts,
		Confidence:  1.0,
		Analysis: fmt.Sprintf("deterministic weighted scoring over %d bids; winner %s at %s USDC",
			len(ranked), winner.Bid.BidderAgentID, winner.Bid.BidPriceUSDC),
	}, nil
}

// Rate scores a delivery heuristically: useful data earns a star, meeting
// the promised latency earns another, starting from a neutral 3.
func (e *Weighted) Rate(_ context.Context, serviceResult []byte, latencyMS int64, bid *market.Bid) (*RateResult, error) {
	stars := 3
	review := "service delivered"

	if json.Valid(serviceResult) && len(serviceResult) > 2 {
		stars++
		review = "service delivered with well-formed data"
	}
	if bid != nil && bid.EstimatedCompletionMS > 0 && latencyMS <= bid.EstimatedCompletionMS {
		stars++
		review += "; delivered within the promised time"
	}
	if len(serviceResult) == 0 {
		stars = 1
		review = "empty service response"
	}

	if stars > 5 {
		stars = 5
	}
	return &RateResult{Stars: stars, Review: review}, nil
}

// DecideBid bids whenever the base price fits the budget, at the base price.
func (e *Weighted) DecideBid(_ context.Context, rfp *market.RFP, basePriceUSDC string) (*BidDecision, error) {
	base, err := usdcFloat(basePriceUSDC)
	if err != nil || base <= 0 {
		return nil, fmt.Errorf("evaluator: invalid base price %q", basePriceUSDC)
	}
	budget, err := usdcFloat(rfp.MaxBudgetUSDC)
	if err != nil {
		return nil, fmt.Errorf("evaluator: invalid rfp budget %q", rfp.MaxBudgetUSDC)
	}

	if base > budget {
		return &BidDecision{Bid: false, DeclineNote: "budget below base price"}, nil
	}

	return &BidDecision{
		Bid:         true,
		PriceUSDC:   basePriceUSDC,
		EstimatedMS: 500,
		Confidence:  0.9,
		Message:     "standard service at list price",
	}, nil
}

func usdcFloat(s string) (float64, error) {
	var f float64
	if _, err := fmt.Sscanf(s, "%f", &f); err != nil {
		return 0, err
	}
	return f, nil
}

// -----------------------------------------------------------------------------
// Fallback composition
// -----------------------------------------------------------------------------

// WithFallback returns an evaluator that tries primary and falls back to
// the deterministic evaluator whenever primary errors or times out.
func WithFallback(primary BidEvaluator, fallback *Weighted) BidEvaluator {
	return &fallbackEvaluator{primary: primary, fallback: fallback}
}

type fallbackEvaluator struct {
	primary  BidEvaluator
	fallback *Weighted
}

func (f *fallbackEvaluator) Rank(ctx context.Context, rfp *market.RFP, bids []*market.Bid, reputations map[string]float64) (*RankResult, error) {
	result, err := f.primary.Rank(ctx, rfp, bids, reputations)
	if err == nil {
		return result, nil
	}
	if errors.Is(err, ErrNoBids) {
		return nil, err
	}
	return f.fallback.Rank(ctx, rfp, bids, reputations)
}

func (f *fallbackEvaluator) Rate(ctx context.Context, serviceResult []byte, latencyMS int64, bid *market.Bid) (*RateResult, error) {
	result, err := f.primary.Rate(ctx, serviceResult, latencyMS, bid)
	if err == nil {
		return result, nil
	}
	return f.fallback.Rate(ctx, serviceResult, latencyMS, bid)
}
