package market

import (
	"math"
	"sort"
)

// ScoringWeights controls how bids are ranked by the deterministic scorer.
type ScoringWeights struct {
	Price      float64 `json:"price"`
	Reputation float64 `json:"reputation"`
	Speed      float64 `json:"speed"`
}

// DefaultScoringWeights returns the default scoring weights.
func DefaultScoringWeights() ScoringWeights {
	return ScoringWeights{Price: 0.40, Reputation: 0.35, Speed: 0.25}
}

// BidScore pairs a bid with its computed score.
type BidScore struct {
	Bid   *Bid    `json:"bid"`
	Score float64 `json:"score"`
}

// ScoreBid computes a bid's score against its RFP:
//
//	price_score = (budget - price) / budget      — cheaper is better
//	rep_score   = reputation / 5
//	speed_score = max(0, 1 - latency/required)   — 0 when RFP sets no deadline
func ScoreBid(bid *Bid, rfp *RFP, weights ScoringWeights) float64 {
	budget, err := usdcFloat(rfp.MaxBudgetUSDC)
	if err != nil || budget <= 0 {
		return 0
	}
	price, err := usdcFloat(bid.BidPriceUSDC)
	if err != nil {
		return 0
	}

	priceScore := (budget - price) / budget
	priceScore = math.Max(0, math.Min(1, priceScore))

	repScore := math.Max(0, math.Min(1, bid.ReputationScore/5))

	speedScore := 0.0
	if rfp.RequiredDeliveryTimeMS > 0 && bid.EstimatedCompletionMS > 0 {
		speedScore = 1 - float64(bid.EstimatedCompletionMS)/float64(rfp.RequiredDeliveryTimeMS)
		speedScore = math.Max(0, math.Min(1, speedScore))
	}

	return weights.Price*priceScore + weights.Reputation*repScore + weights.Speed*speedScore
}

// RankBids scores and sorts bids, best first. Ties break by lowest price,
// then earliest bid timestamp.
func RankBids(rfp *RFP, bids []*Bid, weights ScoringWeights) []BidScore {
	scored := make([]BidScore, 0, len(bids))
	for _, b := range bids {
		scored = append(scored, BidScore{Bid: b, Score: ScoreBid(b, rfp, weights)})
	}

	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		pi, _ := usdcFloat(scored[i].Bid.BidPriceUSDC)
		pj, _ := usdcFloat(scored[j].Bid.BidPriceUSDC)
		if pi != pj {
			return pi < pj
		}
		return scored[i].Bid.CreatedAt.Before(scored[j].Bid.CreatedAt)
	})

	return scored
}
