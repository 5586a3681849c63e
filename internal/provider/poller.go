package provider

import (
	"context"
	"errors"
	"time"

	"github.com/thisissamridh/mesh/internal/market"
	"github.com/thisissamridh/mesh/internal/registryclient"
	"github.com/thisissamridh/mesh/internal/retry"
)

// Poll runs the RFP discovery loop until ctx is cancelled. Every tick it
// fetches open RFPs for the agent's task types, asks the evaluator whether
// to bid on each unseen one, and submits the bids it approves. Transient
// registry failures are swallowed; the loop continues on the next tick.
func (a *Agent) Poll(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.logger.Info("rfp polling started",
		"interval", a.cfg.PollInterval,
		"task_types", a.cfg.TaskTypes,
	)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("rfp polling stopped")
			return
		case <-ticker.C:
			a.pollOnce(ctx)
		}
	}
}

// pollOnce runs one discovery tick.
func (a *Agent) pollOnce(ctx context.Context) {
	rfps, err := a.registry.ListOpenRFPs(ctx, a.cfg.TaskTypes)
	if err != nil {
		if errors.Is(err, registryclient.ErrUnavailable) {
			a.logger.Debug("registry unavailable, will retry next tick", "error", err)
			return
		}
		a.logger.Warn("failed to list open rfps", "error", err)
		return
	}

	for _, rfp := range rfps {
		if rfp.RequesterAgentID == a.cfg.AgentID {
			continue // never bid on our own requests
		}
		if !a.markSeen(rfp.RFPID) {
			continue
		}
		a.considerRFP(ctx, rfp)
	}
}

// markSeen records an RFP id; returns false if it was already considered.
func (a *Agent) markSeen(rfpID string) bool {
	a.seenMu.Lock()
	defer a.seenMu.Unlock()

	if a.seen[rfpID] {
		return false
	}
	a.seen[rfpID] = true

	// Bound the dedupe set; old entries correspond to long-expired RFPs.
	if len(a.seen) > 10000 {
		a.seen = map[string]bool{rfpID: true}
	}
	return true
}

// considerRFP asks the evaluator for a bid decision and submits the bid.
// A failed submission is retried once after backoff, then dropped.
func (a *Agent) considerRFP(ctx context.Context, rfp *market.RFP) {
	decision, err := a.bidder.DecideBid(ctx, rfp, a.cfg.PriceUSDC)
	if err != nil {
		a.logger.Warn("bid decision failed", "rfp_id", rfp.RFPID, "error", err)
		return
	}
	if !decision.Bid {
		a.logger.Debug("declining rfp", "rfp_id", rfp.RFPID, "note", decision.DeclineNote)
		return
	}

	req := market.SubmitBidRequest{
		BidderAgentID:         a.cfg.AgentID,
		BidPriceUSDC:          decision.PriceUSDC,
		EstimatedCompletionMS: decision.EstimatedMS,
		ConfidenceScore:       decision.Confidence,
		Message:               decision.Message,
	}

	err = retry.Do(ctx, 2, time.Second, func() error {
		_, err := a.registry.SubmitBid(ctx, rfp.RFPID, req)
		if err == nil {
			return nil
		}
		// Only transport failures are worth a second attempt; the registry
		// rejecting the bid is final.
		if errors.Is(err, registryclient.ErrUnavailable) {
			return err
		}
		return retry.Permanent(err)
	})
	if err != nil {
		a.logger.Warn("bid submission dropped",
			"rfp_id", rfp.RFPID,
			"price_usdc", decision.PriceUSDC,
			"error", err,
		)
		return
	}

	a.bidsSubmitted.Add(1)
	a.logger.Info("bid submitted",
		"rfp_id", rfp.RFPID,
		"price_usdc", decision.PriceUSDC,
		"estimated_ms", decision.EstimatedMS,
	)
}
