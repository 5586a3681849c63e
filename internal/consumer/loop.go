// Package consumer implements the consumer decision loop: broadcast an RFP,
// collect bids over a window, evaluate, select a winner, settle payment via
// x402, fetch the service, and feed a rating back.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/thisissamridh/mesh/internal/evaluator"
	"github.com/thisissamridh/mesh/internal/market"
	"github.com/thisissamridh/mesh/internal/registryclient"
	"github.com/thisissamridh/mesh/internal/wallet"
	"github.com/thisissamridh/mesh/internal/x402"
)

// ErrorKind discriminates consumer outcomes.
type ErrorKind string

const (
	ErrorNone                       ErrorKind = ""
	ErrorNoBids                     ErrorKind = "NoBids"
	ErrorBudgetExceeded             ErrorKind = "BudgetExceeded"
	ErrorSettlementFailed           ErrorKind = "SettlementFailed"
	ErrorPaymentRejected            ErrorKind = "PaymentRejected"
	ErrorDeliveryFailedAfterPayment ErrorKind = "DeliveryFailedAfterPayment"
	ErrorUpstreamUnavailable        ErrorKind = "UpstreamUnavailable"
	ErrorValidation                 ErrorKind = "ValidationError"
)

// Result is the discriminated outcome of one marketplace run. A settlement
// signature, once obtained, is always carried in the result regardless of
// what failed afterwards.
type Result struct {
	OK           bool            `json:"ok"`
	ErrorKind    ErrorKind       `json:"error_kind,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	RFPID        string          `json:"rfp_id,omitempty"`
	AssignmentID string          `json:"assignment_id,omitempty"`
	WinnerBidID  string          `json:"winner_bid_id,omitempty"`
	Signature    string          `json:"signature,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	TotalBids    int             `json:"total_bids"`
	Stars        int             `json:"stars,omitempty"`
}

// ServiceRequest describes what the consumer wants.
type ServiceRequest struct {
	TaskType               string
	Description            string
	Requirements           map[string]any
	MaxBudgetUSDC          string
	RequiredDeliveryTimeMS int64
}

// PaymentClient is the x402 flow (see x402.Client).
type PaymentClient interface {
	Fetch(ctx context.Context, method, url string, body []byte, maxAmount *big.Int) (*x402.Result, error)
}

// Config for the consumer loop.
type Config struct {
	AgentID      string
	BidWindow    time.Duration // bid collection window (default 10s)
	PollInterval time.Duration // bid stream polling (default 1s)
	Deadline     time.Duration // end-to-end deadline (default 60s)
	MaxAttempts  int           // delivery attempts after commit point (default 2)
}

// Loop orchestrates one consumer agent.
type Loop struct {
	cfg       Config
	registry  *registryclient.Client
	payments  PaymentClient
	evaluator evaluator.BidEvaluator
	logger    *slog.Logger
}

// New creates a consumer loop.
func New(cfg Config, registry *registryclient.Client, payments PaymentClient,
	eval evaluator.BidEvaluator, logger *slog.Logger) *Loop {

	if cfg.BidWindow <= 0 {
		cfg.BidWindow = 10 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.Deadline <= 0 {
		cfg.Deadline = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}

	return &Loop{
		cfg:       cfg,
		registry:  registry,
		payments:  payments,
		evaluator: eval,
		logger:    logger,
	}
}

// RequestService runs the full decision loop. Before winner selection the
// consumer aborts freely; selection is the commit point, after which
// delivery is attempted up to the configured cap with at most one on-chain
// payment (the x402 client is single-settlement).
func (l *Loop) RequestService(ctx context.Context, req ServiceRequest) *Result {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Deadline)
	defer cancel()

	// Step 1: broadcast the RFP.
	rfp, err := l.registry.CreateRFP(ctx, market.CreateRFPRequest{
		RequesterAgentID:       l.cfg.AgentID,
		TaskType:               req.TaskType,
		Description:            req.Description,
		Requirements:           req.Requirements,
		MaxBudgetUSDC:          req.MaxBudgetUSDC,
		RequiredDeliveryTimeMS: req.RequiredDeliveryTimeMS,
		BiddingWindowSeconds:   int(l.cfg.BidWindow / time.Second),
	})
	if err != nil {
		return failure(kindForRegistryError(err), "", fmt.Sprintf("failed to create RFP: %v", err))
	}

	l.logger.Info("rfp broadcast",
		"rfp_id", rfp.RFPID,
		"task_type", req.TaskType,
		"max_budget_usdc", req.MaxBudgetUSDC,
	)

	// Step 2: collect bids until the window closes, streaming for
	// observability.
	bids := l.collectBids(ctx, rfp.RFPID)

	// Step 3: nothing to choose from.
	if len(bids) == 0 {
		return &Result{OK: false, ErrorKind: ErrorNoBids, RFPID: rfp.RFPID, Reason: "no bids received within the bidding window"}
	}

	// Step 4: evaluate. Fresh reputations sharpen the ranking but their
	// absence never blocks it.
	reputations := l.fetchReputations(ctx, bids)
	ranking, err := l.evaluator.Rank(ctx, rfp, bids, reputations)
	if err != nil {
		return failureRFP(ErrorValidation, rfp.RFPID, len(bids), fmt.Sprintf("bid evaluation failed: %v", err))
	}

	winnerBid := findBid(bids, ranking.WinnerBidID)
	if winnerBid == nil {
		return failureRFP(ErrorValidation, rfp.RFPID, len(bids), "evaluator selected an unknown bid")
	}

	l.logger.Info("winner chosen",
		"rfp_id", rfp.RFPID,
		"bid_id", winnerBid.BidID,
		"provider", winnerBid.BidderAgentID,
		"price_usdc", winnerBid.BidPriceUSDC,
		"confidence", ranking.Confidence,
	)

	// Step 5: the commit point.
	assignment, err := l.registry.SelectWinner(ctx, rfp.RFPID, market.SelectWinnerRequest{
		BidID:           winnerBid.BidID,
		SelectorAgentID: l.cfg.AgentID,
	})
	if err != nil {
		return failureRFP(kindForRegistryError(err), rfp.RFPID, len(bids), fmt.Sprintf("winner selection failed: %v", err))
	}

	// Step 6: pay and fetch through x402.
	result := l.payAndFetch(ctx, rfp, assignment, winnerBid)
	result.RFPID = rfp.RFPID
	result.AssignmentID = assignment.AssignmentID
	result.WinnerBidID = winnerBid.BidID
	result.TotalBids = len(bids)
	if !result.OK {
		return result
	}

	// Step 7: record the delivery. Failure here is logged, not fatal — the
	// signature already proves the payment.
	if err := l.registry.RecordDelivery(ctx, assignment.AssignmentID, result.Signature); err != nil {
		l.logger.Warn("failed to record delivery",
			"assignment_id", assignment.AssignmentID,
			"signature", result.Signature,
			"error", err,
		)
	}

	// Step 8: rate the provider.
	result.Stars = l.rateProvider(ctx, assignment, winnerBid, result.Data)

	return result
}

// collectBids polls the bid list until the window elapses, logging each new
// bid as it arrives.
func (l *Loop) collectBids(ctx context.Context, rfpID string) []*market.Bid {
	deadline := time.NewTimer(l.cfg.BidWindow)
	defer deadline.Stop()
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	var latest []*market.Bid
	seen := 0

	for {
		select {
		case <-ctx.Done():
			return latest
		case <-deadline.C:
			// Final fetch so late bids inside the window are not missed.
			if bids, err := l.registry.ListBids(ctx, rfpID); err == nil {
				latest = bids
			}
			return latest
		case <-ticker.C:
			bids, err := l.registry.ListBids(ctx, rfpID)
			if err != nil {
				continue // transient; the window keeps running
			}
			latest = bids
			for ; seen < len(bids); seen++ {
				l.logger.Info("bid received",
					"rfp_id", rfpID,
					"bid_id", bids[seen].BidID,
					"bidder", bids[seen].BidderAgentID,
					"price_usdc", bids[seen].BidPriceUSDC,
				)
			}
		}
	}
}

// fetchReputations pulls fresh reputation means for all bidders.
func (l *Loop) fetchReputations(ctx context.Context, bids []*market.Bid) map[string]float64 {
	reputations := make(map[string]float64, len(bids))
	for _, b := range bids {
		if _, done := reputations[b.BidderAgentID]; done {
			continue
		}
		if score, err := l.registry.Reputation(ctx, b.BidderAgentID); err == nil {
			reputations[b.BidderAgentID] = score.Mean
		}
	}
	return reputations
}

// payAndFetch drives the x402 flow against the winner's /deliver endpoint.
// Each attempt produces at most one on-chain payment; once a signature
// exists it is carried through every subsequent outcome.
func (l *Loop) payAndFetch(ctx context.Context, rfp *market.RFP, assignment *market.Assignment, winnerBid *market.Bid) *Result {
	providerAgent, err := l.registry.GetAgent(ctx, assignment.ProviderAgentID)
	if err != nil {
		return failure(kindForRegistryError(err), "", fmt.Sprintf("could not resolve provider endpoint: %v", err))
	}
	if providerAgent.EndpointURL == "" {
		return failure(ErrorValidation, "", "winning provider has no endpoint URL")
	}

	maxAmount, err := wallet.ParseUSDC(winnerBid.BidPriceUSDC)
	if err != nil {
		return failure(ErrorValidation, "", fmt.Sprintf("unparsable agreed price: %v", err))
	}

	deliverURL := strings.TrimRight(providerAgent.EndpointURL, "/") + "/deliver"
	body, _ := json.Marshal(providerDeliverBody{
		RFPID:        rfp.RFPID,
		AssignmentID: assignment.AssignmentID,
		Requirements: rfp.Requirements,
	})

	var lastErr error
	signature := ""
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		fetched, err := l.payments.Fetch(ctx, "POST", deliverURL, body, maxAmount)
		if fetched != nil && fetched.Signature != "" {
			signature = fetched.Signature
		}
		if err == nil {
			l.logger.Info("service delivered",
				"assignment_id", assignment.AssignmentID,
				"signature", signature,
				"bytes", len(fetched.Data),
			)
			return &Result{OK: true, Signature: signature, Data: fetched.Data}
		}
		lastErr = err

		// Terminal x402 outcomes end the attempts; only pre-payment
		// transport failures warrant another try.
		var provErr *x402.ProviderError
		switch {
		case errors.Is(err, x402.ErrBudgetExceeded):
			return &Result{OK: false, ErrorKind: ErrorBudgetExceeded, Reason: err.Error()}
		case errors.Is(err, x402.ErrSettlementFailed):
			return &Result{OK: false, ErrorKind: ErrorSettlementFailed, Reason: err.Error()}
		case errors.Is(err, x402.ErrPaymentRejected):
			return &Result{OK: false, ErrorKind: ErrorPaymentRejected, Signature: signature, Reason: err.Error()}
		case errors.As(err, &provErr):
			return &Result{
				OK:        false,
				ErrorKind: ErrorDeliveryFailedAfterPayment,
				Signature: signature,
				Reason:    fmt.Sprintf("provider failed after payment settled: %v", err),
			}
		}

		l.logger.Warn("delivery attempt failed",
			"attempt", attempt,
			"assignment_id", assignment.AssignmentID,
			"error", err,
		)
	}

	return &Result{
		OK:        false,
		ErrorKind: ErrorUpstreamUnavailable,
		Signature: signature,
		Reason:    fmt.Sprintf("delivery failed after %d attempts: %v", l.cfg.MaxAttempts, lastErr),
	}
}

// rateProvider evaluates the delivered data and posts the rating. Rating
// trouble never fails the run.
func (l *Loop) rateProvider(ctx context.Context, assignment *market.Assignment, winnerBid *market.Bid, data []byte) int {
	latency := int64(0)
	if assignment.DeliveredAt != nil {
		latency = assignment.DeliveredAt.Sub(assignment.CreatedAt).Milliseconds()
	}

	rate, err := l.evaluator.Rate(ctx, data, latency, winnerBid)
	if err != nil {
		l.logger.Warn("rating evaluation failed", "error", err)
		return 0
	}

	err = l.registry.Rate(ctx, assignment.ProviderAgentID, market.RateRequest{
		RaterAgentID: l.cfg.AgentID,
		AssignmentID: assignment.AssignmentID,
		Stars:        rate.Stars,
		Review:       rate.Review,
	})
	if err != nil {
		l.logger.Warn("rating submission failed", "error", err)
		return 0
	}

	l.logger.Info("provider rated",
		"provider", assignment.ProviderAgentID,
		"stars", rate.Stars,
	)
	return rate.Stars
}

// --- helpers ---

type providerDeliverBody struct {
	RFPID        string         `json:"rfp_id"`
	AssignmentID string         `json:"assignment_id"`
	Requirements map[string]any `json:"requirements,omitempty"`
}

func findBid(bids []*market.Bid, bidID string) *market.Bid {
	for _, b := range bids {
		if b.BidID == bidID {
			return b
		}
	}
	return nil
}

func kindForRegistryError(err error) ErrorKind {
	switch {
	case errors.Is(err, registryclient.ErrUnavailable):
		return ErrorUpstreamUnavailable
	default:
		return ErrorValidation
	}
}

func failure(kind ErrorKind, signature, reason string) *Result {
	return &Result{OK: false, ErrorKind: kind, Signature: signature, Reason: reason}
}

func failureRFP(kind ErrorKind, rfpID string, totalBids int, reason string) *Result {
	return &Result{OK: false, ErrorKind: kind, RFPID: rfpID, TotalBids: totalBids, Reason: reason}
}
