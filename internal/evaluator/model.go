package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/thisissamridh/mesh/internal/market"
)

// Model is a BidEvaluator backed by an external language model speaking the
// messages API. Callers should wrap it with WithFallback: the marketplace
// must keep working when the model is down.
type Model struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewModel creates a model-backed evaluator.
func NewModel(baseURL, apiKey, model string) *Model {
	return &Model{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
	}
}

const rankPromptTemplate = `You are evaluating service provider bids for this task: %q (task type %s).

The requester will pay at most %s USDC. Provider reputations are 0-5 star means.

Bids received:
%s

For each bid decide ACCEPT or REJECT with reasoning, pick one winner, and
return ONLY this JSON:
{
  "winner_bid_id": "bid_xxx",
  "verdicts": [{"bid_id": "bid_xxx", "accept": true, "reason": "..."}],
  "confidence": 0.0,
  "analysis": "summary of the decision"
}

Consider price against quality, reputation and past performance, and promised
delivery speed. Be selective.`

const ratePromptTemplate = `You just received a paid service response. Evaluate the provider.

Service response:
%s

Delivery latency: %d ms. The provider promised %d ms at %s USDC.

Return ONLY this JSON:
{"stars": 4, "review": "one or two sentences"}

Stars are 1-5 integers judging data quality, speed, and value for price.`

// Rank asks the model to pick a winner among the bids.
func (m *Model) Rank(ctx context.Context, rfp *market.RFP, bids []*market.Bid, reputations map[string]float64) (*RankResult, error) {
	if len(bids) == 0 {
		return nil, ErrNoBids
	}

	type bidView struct {
		BidID           string  `json:"bid_id"`
		Bidder          string  `json:"bidder_agent_id"`
		PriceUSDC       string  `json:"bid_price_usdc"`
		EstimatedMS     int64   `json:"estimated_completion_ms"`
		Reputation      float64 `json:"reputation"`
		ConfidenceScore float64 `json:"confidence_score"`
		Message         string  `json:"message,omitempty"`
	}
	views := make([]bidView, len(bids))
	for i, b := range bids {
		rep := b.ReputationScore
		if r, ok := reputations[b.BidderAgentID]; ok {
			rep = r
		}
		views[i] = bidView{
			BidID:           b.BidID,
			Bidder:          b.BidderAgentID,
			PriceUSDC:       b.BidPriceUSDC,
			EstimatedMS:     b.EstimatedCompletionMS,
			Reputation:      rep,
			ConfidenceScore: b.ConfidenceScore,
			Message:         b.Message,
		}
	}
	bidJSON, _ := json.MarshalIndent(views, "", "  ")

	prompt := fmt.Sprintf(rankPromptTemplate, rfp.Description, rfp.TaskType, rfp.MaxBudgetUSDC, bidJSON)

	text, err := m.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var result RankResult
	if err := json.Unmarshal(extractJSON(text), &result); err != nil {
		return nil, fmt.Errorf("evaluator: unparsable model ranking: %w", err)
	}
	if result.WinnerBidID == "" {
		return nil, errors.New("evaluator: model returned no winner")
	}

	// The winner must be a real bid; hallucinated IDs fail over to the
	// deterministic evaluator.
	known := false
	for _, b := range bids {
		if b.BidID == result.WinnerBidID {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("evaluator: model selected unknown bid %s", result.WinnerBidID)
	}

	return &result, nil
}

// Rate asks the model to star-rate a delivered service.
func (m *Model) Rate(ctx context.Context, serviceResult []byte, latencyMS int64, bid *market.Bid) (*RateResult, error) {
	estimated := int64(0)
	price := "unknown"
	if bid != nil {
		estimated = bid.EstimatedCompletionMS
		price = bid.BidPriceUSDC
	}

	prompt := fmt.Sprintf(ratePromptTemplate, truncate(string(serviceResult), 4000), latencyMS, estimated, price)

	text, err := m.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var result RateResult
	if err := json.Unmarshal(extractJSON(text), &result); err != nil {
		return nil, fmt.Errorf("evaluator: unparsable model rating: %w", err)
	}
	if result.Stars < 1 || result.Stars > 5 {
		return nil, fmt.Errorf("evaluator: model rating %d out of range", result.Stars)
	}

	return &result, nil
}

// DecideBid asks the model whether a provider should bid and at what price.
func (m *Model) DecideBid(ctx context.Context, rfp *market.RFP, basePriceUSDC string) (*BidDecision, error) {
	prompt := fmt.Sprintf(`A marketplace RFP asks for %q (task type %s) with a maximum budget of %s USDC.
Your list price for this service is %s USDC.

Decide whether to bid. Return ONLY this JSON:
{"bid": true, "price_usdc": "0.0001", "estimated_ms": 500, "confidence": 0.9, "message": "pitch"}

Bid competitively but never below cost; decline when the budget is below your list price.`,
		rfp.Description, rfp.TaskType, rfp.MaxBudgetUSDC, basePriceUSDC)

	text, err := m.complete(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var decision BidDecision
	if err := json.Unmarshal(extractJSON(text), &decision); err != nil {
		return nil, fmt.Errorf("evaluator: unparsable model bid decision: %w", err)
	}
	return &decision, nil
}

// complete performs one messages-API call and returns the text content.
func (m *Model) complete(ctx context.Context, prompt string) (string, error) {
	body := map[string]any{
		"model":      m.model,
		"max_tokens": 1024,
		"messages": []map[string]any{
			{"role": "user", "content": prompt},
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", m.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("evaluator: model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("evaluator: model returned %d: %s", resp.StatusCode, msg)
	}

	var out struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	if len(out.Content) == 0 {
		return "", errors.New("evaluator: model returned no content")
	}
	return out.Content[0].Text, nil
}

// extractJSON pulls a JSON object out of a model response that may wrap it
// in markdown fences or prose.
func extractJSON(text string) []byte {
	if idx := strings.Index(text, "```json"); idx >= 0 {
		rest := text[idx+len("```json"):]
		if end := strings.Index(rest, "```"); end >= 0 {
			return []byte(strings.TrimSpace(rest[:end]))
		}
	}
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		if end := strings.Index(rest, "```"); end >= 0 {
			return []byte(strings.TrimSpace(rest[:end]))
		}
	}
	if start := strings.Index(text, "{"); start >= 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			return []byte(text[start : end+1])
		}
	}
	return []byte(strings.TrimSpace(text))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
