// Package registryclient is the typed HTTP client agents use to talk to
// the registry service.
package registryclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/thisissamridh/mesh/internal/market"
	"github.com/thisissamridh/mesh/internal/reputation"
)

var (
	ErrUnavailable = errors.New("registryclient: registry unavailable")
	ErrConflict    = errors.New("registryclient: conflict")
	ErrNotFound    = errors.New("registryclient: not found")
	ErrRejected    = errors.New("registryclient: request rejected")
)

// DefaultTimeout keeps polling snappy: a slow registry must not stall the
// provider loop.
const DefaultTimeout = 5 * time.Second

// Client talks to the registry HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a registry client.
func New(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// WithTimeout overrides the per-request timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.httpClient.Timeout = d
	return c
}

// Register registers (or re-registers) an agent.
func (c *Client) Register(ctx context.Context, req market.RegisterAgentRequest) (*market.Agent, error) {
	var agent market.Agent
	if err := c.post(ctx, "/agents/register", req, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// Subscribe subscribes an agent to a task type.
func (c *Client) Subscribe(ctx context.Context, agentID, taskType string) error {
	return c.post(ctx, "/agents/"+url.PathEscape(agentID)+"/subscribe",
		market.SubscribeRequest{TaskType: taskType}, nil)
}

// GetAgent fetches an agent record.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*market.Agent, error) {
	var agent market.Agent
	if err := c.get(ctx, "/agents/"+url.PathEscape(agentID), &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents lists agents matching the filters.
func (c *Client) ListAgents(ctx context.Context, agentType, capability string) ([]*market.Agent, error) {
	q := url.Values{}
	if agentType != "" {
		q.Set("agent_type", agentType)
	}
	if capability != "" {
		q.Set("capability", capability)
	}
	path := "/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Agents []*market.Agent `json:"agents"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// CreateRFP broadcasts an RFP.
func (c *Client) CreateRFP(ctx context.Context, req market.CreateRFPRequest) (*market.RFP, error) {
	var rfp market.RFP
	if err := c.post(ctx, "/rfp/create", req, &rfp); err != nil {
		return nil, err
	}
	return &rfp, nil
}

// ListOpenRFPs fetches open RFPs for the given task types.
func (c *Client) ListOpenRFPs(ctx context.Context, taskTypes []string) ([]*market.RFP, error) {
	path := "/rfp/open"
	if len(taskTypes) > 0 {
		path += "?task_types=" + url.QueryEscape(strings.Join(taskTypes, ","))
	}

	var out struct {
		RFPs []*market.RFP `json:"rfps"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.RFPs, nil
}

// SubmitBid places a bid on an RFP.
func (c *Client) SubmitBid(ctx context.Context, rfpID string, req market.SubmitBidRequest) (*market.Bid, error) {
	var bid market.Bid
	if err := c.post(ctx, "/rfp/"+url.PathEscape(rfpID)+"/bid", req, &bid); err != nil {
		return nil, err
	}
	return &bid, nil
}

// ListBids fetches the bids on an RFP.
func (c *Client) ListBids(ctx context.Context, rfpID string) ([]*market.Bid, error) {
	var out struct {
		Bids []*market.Bid `json:"bids"`
	}
	if err := c.get(ctx, "/rfp/"+url.PathEscape(rfpID)+"/bids", &out); err != nil {
		return nil, err
	}
	return out.Bids, nil
}

// SelectWinner accepts a bid and returns the created assignment.
func (c *Client) SelectWinner(ctx context.Context, rfpID string, req market.SelectWinnerRequest) (*market.Assignment, error) {
	var assignment market.Assignment
	if err := c.post(ctx, "/rfp/"+url.PathEscape(rfpID)+"/select", req, &assignment); err != nil {
		return nil, err
	}
	return &assignment, nil
}

// CancelRFP cancels an RFP.
func (c *Client) CancelRFP(ctx context.Context, rfpID string, req market.CancelRFPRequest) error {
	return c.post(ctx, "/rfp/"+url.PathEscape(rfpID)+"/cancel", req, nil)
}

// RecordDelivery posts the settlement signature for an assignment.
func (c *Client) RecordDelivery(ctx context.Context, assignmentID, txSignature string) error {
	return c.post(ctx, "/assignments/"+url.PathEscape(assignmentID)+"/delivery",
		market.RecordDeliveryRequest{TxSignature: txSignature}, nil)
}

// Rate submits a star rating for an agent.
func (c *Client) Rate(ctx context.Context, ratedAgentID string, req market.RateRequest) error {
	return c.post(ctx, "/agents/"+url.PathEscape(ratedAgentID)+"/rate", req, nil)
}

// Reputation fetches an agent's rating summary.
func (c *Client) Reputation(ctx context.Context, agentID string) (*reputation.Score, error) {
	var out struct {
		AgentID   string  `json:"agent_id"`
		Mean      float64 `json:"mean"`
		Count     int     `json:"count"`
		Histogram [5]int  `json:"histogram"`
	}
	if err := c.get(ctx, "/agents/"+url.PathEscape(agentID)+"/reputation", &out); err != nil {
		return nil, err
	}
	return &reputation.Score{
		AgentID:   out.AgentID,
		Mean:      out.Mean,
		Count:     out.Count,
		Histogram: out.Histogram,
	}, nil
}

// --- transport helpers ---

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.send(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.send(req, out)
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, body)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s", ErrConflict, body)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: registry returned %d: %s", ErrUnavailable, resp.StatusCode, body)
	default:
		return fmt.Errorf("%w: registry returned %d: %s", ErrRejected, resp.StatusCode, body)
	}
}
