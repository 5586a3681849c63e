package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/thisissamridh/mesh/internal/market"
	"github.com/thisissamridh/mesh/internal/registryclient"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client  *registryclient.Client
	agentID string
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *registryclient.Client, agentID string) *Handlers {
	return &Handlers{client: client, agentID: agentID}
}

// HandleDiscoverAgents browses registered agents.
func (h *Handlers) HandleDiscoverAgents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentType := req.GetString("agent_type", "")
	capability := req.GetString("capability", "")

	agents, err := h.client.ListAgents(ctx, agentType, capability)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list agents: %v", err)), nil
	}
	if len(agents) == 0 {
		return mcp.NewToolResultText("No agents matched the filters."), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d agents:\n", len(agents))
	for _, a := range agents {
		fmt.Fprintf(&b, "- %s (%s) caps=%s reputation=%.2f tasks=%d endpoint=%s\n",
			a.AgentID, a.AgentType, strings.Join(a.Capabilities, ","),
			a.Reputation, a.TotalTasks, a.EndpointURL)
	}
	return mcp.NewToolResultText(b.String()), nil
}

// HandleListOpenRFPs lists open RFPs.
func (h *Handlers) HandleListOpenRFPs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var taskTypes []string
	if raw := req.GetString("task_types", ""); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				taskTypes = append(taskTypes, t)
			}
		}
	}

	rfps, err := h.client.ListOpenRFPs(ctx, taskTypes)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list RFPs: %v", err)), nil
	}
	return jsonResult(map[string]any{"rfps": rfps, "count": len(rfps)})
}

// HandleCreateRFP broadcasts an RFP as the configured agent.
func (h *Handlers) HandleCreateRFP(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskType := req.GetString("task_type", "")
	budget := req.GetString("max_budget_usdc", "")
	if taskType == "" || budget == "" {
		return mcp.NewToolResultError("task_type and max_budget_usdc are required"), nil
	}

	window := req.GetInt("bidding_window_seconds", 10)
	rfp, err := h.client.CreateRFP(ctx, market.CreateRFPRequest{
		RequesterAgentID:     h.agentID,
		TaskType:             taskType,
		Description:          req.GetString("description", ""),
		MaxBudgetUSDC:        budget,
		BiddingWindowSeconds: window,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create RFP: %v", err)), nil
	}
	return jsonResult(rfp)
}

// HandleListBids lists bids on an RFP.
func (h *Handlers) HandleListBids(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rfpID := req.GetString("rfp_id", "")
	if rfpID == "" {
		return mcp.NewToolResultError("rfp_id is required"), nil
	}

	bids, err := h.client.ListBids(ctx, rfpID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list bids: %v", err)), nil
	}
	return jsonResult(map[string]any{"bids": bids, "count": len(bids)})
}

// HandleSelectWinner awards an RFP to a bid.
func (h *Handlers) HandleSelectWinner(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rfpID := req.GetString("rfp_id", "")
	bidID := req.GetString("bid_id", "")
	if rfpID == "" || bidID == "" {
		return mcp.NewToolResultError("rfp_id and bid_id are required"), nil
	}

	assignment, err := h.client.SelectWinner(ctx, rfpID, market.SelectWinnerRequest{
		BidID:           bidID,
		SelectorAgentID: h.agentID,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to select winner: %v", err)), nil
	}
	return jsonResult(assignment)
}

// HandleGetReputation fetches an agent's reputation.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	score, err := h.client.Reputation(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"%s: mean %.2f stars over %d ratings (histogram 1★..5★ = %v)",
		score.AgentID, score.Mean, score.Count, score.Histogram)), nil
}

// HandleGetStats fetches marketplace totals.
func (h *Handlers) HandleGetStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agents, err := h.client.ListAgents(ctx, "", "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}
	rfps, err := h.client.ListOpenRFPs(ctx, nil)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get stats: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"marketplace: %d registered agents, %d open RFPs", len(agents), len(rfps))), nil
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
