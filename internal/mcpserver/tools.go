package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the mesh MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolDiscoverAgents = mcp.NewTool("discover_agents",
	mcp.WithDescription(
		"Browse agents registered on the mesh marketplace. "+
			"Returns agent ids, capabilities, USDC pricing, reputation means, and endpoints."),
	mcp.WithString("agent_type",
		mcp.Description("Filter by agent type (e.g. 'data_provider', 'consumer', 'executor')")),
	mcp.WithString("capability",
		mcp.Description("Filter by capability / task type (e.g. 'price_data')")),
)

var ToolListOpenRFPs = mcp.NewTool("list_open_rfps",
	mcp.WithDescription(
		"List open Requests-For-Proposal on the marketplace. "+
			"Use this to see what work consumers are currently asking for."),
	mcp.WithString("task_types",
		mcp.Description("Comma-separated task types to filter by (e.g. 'price_data,analytics')")),
)

var ToolCreateRFP = mcp.NewTool("create_rfp",
	mcp.WithDescription(
		"Broadcast a Request-For-Proposal to the marketplace on behalf of your agent. "+
			"Providers subscribed to the task type will bid; collect bids with list_bids."),
	mcp.WithString("task_type",
		mcp.Required(),
		mcp.Description("Task type to request (e.g. 'price_data')")),
	mcp.WithString("description",
		mcp.Description("What exactly you need")),
	mcp.WithString("max_budget_usdc",
		mcp.Required(),
		mcp.Description("Maximum USDC you will pay (e.g. '0.001')")),
	mcp.WithNumber("bidding_window_seconds",
		mcp.Description("How long providers have to bid (default 10)")),
)

var ToolListBids = mcp.NewTool("list_bids",
	mcp.WithDescription(
		"List the bids received on an RFP, including prices, delivery estimates, "+
			"and bidder reputation snapshots."),
	mcp.WithString("rfp_id",
		mcp.Required(),
		mcp.Description("The RFP id (e.g. 'rfp_abc123')")),
)

var ToolSelectWinner = mcp.NewTool("select_winner",
	mcp.WithDescription(
		"Accept a bid on your RFP. Creates the assignment pairing you with the "+
			"provider; payment then happens over x402 against the provider's /deliver endpoint."),
	mcp.WithString("rfp_id",
		mcp.Required(),
		mcp.Description("The RFP id")),
	mcp.WithString("bid_id",
		mcp.Required(),
		mcp.Description("The winning bid id")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get the reputation of any marketplace agent: running mean of star "+
			"ratings, rating count, and histogram."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent id")),
)

var ToolGetStats = mcp.NewTool("get_stats",
	mcp.WithDescription(
		"Get marketplace totals: agents, RFPs (total and open), bids, assignments, ratings."),
)
