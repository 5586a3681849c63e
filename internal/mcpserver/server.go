// Package mcpserver exposes the mesh marketplace as MCP tools so LLM-driven
// agents can discover providers, broadcast RFPs, and award work.
package mcpserver

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/thisissamridh/mesh/internal/registryclient"
)

// Config holds the connection settings for the MCP server.
type Config struct {
	RegistryURL string // e.g. "http://localhost:8080"
	AgentID     string // the agent this MCP session acts as
}

// NewMCPServer creates a configured MCP server with all mesh tools registered.
func NewMCPServer(cfg Config) *server.MCPServer {
	s := server.NewMCPServer("mesh", "0.1.0")
	client := registryclient.New(cfg.RegistryURL)
	h := NewHandlers(client, cfg.AgentID)

	s.AddTool(ToolDiscoverAgents, h.HandleDiscoverAgents)
	s.AddTool(ToolListOpenRFPs, h.HandleListOpenRFPs)
	s.AddTool(ToolCreateRFP, h.HandleCreateRFP)
	s.AddTool(ToolListBids, h.HandleListBids)
	s.AddTool(ToolSelectWinner, h.HandleSelectWinner)
	s.AddTool(ToolGetReputation, h.HandleGetReputation)
	s.AddTool(ToolGetStats, h.HandleGetStats)

	return s
}
