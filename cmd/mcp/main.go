// Mesh MCP server - exposes the marketplace as MCP tools for LLM agents
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/thisissamridh/mesh/internal/mcpserver"
)

func main() {
	cfg := mcpserver.Config{
		RegistryURL: envOrDefault("REGISTRY_URL", "http://localhost:8080"),
		AgentID:     os.Getenv("AGENT_ID"),
	}

	if cfg.AgentID == "" {
		fmt.Fprintln(os.Stderr, "AGENT_ID is required")
		os.Exit(1)
	}

	s := mcpserver.NewMCPServer(cfg)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
