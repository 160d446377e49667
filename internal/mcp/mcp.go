// Package mcp implements the Model Context Protocol server for Kansoku.
//
// The MCP server exposes the run synchronization API as MCP tools,
// resources, and prompts so MCP-compatible agents can read a topic's
// snapshot, start and steer runs, and talk to the pipeline agents.
package mcp

import (
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kansoku/internal/orchestrator"
	"github.com/ashita-ai/kansoku/internal/snapshot"
	"github.com/ashita-ai/kansoku/internal/storage"
)

// Server wraps the MCP server with Kansoku's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	store     storage.Store
	orch      *orchestrator.Orchestrator
	snapshots *snapshot.Builder
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources, and prompts.
func New(store storage.Store, orch *orchestrator.Orchestrator, snapshots *snapshot.Builder, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:     store,
		orch:      orch,
		snapshots: snapshots,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kansoku",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
