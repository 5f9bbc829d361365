// Package mcp exposes the pipeline runtime over the Model Context
// Protocol, so MCP-compatible agents can launch skill runs, follow their
// progress and ground their inputs in the tenant knowledge pool without
// going through the REST API.
//
// The transport is mounted by the HTTP server behind the same JWT
// middleware as the REST routes; every handler resolves its tenant from
// the authenticated claims, never from tool arguments.
package mcp

import (
	"log/slog"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tsumugi/internal/knowledge"
	"github.com/ashita-ai/tsumugi/internal/ledger"
	"github.com/ashita-ai/tsumugi/internal/runner"
	"github.com/ashita-ai/tsumugi/internal/skill"
	"github.com/ashita-ai/tsumugi/internal/storage"
)

// inspectWindow is how long a get_run call counts as having inspected a
// run before resume_run nudges the caller to look again.
const inspectWindow = 10 * time.Minute

// Server wraps the mcp-go server with the runtime's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	runner    *runner.Service
	knowledge *knowledge.Service
	catalog   *skill.Catalog
	ledger    *ledger.Ledger
	inspects  *inspectTracker
	logger    *slog.Logger
}

// New creates an MCP server with all tools, resources and prompts
// registered.
func New(db *storage.DB, runnerSvc *runner.Service, knowledgeSvc *knowledge.Service, catalog *skill.Catalog, led *ledger.Ledger, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:        db,
		runner:    runnerSvc,
		knowledge: knowledgeSvc,
		catalog:   catalog,
		ledger:    led,
		inspects:  newInspectTracker(inspectWindow),
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tsumugi",
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

// errorResult wraps a user-facing failure in a tool error result. The
// handler still returns a nil Go error so the protocol layer does not
// treat it as a server fault.
func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
