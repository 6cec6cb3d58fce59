// Package mcpserver exposes the visit builder and the relay jobs as MCP
// tools over stdio.
package mcpserver

import (
	"context"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"visitrelay/internal/service"
	"visitrelay/internal/storage"
	"visitrelay/internal/visit"
)

// Server is the MCP server for the relay.
type Server struct {
	mcp      *server.MCPServer
	approval *ApprovalQueue
	relay    *service.RelayService
	builder  *visit.Builder
	log      *zap.Logger
}

// Deps holds what the server needs. Approvals enables cross-process
// approval through the state database.
type Deps struct {
	Relay     *service.RelayService
	Builder   *visit.Builder
	Approvals *storage.ApprovalStore
	Emitter   EventEmitter
	Logger    *zap.Logger
	Version   string
}

// New creates and configures a new MCP server with all tools and resources.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Builder == nil {
		deps.Builder = visit.NewBuilder(visit.DefaultConfig())
	}
	if deps.Version == "" {
		deps.Version = "dev"
	}
	log := deps.Logger.Named("mcp")
	s := &Server{
		approval: NewApprovalQueue(deps.Approvals, deps.Emitter, log),
		relay:    deps.Relay,
		builder:  deps.Builder,
		log:      log,
	}

	s.mcp = server.NewMCPServer(
		"visitrelay",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
		server.WithPromptCapabilities(true),
	)

	s.registerVisitTools()
	if s.relay != nil {
		s.registerRelayTools()
	}
	s.registerResources()
	s.registerPrompts()
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *server.MCPServer { return s.mcp }

// Approvals returns the queue gating send tools.
func (s *Server) Approvals() *ApprovalQueue { return s.approval }

// ServeStdio serves on stdin/stdout until the client disconnects or ctx
// is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.log.Info("starting stdio server")
	stdio := server.NewStdioServer(s.mcp)
	stdio.SetErrorLogger(zap.NewStdLog(s.log))
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := marshalJSON(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return textResult(string(data)), nil
}
