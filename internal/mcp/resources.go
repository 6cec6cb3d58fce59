package mcpserver

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerResources() {
	// ── relay://fields ─────────────────────────────────
	s.mcp.AddResource(mcp.NewResource(
		"relay://fields",
		"Visit payload fields",
		mcp.WithResourceDescription("Payload keys in wire order with their value class"),
		mcp.WithMIMEType("application/json"),
	), s.handleFieldsResource)

	// ── relay://health ─────────────────────────────────
	if s.relay != nil {
		s.mcp.AddResource(mcp.NewResource(
			"relay://health",
			"Relay health",
			mcp.WithResourceDescription("Delivery counters and recent events of this process"),
			mcp.WithMIMEType("application/json"),
		), s.handleHealthResource)
	}
}

func (s *Server) handleFieldsResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(req.Params.URI, fieldList())
}

func (s *Server) handleHealthResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	snap := s.relay.Health().Snapshot()
	snap.Running = s.relay.Running()
	return jsonResource(req.Params.URI, snap)
}

func jsonResource(uri string, v any) ([]mcp.ResourceContents, error) {
	data, err := marshalJSON(v)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
