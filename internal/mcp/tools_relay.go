package mcpserver

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"visitrelay/internal/etl"
)

func (s *Server) registerRelayTools() {
	s.mcp.AddTool(mcp.NewTool("list_relay_sources",
		mcp.WithDescription("List available relay source types with their configuration fields"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListRelaySources)

	s.mcp.AddTool(mcp.NewTool("preview_relay_source",
		mcp.WithDescription("Read a few records from a source and build their visit payloads without sending anything"),
		mcp.WithString("sourceType", mcp.Description("Source type (use list_relay_sources)"), mcp.Required()),
		mcp.WithString("sourceConfigJSON", mcp.Description("Source configuration as JSON"), mcp.Required()),
		mcp.WithNumber("maxRows", mcp.Description("Records to read (default 5)")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handlePreviewRelaySource)

	s.mcp.AddTool(mcp.NewTool("list_relay_jobs",
		mcp.WithDescription("List stored relay jobs with their trigger and last run status"),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListRelayJobs)

	s.mcp.AddTool(mcp.NewTool("run_relay_job",
		mcp.WithDescription("🛑 SENDS VISITS: run a relay job against the routing API. Requires user approval."),
		mcp.WithString("jobId", mcp.Description("Relay job ID or name"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{DestructiveHint: boolPtr(true)}),
	), s.handleRunRelayJob)

	s.mcp.AddTool(mcp.NewTool("list_run_logs",
		mcp.WithDescription("Latest run logs of a relay job, newest first"),
		mcp.WithString("jobId", mcp.Description("Relay job ID or name"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleListRunLogs)
}

func (s *Server) handleListRelaySources(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(s.relay.ListSources())
}

func (s *Server) handlePreviewRelaySource(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sourceType := req.GetString("sourceType", "")
	if sourceType == "" {
		return nil, errors.New("sourceType is required")
	}
	var cfg etl.SourceConfig
	if err := decodeArg(req.GetArguments(), "sourceConfigJSON", &cfg); err != nil {
		return nil, err
	}

	preview, err := s.relay.PreviewSource(ctx, sourceType, cfg, req.GetInt("maxRows", 5))
	if err != nil {
		return nil, fmt.Errorf("preview source: %w", err)
	}
	return jsonResult(preview)
}

func (s *Server) handleListRelayJobs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	jobs, err := s.relay.ListJobs()
	if err != nil {
		return nil, err
	}
	return jsonResult(jobs)
}

func (s *Server) handleRunRelayJob(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("jobId", "")
	if ref == "" {
		return nil, errors.New("jobId is required")
	}
	job, err := s.relay.FindJob(ref)
	if err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("Run relay job %q (%s → %s): sends visits to the routing API", job.Name, job.SourceType, job.DestType)
	meta, _ := marshalJSON(map[string]string{"jobId": job.ID, "name": job.Name})
	if err := s.approval.Request(ctx, "run_relay_job", desc, string(meta)); err != nil {
		return textResult("Action rejected: " + err.Error()), nil
	}

	result, err := s.relay.RunJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("run relay job: %w", err)
	}
	return jsonResult(result)
}

func (s *Server) handleListRunLogs(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref := req.GetString("jobId", "")
	if ref == "" {
		return nil, errors.New("jobId is required")
	}
	job, err := s.relay.FindJob(ref)
	if err != nil {
		return nil, err
	}
	logs, err := s.relay.ListRunLogs(job.ID)
	if err != nil {
		return nil, err
	}
	return jsonResult(logs)
}
