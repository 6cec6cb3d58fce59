package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	s.mcp.AddPrompt(mcp.NewPrompt("check_source_view",
		mcp.WithPromptDescription("Check that a source view builds valid visit payloads before scheduling it"),
		mcp.WithArgument("view",
			mcp.ArgumentDescription("Source view or collection name"),
			mcp.RequiredArgument(),
		),
	), s.handleCheckSourceViewPrompt)

	s.mcp.AddPrompt(mcp.NewPrompt("triage_failed_run",
		mcp.WithPromptDescription("Find out why a relay job failed or skipped visits"),
		mcp.WithArgument("jobId",
			mcp.ArgumentDescription("Relay job ID or name"),
			mcp.RequiredArgument(),
		),
	), s.handleTriageFailedRunPrompt)
}

func (s *Server) handleCheckSourceViewPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	view := req.Params.Arguments["view"]
	return promptResult(fmt.Sprintf("Check source view %s", view), fmt.Sprintf(`Check that the source view "%s" produces routable visits:

1. Use list_relay_sources to pick the source type and its config fields.
2. Run preview_relay_source with views set to "%s" and maxRows 5.
3. For each payload, confirm title, address and planned_date are present, and that deliveries carry a reference made of protocol and prescription.
4. If a record looks misclassified, run classify_record on it and explain which column drove the category.

Do not run any relay job.`, view, view)), nil
}

func (s *Server) handleTriageFailedRunPrompt(ctx context.Context, req mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
	jobID := req.Params.Arguments["jobId"]
	return promptResult(fmt.Sprintf("Triage relay job %s", jobID), fmt.Sprintf(`Relay job "%s" did not deliver what was expected.

1. Use list_run_logs for the job and compare rowsRead, rowsBuilt, rowsSkipped and rowsWritten across runs.
2. Read relay://health for recent errors.
3. Preview the job source with preview_relay_source and look for payloads missing required fields.
4. Summarize the likely cause and the fix. Only call run_relay_job if the user asks for it.`, jobID)), nil
}

func promptResult(description, text string) *mcp.GetPromptResult {
	return &mcp.GetPromptResult{
		Description: description,
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.TextContent{Type: "text", Text: text},
			},
		},
	}
}
