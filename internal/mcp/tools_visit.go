package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"visitrelay/internal/status"
	"visitrelay/internal/visit"
)

func (s *Server) registerVisitTools() {
	s.mcp.AddTool(mcp.NewTool("build_visit_payload",
		mcp.WithDescription(`Build the routing visit payload for one source record. The record is a JSON object of source columns; child rows go under "items" or "rows". Keys come back in the fixed payload order. Nothing is sent.`),
		mcp.WithString("recordJSON", mcp.Description("Source record as a JSON object"), mcp.Required()),
		mcp.WithBoolean("compact", mcp.Description("Drop null fields, as the routing client does before sending")),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleBuildVisitPayload)

	s.mcp.AddTool(mcp.NewTool("classify_record",
		mcp.WithDescription("Classify a source record: visit category, visit type tag, and whether the view or record type marked it as a delivery. Also reports the classifier rule version and the delivery tags it knows."),
		mcp.WithString("recordJSON", mcp.Description("Source record as a JSON object"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleClassifyRecord)

	s.mcp.AddTool(mcp.NewTool("map_status_callback",
		mcp.WithDescription("Map a routing visit callback (one object or an array) to the status rows the webhook would store. Nothing is written."),
		mcp.WithString("callbackJSON", mcp.Description("Callback body as JSON"), mcp.Required()),
		mcp.WithToolAnnotation(mcp.ToolAnnotation{ReadOnlyHint: boolPtr(true)}),
	), s.handleMapStatusCallback)
}

func (s *Server) recordArg(req mcp.CallToolRequest) (visit.SourceRecord, error) {
	var rec map[string]any
	if err := decodeArg(req.GetArguments(), "recordJSON", &rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errors.New("recordJSON must be a JSON object")
	}
	return visit.SourceRecord(rec), nil
}

func (s *Server) handleBuildVisitPayload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rec, err := s.recordArg(req)
	if err != nil {
		return nil, err
	}
	p := s.builder.Build(rec)
	if req.GetBool("compact", false) {
		p = p.Compact()
	}
	return jsonResult(p)
}

func (s *Server) handleClassifyRecord(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rec, err := s.recordArg(req)
	if err != nil {
		return nil, err
	}
	return jsonResult(classifyResult{
		Classification: s.builder.Classify(rec),
		RulesVersion:   visit.RulesVersion,
		DeliveryTags:   visit.DeliveryTags(),
	})
}

// classifyResult reports the verdict with the rule set that produced it.
type classifyResult struct {
	visit.Classification
	RulesVersion string   `json:"rulesVersion"`
	DeliveryTags []string `json:"deliveryTags"`
}

// mappedCallback is one callback with its status row or the reason it
// would be skipped.
type mappedCallback struct {
	Event   *status.Event `json:"event,omitempty"`
	Skipped string        `json:"skipped,omitempty"`
}

func (s *Server) handleMapStatusCallback(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var raw json.RawMessage
	if err := decodeArg(req.GetArguments(), "callbackJSON", &raw); err != nil {
		return nil, err
	}
	callbacks, err := status.DecodeCallbacks(raw)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]mappedCallback, 0, len(callbacks))
	for _, cb := range callbacks {
		ev, err := status.Map(cb, now)
		if err != nil {
			out = append(out, mappedCallback{Skipped: err.Error()})
			continue
		}
		out = append(out, mappedCallback{Event: &ev})
	}
	return jsonResult(out)
}

// fieldList is the payload key set with each key's value class.
func fieldList() []map[string]string {
	fields := visit.Fields()
	out := make([]map[string]string, len(fields))
	for i, f := range fields {
		out[i] = map[string]string{"name": f.Name, "class": f.Class.String()}
	}
	return out
}
