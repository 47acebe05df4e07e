package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// handleStart creates a run and drives it to a terminal or suspended state.
func (s *StepflowServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	runID := req.GetString("run_id", "")
	resourceID := req.GetString("resource_id", "")

	input, inputErr := objectArg(req, "input")
	if inputErr != nil {
		return mcp.NewToolResultError(inputErr.Error()), nil
	}

	snap, createErr := s.engine.CreateRun(ctx, workflowID, runID, resourceID)
	if createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("create run failed: %v", createErr)), nil
	}

	s.captureSession(ctx, snap.RunID)

	result, startErr := s.engine.Start(ctx, workflowID, snap.RunID, input)
	if startErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run execution failed: %v", startErr)), nil
	}
	return marshalResult(result)
}

// handleResume re-enters a suspended run.
func (s *StepflowServer) handleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	step, err := req.RequireString("step")
	if err != nil {
		return mcp.NewToolResultError("step is required"), nil
	}

	resumeData, dataErr := objectArg(req, "resume_data")
	if dataErr != nil {
		return mcp.NewToolResultError(dataErr.Error()), nil
	}

	s.captureSession(ctx, runID)

	snap, resumeErr := s.engine.Resume(ctx, workflowID, runID, step, resumeData)
	if resumeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resume failed: %v", resumeErr)), nil
	}
	return marshalResult(snap)
}

// handleSendEvent delivers an event to a waiting run.
func (s *StepflowServer) handleSendEvent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}
	event, err := req.RequireString("event")
	if err != nil {
		return mcp.NewToolResultError("event is required"), nil
	}

	data, dataErr := objectArg(req, "data")
	if dataErr != nil {
		return mcp.NewToolResultError(dataErr.Error()), nil
	}

	s.captureSession(ctx, runID)

	delivered, sendErr := s.engine.SendEvent(ctx, runID, event, data)
	if sendErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("send event failed: %v", sendErr)), nil
	}
	return marshalResult(map[string]any{
		"run_id":    runID,
		"event":     event,
		"delivered": delivered,
	})
}

// handleStatus returns the persisted snapshot of a run.
func (s *StepflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	runID, err := req.RequireString("run_id")
	if err != nil {
		return mcp.NewToolResultError("run_id is required"), nil
	}

	snap, getErr := s.engine.GetRun(ctx, workflowID, runID)
	if getErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", getErr)), nil
	}
	return marshalResult(snap)
}

// handleRuns lists persisted runs of a workflow.
func (s *StepflowServer) handleRuns(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	sf := store.SnapshotFilter{
		Limit:  extractInt(filter, "limit", 50),
		Offset: extractInt(filter, "offset", 0),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		rs := schema.RunStatus(status)
		sf.Status = &rs
	}
	if resourceID, ok := filter["resource_id"].(string); ok {
		sf.ResourceID = resourceID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, parseErr := time.Parse(time.RFC3339, since); parseErr == nil {
			sf.FromDate = &t
		}
	}

	runs, total, listErr := s.engine.ListRuns(ctx, workflowID, sf)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"runs": runs, "total": total})
}

// --- Internal helpers ---

// objectArg extracts an optional object argument as raw JSON.
func objectArg(req mcp.CallToolRequest, key string) (json.RawMessage, error) {
	obj := mcp.ParseStringMap(req, key, nil)
	if obj == nil {
		return nil, nil
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return raw, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the run ID to its current MCP session for notifications.
func (s *StepflowServer) captureSession(ctx context.Context, runID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(runID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
