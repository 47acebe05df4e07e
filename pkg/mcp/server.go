package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/streaming"
)

// StepflowServerDeps holds the dependencies for creating a StepflowServer.
type StepflowServerDeps struct {
	Engine *engine.Engine
	Hub    streaming.Hub
	Logger *slog.Logger
}

// StepflowServer wraps an MCP server with run-engine tool handlers.
type StepflowServer struct {
	engine    *engine.Engine
	hub       streaming.Hub
	logger    *slog.Logger
	sessions  *SessionRegistry
	notifier  RunNotifier
	mcpServer *server.MCPServer
}

// NewStepflowServer creates a new StepflowServer with all 5 tools registered.
func NewStepflowServer(deps StepflowServerDeps) *StepflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &StepflowServer{
		engine:   deps.Engine,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow is a durable workflow run engine. Use stepflow.start to execute a registered workflow, stepflow.status to inspect a run, stepflow.resume to continue a suspended run, stepflow.send_event to deliver an event a run is waiting for, and stepflow.runs to list persisted runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Terminal run transitions are pushed back to the session
// that started or resumed the run.
func (s *StepflowServer) Serve(ctx context.Context) error {
	if s.hub != nil {
		go s.notifyLoop(ctx)
	}
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *StepflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// notifyLoop forwards terminal run events to watching sessions.
func (s *StepflowServer) notifyLoop(ctx context.Context) {
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		s.logger.Error("notification subscription failed", slog.String("error", err.Error()))
		return
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !ev.TerminalRun() {
				continue
			}
			payload := map[string]any{
				"run_id":      ev.RunID,
				"workflow_id": ev.WorkflowID,
				"type":        ev.Type,
				"status":      ev.Status,
			}
			if err := s.notifier.Notify(ctx, ev.RunID, payload); err != nil {
				s.logger.Warn("run notification failed",
					slog.String("run_id", ev.RunID),
					slog.String("error", err.Error()),
				)
			}
			s.sessions.Forget(ev.RunID)
		}
	}
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *StepflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: sendEventTool(), Handler: s.handleSendEvent},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: runsTool(), Handler: s.handleRuns},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("stepflow.start",
		mcp.WithDescription("Create and execute a run of a registered workflow, waiting until it finishes or suspends"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the registered workflow")),
		mcp.WithString("run_id", mcp.Description("Run ID to use (default: generated)")),
		mcp.WithString("resource_id", mcp.Description("Opaque resource tag stored on the run")),
		mcp.WithObject("input", mcp.Description("Input document for the run")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepflow.resume",
		mcp.WithDescription("Resume a suspended run at a specific step path"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the suspended run")),
		mcp.WithString("step", mcp.Required(), mcp.Description("Path of the suspended node to resume")),
		mcp.WithObject("resume_data", mcp.Description("Data handed to the resumed step")),
	)
}

func sendEventTool() mcp.Tool {
	return mcp.NewTool("stepflow.send_event",
		mcp.WithDescription("Deliver a named event to a run waiting on it. Unmatched events are dropped"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the target run")),
		mcp.WithString("event", mcp.Required(), mcp.Description("Event name the run is waiting for")),
		mcp.WithObject("data", mcp.Description("Event payload")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepflow.status",
		mcp.WithDescription("Get the persisted snapshot of a run"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to inspect")),
	)
}

func runsTool() mcp.Tool {
	return mcp.NewTool("stepflow.runs",
		mcp.WithDescription("List persisted runs of a workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, resource_id, since, limit, offset)")),
	)
}
