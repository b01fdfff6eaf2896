package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/matteram/ensemble/internal/engine"
	"github.com/matteram/ensemble/internal/hub"
	"github.com/matteram/ensemble/internal/store"
)

// EnsembleServerDeps holds the dependencies for creating an EnsembleServer.
type EnsembleServerDeps struct {
	Executor *engine.Executor
	Store    store.Store
	EventLog *store.EventLog
	Hub      *hub.Hub
	Logger   *slog.Logger
}

// EnsembleServer wraps an MCP server with ensemble-specific tool handlers,
// giving agent clients the same workflow surface the HTTP API exposes.
type EnsembleServer struct {
	executor  *engine.Executor
	store     store.Store
	eventLog  *store.EventLog
	hub       *hub.Hub
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewEnsembleServer creates an EnsembleServer with all tools registered.
func NewEnsembleServer(deps EnsembleServerDeps) *EnsembleServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &EnsembleServer{
		executor: deps.Executor,
		store:    deps.Store,
		eventLog: deps.EventLog,
		hub:      deps.Hub,
		sessions: NewSessionRegistry(),
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"ensemble",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Ensemble executes agent workflows and streams their progress. Use ensemble.execute to run a workflow, ensemble.cancel to request cooperative cancellation, ensemble.status for a run's state and steps, ensemble.history for a chat transcript, ensemble.query to list runs or replay event logs, and ensemble.subscribe to receive a room's live step notifications."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *EnsembleServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *EnsembleServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *EnsembleServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: subscribeTool(), Handler: s.handleSubscribe},
	}
}

// --- Tool definitions ---

func executeTool() mcp.Tool {
	return mcp.NewTool("ensemble.execute",
		mcp.WithDescription("Execute a workflow and wait for its textual result"),
		mcp.WithString("request", mcp.Required(), mcp.Description("The task the workflow should carry out")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID (generated when omitted)")),
		mcp.WithString("project_id", mcp.Description("Room key for progress broadcasting")),
		mcp.WithString("chat_id", mcp.Description("Chat the workflow belongs to; enables transcript history")),
		mcp.WithString("message_id", mcp.Description("ID of the triggering chat message")),
		mcp.WithNumber("deadline_seconds", mcp.Description("Wall-clock limit for the run (default 600)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("ensemble.cancel",
		mcp.WithDescription("Request cooperative cancellation of a running workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to cancel")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("ensemble.status",
		mcp.WithDescription("Get a workflow run's state and its emitted steps"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to query")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("ensemble.history",
		mcp.WithDescription("Fetch a chat's transcript in chronological order"),
		mcp.WithString("chat_id", mcp.Required(), mcp.Description("Chat to fetch")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default 20)")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("ensemble.query",
		mcp.WithDescription("Query workflow runs or replay a workflow's event log"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("runs", "events"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, room, chat_id, limit, workflow_id, since)")),
	)
}

func subscribeTool() mcp.Tool {
	return mcp.NewTool("ensemble.subscribe",
		mcp.WithDescription("Subscribe this session to a room's live workflow notifications"),
		mcp.WithString("room", mcp.Required(), mcp.Description("Room key to join")),
		mcp.WithString("client_id", mcp.Required(), mcp.Description("Stable identifier for this client")),
	)
}
