package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/matteram/ensemble/internal/store"
	"github.com/matteram/ensemble/pkg/schema"
)

// handleExecute runs a workflow synchronously and returns its result.
func (s *EnsembleServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	request, err := req.RequireString("request")
	if err != nil {
		return mcp.NewToolResultError("request is required"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	if workflowID == "" {
		workflowID = uuid.New().String()
	}
	metadata := map[string]string{}
	for _, key := range []string{"project_id", "chat_id", "message_id"} {
		if v := req.GetString(key, ""); v != "" {
			metadata[key] = v
		}
	}
	deadline := time.Duration(req.GetInt("deadline_seconds", 0)) * time.Second

	now := time.Now().UTC()
	run := &store.WorkflowRun{
		ID:        workflowID,
		ChatID:    metadata["chat_id"],
		RoomKey:   metadata["project_id"],
		Request:   request,
		Status:    schema.RunStatusRunning,
		Metadata:  metadata,
		CreatedAt: now,
		StartedAt: &now,
	}
	if createErr := s.store.CreateRun(ctx, run); createErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create run: %v", createErr)), nil
	}

	result, execErr := s.executor.Execute(ctx, workflowID, request, metadata, deadline)

	status := schema.RunStatusCompleted
	switch {
	case execErr == nil:
	case isErrorCode(execErr, schema.ErrCodeTimeout):
		status = schema.RunStatusTimedOut
	case isErrorCode(execErr, schema.ErrCodeCancelled):
		status = schema.RunStatusCancelled
	default:
		status = schema.RunStatusFailed
	}
	s.finalizeRun(ctx, workflowID, status, result)

	if execErr != nil {
		return mcp.NewToolResultError(execErr.Error()), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"status":      status,
		"result":      result,
	})
}

// handleCancel flags a workflow for cooperative cancellation.
func (s *EnsembleServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	s.executor.RequestCancel(workflowID)
	return marshalResult(map[string]any{
		"workflow_id": workflowID,
		"status":      "cancellation_requested",
	})
}

// handleStatus returns the run row plus its persisted steps.
func (s *EnsembleServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	run, runErr := s.store.GetRun(ctx, workflowID)
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", runErr)), nil
	}
	steps, stepsErr := s.store.ListSteps(ctx, workflowID)
	if stepsErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", stepsErr)), nil
	}
	return marshalResult(map[string]any{
		"run":   run,
		"steps": steps,
	})
}

// handleHistory returns a chat transcript, oldest first.
func (s *EnsembleServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	chatID, err := req.RequireString("chat_id")
	if err != nil {
		return mcp.NewToolResultError("chat_id is required"), nil
	}
	limit := req.GetInt("limit", 20)

	messages, listErr := s.store.ListMessages(ctx, chatID, limit)
	if listErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", listErr)), nil
	}
	return marshalResult(map[string]any{"messages": messages})
}

// handleQuery lists runs or replays event logs based on filters.
func (s *EnsembleServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "runs":
		return s.queryRuns(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// handleSubscribe joins the calling MCP session to a broadcast room. Step and
// error messages for the room are pushed as notifications until the session
// drops or unsubscribes by disconnecting.
func (s *EnsembleServer) handleSubscribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	room, err := req.RequireString("room")
	if err != nil {
		return mcp.NewToolResultError("room is required"), nil
	}
	clientID, err := req.RequireString("client_id")
	if err != nil {
		return mcp.NewToolResultError("client_id is required"), nil
	}

	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return mcp.NewToolResultError("no active MCP session"), nil
	}
	s.sessions.Register(clientID, session.SessionID())

	conn := newNotifierConn(s.mcpServer, s.sessions, clientID)
	s.hub.Join(room, conn)
	s.logger.Info("mcp client subscribed",
		slog.String("room", room),
		slog.String("client_id", clientID))

	return marshalResult(map[string]any{
		"ok":      true,
		"room":    room,
		"conn_id": conn.ID(),
	})
}

// --- Query helpers ---

func (s *EnsembleServer) queryRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.RunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok {
		rf.Status = schema.RunStatus(status)
	}
	if room, ok := filter["room"].(string); ok {
		rf.RoomKey = room
	}
	if chatID, ok := filter["chat_id"].(string); ok {
		rf.ChatID = chatID
	}

	runs, err := s.store.ListRuns(ctx, rf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"runs": runs})
}

func (s *EnsembleServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	workflowID, ok := filter["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("event query requires 'workflow_id' in filter"), nil
	}
	since := int64(extractInt(filter, "since", 0))

	events, err := s.eventLog.GetEvents(ctx, workflowID, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

// --- Internal helpers ---

// finalizeRun persists the terminal status best-effort.
func (s *EnsembleServer) finalizeRun(ctx context.Context, workflowID string, status schema.RunStatus, result string) {
	finished := time.Now().UTC()
	update := store.RunUpdate{Status: &status, FinishedAt: &finished}
	if result != "" {
		update.Result = &result
	}
	if err := s.store.UpdateRun(ctx, workflowID, update); err != nil {
		s.logger.Warn("finalize run failed",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()))
	}
}

func isErrorCode(err error, code string) bool {
	var se *schema.Error
	return errors.As(err, &se) && se.Code == code
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

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
