package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/matteram/ensemble/internal/engine"
	"github.com/matteram/ensemble/internal/store"
	"github.com/matteram/ensemble/pkg/schema"
)

// maxRequestBody bounds inbound JSON bodies.
const maxRequestBody = 1 << 20

type executeRequest struct {
	WorkflowID      string            `json:"workflow_id,omitempty"`
	Request         string            `json:"request"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	DeadlineSeconds int               `json:"deadline_seconds,omitempty"`
}

type executeResponse struct {
	WorkflowID string           `json:"workflow_id"`
	Status     schema.RunStatus `json:"status"`
	Result     string           `json:"result,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// handleExecute runs a workflow synchronously and returns its result. Live
// progress flows through /ws and /sse/rooms/{room} while this request is
// in flight.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}
	if err := s.deps.Validator.ValidateExecuteRequest(raw); err != nil {
		writeSchemaError(w, err)
		return
	}

	var req executeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request: "+err.Error())
		return
	}

	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = uuid.New().String()
	}
	now := time.Now().UTC()
	run := &store.WorkflowRun{
		ID:        workflowID,
		ChatID:    req.Metadata["chat_id"],
		RoomKey:   req.Metadata["project_id"],
		Request:   req.Request,
		Status:    schema.RunStatusRunning,
		Metadata:  req.Metadata,
		CreatedAt: now,
		StartedAt: &now,
	}
	if err := s.deps.Store.CreateRun(ctx, run); err != nil {
		writeError(w, http.StatusInternalServerError, "create run: "+err.Error())
		return
	}

	// Record the triggering message so later runs in the chat see it as
	// history.
	if run.ChatID != "" {
		if err := s.deps.Store.SaveMessage(ctx, &store.ChatMessage{
			ChatID:    run.ChatID,
			MessageID: req.Metadata["message_id"],
			Role:      "user",
			Content:   req.Request,
		}); err != nil {
			s.deps.Logger.Warn("save trigger message failed",
				slog.String("workflow_id", workflowID),
				slog.String("error", err.Error()))
		}
	}

	deadline := time.Duration(req.DeadlineSeconds) * time.Second
	result, execErr := s.deps.Executor.Execute(ctx, workflowID, req.Request, req.Metadata, deadline)

	resp := executeResponse{WorkflowID: workflowID}
	switch {
	case execErr == nil:
		resp.Status = schema.RunStatusCompleted
		resp.Result = result
		if run.ChatID != "" {
			if err := s.deps.Store.SaveMessage(ctx, &store.ChatMessage{
				ChatID:  run.ChatID,
				Role:    "assistant",
				Content: result,
			}); err != nil {
				s.deps.Logger.Warn("save assistant message failed",
					slog.String("workflow_id", workflowID),
					slog.String("error", err.Error()))
			}
		}

	case isTimeout(execErr):
		resp.Status = schema.RunStatusTimedOut
		resp.Error = execErr.Error()

	case errors.Is(execErr, engine.ErrRunCancelled):
		resp.Status = schema.RunStatusCancelled
		resp.Error = execErr.Error()

	default:
		resp.Status = schema.RunStatusFailed
		resp.Error = execErr.Error()
	}

	s.finishRun(r, workflowID, resp)
	writeJSON(w, http.StatusOK, resp)
}

// finishRun persists the terminal run state best-effort.
func (s *Server) finishRun(r *http.Request, workflowID string, resp executeResponse) {
	finished := time.Now().UTC()
	update := store.RunUpdate{
		Status:     &resp.Status,
		FinishedAt: &finished,
	}
	if resp.Result != "" {
		update.Result = &resp.Result
	}
	if err := s.deps.Store.UpdateRun(r.Context(), workflowID, update); err != nil {
		s.deps.Logger.Warn("finalize run failed",
			slog.String("workflow_id", workflowID),
			slog.String("error", err.Error()))
	}
}

// handleCancel flags a workflow for cooperative cancellation. The flag is
// advisory: the run notices it at its next poll point.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	s.deps.Executor.RequestCancel(workflowID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"workflow_id": workflowID,
		"status":      "cancellation_requested",
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workflowID := r.PathValue("id")

	run, err := s.deps.Store.GetRun(ctx, workflowID)
	if err != nil {
		writeSchemaError(w, err)
		return
	}
	steps, err := s.deps.Store.ListSteps(ctx, workflowID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list steps: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run":   run,
		"steps": steps,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{
		Status:  schema.RunStatus(r.URL.Query().Get("status")),
		RoomKey: r.URL.Query().Get("room"),
		ChatID:  r.URL.Query().Get("chat_id"),
		Limit:   queryInt(r, "limit", 50),
	}
	runs, err := s.deps.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list runs: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

// handleGetEvents returns a workflow's persisted event log for replay,
// optionally from ?since=<sequence> onward.
func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	workflowID := r.PathValue("id")
	since := int64(queryInt(r, "since", 0))

	var (
		events []*store.Event
		err    error
	)
	if since > 0 {
		events, err = s.deps.EventLog.GetEvents(r.Context(), workflowID, since)
	} else {
		// Full replays verify sequence contiguity.
		events, err = s.deps.EventLog.Replay(r.Context(), workflowID)
	}
	if err != nil {
		writeSchemaError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"hub":  s.deps.Hub.Stats(),
		"pool": s.deps.Executor.PoolMetrics(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func isTimeout(err error) bool {
	var se *schema.Error
	return errors.As(err, &se) && se.Code == schema.ErrCodeTimeout
}
