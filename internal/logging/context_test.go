package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestContextValues(t *testing.T) {
	ctx := context.Background()

	if WorkflowID(ctx) != "" {
		t.Error("expected empty workflow ID on fresh context")
	}
	if RoomKey(ctx) != "" {
		t.Error("expected empty room key on fresh context")
	}

	ctx = WithWorkflowID(ctx, "wf-1")
	ctx = WithRoomKey(ctx, "p1")

	if got := WorkflowID(ctx); got != "wf-1" {
		t.Errorf("WorkflowID = %q, want wf-1", got)
	}
	if got := RoomKey(ctx); got != "p1" {
		t.Errorf("RoomKey = %q, want p1", got)
	}
}

func TestCorrelationHandler_InjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithRoomKey(WithWorkflowID(context.Background(), "wf-2"), "p2")
	logger.InfoContext(ctx, "hello")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	if record["workflow_id"] != "wf-2" {
		t.Errorf("workflow_id = %v, want wf-2", record["workflow_id"])
	}
	if record["room_key"] != "p2" {
		t.Errorf("room_key = %v, want p2", record["room_key"])
	}
}

func TestCorrelationHandler_NoIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewJSONHandler(&buf, nil)))

	logger.Info("plain")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("unmarshal log record: %v", err)
	}
	if _, ok := record["workflow_id"]; ok {
		t.Error("workflow_id should be absent without context value")
	}
}
