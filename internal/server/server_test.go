package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteram/ensemble/internal/engine"
	"github.com/matteram/ensemble/internal/hub"
	"github.com/matteram/ensemble/internal/store"
	"github.com/matteram/ensemble/internal/streaming"
	"github.com/matteram/ensemble/internal/validation"
	"github.com/matteram/ensemble/pkg/schema"
)

type stubAgent struct {
	run func(ctx context.Context, history []schema.Message, request string) (string, error)
}

func (a *stubAgent) Run(ctx context.Context, history []schema.Message, request string) (string, error) {
	return a.run(ctx, history, request)
}

type stubFactory struct {
	agent *stubAgent
}

func (f *stubFactory) New(string, map[string]string) engine.AgentRunner {
	return f.agent
}

type harness struct {
	ts    *httptest.Server
	hub   *hub.Hub
	store *store.LibSQLStore
}

func newTestServer(t *testing.T, run func(ctx context.Context, history []schema.Message, request string) (string, error)) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	eventLog := store.NewEventLog(st)
	queue := streaming.NewQueue(logger)
	h := hub.NewHub(logger)
	registry := engine.NewCancelRegistry()

	validator, err := validation.NewValidator()
	require.NoError(t, err)

	executor := engine.NewExecutor(engine.Deps{
		Agents:   &stubFactory{agent: &stubAgent{run: run}},
		Queue:    queue,
		Hub:      h,
		Registry: registry,
		History:  st,
		Steps:    st,
		Recorder: eventLog,
		Logger:   logger,
	}, engine.Config{ListenerGrace: 500 * time.Millisecond})
	t.Cleanup(executor.Shutdown)

	srv := NewServer(Deps{
		Store:     st,
		EventLog:  eventLog,
		Executor:  executor,
		Hub:       h,
		Validator: validator,
		Logger:    logger,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &harness{ts: ts, hub: h, store: st}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func TestExecuteEndpoint_HappyPath(t *testing.T) {
	env := newTestServer(t, func(ctx context.Context, history []schema.Message, request string) (string, error) {
		return "all done: " + request, nil
	})

	resp, body := postJSON(t, env.ts.URL+"/api/workflows", map[string]any{
		"workflow_id": "wf-http-1",
		"request":     "summarize the report",
		"metadata":    map[string]string{"project_id": "proj-1", "chat_id": "chat-1"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "wf-http-1", body["workflow_id"])
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "all done: summarize the report", body["result"])

	// The run row reflects the terminal state.
	run, err := env.store.GetRun(context.Background(), "wf-http-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, run.Status)
	require.NotNil(t, run.FinishedAt)

	// Start and synthesis steps were persisted.
	steps, err := env.store.ListSteps(context.Background(), "wf-http-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 1, steps[0].StepNumber)
	assert.Equal(t, schema.StepTypeStart, steps[0].Type)
	assert.Equal(t, schema.StepTypeSynthesis, steps[1].Type)

	// Both sides of the conversation landed in the transcript.
	msgs, err := env.store.ListMessages(context.Background(), "chat-1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "assistant", msgs[1].Role)
}

func TestExecuteEndpoint_RejectsInvalidBody(t *testing.T) {
	env := newTestServer(t, func(ctx context.Context, history []schema.Message, request string) (string, error) {
		t.Fatal("agent must not run for invalid requests")
		return "", nil
	})

	resp, body := postJSON(t, env.ts.URL+"/api/workflows", map[string]any{
		"metadata": map[string]string{"project_id": "proj-1"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeValidation, body["code"])
}

func TestExecuteEndpoint_AgentFailureBecomesText(t *testing.T) {
	env := newTestServer(t, func(ctx context.Context, history []schema.Message, request string) (string, error) {
		return "", fmt.Errorf("model unavailable")
	})

	resp, body := postJSON(t, env.ts.URL+"/api/workflows", map[string]any{
		"request": "anything",
	})
	// Non-cancellation failures come back as an apologetic completed body.
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Contains(t, body["result"], "model unavailable")
}

func TestCancelEndpoint_PreCancelSkipsAgent(t *testing.T) {
	env := newTestServer(t, func(ctx context.Context, history []schema.Message, request string) (string, error) {
		t.Error("agent must not run for a pre-cancelled workflow")
		return "", nil
	})

	resp, body := postJSON(t, env.ts.URL+"/api/workflows/wf-pre/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "cancellation_requested", body["status"])

	resp, body = postJSON(t, env.ts.URL+"/api/workflows", map[string]any{
		"workflow_id": "wf-pre",
		"request":     "never mind",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	run, err := env.store.GetRun(context.Background(), "wf-pre")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCancelled, run.Status)
}

func TestGetRun_NotFound(t *testing.T) {
	env := newTestServer(t, func(ctx context.Context, history []schema.Message, request string) (string, error) {
		return "", nil
	})

	resp, body := getJSON(t, env.ts.URL+"/api/workflows/nope")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, schema.ErrCodeNotFound, body["code"])
}

func TestListRuns_FiltersByRoom(t *testing.T) {
	env := newTestServer(t, func(ctx context.Context, history []schema.Message, request string) (string, error) {
		return "ok", nil
	})

	for i, room := range []string{"proj-a", "proj-a", "proj-b"} {
		_, body := postJSON(t, env.ts.URL+"/api/workflows", map[string]any{
			"workflow_id": fmt.Sprintf("wf-list-%d", i),
			"request":     "work",
			"metadata":    map[string]string{"project_id": room},
		})
		require.Equal(t, "completed", body["status"])
	}

	_, body := getJSON(t, env.ts.URL+"/api/workflows?room=proj-a")
	runs := body["runs"].([]any)
	assert.Len(t, runs, 2)
}

func TestGetEvents_ReturnsRecordedStream(t *testing.T) {
	env := newTestServer(t, func(ctx context.Context, history []schema.Message, request string) (string, error) {
		return "ok", nil
	})

	_, body := postJSON(t, env.ts.URL+"/api/workflows", map[string]any{
		"workflow_id": "wf-ev",
		"request":     "work",
	})
	require.Equal(t, "completed", body["status"])

	_, body = getJSON(t, env.ts.URL+"/api/workflows/wf-ev/events")
	events := body["events"].([]any)
	require.NotEmpty(t, events)
	first := events[0].(map[string]any)
	assert.EqualValues(t, 1, first["sequence"])
}

func TestHealthAndStats(t *testing.T) {
	env := newTestServer(t, func(ctx context.Context, history []schema.Message, request string) (string, error) {
		return "ok", nil
	})

	resp, body := getJSON(t, env.ts.URL+"/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, body = getJSON(t, env.ts.URL+"/api/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "hub")
	assert.Contains(t, body, "pool")
}

func TestSSERoom_StreamsBroadcasts(t *testing.T) {
	env := newTestServer(t, func(ctx context.Context, history []schema.Message, request string) (string, error) {
		return "ok", nil
	})

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/sse/rooms/proj-sse", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool {
		return env.hub.RoomSize("proj-sse") == 1
	}, time.Second, 10*time.Millisecond)

	env.hub.Broadcast(schema.WireMessage{
		Type:       schema.WireTypeStep,
		WorkflowID: "wf-sse",
		RoomKey:    "proj-sse",
		StepNumber: 1,
		Title:      "Working",
		Timestamp:  time.Now().UTC(),
	})

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if event != "" && data != "" {
			break
		}
	}
	require.Equal(t, schema.WireTypeStep, event)

	var msg schema.WireMessage
	require.NoError(t, json.Unmarshal([]byte(data), &msg))
	assert.Equal(t, "wf-sse", msg.WorkflowID)
	assert.Equal(t, "proj-sse", msg.RoomKey)
}
