package server

import (
	"log/slog"
	"net/http"
	"os"

	"github.com/matteram/ensemble/internal/engine"
	"github.com/matteram/ensemble/internal/hub"
	"github.com/matteram/ensemble/internal/store"
	"github.com/matteram/ensemble/internal/validation"
)

// Deps holds the dependencies for the API server.
type Deps struct {
	Store     store.Store
	EventLog  *store.EventLog
	Executor  *engine.Executor
	Hub       *hub.Hub
	Validator *validation.Validator
	Logger    *slog.Logger
}

// Server serves the workflow API, the websocket endpoint and the SSE streams.
type Server struct {
	deps Deps
	ws   *hub.WSHandler
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Server{
		deps: deps,
		ws:   hub.NewWSHandler(deps.Hub, deps.Validator, deps.Logger),
	}
}

// Handler returns the HTTP handler for all routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Workflow API.
	mux.HandleFunc("POST /api/workflows", s.handleExecute)
	mux.HandleFunc("POST /api/workflows/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/workflows", s.handleListRuns)
	mux.HandleFunc("GET /api/workflows/{id}", s.handleGetRun)
	mux.HandleFunc("GET /api/workflows/{id}/events", s.handleGetEvents)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Live streams.
	mux.Handle("GET /ws", s.ws)
	mux.HandleFunc("GET /sse/rooms/{room}", s.handleSSERoom)

	return mux
}
