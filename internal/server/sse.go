package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matteram/ensemble/internal/hub"
	"github.com/matteram/ensemble/pkg/schema"
)

const (
	// sseBuffer is how many undelivered messages a SSE client may lag
	// behind before the hub drops it.
	sseBuffer = 64

	sseKeepAlive = 25 * time.Second
)

// sseConn adapts a Server-Sent-Events response to the hub's Conn interface.
// Send stays non-blocking: a full buffer means the client cannot keep up and
// the returned error makes the hub disconnect it.
type sseConn struct {
	id      string
	msgs    chan schema.WireMessage
	closed  chan struct{}
	closeMu sync.Once
}

func newSSEConn() *sseConn {
	return &sseConn{
		id:     uuid.New().String(),
		msgs:   make(chan schema.WireMessage, sseBuffer),
		closed: make(chan struct{}),
	}
}

func (c *sseConn) ID() string { return c.id }

func (c *sseConn) Send(msg schema.WireMessage) error {
	select {
	case <-c.closed:
		return schema.NewError(schema.ErrCodeDelivery, "connection closed")
	default:
	}
	select {
	case c.msgs <- msg:
		return nil
	default:
		return schema.NewError(schema.ErrCodeDelivery, "client buffer full")
	}
}

func (c *sseConn) Close() error {
	c.closeMu.Do(func() { close(c.closed) })
	return nil
}

var _ hub.Conn = (*sseConn)(nil)

// handleSSERoom streams a room's broadcasts as Server-Sent Events. Each
// message is emitted as an "event:" named after the wire type with the JSON
// body as "data:".
func (s *Server) handleSSERoom(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		writeError(w, http.StatusBadRequest, "room is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	conn := newSSEConn()
	s.deps.Hub.Join(room, conn)
	defer s.deps.Hub.Disconnect(conn.ID())

	s.deps.Logger.Debug("sse client joined",
		slog.String("room", room),
		slog.String("conn_id", conn.ID()))

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.closed:
			return
		case <-keepAlive.C:
			// Comment line keeps idle proxies from closing the stream.
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg := <-conn.msgs:
			data, err := json.Marshal(msg)
			if err != nil {
				s.deps.Logger.Warn("sse encode failed",
					slog.String("conn_id", conn.ID()),
					slog.String("error", err.Error()))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
