package hub

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/matteram/ensemble/internal/expressions"
	"github.com/matteram/ensemble/pkg/schema"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSConn adapts a gorilla websocket connection to the hub Conn interface.
// The mutex serializes data writes and control pings; gorilla connections
// support one concurrent writer only.
type WSConn struct {
	id string

	mu sync.Mutex
	ws *websocket.Conn
}

// NewWSConn wraps an upgraded websocket connection.
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{id: uuid.New().String(), ws: ws}
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(msg schema.WireMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

func (c *WSConn) Close() error {
	return c.ws.Close()
}

func (c *WSConn) writeControl(messageType int, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(messageType, nil, deadline)
}

// ClientFrame is the inbound control frame on a websocket connection.
type ClientFrame struct {
	Action     string `json:"action"` // subscribe | unsubscribe
	Room       string `json:"room"`
	Filter     string `json:"filter,omitempty"`
	FilterLang string `json:"filter_lang,omitempty"` // expr (default) | cel
	Projection string `json:"projection,omitempty"`  // jq expression
}

// ackFrame is the handler's reply to a control frame.
type ackFrame struct {
	OK     bool   `json:"ok"`
	Action string `json:"action,omitempty"`
	Room   string `json:"room,omitempty"`
	Error  string `json:"error,omitempty"`
}

// FrameValidator checks raw inbound frames before they are acted on.
type FrameValidator interface {
	ValidateClientFrame(raw []byte) error
}

// WSHandler upgrades HTTP requests to websocket connections and services
// their subscribe/unsubscribe control frames.
type WSHandler struct {
	hub       *Hub
	validator FrameValidator
	logger    *slog.Logger
}

// NewWSHandler creates the websocket endpoint handler. validator may be nil.
func NewWSHandler(h *Hub, validator FrameValidator, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSHandler{hub: h, validator: validator, logger: logger}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	conn := NewWSConn(ws)
	h.logger.Debug("websocket connected", slog.String("conn_id", conn.ID()))

	// Register in no room; room-less broadcasts reach the connection even
	// if it never subscribes.
	h.hub.Connect(conn)

	// ?room= subscribes immediately, before any control frame.
	if room := r.URL.Query().Get("room"); room != "" {
		h.hub.Join(room, conn)
	}

	defer h.hub.Disconnect(conn.ID())

	stopPing := make(chan struct{})
	defer close(stopPing)
	go h.pingLoop(conn, stopPing)

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read failed",
					slog.String("conn_id", conn.ID()),
					slog.String("error", err.Error()))
			}
			return
		}
		h.handleFrame(conn, raw)
	}
}

func (h *WSHandler) handleFrame(conn *WSConn, raw []byte) {
	if h.validator != nil {
		if err := h.validator.ValidateClientFrame(raw); err != nil {
			h.ack(conn, ackFrame{OK: false, Error: err.Error()})
			return
		}
	}

	var frame ClientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		h.ack(conn, ackFrame{OK: false, Error: "malformed frame: " + err.Error()})
		return
	}

	switch frame.Action {
	case "subscribe":
		if frame.Filter != "" {
			filter, err := expressions.NewFilter(expressions.FilterLang(frame.FilterLang), frame.Filter)
			if err != nil {
				h.ack(conn, ackFrame{OK: false, Action: frame.Action, Room: frame.Room, Error: err.Error()})
				return
			}
			h.hub.SetFilter(conn.ID(), filter)
		}
		if frame.Projection != "" {
			projection, err := expressions.NewProjection(frame.Projection)
			if err != nil {
				h.ack(conn, ackFrame{OK: false, Action: frame.Action, Room: frame.Room, Error: err.Error()})
				return
			}
			h.hub.SetProjection(conn.ID(), projection)
		}
		h.hub.Join(frame.Room, conn)
		h.ack(conn, ackFrame{OK: true, Action: frame.Action, Room: frame.Room})

	case "unsubscribe":
		h.hub.Leave(frame.Room, conn.ID())
		h.ack(conn, ackFrame{OK: true, Action: frame.Action, Room: frame.Room})

	default:
		h.ack(conn, ackFrame{OK: false, Error: "unknown action " + frame.Action})
	}
}

func (h *WSHandler) ack(conn *WSConn, frame ackFrame) {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.ws.WriteJSON(frame); err != nil {
		h.logger.Debug("ack write failed",
			slog.String("conn_id", conn.ID()),
			slog.String("error", err.Error()))
	}
}

func (h *WSHandler) pingLoop(conn *WSConn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.writeControl(websocket.PingMessage, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}
