package hub

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/matteram/ensemble/pkg/schema"
)

// Conn is one live observer connection. Implementations must make Send safe
// for concurrent use; the hub may deliver from multiple broadcasting
// goroutines at once.
type Conn interface {
	ID() string
	Send(msg schema.WireMessage) error
	Close() error
}

// Filter decides whether a message reaches a subscriber. Evaluated against
// the flattened message environment (see schema.WireMessage.Env).
type Filter interface {
	Match(env map[string]any) (bool, error)
}

// Projection rewrites a message payload before delivery.
type Projection interface {
	Apply(payload map[string]any) (any, error)
}

// Stats is a snapshot of hub counters.
type Stats struct {
	Rooms             int   `json:"rooms"`
	Connections       int   `json:"connections"`
	Delivered         int64 `json:"delivered"`
	Dropped           int64 `json:"dropped"`
	FailedConnections int64 `json:"failed_connections"`
}

type subscription struct {
	filter     Filter
	projection Projection
}

// Hub fans wire messages out to room-keyed groups of connections. Rooms are
// created implicitly on first join and removed when their last member leaves.
// The room/connection relation is tracked from both sides so Disconnect never
// scans every room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Conn     // room -> connID -> conn
	conns map[string]Conn                // connID -> conn
	joins map[string]map[string]struct{} // connID -> rooms joined
	subs  map[string]*subscription       // connID -> delivery options

	logger *slog.Logger

	delivered   atomic.Int64
	dropped     atomic.Int64
	failedConns atomic.Int64
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:  make(map[string]map[string]Conn),
		conns:  make(map[string]Conn),
		joins:  make(map[string]map[string]struct{}),
		subs:   make(map[string]*subscription),
		logger: logger,
	}
}

// Connect registers a live connection in no room. A connected, unsubscribed
// connection is still part of the active set: room-less (global) broadcasts
// reach it even though no room ever will. Connecting an already-known ID is
// a no-op.
func (h *Hub) Connect(conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := conn.ID()
	if _, ok := h.conns[id]; ok {
		return
	}
	h.conns[id] = conn
	h.joins[id] = make(map[string]struct{})

	h.logger.Debug("connection registered", slog.String("conn_id", id))
}

// Join adds a connection to a room, creating the room if needed. Joining a
// room the connection is already in is a no-op.
func (h *Hub) Join(room string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := conn.ID()
	h.conns[id] = conn
	if h.joins[id] == nil {
		h.joins[id] = make(map[string]struct{})
	}
	h.joins[id][room] = struct{}{}

	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]Conn)
	}
	h.rooms[room][id] = conn

	h.logger.Debug("connection joined room",
		slog.String("conn_id", id),
		slog.String("room", room),
		slog.Int("room_size", len(h.rooms[room])))
}

// Leave removes a connection from one room without closing it. Empty rooms
// are deleted.
func (h *Hub) Leave(room, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, connID)
}

func (h *Hub) leaveLocked(room, connID string) {
	if members, ok := h.rooms[room]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if joined, ok := h.joins[connID]; ok {
		delete(joined, room)
	}
}

// Disconnect removes a connection from every room, forgets its subscription
// options, and closes it. Safe to call multiple times and for unknown IDs;
// repeated calls are no-ops.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	conn, known := h.conns[connID]
	if known {
		for room := range h.joins[connID] {
			h.leaveLocked(room, connID)
		}
		delete(h.joins, connID)
		delete(h.subs, connID)
		delete(h.conns, connID)
	}
	h.mu.Unlock()

	if !known {
		return
	}
	if err := conn.Close(); err != nil {
		h.logger.Debug("connection close failed",
			slog.String("conn_id", connID),
			slog.String("error", err.Error()))
	}
	h.logger.Debug("connection disconnected", slog.String("conn_id", connID))
}

// SetFilter installs (or clears, with nil) a delivery filter for one
// connection.
func (h *Hub) SetFilter(connID string, f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscriptionLocked(connID).filter = f
}

// SetProjection installs (or clears, with nil) a payload projection for one
// connection.
func (h *Hub) SetProjection(connID string, p Projection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscriptionLocked(connID).projection = p
}

func (h *Hub) subscriptionLocked(connID string) *subscription {
	s, ok := h.subs[connID]
	if !ok {
		s = &subscription{}
		h.subs[connID] = s
	}
	return s
}

// Broadcast delivers a message to every connection in its room (or to all
// connections when the room key is empty). A failing connection never blocks
// or fails delivery to its peers; failed connections are disconnected after
// the fan-out completes.
func (h *Hub) Broadcast(msg schema.WireMessage) {
	type target struct {
		conn Conn
		sub  *subscription
	}

	h.mu.RLock()
	var targets []target
	if msg.RoomKey == "" {
		targets = make([]target, 0, len(h.conns))
		for id, c := range h.conns {
			targets = append(targets, target{conn: c, sub: h.subs[id]})
		}
	} else {
		members := h.rooms[msg.RoomKey]
		targets = make([]target, 0, len(members))
		for id, c := range members {
			targets = append(targets, target{conn: c, sub: h.subs[id]})
		}
	}
	h.mu.RUnlock()

	var failed []string
	env := msg.Env()
	for _, tg := range targets {
		out := msg
		if tg.sub != nil {
			if tg.sub.filter != nil {
				ok, err := tg.sub.filter.Match(env)
				if err != nil {
					h.logger.Warn("subscription filter failed",
						slog.String("conn_id", tg.conn.ID()),
						slog.String("error", err.Error()))
					h.dropped.Add(1)
					continue
				}
				if !ok {
					h.dropped.Add(1)
					continue
				}
			}
			if tg.sub.projection != nil && msg.Payload != nil {
				projected, err := tg.sub.projection.Apply(msg.Payload)
				if err != nil {
					h.logger.Warn("payload projection failed",
						slog.String("conn_id", tg.conn.ID()),
						slog.String("error", err.Error()))
				} else {
					out.Payload = map[string]any{"result": projected}
				}
			}
		}
		if err := tg.conn.Send(out); err != nil {
			h.logger.Warn("delivery failed, dropping connection",
				slog.String("conn_id", tg.conn.ID()),
				slog.String("room", msg.RoomKey),
				slog.String("error", err.Error()))
			failed = append(failed, tg.conn.ID())
			continue
		}
		h.delivered.Add(1)
	}

	// Disconnect outside the read-locked fan-out.
	for _, id := range failed {
		h.failedConns.Add(1)
		h.Disconnect(id)
	}
}

// RoomSize returns the member count of a room (0 for unknown rooms).
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Connected reports whether the hub still tracks the connection.
func (h *Hub) Connected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.conns[connID]
	return ok
}

// Stats returns a snapshot of the hub's counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	rooms := len(h.rooms)
	conns := len(h.conns)
	h.mu.RUnlock()
	return Stats{
		Rooms:             rooms,
		Connections:       conns,
		Delivered:         h.delivered.Load(),
		Dropped:           h.dropped.Load(),
		FailedConnections: h.failedConns.Load(),
	}
}

// Shutdown disconnects every connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Disconnect(id)
	}
}
