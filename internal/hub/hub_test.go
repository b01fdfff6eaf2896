package hub

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/matteram/ensemble/pkg/schema"
)

type fakeConn struct {
	id string

	mu      sync.Mutex
	msgs    []schema.WireMessage
	sendErr error
	closes  int
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(msg schema.WireMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeConn) received() []schema.WireMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]schema.WireMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func newTestHub() *Hub {
	return NewHub(slog.New(slog.DiscardHandler))
}

func stepMsg(workflowID, room string, n int) schema.WireMessage {
	return schema.WireMessage{
		Type:       schema.WireTypeStep,
		WorkflowID: workflowID,
		RoomKey:    room,
		StepNumber: n,
	}
}

func TestHub_BroadcastReachesRoomMembers(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	b := newFakeConn("b")
	h.Join("proj-1", a)
	h.Join("proj-1", b)

	h.Broadcast(stepMsg("wf-1", "proj-1", 1))

	for _, c := range []*fakeConn{a, b} {
		got := c.received()
		if len(got) != 1 || got[0].WorkflowID != "wf-1" {
			t.Fatalf("conn %s received %+v, want one wf-1 message", c.id, got)
		}
	}
}

func TestHub_RoomIsolation(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	b := newFakeConn("b")
	h.Join("proj-1", a)
	h.Join("proj-2", b)

	h.Broadcast(stepMsg("wf-1", "proj-1", 1))
	h.Broadcast(stepMsg("wf-2", "proj-2", 1))

	if got := a.received(); len(got) != 1 || got[0].RoomKey != "proj-1" {
		t.Fatalf("conn a received %+v, want only proj-1 traffic", got)
	}
	if got := b.received(); len(got) != 1 || got[0].RoomKey != "proj-2" {
		t.Fatalf("conn b received %+v, want only proj-2 traffic", got)
	}
}

func TestHub_EmptyRoomKeyBroadcastsToAll(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	b := newFakeConn("b")
	h.Join("proj-1", a)
	h.Join("proj-2", b)

	h.Broadcast(schema.WireMessage{Type: schema.WireTypeProgress, WorkflowID: "wf-1"})

	if len(a.received()) != 1 || len(b.received()) != 1 {
		t.Fatal("room-less message should reach every connection")
	}
}

func TestHub_ConnectWithoutJoinReceivesGlobalBroadcasts(t *testing.T) {
	h := newTestHub()
	lurker := newFakeConn("lurker")
	member := newFakeConn("member")
	h.Connect(lurker)
	h.Join("proj-1", member)

	h.Broadcast(stepMsg("wf-1", "proj-1", 1))
	h.Broadcast(schema.WireMessage{Type: schema.WireTypeProgress, WorkflowID: "wf-1"})

	got := lurker.received()
	if len(got) != 1 || got[0].Type != schema.WireTypeProgress {
		t.Fatalf("unjoined conn received %+v, want only the room-less message", got)
	}
	if len(member.received()) != 2 {
		t.Fatal("room member should receive both messages")
	}

	h.Disconnect("lurker")
	if h.Connected("lurker") {
		t.Fatal("connected conn should be forgotten after disconnect")
	}
}

func TestHub_ConnectTwiceIsNoOp(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	h.Connect(a)
	h.Join("proj-1", a)
	h.Connect(a)

	if h.RoomSize("proj-1") != 1 {
		t.Fatal("reconnect must not disturb room membership")
	}
	if h.Stats().Connections != 1 {
		t.Fatal("reconnect must not duplicate the connection")
	}
}

func TestHub_BroadcastToUnknownRoomIsNoOp(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	h.Join("proj-1", a)

	h.Broadcast(stepMsg("wf-1", "proj-ghost", 1))

	if len(a.received()) != 0 {
		t.Fatal("message for an unknown room must not be delivered anywhere")
	}
}

func TestHub_DisconnectIdempotent(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	h.Join("proj-1", a)
	h.Join("proj-2", a)

	h.Disconnect("a")
	h.Disconnect("a")
	h.Disconnect("never-joined")

	if a.closeCount() != 1 {
		t.Fatalf("conn closed %d times, want 1", a.closeCount())
	}
	if h.Connected("a") {
		t.Fatal("conn should be forgotten")
	}
	if h.RoomSize("proj-1") != 0 || h.RoomSize("proj-2") != 0 {
		t.Fatal("conn should be removed from every room")
	}

	h.Broadcast(stepMsg("wf-1", "proj-1", 1))
	if len(a.received()) != 0 {
		t.Fatal("disconnected conn must not receive messages")
	}
}

func TestHub_FailedConnIsolatedAndDropped(t *testing.T) {
	h := newTestHub()
	bad := newFakeConn("bad")
	bad.sendErr = errors.New("peer gone")
	good := newFakeConn("good")
	h.Join("proj-1", bad)
	h.Join("proj-1", good)

	h.Broadcast(stepMsg("wf-1", "proj-1", 1))

	if len(good.received()) != 1 {
		t.Fatal("healthy peer must still receive the message")
	}
	if h.Connected("bad") {
		t.Fatal("failing conn should have been disconnected")
	}
	if bad.closeCount() != 1 {
		t.Fatalf("failing conn closed %d times, want 1", bad.closeCount())
	}

	// Subsequent broadcasts flow normally.
	h.Broadcast(stepMsg("wf-1", "proj-1", 2))
	if len(good.received()) != 2 {
		t.Fatal("delivery should continue after dropping the failed conn")
	}
}

func TestHub_LeaveKeepsConnection(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	h.Join("proj-1", a)
	h.Join("proj-2", a)

	h.Leave("proj-1", "a")

	if !h.Connected("a") {
		t.Fatal("leaving one room must not disconnect")
	}
	h.Broadcast(stepMsg("wf-1", "proj-1", 1))
	h.Broadcast(stepMsg("wf-2", "proj-2", 1))
	got := a.received()
	if len(got) != 1 || got[0].RoomKey != "proj-2" {
		t.Fatalf("received %+v, want only proj-2 traffic", got)
	}
}

type typeFilter struct{ want string }

func (f typeFilter) Match(env map[string]any) (bool, error) {
	return env["type"] == f.want, nil
}

func TestHub_FilterSuppressesDelivery(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	h.Join("proj-1", a)
	h.SetFilter("a", typeFilter{want: schema.WireTypeStep})

	h.Broadcast(stepMsg("wf-1", "proj-1", 1))
	h.Broadcast(schema.WireMessage{Type: schema.WireTypeProgress, RoomKey: "proj-1"})

	got := a.received()
	if len(got) != 1 || got[0].Type != schema.WireTypeStep {
		t.Fatalf("received %+v, want only the step message", got)
	}
}

type keepKeyProjection struct{ key string }

func (p keepKeyProjection) Apply(payload map[string]any) (any, error) {
	return payload[p.key], nil
}

func TestHub_ProjectionRewritesPayload(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	h.Join("proj-1", a)
	h.SetProjection("a", keepKeyProjection{key: "state"})

	msg := schema.WireMessage{
		Type:    schema.WireTypeProgress,
		RoomKey: "proj-1",
		Payload: map[string]any{"state": "running", "noise": "x"},
	}
	h.Broadcast(msg)

	got := a.received()
	if len(got) != 1 {
		t.Fatalf("received %d messages, want 1", len(got))
	}
	if got[0].Payload["result"] != "running" {
		t.Fatalf("payload = %+v, want projected state", got[0].Payload)
	}
}

func TestHub_Stats(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	b := newFakeConn("b")
	h.Join("proj-1", a)
	h.Join("proj-2", b)

	h.Broadcast(stepMsg("wf-1", "proj-1", 1))

	s := h.Stats()
	if s.Rooms != 2 || s.Connections != 2 {
		t.Fatalf("stats = %+v, want 2 rooms / 2 connections", s)
	}
	if s.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", s.Delivered)
	}
}

func TestHub_ConcurrentBroadcastAndDisconnect(t *testing.T) {
	h := newTestHub()
	for i := 0; i < 10; i++ {
		h.Join("proj-1", newFakeConn(fmt.Sprintf("conn-%d", i)))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			h.Broadcast(stepMsg("wf-1", "proj-1", i))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			h.Disconnect(fmt.Sprintf("conn-%d", i))
		}
	}()
	wg.Wait()

	if h.RoomSize("proj-1") != 0 {
		t.Fatalf("room size = %d after all disconnects, want 0", h.RoomSize("proj-1"))
	}
}

func TestHub_Shutdown(t *testing.T) {
	h := newTestHub()
	a := newFakeConn("a")
	b := newFakeConn("b")
	h.Join("proj-1", a)
	h.Join("proj-1", b)

	h.Shutdown()

	if h.Stats().Connections != 0 {
		t.Fatal("shutdown should disconnect everything")
	}
	if a.closeCount() != 1 || b.closeCount() != 1 {
		t.Fatal("shutdown should close each conn once")
	}
}
