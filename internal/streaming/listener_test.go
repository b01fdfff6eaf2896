package streaming

import (
	"sync"
	"testing"
	"time"

	"github.com/matteram/ensemble/pkg/schema"
)

type captureHub struct {
	mu   sync.Mutex
	msgs []schema.WireMessage
}

func (h *captureHub) Broadcast(msg schema.WireMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
}

func (h *captureHub) messages() []schema.WireMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]schema.WireMessage, len(h.msgs))
	copy(out, h.msgs)
	return out
}

type panicHub struct {
	captureHub
	panicOn int
	seen    int
}

func (h *panicHub) Broadcast(msg schema.WireMessage) {
	h.seen++
	if h.seen == h.panicOn {
		panic("dead connection")
	}
	h.captureHub.Broadcast(msg)
}

func waitForMessages(t *testing.T, h *captureHub, n int) []schema.WireMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := h.messages(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(h.messages()))
	return nil
}

func TestListener_ForwardsTaggedWithRoom(t *testing.T) {
	q := NewQueue(testLogger())
	q.Register("wf-1")
	h := &captureHub{}

	l := NewListener("wf-1", "p1", q, h, nil, testLogger())
	l.Start()
	defer l.Stop(100 * time.Millisecond)

	step := &schema.WorkflowStep{
		WorkflowID: "wf-1",
		Type:       schema.StepTypeStart,
		Title:      "Starting",
		Status:     schema.StepStatusCompleted,
		StepNumber: 1,
	}
	q.Put(NewStepEvent(step))

	msgs := waitForMessages(t, h, 1)
	if msgs[0].Type != schema.WireTypeStep {
		t.Errorf("type = %q, want %q", msgs[0].Type, schema.WireTypeStep)
	}
	if msgs[0].RoomKey != "p1" {
		t.Errorf("room key = %q, want p1", msgs[0].RoomKey)
	}
	if msgs[0].StepNumber != 1 {
		t.Errorf("step number = %d, want 1", msgs[0].StepNumber)
	}
}

func TestListener_OnlySeesOwnWorkflow(t *testing.T) {
	q := NewQueue(testLogger())
	q.Register("wf-a")
	q.Register("wf-b")
	ha := &captureHub{}
	hb := &captureHub{}

	la := NewListener("wf-a", "room-a", q, ha, nil, testLogger())
	lb := NewListener("wf-b", "room-b", q, hb, nil, testLogger())
	la.Start()
	lb.Start()

	for i := 0; i < 10; i++ {
		q.Put(Event{WorkflowID: "wf-a", Type: schema.EventWorkflowStep, Timestamp: time.Now()})
		q.Put(Event{WorkflowID: "wf-b", Type: schema.EventWorkflowStep, Timestamp: time.Now()})
	}

	msgsA := waitForMessages(t, ha, 10)
	msgsB := waitForMessages(t, hb, 10)
	la.Stop(100 * time.Millisecond)
	lb.Stop(100 * time.Millisecond)

	for _, m := range msgsA {
		if m.WorkflowID != "wf-a" {
			t.Errorf("listener A saw workflow %s", m.WorkflowID)
		}
	}
	for _, m := range msgsB {
		if m.WorkflowID != "wf-b" {
			t.Errorf("listener B saw workflow %s", m.WorkflowID)
		}
	}
}

func TestListener_GraceFlushesFinalEvent(t *testing.T) {
	q := NewQueue(testLogger())
	q.Register("wf-1")
	h := &captureHub{}

	l := NewListener("wf-1", "p1", q, h, nil, testLogger())
	l.Start()

	// Terminal event enqueued immediately before Stop must still arrive.
	q.Put(NewProgressEvent("wf-1", schema.RunStateCompleting))
	l.Stop(200 * time.Millisecond)

	if got := len(h.messages()); got != 1 {
		t.Fatalf("got %d messages after grace flush, want 1", got)
	}
	if l.State() != ListenerStopped {
		t.Errorf("state = %s, want stopped", l.State())
	}
}

func TestListener_ForwardFailureDoesNotStopProcessing(t *testing.T) {
	q := NewQueue(testLogger())
	q.Register("wf-1")
	h := &panicHub{panicOn: 2}

	l := NewListener("wf-1", "p1", q, h, nil, testLogger())
	l.Start()

	for i := 0; i < 3; i++ {
		q.Put(NewProgressEvent("wf-1", schema.RunStateRunning))
	}
	l.Stop(200 * time.Millisecond)

	// Events 1 and 3 delivered; event 2 lost to the panicking hub.
	if got := len(h.messages()); got != 2 {
		t.Errorf("got %d delivered messages, want 2", got)
	}
}

func TestListener_StateProgression(t *testing.T) {
	q := NewQueue(testLogger())
	q.Register("wf-1")
	h := &captureHub{}

	l := NewListener("wf-1", "p1", q, h, nil, testLogger())
	if l.State() != ListenerStarting {
		t.Errorf("initial state = %s, want starting", l.State())
	}
	l.Start()
	l.Stop(50 * time.Millisecond)
	if l.State() != ListenerStopped {
		t.Errorf("final state = %s, want stopped", l.State())
	}
}
