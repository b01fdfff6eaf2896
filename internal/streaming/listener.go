package streaming

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matteram/ensemble/pkg/schema"
)

// ListenerState is the lifecycle state of a Listener.
type ListenerState int32

const (
	ListenerStarting ListenerState = iota
	ListenerRunning
	ListenerDraining
	ListenerStopped
)

func (s ListenerState) String() string {
	switch s {
	case ListenerStarting:
		return "starting"
	case ListenerRunning:
		return "running"
	case ListenerDraining:
		return "draining"
	case ListenerStopped:
		return "stopped"
	}
	return "unknown"
}

// Broadcaster is the hub-facing contract the listener forwards to.
// Satisfied by *hub.Hub.
type Broadcaster interface {
	Broadcast(msg schema.WireMessage)
}

// EventRecorder persists broadcast events best-effort. Satisfied by the
// store's event log; the listener never blocks on it and ignores failures.
type EventRecorder interface {
	RecordEvent(workflowID, eventType string, msg schema.WireMessage) error
}

// Listener drains the event queue for one workflow and forwards each event to
// the broadcast hub, tagged with the workflow's room key for isolation.
// A forwarding failure for one event never stops subsequent events.
type Listener struct {
	workflowID string
	roomKey    string
	queue      *Queue
	hub        Broadcaster
	recorder   EventRecorder
	logger     *slog.Logger

	state    atomic.Int32
	draining chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	grace    time.Duration
}

// NewListener creates a listener for one workflow in Starting state.
// recorder may be nil.
func NewListener(workflowID, roomKey string, queue *Queue, hub Broadcaster, recorder EventRecorder, logger *slog.Logger) *Listener {
	return &Listener{
		workflowID: workflowID,
		roomKey:    roomKey,
		queue:      queue,
		hub:        hub,
		recorder:   recorder,
		logger:     logger,
		draining:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// State returns the listener's current lifecycle state.
func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

// Start spawns the background forwarding goroutine and transitions to Running.
func (l *Listener) Start() {
	l.state.Store(int32(ListenerRunning))
	go l.run()
}

// Stop transitions to Draining: no new work is awaited beyond what is already
// enqueued, and up to grace is allowed to flush in-flight events before the
// listener stops. The terminal "complete" event is typically emitted
// immediately before Stop, so the grace window keeps it from being lost.
// Blocks until the listener has stopped or the grace period elapsed.
func (l *Listener) Stop(grace time.Duration) {
	l.stopOnce.Do(func() {
		l.grace = grace
		l.state.CompareAndSwap(int32(ListenerRunning), int32(ListenerDraining))
		close(l.draining)
	})
	select {
	case <-l.done:
	case <-time.After(grace + 50*time.Millisecond):
	}
}

func (l *Listener) run() {
	defer func() {
		l.state.Store(int32(ListenerStopped))
		close(l.done)
	}()

	ch := l.queue.Drain(l.workflowID)
	if ch == nil {
		l.logger.Warn("listener started for unregistered workflow",
			slog.String("workflow_id", l.workflowID))
		return
	}

	for {
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			l.forward(event)
		case <-l.draining:
			l.flush(ch)
			return
		}
	}
}

// flush consumes whatever is still buffered, bounded by the grace period.
func (l *Listener) flush(ch <-chan Event) {
	deadline := time.Now().Add(l.grace)
	for {
		if time.Now().After(deadline) {
			l.logger.Warn("listener grace period elapsed with events unflushed",
				slog.String("workflow_id", l.workflowID))
			return
		}
		select {
		case event, ok := <-ch:
			if !ok {
				return
			}
			l.forward(event)
		default:
			return
		}
	}
}

func (l *Listener) forward(event Event) {
	defer func() {
		// A misbehaving connection must not kill the listener.
		if r := recover(); r != nil {
			l.logger.Error("panic while forwarding event",
				slog.String("workflow_id", l.workflowID),
				slog.Any("panic", r))
		}
	}()

	msg := event.WireMessage(l.roomKey)
	l.hub.Broadcast(msg)

	if l.recorder != nil {
		if err := l.recorder.RecordEvent(event.WorkflowID, event.Type, msg); err != nil {
			l.logger.Debug("event record failed",
				slog.String("workflow_id", l.workflowID),
				slog.String("error", err.Error()))
		}
	}
}
