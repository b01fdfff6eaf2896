package streaming

import (
	"log/slog"
	"sync"
)

// Per-workflow channel capacity. Step counts are bounded by the agent's own
// step budget, so this is effectively unbounded; overflow drops with a log line.
const workflowChannelBuffer = 256

// Queue is an ordered, per-workflow multiplexed event channel. Producers call
// Put; the workflow's listener drains the matching channel. FIFO order is
// guaranteed per workflow; no ordering exists across workflows.
type Queue struct {
	mu     sync.RWMutex
	chans  map[string]chan Event
	logger *slog.Logger
}

// NewQueue creates an empty Queue.
func NewQueue(logger *slog.Logger) *Queue {
	return &Queue{
		chans:  make(map[string]chan Event),
		logger: logger,
	}
}

// Register creates the dedicated channel for a workflow id. Registering an
// already registered id is a no-op.
func (q *Queue) Register(workflowID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.chans[workflowID]; ok {
		return
	}
	q.chans[workflowID] = make(chan Event, workflowChannelBuffer)
}

// Put enqueues an event onto the channel matching its workflow id.
// Events for unregistered workflows are dropped. Non-blocking: a full
// channel drops the event rather than stalling the producer.
func (q *Queue) Put(event Event) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	ch, ok := q.chans[event.WorkflowID]
	if !ok {
		q.logger.Debug("event for unregistered workflow dropped",
			slog.String("workflow_id", event.WorkflowID),
			slog.String("event_type", event.Type))
		return
	}
	select {
	case ch <- event:
	default:
		q.logger.Warn("workflow event channel full, dropping event",
			slog.String("workflow_id", event.WorkflowID),
			slog.String("event_type", event.Type))
	}
}

// Drain returns the receive channel for a workflow id, or nil if the id is
// not registered. Consumed only by the workflow's listener. The channel is
// closed by Unregister.
func (q *Queue) Drain(workflowID string) <-chan Event {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.chans[workflowID]
}

// Unregister closes and discards the workflow's channel. Idempotent; fails
// silently if the id is absent.
func (q *Queue) Unregister(workflowID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.chans[workflowID]
	if !ok {
		return
	}
	delete(q.chans, workflowID)
	close(ch)
}

// Registered reports whether the workflow currently has a channel.
func (q *Queue) Registered(workflowID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, ok := q.chans[workflowID]
	return ok
}
