package engine

import (
	"sync"

	"github.com/matteram/ensemble/internal/streaming"
	"github.com/matteram/ensemble/pkg/schema"
)

// ValidRunTransitions is the allowed lifecycle graph for an executing
// workflow. Terminal branches all converge on CleanedUp, which is reached
// exactly once per execution.
var ValidRunTransitions = map[schema.RunState][]schema.RunState{
	schema.RunStateInitializing: {schema.RunStateRunning, schema.RunStateCancelling, schema.RunStateFailing},
	schema.RunStateRunning:      {schema.RunStateCompleting, schema.RunStateCancelling, schema.RunStateTimedOut, schema.RunStateFailing},
	schema.RunStateCompleting:   {schema.RunStateCleanedUp},
	schema.RunStateCancelling:   {schema.RunStateCleanedUp},
	schema.RunStateTimedOut:     {schema.RunStateCleanedUp},
	schema.RunStateFailing:      {schema.RunStateCleanedUp},
	schema.RunStateCleanedUp:    {},
}

// EventEmitter is the queue-facing contract the FSM announces transitions on.
// Satisfied by *streaming.Queue.
type EventEmitter interface {
	Put(event streaming.Event)
}

// LifecycleFSM tracks and validates one workflow run's lifecycle state,
// emitting a progress event on every transition.
type LifecycleFSM struct {
	mu         sync.Mutex
	workflowID string
	state      schema.RunState
	emitter    EventEmitter
}

// NewLifecycleFSM creates an FSM in Initializing state.
func NewLifecycleFSM(workflowID string, emitter EventEmitter) *LifecycleFSM {
	return &LifecycleFSM{
		workflowID: workflowID,
		state:      schema.RunStateInitializing,
		emitter:    emitter,
	}
}

// State returns the current lifecycle state.
func (f *LifecycleFSM) State() schema.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Transition validates and applies a state change, announcing it on the
// event queue. Transitioning to the current state is a no-op.
func (f *LifecycleFSM) Transition(to schema.RunState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == to {
		return nil
	}
	if !isValidRunTransition(f.state, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", f.state, to).
			WithWorkflow(f.workflowID)
	}
	f.state = to

	if f.emitter != nil {
		f.emitter.Put(streaming.NewProgressEvent(f.workflowID, to))
	}
	return nil
}

func isValidRunTransition(from, to schema.RunState) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
