package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matteram/ensemble/pkg/schema"
)

// StepCounter is the shared, monotonic step sequence for one workflow. Both
// the executor and concurrently running agent code increment it, so the
// read-modify-write is serialized by a mutex. Step numbers are 1-based.
type StepCounter struct {
	mu sync.Mutex
	n  int
}

// Next atomically increments and returns the new step number.
func (c *StepCounter) Next() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return c.n
}

// Current returns the last assigned step number without incrementing.
func (c *StepCounter) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// StepSink receives steps emitted mid-run. Wired by the executor to the event
// queue and the step persister.
type StepSink interface {
	EmitStep(step *schema.WorkflowStep)
}

// WorkflowContext binds {workflow id, shared step counter, metadata} to the
// context chain that carries one workflow's synchronous agent invocation.
// It is constructed fresh per workflow and never shared across workflows.
//
// Propagation follows Go's context rules: code running deep inside the agent
// sees the binding only through the ctx it was handed. Goroutines the agent
// spawns do NOT inherit it unless the agent passes the ctx along.
type WorkflowContext struct {
	WorkflowID string
	Metadata   map[string]string
	Counter    *StepCounter

	sink StepSink
}

// NewWorkflowContext creates the per-workflow binding with a zeroed counter.
func NewWorkflowContext(workflowID string, metadata map[string]string, sink StepSink) *WorkflowContext {
	return &WorkflowContext{
		WorkflowID: workflowID,
		Metadata:   metadata,
		Counter:    &StepCounter{},
		sink:       sink,
	}
}

// RoomKey returns the broadcast room for this workflow, derived from the
// tenant/project metadata. Empty means room-less (global) broadcast.
func (wc *WorkflowContext) RoomKey() string {
	return wc.Metadata["project_id"]
}

type wfCtxKey struct{}

// WithWorkflow binds the workflow context to ctx.
func WithWorkflow(ctx context.Context, wc *WorkflowContext) context.Context {
	return context.WithValue(ctx, wfCtxKey{}, wc)
}

// WorkflowFrom returns the bound workflow context, or nil if ctx carries none.
func WorkflowFrom(ctx context.Context) *WorkflowContext {
	wc, _ := ctx.Value(wfCtxKey{}).(*WorkflowContext)
	return wc
}

// NewStep builds a step stamped with the next sequence number.
func (wc *WorkflowContext) NewStep(stepType schema.StepType, title, description string, status schema.StepStatus) *schema.WorkflowStep {
	now := time.Now().UTC()
	step := &schema.WorkflowStep{
		ID:          uuid.New().String(),
		WorkflowID:  wc.WorkflowID,
		Type:        stepType,
		Title:       title,
		Description: description,
		Status:      status,
		StepNumber:  wc.Counter.Next(),
		CreatedAt:   now,
	}
	if status == schema.StepStatusCompleted || status == schema.StepStatusFailed {
		step.CompletedAt = &now
	}
	return step
}

// EmitAgentStep records an agent-authored progress step on whichever workflow
// is bound to ctx. Agent code calls this from arbitrarily deep in its own
// stack; it is a no-op when ctx carries no workflow binding.
func EmitAgentStep(ctx context.Context, title, description string) *schema.WorkflowStep {
	wc := WorkflowFrom(ctx)
	if wc == nil || wc.sink == nil {
		return nil
	}
	step := wc.NewStep(schema.StepTypeAgentStep, title, description, schema.StepStatusCompleted)
	wc.sink.EmitStep(step)
	return step
}
