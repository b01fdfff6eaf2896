package engine

import (
	"context"
	"errors"

	"github.com/matteram/ensemble/pkg/schema"
)

// ErrRunCancelled is the distinguished cancellation signal. Agent runners
// must return an error wrapping it when they observe the cancel registry
// mid-execution; the executor re-raises it to the caller instead of
// swallowing it like ordinary failures.
var ErrRunCancelled = errors.New("workflow run cancelled")

// AgentRunner performs the actual multi-step task reasoning for exactly one
// workflow. It is an opaque collaborator: given the prior conversation and the
// current request it produces a response string. Implementations must honor
// ctx cancellation and are expected to poll the cancel registry (via the
// CancelChecker they were built with) during long internal loops, returning
// ErrRunCancelled when the flag is set. They may emit progress steps through
// engine.EmitAgentStep using the ctx they were invoked with.
type AgentRunner interface {
	Run(ctx context.Context, history []schema.Message, request string) (string, error)
}

// AgentFactory builds a fresh, fully isolated AgentRunner per workflow.
// Instances are never reused or shared across concurrent workflows; isolation
// by construction replaces locking of shared mutable agent state.
type AgentFactory interface {
	New(workflowID string, metadata map[string]string) AgentRunner
}

// CancelChecker is the narrow view of the cancel registry handed to agent
// implementations so they can poll cooperatively.
type CancelChecker interface {
	IsCancelled(workflowID string) bool
}

// HistoryLoader loads the prior conversation transcript for a tenant chat.
// The returned slice is chronological, capped at a small constant, and must
// exclude the message that triggered the current workflow.
type HistoryLoader interface {
	LoadHistory(ctx context.Context, chatID, excludeMessageID string) ([]schema.Message, error)
}

// StepPersister records steps fire-and-forget; the engine neither blocks on
// it nor retries on its behalf.
type StepPersister interface {
	PersistStep(ctx context.Context, step *schema.WorkflowStep) error
}
