package schema

import "time"

// StepType distinguishes who produced a step and why.
type StepType string

const (
	StepTypeStart     StepType = "start"
	StepTypeAgentStep StepType = "agent_step"
	StepTypeSynthesis StepType = "synthesis"
	StepTypeError     StepType = "error"
	StepTypeCancelled StepType = "cancelled"
)

// StepStatus represents the lifecycle state of a step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// WorkflowStep is one discrete, observable unit of progress within a workflow.
// StepNumber is strictly increasing per workflow, starting at 1, and is
// assigned exactly once by the workflow's shared step counter.
type WorkflowStep struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	Type        StepType   `json:"type"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status"`
	StepNumber  int        `json:"step_number"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunStatus represents the persisted lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusTimedOut  RunStatus = "timed_out"
)

// Message is one turn of a conversation transcript handed to the agent.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
