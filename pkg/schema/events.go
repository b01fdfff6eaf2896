package schema

// Internal event type constants. These travel through the event queue and the
// append-only event log; the listener maps them onto wire message types.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowStep      = "workflow_step"
	EventWorkflowProgress  = "workflow_progress"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowTimedOut  = "workflow_timed_out"
)

// RunState is the in-memory lifecycle state of an executing workflow.
// Persisted run rows use RunStatus; RunState only exists between Execute
// being called and its cleanup finishing.
type RunState string

const (
	RunStateInitializing RunState = "initializing"
	RunStateRunning      RunState = "running"
	RunStateCompleting   RunState = "completing"
	RunStateCancelling   RunState = "cancelling"
	RunStateTimedOut     RunState = "timed_out"
	RunStateFailing      RunState = "failing"
	RunStateCleanedUp    RunState = "cleaned_up"
)
