package streaming

import (
	"time"

	"github.com/matteram/ensemble/pkg/schema"
)

// Event is a transient, per-workflow progress event. It exists only on the
// queue/listener path; the listener translates it into a wire message.
type Event struct {
	WorkflowID string              `json:"workflow_id"`
	Type       string              `json:"event_type"`
	Timestamp  time.Time           `json:"timestamp"`
	Step       *schema.WorkflowStep `json:"step,omitempty"`
	Payload    map[string]any      `json:"payload,omitempty"`
}

// NewStepEvent builds the event for an emitted workflow step.
func NewStepEvent(step *schema.WorkflowStep) Event {
	return Event{
		WorkflowID: step.WorkflowID,
		Type:       schema.EventWorkflowStep,
		Timestamp:  time.Now().UTC(),
		Step:       step,
	}
}

// NewProgressEvent builds a lifecycle progress event (state transitions).
func NewProgressEvent(workflowID string, state schema.RunState) Event {
	return Event{
		WorkflowID: workflowID,
		Type:       schema.EventWorkflowProgress,
		Timestamp:  time.Now().UTC(),
		Payload:    map[string]any{"state": string(state)},
	}
}

// WireMessage converts the event into the externally broadcastable shape,
// tagged with the listener's room key.
func (e Event) WireMessage(roomKey string) schema.WireMessage {
	msg := schema.WireMessage{
		Type:       schema.WireTypeProgress,
		WorkflowID: e.WorkflowID,
		RoomKey:    roomKey,
		Timestamp:  e.Timestamp,
		Payload:    e.Payload,
	}
	switch e.Type {
	case schema.EventWorkflowStep:
		msg.Type = schema.WireTypeStep
	case schema.EventWorkflowTimedOut, schema.EventWorkflowFailed:
		msg.Type = schema.WireTypeError
	}
	if e.Step != nil {
		msg.StepNumber = e.Step.StepNumber
		msg.StepType = e.Step.Type
		msg.Title = e.Step.Title
		msg.Description = e.Step.Description
		msg.Status = e.Step.Status
	}
	return msg
}
