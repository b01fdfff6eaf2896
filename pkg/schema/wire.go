package schema

import "time"

// Wire message types pushed to live observer connections.
const (
	WireTypeStep     = "workflow_step"
	WireTypeProgress = "workflow_progress"
	WireTypeError    = "chat_error"
)

// WireMessage is the JSON shape delivered to subscribed connections.
// An empty RoomKey means the message is broadcast to every active connection
// (legacy room-less fallback).
type WireMessage struct {
	Type        string     `json:"type"`
	WorkflowID  string     `json:"workflow_id"`
	RoomKey     string     `json:"room_key,omitempty"`
	StepNumber  int        `json:"step_number,omitempty"`
	StepType    StepType   `json:"step_type,omitempty"`
	Title       string     `json:"title,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      StepStatus `json:"status,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
	Payload     map[string]any `json:"payload,omitempty"`
}

// Env flattens the message into a map for filter expression evaluation.
func (m WireMessage) Env() map[string]any {
	env := map[string]any{
		"type":        m.Type,
		"workflow_id": m.WorkflowID,
		"room_key":    m.RoomKey,
		"step_number": m.StepNumber,
		"step_type":   string(m.StepType),
		"title":       m.Title,
		"description": m.Description,
		"status":      string(m.Status),
	}
	if m.Payload != nil {
		env["payload"] = m.Payload
	}
	return env
}
