package store

import (
	"encoding/json"
	"time"

	"github.com/matteram/ensemble/pkg/schema"
)

// WorkflowRun is the persisted record of one workflow execution.
type WorkflowRun struct {
	ID         string            `json:"id"`
	ChatID     string            `json:"chat_id,omitempty"`
	RoomKey    string            `json:"room_key,omitempty"`
	Request    string            `json:"request"`
	Result     string            `json:"result,omitempty"`
	Status     schema.RunStatus  `json:"status"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// RunUpdate is a partial update to a workflow run. Nil fields are untouched.
type RunUpdate struct {
	Status     *schema.RunStatus
	Result     *string
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	Status  schema.RunStatus // empty matches all
	RoomKey string           // empty matches all
	ChatID  string           // empty matches all
	Limit   int              // <= 0 means no limit
}

// ChatMessage is one turn of a chat transcript.
type ChatMessage struct {
	ID        int64     `json:"id"`
	ChatID    string    `json:"chat_id"`
	MessageID string    `json:"message_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Event is one append-only event-log entry. Sequence is per-workflow,
// contiguous from 1, assigned by the event log on append.
type Event struct {
	ID         int64           `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Type       string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
}
