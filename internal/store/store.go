package store

import (
	"context"
	"time"

	"github.com/matteram/ensemble/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflow runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, id string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, id string, update RunUpdate) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Steps
	SaveStep(ctx context.Context, step *schema.WorkflowStep) error
	ListSteps(ctx context.Context, workflowID string) ([]*schema.WorkflowStep, error)

	// Chat transcript
	SaveMessage(ctx context.Context, msg *ChatMessage) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]*ChatMessage, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, workflowID string, since int64) ([]*Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
