package engine

import "sync"

// CancelRegistry is the process-wide set of workflow ids that have been asked
// to stop. Cancellation is advisory and polled: cooperating code checks the
// flag at well-defined points; nothing is preempted. The registry is read far
// more often than written, so a RWMutex-guarded set suffices.
//
// Removal timing is owned by the executor, not the registry, to avoid races
// between "mark cancelled" and "just finished".
type CancelRegistry struct {
	mu        sync.RWMutex
	cancelled map[string]struct{}
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancelled: make(map[string]struct{})}
}

// RequestCancel marks a workflow for cancellation. Idempotent.
func (r *CancelRegistry) RequestCancel(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[workflowID] = struct{}{}
}

// IsCancelled reports whether a cancel request exists for the workflow.
// Non-blocking read.
func (r *CancelRegistry) IsCancelled(workflowID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cancelled[workflowID]
	return ok
}

// Clear removes the workflow's cancellation entry. Idempotent; called by the
// owning executor only, once the workflow has finished.
func (r *CancelRegistry) Clear(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, workflowID)
}
