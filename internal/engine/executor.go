package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/matteram/ensemble/internal/logging"
	"github.com/matteram/ensemble/internal/streaming"
	"github.com/matteram/ensemble/pkg/schema"
)

// DefaultDeadline bounds one agent invocation's wall-clock time.
const DefaultDeadline = 600 * time.Second

// DefaultListenerGrace is how long listener shutdown waits for in-flight
// events to flush.
const DefaultListenerGrace = 2 * time.Second

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// completionFallback replaces nil/empty agent results.
const completionFallback = "The workflow completed, but produced no textual result."

// ListenerHandle is the executor's view of a running event listener.
// Satisfied by *streaming.Listener and test doubles.
type ListenerHandle interface {
	Start()
	Stop(grace time.Duration)
}

// Config holds executor configuration.
type Config struct {
	Deadline      time.Duration // per-run wall clock limit (default 600s)
	ListenerGrace time.Duration // listener flush window on teardown
	PoolSize      int           // max concurrent agent invocations
}

// Deps holds the executor's collaborators. Agents, Queue, Hub and Registry
// are required; the rest are optional.
type Deps struct {
	Agents   AgentFactory
	Queue    *streaming.Queue
	Hub      streaming.Broadcaster
	Registry *CancelRegistry
	History  HistoryLoader
	Steps    StepPersister
	Recorder streaming.EventRecorder
	Logger   *slog.Logger

	// NewListener overrides listener construction (used by tests).
	NewListener func(workflowID, roomKey string) ListenerHandle
}

// Executor orchestrates the run/cancel/timeout lifecycle of workflows. One
// executor serves all workflows; everything per-workflow (agent instance,
// workflow context, step counter, listener) is constructed fresh inside
// Execute and never shared.
type Executor struct {
	deps Deps
	cfg  Config
	pool *WorkerPool
}

// NewExecutor creates an Executor with the given dependencies.
func NewExecutor(deps Deps, cfg Config) *Executor {
	if cfg.Deadline <= 0 {
		cfg.Deadline = DefaultDeadline
	}
	if cfg.ListenerGrace <= 0 {
		cfg.ListenerGrace = DefaultListenerGrace
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	e := &Executor{
		deps: deps,
		cfg:  cfg,
		pool: NewWorkerPool(cfg.PoolSize),
	}
	if e.deps.NewListener == nil {
		e.deps.NewListener = func(workflowID, roomKey string) ListenerHandle {
			return streaming.NewListener(workflowID, roomKey, deps.Queue, deps.Hub, deps.Recorder, deps.Logger)
		}
	}
	return e
}

// RequestCancel marks a workflow for cooperative cancellation. Callable from
// any external trigger; takes effect the next time the run polls the flag.
func (e *Executor) RequestCancel(workflowID string) {
	e.deps.Registry.RequestCancel(workflowID)
}

// PoolMetrics exposes the worker pool counters.
func (e *Executor) PoolMetrics() PoolMetrics {
	return e.pool.Metrics()
}

// Shutdown stops accepting work and waits for in-flight invocations.
func (e *Executor) Shutdown() {
	e.pool.Shutdown()
}

type agentResult struct {
	text string
	err  error
}

// Execute runs one workflow end to end and returns its textual result.
//
// Error contract: cancellation and timeout are re-raised to the caller as
// errors matching errors.Is(err, ErrRunCancelled); any other agent failure is
// swallowed and converted into a user-facing error string, so an HTTP caller
// always has a body to return.
func (e *Executor) Execute(ctx context.Context, workflowID, request string, metadata map[string]string, deadline time.Duration) (string, error) {
	if workflowID == "" {
		workflowID = uuid.New().String()
	}
	if deadline <= 0 {
		deadline = e.cfg.Deadline
	}
	if metadata == nil {
		metadata = map[string]string{}
	}

	sink := &stepSink{e: e}
	wc := NewWorkflowContext(workflowID, metadata, sink)
	ctx = WithWorkflow(ctx, wc)
	ctx = logging.WithWorkflowID(ctx, workflowID)
	ctx = logging.WithRoomKey(ctx, wc.RoomKey())
	sink.ctx = ctx

	fsm := NewLifecycleFSM(workflowID, e.deps.Queue)

	// Initializing: register with the queue, start the listener.
	e.deps.Queue.Register(workflowID)
	listener := e.deps.NewListener(workflowID, wc.RoomKey())
	listener.Start()

	// Cleanup runs exactly once regardless of which exit branch is taken.
	// The CleanedUp transition is announced before the listener stops so the
	// grace window can flush it.
	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			_ = fsm.Transition(schema.RunStateCleanedUp)
			listener.Stop(e.cfg.ListenerGrace)
			e.deps.Queue.Unregister(workflowID)
			e.deps.Registry.Clear(workflowID)
		})
	}
	defer cleanup()

	e.deps.Logger.InfoContext(ctx, "workflow starting")
	e.emitStep(ctx, wc.NewStep(schema.StepTypeStart, "Understanding your request", request, schema.StepStatusCompleted))

	// Cancelled before we ever dispatched: skip straight to Cancelling.
	if e.deps.Registry.IsCancelled(workflowID) {
		return "", e.cancelRun(ctx, fsm, wc)
	}

	// Fresh agent instance per workflow: isolation by construction.
	agent := e.deps.Agents.New(workflowID, metadata)
	history := e.loadHistory(ctx, metadata)

	if err := fsm.Transition(schema.RunStateRunning); err != nil {
		return e.failRun(ctx, fsm, wc, err), nil
	}

	runCtx, cancelRun := context.WithTimeout(ctx, deadline)
	defer cancelRun()

	// Re-check immediately before dispatch.
	if e.deps.Registry.IsCancelled(workflowID) {
		return "", e.cancelRun(ctx, fsm, wc)
	}

	resultCh := make(chan agentResult, 1)
	submitErr := e.pool.Submit(runCtx, func(c context.Context) (err error) {
		// A panicking agent must still produce a result, or the select
		// below would block until the deadline and misreport a timeout.
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("agent panic: %v", r)
				resultCh <- agentResult{err: err}
			}
		}()
		text, err := agent.Run(c, history, request)
		resultCh <- agentResult{text: text, err: err}
		return err
	})
	if submitErr != nil {
		return e.failRun(ctx, fsm, wc, submitErr), nil
	}

	select {
	case res := <-resultCh:
		// The deadline may fire in the same instant the agent returns; the
		// deadline is authoritative over whatever the agent came back with.
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", e.timeoutRun(ctx, fsm, wc, deadline)
		}
		if res.err != nil {
			if errors.Is(res.err, ErrRunCancelled) || errors.Is(res.err, context.Canceled) {
				return "", e.cancelRun(ctx, fsm, wc)
			}
			return e.failRun(ctx, fsm, wc, res.err), nil
		}
		// The run may have been cancelled between the agent's last poll and
		// its return; the registry is authoritative.
		if e.deps.Registry.IsCancelled(workflowID) {
			return "", e.cancelRun(ctx, fsm, wc)
		}
		return e.completeRun(ctx, fsm, wc, res.text), nil

	case <-runCtx.Done():
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return "", e.timeoutRun(ctx, fsm, wc, deadline)
		}
		return "", e.cancelRun(ctx, fsm, wc)
	}
}

// completeRun is the Completing branch: normalize the result and emit the
// final synthesis step.
func (e *Executor) completeRun(ctx context.Context, fsm *LifecycleFSM, wc *WorkflowContext, text string) string {
	_ = fsm.Transition(schema.RunStateCompleting)
	if strings.TrimSpace(text) == "" {
		text = completionFallback
	}
	e.emitStep(ctx, wc.NewStep(schema.StepTypeSynthesis, "Response ready", text, schema.StepStatusCompleted))
	e.deps.Logger.InfoContext(ctx, "workflow completed",
		slog.Int("steps", wc.Counter.Current()))
	return text
}

// cancelRun is the Cancelling branch: emit the terminal cancelled step and
// re-raise a cancellation-flavored error.
func (e *Executor) cancelRun(ctx context.Context, fsm *LifecycleFSM, wc *WorkflowContext) error {
	_ = fsm.Transition(schema.RunStateCancelling)
	e.emitStep(ctx, wc.NewStep(schema.StepTypeCancelled, "Workflow cancelled", "Cancellation was requested", schema.StepStatusFailed))
	e.deps.Logger.InfoContext(ctx, "workflow cancelled")
	return schema.NewError(schema.ErrCodeCancelled, "workflow cancelled").
		WithWorkflow(wc.WorkflowID).
		WithCause(ErrRunCancelled)
}

// timeoutRun is the TimedOut branch: the await on the worker is abandoned,
// observers get a room-scoped error notice, and the caller gets a
// cancellation-style error. The worker itself may still be running; its
// context is cancelled so a cooperative agent releases resources, and its
// result is discarded either way.
func (e *Executor) timeoutRun(ctx context.Context, fsm *LifecycleFSM, wc *WorkflowContext, deadline time.Duration) error {
	_ = fsm.Transition(schema.RunStateTimedOut)
	now := time.Now().UTC()
	e.deps.Hub.Broadcast(schema.WireMessage{
		Type:        schema.WireTypeError,
		WorkflowID:  wc.WorkflowID,
		RoomKey:     wc.RoomKey(),
		Title:       "Workflow timed out",
		Description: fmt.Sprintf("The workflow exceeded its %s deadline and was stopped.", deadline),
		Status:      schema.StepStatusFailed,
		Timestamp:   now,
	})
	e.deps.Queue.Put(streaming.Event{
		WorkflowID: wc.WorkflowID,
		Type:       schema.EventWorkflowTimedOut,
		Timestamp:  now,
	})
	e.deps.Logger.WarnContext(ctx, "workflow timed out",
		slog.Duration("deadline", deadline))
	return schema.NewErrorf(schema.ErrCodeTimeout, "workflow timed out after %s", deadline).
		WithWorkflow(wc.WorkflowID).
		WithCause(ErrRunCancelled)
}

// failRun is the Failing branch: the error is logged, turned into a failed
// step, and converted into a plain-text response. The caller is typically an
// HTTP handler that must always produce a body, so nothing is re-raised.
func (e *Executor) failRun(ctx context.Context, fsm *LifecycleFSM, wc *WorkflowContext, runErr error) string {
	_ = fsm.Transition(schema.RunStateFailing)
	e.emitStep(ctx, wc.NewStep(schema.StepTypeError, "Workflow failed", runErr.Error(), schema.StepStatusFailed))
	e.deps.Logger.ErrorContext(ctx, "workflow failed",
		slog.String("error", runErr.Error()))
	return fmt.Sprintf("I ran into a problem while working on your request: %s", runErr.Error())
}

// emitStep pushes a step onto the queue and persists it best-effort.
func (e *Executor) emitStep(ctx context.Context, step *schema.WorkflowStep) {
	e.deps.Queue.Put(streaming.NewStepEvent(step))
	if e.deps.Steps != nil {
		_ = e.deps.Steps.PersistStep(ctx, step)
	}
}

// loadHistory fetches the prior transcript, excluding the message that
// triggered this workflow. Best-effort: a load failure degrades to an empty
// transcript rather than failing the run.
func (e *Executor) loadHistory(ctx context.Context, metadata map[string]string) []schema.Message {
	if e.deps.History == nil {
		return nil
	}
	chatID := metadata["chat_id"]
	if chatID == "" {
		return nil
	}
	history, err := e.deps.History.LoadHistory(ctx, chatID, metadata["message_id"])
	if err != nil {
		e.deps.Logger.WarnContext(ctx, "history load failed",
			slog.String("error", err.Error()))
		return nil
	}
	return history
}

// stepSink is the WorkflowContext-facing adapter that lets agent code emit
// steps mid-run through the same queue/persistence path as the executor.
// ctx is the workflow-bound context, assigned once during Execute setup
// before dispatch, so persisted steps keep their correlation values.
type stepSink struct {
	e   *Executor
	ctx context.Context
}

func (s *stepSink) EmitStep(step *schema.WorkflowStep) {
	s.e.deps.Queue.Put(streaming.NewStepEvent(step))
	if s.e.deps.Steps != nil {
		_ = s.e.deps.Steps.PersistStep(s.ctx, step)
	}
}
