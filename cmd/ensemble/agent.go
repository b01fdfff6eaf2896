package main

import (
	"context"
	"fmt"

	"github.com/matteram/ensemble/internal/engine"
	"github.com/matteram/ensemble/pkg/schema"
)

// echoAgentFactory supplies the default agent collaborator. It is a
// stand-in: real deployments plug in their own engine.AgentFactory and this
// one exists so the binary runs end to end out of the box. The agent honors
// the cooperative cancellation contract and emits progress steps through the
// workflow binding on ctx.
type echoAgentFactory struct {
	checker engine.CancelChecker
}

func (f *echoAgentFactory) New(workflowID string, _ map[string]string) engine.AgentRunner {
	return &echoAgent{workflowID: workflowID, checker: f.checker}
}

type echoAgent struct {
	workflowID string
	checker    engine.CancelChecker
}

func (a *echoAgent) Run(ctx context.Context, history []schema.Message, request string) (string, error) {
	if a.checker.IsCancelled(a.workflowID) {
		return "", engine.ErrRunCancelled
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	engine.EmitAgentStep(ctx, "Reviewing context",
		fmt.Sprintf("Considering %d prior turns", len(history)))
	engine.EmitAgentStep(ctx, "Composing response", "")

	if a.checker.IsCancelled(a.workflowID) {
		return "", engine.ErrRunCancelled
	}
	return fmt.Sprintf("Acknowledged: %s", request), nil
}
