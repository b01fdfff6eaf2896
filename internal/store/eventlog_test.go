package store

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteram/ensemble/pkg/schema"
)

func TestEventLog_AppendAssignsSequence(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		e := &Event{WorkflowID: "wf-1", Type: schema.EventWorkflowStep}
		require.NoError(t, el.AppendEvent(ctx, e))
		assert.EqualValues(t, i, e.Sequence)
	}
}

func TestEventLog_SequencePerWorkflow(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	a := &Event{WorkflowID: "wf-a", Type: schema.EventWorkflowStep}
	require.NoError(t, el.AppendEvent(ctx, a))
	b := &Event{WorkflowID: "wf-b", Type: schema.EventWorkflowStep}
	require.NoError(t, el.AppendEvent(ctx, b))

	assert.EqualValues(t, 1, a.Sequence)
	assert.EqualValues(t, 1, b.Sequence)
}

func TestEventLog_ConcurrentAppendsStayContiguous(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := el.AppendEvent(ctx, &Event{WorkflowID: "wf-1", Type: schema.EventWorkflowProgress})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	events, err := el.Replay(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, events, n)
	for i, e := range events {
		assert.EqualValues(t, i+1, e.Sequence)
	}
}

func TestEventLog_GetEventsSince(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, el.AppendEvent(ctx, &Event{WorkflowID: "wf-1", Type: schema.EventWorkflowStep}))
	}

	events, err := el.GetEvents(ctx, "wf-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.EqualValues(t, 4, events[0].Sequence)
	assert.EqualValues(t, 5, events[1].Sequence)
}

func TestEventLog_RecordEventStoresWireMessage(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)

	msg := schema.WireMessage{
		Type:       schema.WireTypeStep,
		WorkflowID: "wf-1",
		RoomKey:    "proj-1",
		StepNumber: 1,
		Title:      "Starting",
	}
	require.NoError(t, el.RecordEvent("wf-1", schema.EventWorkflowStep, msg))

	events, err := el.Replay(context.Background(), "wf-1")
	require.NoError(t, err)
	require.Len(t, events, 1)

	var stored schema.WireMessage
	require.NoError(t, json.Unmarshal(events[0].Payload, &stored))
	assert.Equal(t, "proj-1", stored.RoomKey)
	assert.Equal(t, 1, stored.StepNumber)
}

func TestEventLog_ReplayDetectsGaps(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)
	ctx := context.Background()

	// Bypass the log to create a gap.
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf-1", Type: "x", Sequence: 1}))
	require.NoError(t, s.AppendEvent(ctx, &Event{WorkflowID: "wf-1", Type: "x", Sequence: 3}))

	_, err := el.Replay(ctx, "wf-1")
	require.Error(t, err)
	var se *schema.Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schema.ErrCodeStore, se.Code)
}

func TestEventLog_ReplayEmptyWorkflow(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s)

	events, err := el.Replay(context.Background(), "wf-none")
	require.NoError(t, err)
	assert.Empty(t, events)
}
