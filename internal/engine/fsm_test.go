package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

func TestCheckStepTransition(t *testing.T) {
	cases := []struct {
		from, to schema.StepStatus
		ok       bool
	}{
		{schema.StepStatusRunning, schema.StepStatusSuccess, true},
		{schema.StepStatusRunning, schema.StepStatusSuspended, true},
		{schema.StepStatusRunning, schema.StepStatusWaiting, true},
		{schema.StepStatusSuspended, schema.StepStatusRunning, true},
		// A woken sleep completes without re-entering an executor.
		{schema.StepStatusSuspended, schema.StepStatusSuccess, true},
		// A delivered event completes the waiting node directly.
		{schema.StepStatusWaiting, schema.StepStatusSuccess, true},
		{schema.StepStatusWaiting, schema.StepStatusFailed, true},
		{schema.StepStatusSuccess, schema.StepStatusRunning, false},
		{schema.StepStatusFailed, schema.StepStatusRunning, false},
		{schema.StepStatusCanceled, schema.StepStatusSuccess, false},
		{schema.StepStatusWaiting, schema.StepStatusSuspended, false},
	}
	for _, tc := range cases {
		err := checkStepTransition(tc.from, tc.to)
		if tc.ok {
			assert.NoError(t, err, "%s -> %s", tc.from, tc.to)
		} else {
			requireCode(t, err, schema.ErrCodeInvalidTransition)
		}
	}
}

func TestCheckRunTransition(t *testing.T) {
	assert.NoError(t, checkRunTransition(schema.RunStatusSuspended, schema.RunStatusRunning))
	assert.NoError(t, checkRunTransition(schema.RunStatusRunning, schema.RunStatusCanceled))
	requireCode(t, checkRunTransition(schema.RunStatusSuccess, schema.RunStatusRunning),
		schema.ErrCodeInvalidTransition)
}

func TestRunEventType(t *testing.T) {
	assert.Equal(t, schema.EventRunSuspended, runEventType(schema.RunStatusSuspended))
	assert.Equal(t, schema.EventRunCanceled, runEventType(schema.RunStatusCanceled))
	assert.Equal(t, schema.EventRunFinished, runEventType(schema.RunStatusSuccess))
	assert.Equal(t, schema.EventRunFinished, runEventType(schema.RunStatusFailed))
}

// record refuses a status change the step state machine forbids.
func TestRecord_RejectsInvalidStepTransition(t *testing.T) {
	r := newRig(t, Options{})
	ctx := context.Background()

	snap := &store.RunSnapshot{
		RunID:      "r1",
		WorkflowID: "wf",
		Status:     schema.RunStatusRunning,
		Steps: map[string]*store.StepResult{
			"a": {Path: "a", Status: schema.StepStatusSuccess},
		},
	}
	require.NoError(t, r.store.PutSnapshot(ctx, snap))

	w := &walker{engine: r.engine, snap: snap, scope: scopeFromSnapshot(snap)}
	out := w.record(ctx, "a", &store.StepResult{Path: "a", Status: schema.StepStatusRunning})
	require.NotNil(t, out)
	assert.Equal(t, schema.StepStatusFailed, out.status)
	requireCode(t, out.failure, schema.ErrCodeInvalidTransition)

	// Re-recording the same status stays idempotent.
	assert.Nil(t, w.record(ctx, "a", &store.StepResult{Path: "a", Status: schema.StepStatusSuccess}))
}
