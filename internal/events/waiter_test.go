package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rendis/stepflow/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type resumeCall struct {
	workflowID string
	runID      string
	path       string
	payload    json.RawMessage
	expired    bool
}

type mockResumer struct {
	calls []resumeCall
	err   error
}

func (m *mockResumer) ResumeFromEvent(_ context.Context, workflowID, runID, path string, payload json.RawMessage) error {
	m.calls = append(m.calls, resumeCall{workflowID: workflowID, runID: runID, path: path, payload: payload})
	return m.err
}

func (m *mockResumer) ExpireWait(_ context.Context, workflowID, runID, path string) error {
	m.calls = append(m.calls, resumeCall{workflowID: workflowID, runID: runID, path: path, expired: true})
	return m.err
}

func newWaiter(t *testing.T) (*Waiter, store.SnapshotStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return NewWaiter(st, nil), st
}

func TestWaiter_RegisterAndDeliver(t *testing.T) {
	w, st := newWaiter(t)
	ctx := context.Background()
	resumer := &mockResumer{}

	require.NoError(t, w.Register(ctx, "wf", "r1", "approved", "root.wait", nil))

	delivered, err := w.Deliver(ctx, resumer, "r1", "approved", json.RawMessage(`{"by":"alice"}`))
	require.NoError(t, err)
	assert.True(t, delivered)

	require.Len(t, resumer.calls, 1)
	call := resumer.calls[0]
	assert.Equal(t, "wf", call.workflowID)
	assert.Equal(t, "r1", call.runID)
	assert.Equal(t, "root.wait", call.path)
	assert.JSONEq(t, `{"by":"alice"}`, string(call.payload))

	// Registration is consumed: persisted record gone, second delivery drops.
	recs, err := st.ListEventWaits(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)

	delivered, err = w.Deliver(ctx, resumer, "r1", "approved", nil)
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestWaiter_FailedResumeKeepsRegistration(t *testing.T) {
	w, st := newWaiter(t)
	ctx := context.Background()

	require.NoError(t, w.Register(ctx, "wf", "r1", "approved", "fan.hold", nil))

	// The run's walker is still active, so the resume claim is rejected.
	failing := &mockResumer{err: errors.New("run r1 is running, not suspended")}
	delivered, err := w.Deliver(ctx, failing, "r1", "approved", nil)
	require.Error(t, err)
	assert.False(t, delivered)

	// The registration survives in memory and in the store; a retried
	// delivery still reaches the node.
	recs, err := st.ListEventWaits(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	resumer := &mockResumer{}
	delivered, err = w.Deliver(ctx, resumer, "r1", "approved", nil)
	require.NoError(t, err)
	assert.True(t, delivered)
	require.Len(t, resumer.calls, 1)
	assert.Equal(t, "fan.hold", resumer.calls[0].path)
}

func TestWaiter_DeliverUnknownEventIsDropped(t *testing.T) {
	w, _ := newWaiter(t)
	resumer := &mockResumer{}

	delivered, err := w.Deliver(context.Background(), resumer, "r1", "nobody-waits", nil)
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Empty(t, resumer.calls)
}

func TestWaiter_EventNameMustMatch(t *testing.T) {
	w, _ := newWaiter(t)
	ctx := context.Background()
	resumer := &mockResumer{}

	require.NoError(t, w.Register(ctx, "wf", "r1", "approved", "root.wait", nil))

	delivered, err := w.Deliver(ctx, resumer, "r1", "rejected", nil)
	require.NoError(t, err)
	assert.False(t, delivered)

	delivered, err = w.Deliver(ctx, resumer, "r1", "approved", nil)
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestWaiter_Rehydrate(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	require.NoError(t, st.PutEventWait(ctx, &store.EventWaitRecord{
		RunID: "r1", WorkflowID: "wf", EventName: "approved", Path: "root.wait",
		CreatedAt: time.Now().UTC(),
	}))

	// Fresh waiter, as after a restart.
	w := NewWaiter(st, nil)
	require.NoError(t, w.Rehydrate(ctx))

	resumer := &mockResumer{}
	delivered, err := w.Deliver(ctx, resumer, "r1", "approved", nil)
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestWaiter_ExpireDue(t *testing.T) {
	w, st := newWaiter(t)
	ctx := context.Background()
	resumer := &mockResumer{}

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)
	require.NoError(t, w.Register(ctx, "wf", "r1", "approved", "root.wait", &past))
	require.NoError(t, w.Register(ctx, "wf", "r2", "approved", "root.wait", &future))
	require.NoError(t, w.Register(ctx, "wf", "r3", "approved", "root.wait", nil))

	require.NoError(t, w.ExpireDue(ctx, resumer, time.Now()))

	require.Len(t, resumer.calls, 1)
	assert.True(t, resumer.calls[0].expired)
	assert.Equal(t, "r1", resumer.calls[0].runID)

	recs, err := st.ListEventWaits(ctx)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestWaiter_NextDeadline(t *testing.T) {
	w, _ := newWaiter(t)
	ctx := context.Background()

	assert.Nil(t, w.NextDeadline())

	later := time.Now().Add(2 * time.Hour)
	sooner := time.Now().Add(time.Hour)
	require.NoError(t, w.Register(ctx, "wf", "r1", "a", "p", &later))
	require.NoError(t, w.Register(ctx, "wf", "r2", "b", "p", &sooner))
	require.NoError(t, w.Register(ctx, "wf", "r3", "c", "p", nil))

	got := w.NextDeadline()
	require.NotNil(t, got)
	assert.True(t, got.Equal(sooner))
}

func TestWaiter_UnregisterOnCancel(t *testing.T) {
	w, st := newWaiter(t)
	ctx := context.Background()

	require.NoError(t, w.Register(ctx, "wf", "r1", "approved", "root.wait", nil))
	require.NoError(t, w.Unregister(ctx, "r1", "approved"))

	resumer := &mockResumer{}
	delivered, err := w.Deliver(ctx, resumer, "r1", "approved", nil)
	require.NoError(t, err)
	assert.False(t, delivered)

	recs, err := st.ListEventWaits(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
