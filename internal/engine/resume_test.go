package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// approvalExecutor suspends on first execution and completes with the
// resume payload on re-execution.
func approvalExecutor() ExecutorFunc {
	return func(_ context.Context, ec *ExecContext) (json.RawMessage, error) {
		if ec.ResumeData == nil {
			return nil, ec.Suspend(json.RawMessage(`{"reason": "needs approval"}`))
		}
		return ec.ResumeData, nil
	}
}

func approvalGraph(t *testing.T, r *testRig) {
	t.Helper()
	r.register(graph.New("wf").
		Step("prep", "echo").
		Then(graph.StepWithResumeSchema("gate", "approve",
			json.RawMessage(`{"type":"object","required":["approved"]}`))).
		Step("after", "echo").
		Commit())
	r.engine.Executors().RegisterFunc("echo", echoExecutor("echo"))
	r.engine.Executors().RegisterFunc("approve", approvalExecutor())
}

func startSuspended(t *testing.T, r *testRig) *store.RunSnapshot {
	t.Helper()
	ctx := context.Background()
	snap, err := r.engine.CreateRun(ctx, "wf", "", "")
	require.NoError(t, err)

	suspended, err := r.engine.Start(ctx, "wf", snap.RunID, json.RawMessage(`{}`))
	require.NoError(t, err)
	require.Equal(t, schema.RunStatusSuspended, suspended.Status)
	return suspended
}

func TestSuspendResume_RoundTrip(t *testing.T) {
	r := newRig(t, Options{})
	approvalGraph(t, r)
	ctx := context.Background()

	suspended := startSuspended(t, r)
	require.Len(t, suspended.Suspended, 1)
	sp := suspended.Suspended[0]
	assert.Equal(t, "wf.seq.gate", sp.Path)
	assert.Equal(t, store.SuspendKindStep, sp.Kind)
	assert.JSONEq(t, `{"reason": "needs approval"}`, string(sp.Payload))
	assert.Equal(t, schema.StepStatusSuspended, suspended.Steps["wf.seq.gate"].Status)

	final, err := r.engine.Resume(ctx, "wf", suspended.RunID, "wf.seq.gate",
		json.RawMessage(`{"approved": true}`))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, final.Status)

	gate := final.Steps["wf.seq.gate"]
	require.NotNil(t, gate)
	assert.Equal(t, schema.StepStatusSuccess, gate.Status)
	assert.Contains(t, string(gate.Input), "approved", "recorded input includes the resume data")

	// The walk continued past the gate.
	assert.Equal(t, schema.StepStatusSuccess, final.Steps["wf.seq.after"].Status)
	// Steps before the gate were not re-executed: one result, still success.
	assert.Equal(t, schema.StepStatusSuccess, final.Steps["wf.seq.prep"].Status)
}

func TestResume_InvalidTarget(t *testing.T) {
	r := newRig(t, Options{})
	approvalGraph(t, r)

	suspended := startSuspended(t, r)

	_, err := r.engine.Resume(context.Background(), "wf", suspended.RunID,
		"wf.seq.prep", json.RawMessage(`{"approved": true}`))
	requireCode(t, err, schema.ErrCodeInvalidResumeTarget)
}

func TestResume_NotSuspended(t *testing.T) {
	r := newRig(t, Options{})
	approvalGraph(t, r)
	ctx := context.Background()

	snap, err := r.engine.CreateRun(ctx, "wf", "", "")
	require.NoError(t, err)

	_, err = r.engine.Resume(ctx, "wf", snap.RunID, "wf.seq.gate", nil)
	requireCode(t, err, schema.ErrCodeRunNotSuspended)
}

func TestResume_SecondResumeRejected(t *testing.T) {
	r := newRig(t, Options{})
	approvalGraph(t, r)
	ctx := context.Background()

	suspended := startSuspended(t, r)

	_, err := r.engine.Resume(ctx, "wf", suspended.RunID, "wf.seq.gate",
		json.RawMessage(`{"approved": true}`))
	require.NoError(t, err)

	_, err = r.engine.Resume(ctx, "wf", suspended.RunID, "wf.seq.gate",
		json.RawMessage(`{"approved": true}`))
	requireCode(t, err, schema.ErrCodeRunNotSuspended)
}

func TestResume_PayloadSchemaValidation(t *testing.T) {
	r := newRig(t, Options{})
	approvalGraph(t, r)

	suspended := startSuspended(t, r)

	_, err := r.engine.Resume(context.Background(), "wf", suspended.RunID,
		"wf.seq.gate", json.RawMessage(`{"note": "forgot the decision"}`))
	requireCode(t, err, schema.ErrCodeValidation)

	// The failed validation left the run resumable.
	snap, err := r.engine.GetRun(context.Background(), "wf", suspended.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuspended, snap.Status)
}

// --- waitForEvent ---

func waitEventGraph(t *testing.T, r *testRig, timeout time.Duration) {
	t.Helper()
	r.register(graph.New("wf").
		WaitForEvent("gate", "approved", timeout).
		Step("after", "echo").
		Commit())
	r.engine.Executors().RegisterFunc("echo", echoExecutor("echo"))
}

func TestWaitForEvent_SendEventResumes(t *testing.T) {
	r := newRig(t, Options{})
	waitEventGraph(t, r, 0)
	ctx := context.Background()

	suspended := startSuspended(t, r)
	require.Len(t, suspended.Suspended, 1)
	assert.Equal(t, store.SuspendKindEvent, suspended.Suspended[0].Kind)
	assert.Equal(t, "approved", suspended.Suspended[0].EventName)
	assert.Equal(t, schema.StepStatusWaiting, suspended.Steps["wf.seq.gate"].Status)

	delivered, err := r.engine.SendEvent(ctx, suspended.RunID, "approved",
		json.RawMessage(`{"by": "alice"}`))
	require.NoError(t, err)
	assert.True(t, delivered)

	final := waitForStatus(t, r, "wf", suspended.RunID, schema.RunStatusSuccess)
	gate := final.Steps["wf.seq.gate"]
	assert.Equal(t, schema.StepStatusSuccess, gate.Status)
	assert.JSONEq(t, `{"by": "alice"}`, string(gate.Output))
}

func TestSendEvent_NoWaiterIsDropped(t *testing.T) {
	r := newRig(t, Options{})
	waitEventGraph(t, r, 0)

	delivered, err := r.engine.SendEvent(context.Background(), "unknown-run", "approved", nil)
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestSendEvent_MidParallelSurvivesUntilSuspension(t *testing.T) {
	r := newRig(t, Options{})
	release := make(chan struct{})
	r.register(graph.New("wf").
		Parallel("fan",
			graph.Step("slow", "slow"),
			schema.Node{Kind: schema.NodeWaitForEvent, ID: "hold", Event: "go"},
		).Commit())
	r.engine.Executors().RegisterFunc("slow", func(ctx context.Context, _ *ExecContext) (json.RawMessage, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return json.RawMessage(`{}`), nil
	})
	ctx := context.Background()

	snap, err := r.engine.CreateRun(ctx, "wf", "", "")
	require.NoError(t, err)
	require.NoError(t, r.engine.StartAsync(ctx, "wf", snap.RunID, nil))

	// The wait branch registers while its sibling is still executing, so the
	// resume claim is rejected. The registration must survive the rejection.
	var sendErr error
	require.Eventually(t, func() bool {
		var delivered bool
		delivered, sendErr = r.engine.SendEvent(ctx, snap.RunID, "go", nil)
		return !delivered && sendErr != nil
	}, 2*time.Second, 10*time.Millisecond)
	requireCode(t, sendErr, schema.ErrCodeRunNotSuspended)

	close(release)
	waitForStatus(t, r, "wf", snap.RunID, schema.RunStatusSuspended)

	delivered, err := r.engine.SendEvent(ctx, snap.RunID, "go", json.RawMessage(`{"ok":true}`))
	require.NoError(t, err)
	assert.True(t, delivered)

	final := waitForStatus(t, r, "wf", snap.RunID, schema.RunStatusSuccess)
	assert.Equal(t, schema.StepStatusSuccess, final.Steps["fan.hold"].Status)
	assert.JSONEq(t, `{"ok":true}`, string(final.Steps["fan.hold"].Output))
}

func TestWaitForEvent_ExpiryFailsNode(t *testing.T) {
	r := newRig(t, Options{})
	waitEventGraph(t, r, time.Minute)
	ctx := context.Background()

	suspended := startSuspended(t, r)
	require.NotNil(t, suspended.Suspended[0].Deadline)

	require.NoError(t, r.waiter.ExpireDue(ctx, r.engine, time.Now().Add(2*time.Minute)))

	final := waitForStatus(t, r, "wf", suspended.RunID, schema.RunStatusFailed)
	gate := final.Steps["wf.seq.gate"]
	assert.Equal(t, schema.StepStatusFailed, gate.Status)
	assert.Contains(t, string(gate.Error), schema.ErrCodeTimeout)
}

// --- sleep ---

func TestSleep_SuspendsWithWakeAt(t *testing.T) {
	r := newRig(t, Options{})
	r.register(graph.New("wf").
		Sleep("nap", time.Hour).
		Step("after", "echo").
		Commit())
	r.engine.Executors().RegisterFunc("echo", echoExecutor("echo"))
	ctx := context.Background()

	suspended := startSuspended(t, r)
	require.Len(t, suspended.Suspended, 1)
	sp := suspended.Suspended[0]
	assert.Equal(t, store.SuspendKindSleep, sp.Kind)
	require.NotNil(t, sp.WakeAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *sp.WakeAt, time.Minute)

	require.NoError(t, r.engine.WakeSleep(ctx, "wf", suspended.RunID, "wf.seq.nap"))

	final := waitForStatus(t, r, "wf", suspended.RunID, schema.RunStatusSuccess)
	assert.Equal(t, schema.StepStatusSuccess, final.Steps["wf.seq.nap"].Status)
	assert.Equal(t, schema.StepStatusSuccess, final.Steps["wf.seq.after"].Status)
}

func TestWakeSleep_AlreadyWokenIsNoOp(t *testing.T) {
	r := newRig(t, Options{})
	r.register(graph.New("wf").Sleep("nap", time.Hour).Commit())
	ctx := context.Background()

	suspended := startSuspended(t, r)
	require.NoError(t, r.engine.WakeSleep(ctx, "wf", suspended.RunID, "nap"))
	waitForStatus(t, r, "wf", suspended.RunID, schema.RunStatusSuccess)

	// Second wakeup finds nothing to do.
	assert.NoError(t, r.engine.WakeSleep(ctx, "wf", suspended.RunID, "nap"))
}

// --- parallel suspension ---

func TestParallel_BranchSuspensionIsIndependent(t *testing.T) {
	r := newRig(t, Options{})
	r.register(graph.New("wf").
		Parallel("fan",
			graph.Step("quick", "echo"),
			graph.StepWithResumeSchema("gate", "approve", nil),
		).Commit())
	r.engine.Executors().RegisterFunc("echo", echoExecutor("echo"))
	r.engine.Executors().RegisterFunc("approve", approvalExecutor())
	ctx := context.Background()

	suspended := startSuspended(t, r)
	require.Len(t, suspended.Suspended, 1)
	assert.Equal(t, "fan.gate", suspended.Suspended[0].Path)
	// The sibling finished despite the suspension next to it.
	assert.Equal(t, schema.StepStatusSuccess, suspended.Steps["fan.quick"].Status)

	final, err := r.engine.Resume(ctx, "wf", suspended.RunID, "fan.gate",
		json.RawMessage(`{"approved": true}`))
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, final.Status)
}

// --- cancel ---

func TestCancel_SuspendedRun(t *testing.T) {
	r := newRig(t, Options{})
	approvalGraph(t, r)
	ctx := context.Background()

	suspended := startSuspended(t, r)

	canceled, err := r.engine.Cancel(ctx, "wf", suspended.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCanceled, canceled.Status)
	assert.Empty(t, canceled.Suspended)

	// Resume after cancel is rejected.
	_, err = r.engine.Resume(ctx, "wf", suspended.RunID, "wf.seq.gate",
		json.RawMessage(`{"approved": true}`))
	requireCode(t, err, schema.ErrCodeRunNotSuspended)
}

func TestCancel_TerminalRunIsNoOp(t *testing.T) {
	r := newRig(t, Options{})
	r.register(graph.New("wf").Step("a", "echo").Commit())
	r.engine.Executors().RegisterFunc("echo", echoExecutor("a"))
	ctx := context.Background()

	snap, err := r.engine.CreateRun(ctx, "wf", "", "")
	require.NoError(t, err)
	_, err = r.engine.Start(ctx, "wf", snap.RunID, nil)
	require.NoError(t, err)

	got, err := r.engine.Cancel(ctx, "wf", snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, got.Status)
}

func TestCancel_WaitingRunDropsRegistration(t *testing.T) {
	r := newRig(t, Options{})
	waitEventGraph(t, r, 0)
	ctx := context.Background()

	suspended := startSuspended(t, r)

	_, err := r.engine.Cancel(ctx, "wf", suspended.RunID)
	require.NoError(t, err)

	delivered, err := r.engine.SendEvent(ctx, suspended.RunID, "approved", nil)
	require.NoError(t, err)
	assert.False(t, delivered, "canceled run must not receive events")
}

// Canceling a run mid-parallel checkpoints every in-flight branch: each
// started child carries a terminal result in the final snapshot.
func TestCancel_MidParallelRecordsChildren(t *testing.T) {
	r := newRig(t, Options{})
	started := make(chan struct{}, 2)
	r.register(graph.New("wf").
		Parallel("fan",
			graph.Step("a", "slow"),
			graph.Step("b", "slow"),
		).Commit())
	r.engine.Executors().RegisterFunc("slow", func(ctx context.Context, _ *ExecContext) (json.RawMessage, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	ctx := context.Background()

	snap, err := r.engine.CreateRun(ctx, "wf", "", "")
	require.NoError(t, err)
	require.NoError(t, r.engine.StartAsync(ctx, "wf", snap.RunID, nil))

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("parallel branches never started")
		}
	}

	_, err = r.engine.Cancel(ctx, "wf", snap.RunID)
	require.NoError(t, err)

	final := waitForStatus(t, r, "wf", snap.RunID, schema.RunStatusCanceled)
	assert.Empty(t, final.Suspended)
	for _, path := range []string{"fan.a", "fan.b"} {
		sr := final.Steps[path]
		require.NotNil(t, sr, "missing result for %s", path)
		assert.Equal(t, schema.StepStatusCanceled, sr.Status, path)
		assert.NotNil(t, sr.CompletedAt, path)
	}
}

// --- execution result ---

func TestExecutionResult(t *testing.T) {
	r := newRig(t, Options{})
	r.register(graph.New("wf").Step("a", "echo").Commit())
	r.engine.Executors().RegisterFunc("echo", echoExecutor("a"))
	ctx := context.Background()

	snap, err := r.engine.CreateRun(ctx, "wf", "", "")
	require.NoError(t, err)

	_, err = r.engine.GetExecutionResult(ctx, "wf", snap.RunID)
	requireCode(t, err, schema.ErrCodeConflict)

	_, err = r.engine.Start(ctx, "wf", snap.RunID, nil)
	require.NoError(t, err)

	res, err := r.engine.GetExecutionResult(ctx, "wf", snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusSuccess, res.Status)
	assert.NotEmpty(t, res.Output)
}
