package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// resumeTarget pins the node path a resume re-enters. expire marks a
// timed-out event wait: the node fails with TIMEOUT instead of resuming.
type resumeTarget struct {
	path   string
	data   json.RawMessage
	expire bool
}

// outcome is the result of walking one node.
type outcome struct {
	status      schema.StepStatus
	output      json.RawMessage
	failure     *schema.EngineError
	suspensions []*store.SuspendedPath
}

func (o outcome) suspended() bool {
	return o.status == schema.StepStatusSuspended || o.status == schema.StepStatusWaiting
}

func succeed(output json.RawMessage) outcome {
	return outcome{status: schema.StepStatusSuccess, output: output}
}

func fail(err *schema.EngineError) outcome {
	return outcome{status: schema.StepStatusFailed, failure: err}
}

func suspend(sp *store.SuspendedPath, status schema.StepStatus) outcome {
	return outcome{status: status, suspensions: []*store.SuspendedPath{sp}}
}

var canceledOutcome = outcome{status: schema.StepStatusCanceled}

// walker drives one run's graph walk. The mutex serializes snapshot writes
// and scope mutation across parallel branches; everything else is
// branch-local.
type walker struct {
	engine *Engine
	def    *graph.Definition
	snap   *store.RunSnapshot
	scope  *expressions.Scope
	target *resumeTarget

	mu       sync.Mutex
	fatalErr *schema.EngineError
}

// walk executes one node. Nodes with a recorded terminal result are skipped
// and replay their stored output, which is what makes resume re-entry cheap.
func (w *walker) walk(ctx context.Context, node schema.Node, path string, input json.RawMessage) outcome {
	if ctx.Err() != nil {
		return canceledOutcome
	}
	if w.fatal() != nil {
		return fail(w.fatal())
	}

	if rec := w.recorded(path); rec != nil && rec.Status.Terminal() {
		return outcome{status: rec.Status, output: rec.Output}
	}

	ctx = logging.WithPath(ctx, path)

	switch node.Kind {
	case schema.NodeStep:
		return w.walkStep(ctx, node, path, input)
	case schema.NodeSequence:
		return w.walkSequence(ctx, node, path, input)
	case schema.NodeBranch:
		return w.walkBranch(ctx, node, path, input)
	case schema.NodeParallel:
		return w.walkParallel(ctx, node, path, input)
	case schema.NodeDoWhile, schema.NodeDoUntil:
		return w.walkLoop(ctx, node, path, input)
	case schema.NodeForeach:
		return w.walkForeach(ctx, node, path, input)
	case schema.NodeMap:
		return w.walkMap(ctx, node, path, input)
	case schema.NodeSleep:
		return w.walkSleep(ctx, node, path, input)
	case schema.NodeWaitForEvent:
		return w.walkWait(ctx, node, path, input)
	default:
		return fail(schema.NewErrorf(schema.ErrCodeExecution,
			"unknown node kind %s", node.Kind).WithPath(path))
	}
}

// --- leaf nodes ---

func (w *walker) walkStep(ctx context.Context, node schema.Node, path string, input json.RawMessage) outcome {
	rec := w.recorded(path)
	target := w.matchTarget(path)

	// A suspended step that is not the resume target stays suspended.
	if rec != nil && rec.Status == schema.StepStatusSuspended && target == nil {
		return suspend(w.existingSuspension(path, node), schema.StepStatusSuspended)
	}

	executor, err := w.engine.registry.Lookup(node.Executor)
	if err != nil {
		return w.failStep(ctx, path, input, toEngineError(err, path))
	}

	execInput := input
	var resumeData json.RawMessage
	if target != nil {
		resumeData = target.data
		execInput = mergeResumeInput(input, resumeData)
	}

	if out := w.startStep(ctx, path, execInput); out != nil {
		return *out
	}

	ec := &ExecContext{
		RunID:      w.snap.RunID,
		WorkflowID: w.snap.WorkflowID,
		Path:       path,
		Input:      input,
		ResumeData: resumeData,
		emitText: func(delta string) {
			payload, _ := json.Marshal(map[string]string{"delta": delta})
			w.engine.emit(ctx, w.snap, schema.EventStepOutput, path, payload)
		},
	}

	output, execErr := executor.Execute(ctx, ec)

	if ec.suspended {
		sp := &store.SuspendedPath{
			Path:         path,
			Kind:         store.SuspendKindStep,
			Payload:      ec.suspendPayload,
			ResumeSchema: node.ResumeSchema,
			SuspendedAt:  time.Now().UTC(),
		}
		if out := w.record(ctx, path, &store.StepResult{
			Path: path, Status: schema.StepStatusSuspended, Input: execInput,
		}); out != nil {
			return *out
		}
		w.engine.emit(ctx, w.snap, schema.EventStepSuspended, path, ec.suspendPayload)
		return suspend(sp, schema.StepStatusSuspended)
	}

	if execErr != nil {
		if ctx.Err() != nil {
			w.recordCanceled(ctx, path, execInput)
			return canceledOutcome
		}
		return w.failStep(ctx, path, execInput, toEngineError(execErr, path))
	}

	return w.succeedStep(ctx, path, execInput, output)
}

func (w *walker) walkMap(ctx context.Context, node schema.Node, path string, input json.RawMessage) outcome {
	if out := w.startStep(ctx, path, input); out != nil {
		return *out
	}

	var decoded any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &decoded); err != nil {
			return w.failStep(ctx, path, input, schema.NewErrorf(schema.ErrCodeExecution,
				"map input is not valid JSON: %s", err.Error()).WithPath(path).WithCause(err))
		}
	}

	result, err := w.engine.eval.EvalTransform(ctx, node.Transform, decoded, w.frozenScope())
	if err != nil {
		return w.failStep(ctx, path, input, toEngineError(err, path))
	}

	output, err := json.Marshal(result)
	if err != nil {
		return w.failStep(ctx, path, input, schema.NewErrorf(schema.ErrCodeExecution,
			"map output is not serializable: %s", err.Error()).WithPath(path).WithCause(err))
	}

	return w.succeedStep(ctx, path, input, output)
}

func (w *walker) walkSleep(ctx context.Context, node schema.Node, path string, input json.RawMessage) outcome {
	rec := w.recorded(path)
	target := w.matchTarget(path)

	if target != nil && rec != nil && rec.Status == schema.StepStatusSuspended {
		// Timer fired: the pause is over, output passes through.
		return w.succeedStep(ctx, path, input, input)
	}
	if rec != nil && rec.Status == schema.StepStatusSuspended {
		return suspend(w.existingSuspension(path, node), schema.StepStatusSuspended)
	}

	wake := time.Now().UTC()
	if node.Until != nil {
		wake = node.Until.UTC()
	} else {
		wake = wake.Add(time.Duration(node.Duration))
	}

	if out := w.record(ctx, path, &store.StepResult{
		Path: path, Status: schema.StepStatusSuspended, Input: input,
	}); out != nil {
		return *out
	}
	w.engine.emit(ctx, w.snap, schema.EventStepSuspended, path, nil)

	return suspend(&store.SuspendedPath{
		Path:        path,
		Kind:        store.SuspendKindSleep,
		WakeAt:      &wake,
		SuspendedAt: time.Now().UTC(),
	}, schema.StepStatusSuspended)
}

func (w *walker) walkWait(ctx context.Context, node schema.Node, path string, input json.RawMessage) outcome {
	rec := w.recorded(path)
	target := w.matchTarget(path)

	if target != nil && rec != nil && rec.Status == schema.StepStatusWaiting {
		if target.expire {
			return w.failStep(ctx, path, input, schema.NewErrorf(schema.ErrCodeTimeout,
				"timed out waiting for event %q", node.Event).WithPath(path))
		}
		// Event payload becomes the node output.
		return w.succeedStep(ctx, path, input, target.data)
	}
	if rec != nil && rec.Status == schema.StepStatusWaiting {
		return suspend(w.existingSuspension(path, node), schema.StepStatusWaiting)
	}

	var deadline *time.Time
	if node.Timeout > 0 {
		d := time.Now().UTC().Add(time.Duration(node.Timeout))
		deadline = &d
	}

	if out := w.record(ctx, path, &store.StepResult{
		Path: path, Status: schema.StepStatusWaiting, Input: input,
	}); out != nil {
		return *out
	}

	if err := w.engine.waiter.Register(ctx, w.snap.WorkflowID, w.snap.RunID, node.Event, path, deadline); err != nil {
		return w.failStep(ctx, path, input, toEngineError(err, path))
	}
	w.engine.emit(ctx, w.snap, schema.EventStepWaiting, path, nil)

	return suspend(&store.SuspendedPath{
		Path:        path,
		Kind:        store.SuspendKindEvent,
		EventName:   node.Event,
		Deadline:    deadline,
		SuspendedAt: time.Now().UTC(),
	}, schema.StepStatusWaiting)
}

// --- composite nodes ---

func (w *walker) walkSequence(ctx context.Context, node schema.Node, path string, input json.RawMessage) outcome {
	current := input
	for i := range node.Children {
		child := node.Children[i]
		out := w.walk(ctx, child, graph.ChildPath(path, child.ID), current)
		if out.status == schema.StepStatusFailed || out.status == schema.StepStatusCanceled || out.suspended() {
			return out
		}
		current = out.output
	}
	return w.succeedQuiet(ctx, path, input, current)
}

func (w *walker) walkBranch(ctx context.Context, node schema.Node, path string, input json.RawMessage) outcome {
	for i := range node.Branches {
		arm := node.Branches[i]
		match, err := w.engine.eval.EvalCondition(ctx, arm.When, w.frozenScope())
		if err != nil {
			// An arm guarding on a scope key that was never populated is a
			// non-match, not a failure.
			if expressions.IsMissingKey(err) {
				continue
			}
			return w.failStep(ctx, path, input, toEngineError(err, path))
		}
		if !match {
			continue
		}
		out := w.walk(ctx, arm.Node, graph.ChildPath(path, arm.Node.ID), input)
		if out.status == schema.StepStatusFailed || out.status == schema.StepStatusCanceled || out.suspended() {
			return out
		}
		return w.succeedQuiet(ctx, path, input, out.output)
	}
	// No arm matched: no-op success, input passes through.
	return w.succeedQuiet(ctx, path, input, input)
}

func (w *walker) walkParallel(ctx context.Context, node schema.Node, path string, input json.RawMessage) outcome {
	outs := make([]outcome, len(node.Children))
	var wg sync.WaitGroup

	// All children run to a terminal or suspended state even when a sibling
	// fails, keeping partial results available.
	for i := range node.Children {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			child := node.Children[i]
			outs[i] = w.walk(ctx, child, graph.ChildPath(path, child.ID), input)
		}(i)
	}
	wg.Wait()

	if done := aggregate(outs); done != nil {
		return *done
	}

	byID := make(map[string]json.RawMessage, len(node.Children))
	for i := range node.Children {
		byID[node.Children[i].ID] = outs[i].output
	}
	output, err := json.Marshal(byID)
	if err != nil {
		return w.failStep(ctx, path, input, schema.NewErrorf(schema.ErrCodeExecution,
			"parallel output is not serializable: %s", err.Error()).WithPath(path).WithCause(err))
	}
	return w.succeedQuiet(ctx, path, input, output)
}

func (w *walker) walkLoop(ctx context.Context, node schema.Node, path string, input json.RawMessage) outcome {
	current := input
	for i := 0; ; i++ {
		if max := w.engine.opts.MaxLoopIterations; max > 0 && i >= max {
			return w.failStep(ctx, path, input, schema.NewErrorf(schema.ErrCodeExecution,
				"loop exceeded %d iterations", max).WithPath(path))
		}

		body := *node.Body
		bodyPath := graph.ChildPath(graph.IterPath(path, i), body.ID)
		out := w.walk(ctx, body, bodyPath, current)
		if out.status == schema.StepStatusFailed || out.status == schema.StepStatusCanceled || out.suspended() {
			return out
		}
		current = out.output

		// Condition sees the latest body output as iter.item.
		iterScope := w.frozenScope().WithIter(decodeAny(current), i)
		cond, err := w.engine.eval.EvalCondition(ctx, node.Condition, iterScope)
		if err != nil {
			return w.failStep(ctx, path, input, toEngineError(err, path))
		}

		again := cond
		if node.Kind == schema.NodeDoUntil {
			again = !cond
		}
		if !again {
			return w.succeedQuiet(ctx, path, input, current)
		}
	}
}

func (w *walker) walkForeach(ctx context.Context, node schema.Node, path string, input json.RawMessage) outcome {
	var items []json.RawMessage
	if len(input) > 0 {
		if err := json.Unmarshal(input, &items); err != nil {
			return w.failStep(ctx, path, input, schema.NewErrorf(schema.ErrCodeValidation,
				"foreach input must be a JSON array").WithPath(path).WithCause(err))
		}
	}

	concurrency := node.Concurrency
	if concurrency == 0 {
		concurrency = w.engine.opts.ForeachConcurrency
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	outs := make([]outcome, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var stopMu sync.Mutex
	var stop bool

	for i := range items {
		stopMu.Lock()
		stopped := stop
		stopMu.Unlock()
		if stopped {
			// A failed item stops the fan-out; unlaunched items are skipped
			// once in-flight ones drain.
			outs[i] = outcome{status: schema.StepStatusSkipped}
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer func() {
				<-sem
				wg.Done()
			}()
			body := *node.Body
			itemPath := graph.ChildPath(graph.IterPath(path, i), body.ID)
			outs[i] = w.walk(ctx, body, itemPath, items[i])
			if outs[i].status == schema.StepStatusFailed || outs[i].status == schema.StepStatusCanceled {
				stopMu.Lock()
				stop = true
				stopMu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if done := aggregate(outs); done != nil {
		return *done
	}

	results := make([]json.RawMessage, len(outs))
	for i := range outs {
		results[i] = outs[i].output
	}
	output, err := json.Marshal(results)
	if err != nil {
		return w.failStep(ctx, path, input, schema.NewErrorf(schema.ErrCodeExecution,
			"foreach output is not serializable: %s", err.Error()).WithPath(path).WithCause(err))
	}
	return w.succeedQuiet(ctx, path, input, output)
}

// aggregate folds concurrent child outcomes: cancellation dominates, then
// failure, then suspension. A nil return means every child succeeded or was
// skipped.
func aggregate(outs []outcome) *outcome {
	var suspensions []*store.SuspendedPath
	var firstFailure *schema.EngineError
	anyCanceled := false

	for i := range outs {
		switch {
		case outs[i].status == schema.StepStatusCanceled:
			anyCanceled = true
		case outs[i].status == schema.StepStatusFailed:
			if firstFailure == nil {
				firstFailure = outs[i].failure
			}
		case outs[i].suspended():
			suspensions = append(suspensions, outs[i].suspensions...)
		}
	}

	switch {
	case anyCanceled:
		out := canceledOutcome
		return &out
	case firstFailure != nil:
		out := fail(firstFailure)
		return &out
	case len(suspensions) > 0:
		out := outcome{status: schema.StepStatusSuspended, suspensions: suspensions}
		return &out
	}
	return nil
}

// --- walker plumbing ---

func (w *walker) recorded(path string) *store.StepResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snap.Steps[path]
}

func (w *walker) fatal() *schema.EngineError {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatalErr
}

// matchTarget consumes the resume target when it addresses path.
func (w *walker) matchTarget(path string) *resumeTarget {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.target != nil && w.target.path == path {
		t := w.target
		w.target = nil
		return t
	}
	return nil
}

// existingSuspension re-uses the stored continuation for a node that stays
// suspended across a partial resume, preserving its original deadline and
// wake time.
func (w *walker) existingSuspension(path string, node schema.Node) *store.SuspendedPath {
	w.mu.Lock()
	sp := w.snap.SuspendedAt(path)
	w.mu.Unlock()
	if sp != nil {
		return sp
	}
	return &store.SuspendedPath{
		Path:         path,
		Kind:         store.SuspendKindStep,
		ResumeSchema: node.ResumeSchema,
		EventName:    node.Event,
		SuspendedAt:  time.Now().UTC(),
	}
}

// record writes one step result and persists the snapshot. A store failure
// is walk-fatal; the returned outcome, when non-nil, must be propagated.
func (w *walker) record(ctx context.Context, path string, result *store.StepResult) *outcome {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Re-recording the same status is idempotent; everything else must be a
	// legal step transition.
	if prev, ok := w.snap.Steps[path]; ok && prev.Status != result.Status {
		if err := checkStepTransition(prev.Status, result.Status); err != nil {
			w.fatalErr = toEngineError(err, path)
			out := fail(w.fatalErr)
			return &out
		}
	}

	if result.StartedAt == nil {
		if prev, ok := w.snap.Steps[path]; ok && prev.StartedAt != nil {
			result.StartedAt = prev.StartedAt
		} else {
			now := time.Now().UTC()
			result.StartedAt = &now
		}
	}
	if result.Status.Terminal() && result.CompletedAt == nil {
		now := time.Now().UTC()
		result.CompletedAt = &now
	}

	w.snap.Steps[path] = result
	if err := w.engine.store.PutSnapshot(ctx, w.snap); err != nil {
		w.fatalErr = toEngineError(err, path)
		out := fail(w.fatalErr)
		return &out
	}

	if result.Status == schema.StepStatusSuccess {
		w.scope.AddStep(path, result.Output)
	}
	return nil
}

// startStep marks a leaf node running and emits step-started. Non-nil result
// is a fatal store failure.
func (w *walker) startStep(ctx context.Context, path string, input json.RawMessage) *outcome {
	if out := w.record(ctx, path, &store.StepResult{
		Path: path, Status: schema.StepStatusRunning, Input: input,
	}); out != nil {
		return out
	}
	w.engine.emit(ctx, w.snap, schema.EventStepStarted, path, nil)
	return nil
}

func (w *walker) succeedStep(ctx context.Context, path string, input, output json.RawMessage) outcome {
	if out := w.record(ctx, path, &store.StepResult{
		Path: path, Status: schema.StepStatusSuccess, Input: input, Output: output,
	}); out != nil {
		return *out
	}
	w.engine.emit(ctx, w.snap, schema.EventStepSucceeded, path, output)
	return succeed(output)
}

// succeedQuiet records a composite node's success without start/success
// event chatter; its children already told the story.
func (w *walker) succeedQuiet(ctx context.Context, path string, input, output json.RawMessage) outcome {
	if out := w.record(ctx, path, &store.StepResult{
		Path: path, Status: schema.StepStatusSuccess, Input: input, Output: output,
	}); out != nil {
		return *out
	}
	return succeed(output)
}

func (w *walker) failStep(ctx context.Context, path string, input json.RawMessage, failure *schema.EngineError) outcome {
	errJSON, _ := json.Marshal(failure)
	if out := w.record(ctx, path, &store.StepResult{
		Path: path, Status: schema.StepStatusFailed, Input: input, Error: errJSON,
	}); out != nil {
		return *out
	}
	w.engine.emit(ctx, w.snap, schema.EventStepFailed, path, errJSON)
	return fail(failure)
}

func (w *walker) recordCanceled(ctx context.Context, path string, input json.RawMessage) {
	_ = w.record(ctx, path, &store.StepResult{
		Path: path, Status: schema.StepStatusCanceled, Input: input,
	})
}

// frozenScope snapshots the shared scope under the walker lock so concurrent
// branches never hand a mutating map to an expression engine.
func (w *walker) frozenScope() *expressions.Scope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scope.Frozen()
}

// toEngineError coerces any error into an EngineError carrying the node path.
func toEngineError(err error, path string) *schema.EngineError {
	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		if engErr.Path == "" {
			engErr.Path = path
		}
		return engErr
	}
	return schema.NewError(schema.ErrCodeStepExecution, err.Error()).WithPath(path).WithCause(err)
}

// mergeResumeInput wraps the original input and the resume payload into the
// recorded step input so the snapshot shows what the re-execution consumed.
func mergeResumeInput(input, resumeData json.RawMessage) json.RawMessage {
	merged := map[string]json.RawMessage{}
	if len(input) > 0 {
		merged["input"] = input
	}
	if len(resumeData) > 0 {
		merged["resumeData"] = resumeData
	}
	data, err := json.Marshal(merged)
	if err != nil {
		return input
	}
	return data
}

func decodeAny(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
