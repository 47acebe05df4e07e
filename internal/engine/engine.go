// Package engine drives workflow runs: it walks step graphs, persists run
// snapshots after every transition, suspends and resumes runs, and publishes
// transition events to live observers.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rendis/stepflow/internal/events"
	"github.com/rendis/stepflow/internal/expressions"
	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
	"github.com/rendis/stepflow/internal/validation"
	"github.com/rendis/stepflow/pkg/schema"
)

// Options tunes engine behavior.
type Options struct {
	// MaxLoopIterations caps dowhile/dountil iterations. 0 leaves loops
	// unbounded and termination up to the workflow author.
	MaxLoopIterations int

	// ForeachConcurrency is the per-foreach default when the node does not
	// set its own. 0 or 1 means sequential.
	ForeachConcurrency int

	// WorkerPoolSize bounds concurrent background walkers (async starts,
	// event resumes, timer wakeups).
	WorkerPoolSize int
}

const defaultWorkerPoolSize = 32

// Engine is the run scheduler. One active walker per run is enforced by the
// in-process active map and, across processes, by the snapshot Version CAS.
type Engine struct {
	store     store.SnapshotStore
	hub       streaming.Hub
	waiter    *events.Waiter
	registry  *Registry
	eval      *expressions.Evaluator
	validator *validation.SchemaValidator
	logger    *slog.Logger
	opts      Options
	pool      *WorkerPool

	mu        sync.Mutex
	workflows map[string]*graph.Definition
	active    map[string]context.CancelFunc
	seqs      map[string]*atomic.Int64
}

// New creates an Engine. logger may be nil.
func New(st store.SnapshotStore, hub streaming.Hub, waiter *events.Waiter, logger *slog.Logger, opts Options) (*Engine, error) {
	eval, err := expressions.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	poolSize := opts.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = defaultWorkerPoolSize
	}
	return &Engine{
		store:     st,
		hub:       hub,
		waiter:    waiter,
		registry:  NewRegistry(),
		eval:      eval,
		validator: validation.NewSchemaValidator(),
		logger:    logger,
		opts:      opts,
		pool:      NewWorkerPool(poolSize),
		workflows: make(map[string]*graph.Definition),
		active:    make(map[string]context.CancelFunc),
		seqs:      make(map[string]*atomic.Int64),
	}, nil
}

// Executors returns the step executor registry.
func (e *Engine) Executors() *Registry {
	return e.registry
}

// RegisterWorkflow makes a validated definition startable.
func (e *Engine) RegisterWorkflow(def *graph.Definition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.workflows[def.ID()] = def
}

// WorkflowIDs lists registered workflow IDs.
func (e *Engine) WorkflowIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.workflows))
	for id := range e.workflows {
		ids = append(ids, id)
	}
	return ids
}

// Workflow returns the registered definition for a workflow ID.
func (e *Engine) Workflow(workflowID string) (*graph.Definition, error) {
	return e.definition(workflowID)
}

func (e *Engine) definition(workflowID string) (*graph.Definition, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.workflows[workflowID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeRunNotFound, "workflow %q not registered", workflowID)
	}
	return def, nil
}

// Shutdown stops accepting background work and waits for in-flight walkers.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// CreateRun allocates and persists a fresh snapshot with status running and
// no step results. Supplying an existing runID returns the stored snapshot
// unchanged, so create is idempotent.
func (e *Engine) CreateRun(ctx context.Context, workflowID, runID, resourceID string) (*store.RunSnapshot, error) {
	if _, err := e.definition(workflowID); err != nil {
		return nil, err
	}

	if runID != "" {
		snap, err := e.store.GetSnapshot(ctx, workflowID, runID)
		if err == nil {
			return snap, nil
		}
		if !hasCode(err, schema.ErrCodeRunNotFound) {
			return nil, err
		}
	} else {
		runID = uuid.NewString()
	}

	snap := &store.RunSnapshot{
		RunID:      runID,
		WorkflowID: workflowID,
		ResourceID: resourceID,
		Status:     schema.RunStatusRunning,
		Steps:      make(map[string]*store.StepResult),
	}
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		if hasCode(err, schema.ErrCodeConflict) {
			// Lost a create race; the stored row is the answer.
			return e.store.GetSnapshot(ctx, workflowID, runID)
		}
		return nil, err
	}
	return snap, nil
}

// Start walks the run's graph synchronously until it completes, suspends, or
// fails, and returns the final snapshot. Only a fresh running snapshot can be
// started; suspended runs take Resume and terminal runs are done.
func (e *Engine) Start(ctx context.Context, workflowID, runID string, input json.RawMessage) (*store.RunSnapshot, error) {
	def, err := e.definition(workflowID)
	if err != nil {
		return nil, err
	}

	snap, err := e.store.GetSnapshot(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}
	if snap.Status != schema.RunStatusRunning {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s cannot be started in status %s", runID, snap.Status)
	}
	if len(snap.Steps) > 0 {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s has already been started", runID)
	}

	snap.Input = input
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	return e.drive(ctx, def, snap, nil, schema.EventRunStarted)
}

// StartAsync starts the walk on the background pool and returns immediately.
// The walk runs detached from the caller's context; observers follow it via
// Watch and stop it via Cancel.
func (e *Engine) StartAsync(ctx context.Context, workflowID, runID string, input json.RawMessage) error {
	bg := context.WithoutCancel(ctx)
	return e.pool.Submit(bg, func(ctx context.Context) error {
		_, err := e.Start(ctx, workflowID, runID, input)
		if err != nil && !hasCode(err, schema.ErrCodeConflict) {
			e.logger.ErrorContext(ctx, "background start failed",
				slog.String("run_id", runID), slog.String("error", err.Error()))
		}
		return err
	})
}

// Watch attaches to a run's transition events without driving the walk.
// The caller must invoke the returned cancel when done.
func (e *Engine) Watch(ctx context.Context, runID string) (<-chan schema.TransitionEvent, func(), error) {
	return e.hub.Subscribe(ctx, streaming.Filter{RunID: runID})
}

// Cancel requests cooperative cancellation. An in-process walker stops at the
// next node boundary; a suspended run is finalized directly. Cancel of a
// terminal run is a no-op.
func (e *Engine) Cancel(ctx context.Context, workflowID, runID string) (*store.RunSnapshot, error) {
	e.mu.Lock()
	cancel, running := e.active[runID]
	e.mu.Unlock()

	if running {
		cancel()
		return e.store.GetSnapshot(ctx, workflowID, runID)
	}

	snap, err := e.store.GetSnapshot(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}
	if snap.Status.Terminal() {
		return snap, nil
	}

	if err := checkRunTransition(snap.Status, schema.RunStatusCanceled); err != nil {
		return nil, err
	}

	// Drop pending event waits before finalizing.
	for _, sp := range snap.Suspended {
		if sp.Kind == store.SuspendKindEvent {
			if err := e.waiter.Unregister(ctx, runID, sp.EventName); err != nil {
				return nil, err
			}
		}
	}

	snap.Status = schema.RunStatusCanceled
	snap.Suspended = nil
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	e.emit(ctx, snap, schema.EventRunCanceled, "", nil)
	return snap, nil
}

// SendEvent delivers an event to a run waiting on it. When the run's wait
// registration matches, the resume is scheduled in the background and
// delivered=true is returned; otherwise the event is dropped.
func (e *Engine) SendEvent(ctx context.Context, runID, eventName string, data json.RawMessage) (bool, error) {
	return e.waiter.Deliver(ctx, e, runID, eventName, data)
}

// GetRun returns the persisted snapshot for a run.
func (e *Engine) GetRun(ctx context.Context, workflowID, runID string) (*store.RunSnapshot, error) {
	return e.store.GetSnapshot(ctx, workflowID, runID)
}

// ListRuns lists persisted snapshots for a workflow.
func (e *Engine) ListRuns(ctx context.Context, workflowID string, filter store.SnapshotFilter) ([]*store.RunSnapshot, int, error) {
	return e.store.ListSnapshots(ctx, workflowID, filter)
}

// ExecutionResult is the condensed terminal view of a run.
type ExecutionResult struct {
	RunID  string           `json:"runId"`
	Status schema.RunStatus `json:"status"`
	Output json.RawMessage  `json:"output,omitempty"`
	Error  json.RawMessage  `json:"error,omitempty"`
}

// GetExecutionResult returns the run's terminal outcome, or CONFLICT while
// the run is still in flight.
func (e *Engine) GetExecutionResult(ctx context.Context, workflowID, runID string) (*ExecutionResult, error) {
	snap, err := e.store.GetSnapshot(ctx, workflowID, runID)
	if err != nil {
		return nil, err
	}
	if !snap.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s has no execution result yet (status %s)", runID, snap.Status)
	}
	return &ExecutionResult{
		RunID:  snap.RunID,
		Status: snap.Status,
		Output: snap.Output,
		Error:  snap.Error,
	}, nil
}

// --- event emission ---

// emit publishes one transition event with a per-run monotonic sequence
// number. Terminal run events release the counter.
func (e *Engine) emit(ctx context.Context, snap *store.RunSnapshot, eventType, path string, payload json.RawMessage) {
	e.mu.Lock()
	seq, ok := e.seqs[snap.RunID]
	if !ok {
		seq = &atomic.Int64{}
		e.seqs[snap.RunID] = seq
	}
	e.mu.Unlock()

	ev := schema.TransitionEvent{
		RunID:      snap.RunID,
		WorkflowID: snap.WorkflowID,
		Type:       eventType,
		Path:       path,
		Payload:    payload,
		Status:     snap.Status,
		Timestamp:  time.Now().UTC(),
		Seq:        seq.Add(1),
	}

	if ev.TerminalRun() && snap.Status.Terminal() {
		e.mu.Lock()
		delete(e.seqs, snap.RunID)
		e.mu.Unlock()
	}

	if err := e.hub.Publish(ctx, ev); err != nil {
		e.logger.WarnContext(ctx, "failed to publish transition event",
			slog.String("run_id", snap.RunID), slog.String("type", eventType),
			slog.String("error", err.Error()))
	}
}

// drive registers the run as active, walks the graph, and finalizes the
// snapshot. startEvent announces the (re)entry: run-started or run-resumed.
func (e *Engine) drive(ctx context.Context, def *graph.Definition, snap *store.RunSnapshot, target *resumeTarget, startEvent string) (*store.RunSnapshot, error) {
	walkCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if _, busy := e.active[snap.RunID]; busy {
		e.mu.Unlock()
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"run %s already has an active walker", snap.RunID)
	}
	e.active[snap.RunID] = cancel
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, snap.RunID)
		e.mu.Unlock()
	}()

	walkCtx = logging.WithRun(walkCtx, snap.WorkflowID, snap.RunID)
	e.emit(walkCtx, snap, startEvent, "", nil)

	w := &walker{
		engine: e,
		def:    def,
		snap:   snap,
		scope:  scopeFromSnapshot(snap),
		target: target,
	}

	out := w.walk(walkCtx, def.Root(), def.Root().ID, snap.Input)

	// The final write must land even when the walk context died.
	finCtx := logging.WithRun(context.WithoutCancel(ctx), snap.WorkflowID, snap.RunID)
	return e.finalize(finCtx, w, out)
}

// finalize persists the walk outcome and emits the terminal or suspension
// event for the run.
func (e *Engine) finalize(ctx context.Context, w *walker, out outcome) (*store.RunSnapshot, error) {
	snap := w.snap

	switch out.status {
	case schema.StepStatusSuccess, schema.StepStatusSkipped:
		snap.Status = schema.RunStatusSuccess
		snap.Output = out.output
		snap.Suspended = nil

	case schema.StepStatusFailed:
		snap.Status = schema.RunStatusFailed
		snap.Error = marshalFailure(out.failure)
		snap.Suspended = nil

	case schema.StepStatusSuspended, schema.StepStatusWaiting:
		snap.Status = schema.RunStatusSuspended
		snap.Suspended = out.suspensions

	case schema.StepStatusCanceled:
		snap.Status = schema.RunStatusCanceled
		snap.Suspended = nil

	default:
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"walk produced unexpected status %s", out.status)
	}

	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	path := ""
	if snap.Status == schema.RunStatusSuspended {
		path = suspendedPathsSummary(snap)
	}
	e.emit(ctx, snap, runEventType(snap.Status), path, nil)

	e.logger.InfoContext(ctx, "run walk finished", slog.String("status", string(snap.Status)))
	return snap, nil
}

// suspendedPathsSummary returns the single suspended path, or the first one
// when parallel branches suspended independently.
func suspendedPathsSummary(snap *store.RunSnapshot) string {
	if len(snap.Suspended) == 0 {
		return ""
	}
	return snap.Suspended[0].Path
}

// scopeFromSnapshot seeds the expression scope with every finished step
// output so conditions keep working after a resume re-entry.
func scopeFromSnapshot(snap *store.RunSnapshot) *expressions.Scope {
	scope := &expressions.Scope{
		Run: map[string]any{
			"run_id":      snap.RunID,
			"workflow_id": snap.WorkflowID,
		},
	}
	if len(snap.Input) > 0 {
		var inputs map[string]any
		if err := json.Unmarshal(snap.Input, &inputs); err == nil {
			scope.Inputs = inputs
		}
	}
	for path, sr := range snap.Steps {
		if sr.Status == schema.StepStatusSuccess {
			scope.AddStep(path, sr.Output)
		}
	}
	return scope
}

// marshalFailure renders an EngineError as the snapshot's error document.
func marshalFailure(failure *schema.EngineError) json.RawMessage {
	if failure == nil {
		failure = schema.NewError(schema.ErrCodeExecution, "unknown failure")
	}
	data, err := json.Marshal(failure)
	if err != nil {
		return json.RawMessage(`{"code":"EXECUTION_ERROR","message":"unserializable failure"}`)
	}
	return data
}

// hasCode reports whether err is an EngineError with the given code.
func hasCode(err error, code string) bool {
	var engErr *schema.EngineError
	return errors.As(err, &engErr) && engErr.Code == code
}
