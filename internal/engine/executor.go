package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rendis/stepflow/pkg/schema"
)

// Executor is the application-supplied body of a step node. Implementations
// must be idempotent enough to tolerate re-execution after a crash between
// the step finishing and the snapshot write landing.
type Executor interface {
	Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, ec *ExecContext) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, ec *ExecContext) (json.RawMessage, error) {
	return f(ctx, ec)
}

// errSuspend is the sentinel carried out of an executor that called Suspend.
var errSuspend = errors.New("step requested suspension")

// ExecContext is the per-execution view handed to an Executor.
type ExecContext struct {
	RunID      string
	WorkflowID string
	Path       string

	// Input is the node's input: the run input for the first node, the
	// previous node's output downstream.
	Input json.RawMessage

	// ResumeData is non-nil only when the step re-executes after a resume;
	// it carries the caller's resume payload, already schema-validated.
	ResumeData json.RawMessage

	suspendPayload json.RawMessage
	suspended      bool

	emitText func(delta string)
}

// Suspend parks the run at this step. The payload is surfaced to clients
// asking why the run stopped. Return the error unchanged:
//
//	return nil, ec.Suspend(payload)
func (ec *ExecContext) Suspend(payload json.RawMessage) error {
	ec.suspended = true
	ec.suspendPayload = payload
	return errSuspend
}

// EmitText streams an incremental text delta to live observers. Deltas become
// step-output transition events and text-delta parts on the v5 stream.
func (ec *ExecContext) EmitText(delta string) {
	if ec.emitText != nil {
		ec.emitText(delta)
	}
}

// Registry resolves executor names from graph definitions to registered
// implementations. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds a name to an executor. Re-registering a name replaces it.
func (r *Registry) Register(name string, ex Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = ex
}

// RegisterFunc binds a name to a function executor.
func (r *Registry) RegisterFunc(name string, fn ExecutorFunc) {
	r.Register(name, fn)
}

// Lookup resolves a name, failing with EXECUTION_ERROR when unregistered.
func (r *Registry) Lookup(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ex, ok := r.executors[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "executor %q not registered", name)
	}
	return ex, nil
}
