// Package stepflow is the embedding surface for the run engine. It re-exports
// the graph builder, executor types, and snapshot types so programs outside
// this module can register workflows and drive runs without the HTTP server.
package stepflow

import (
	"context"
	"log/slog"

	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/events"
	"github.com/rendis/stepflow/internal/graph"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/internal/streaming"
)

// Engine drives workflow runs. Construct one with NewEngine.
type Engine = engine.Engine

// Options tunes engine behavior; the zero value uses the defaults.
type Options = engine.Options

// ExecContext is passed to executors: input, resume data, and the Suspend
// escape hatch.
type ExecContext = engine.ExecContext

// ExecutorFunc is a step executor implemented as a plain function.
type ExecutorFunc = engine.ExecutorFunc

// Builder assembles a workflow definition; Definition is the committed graph.
type (
	Builder    = graph.Builder
	Definition = graph.Definition
)

// Snapshot types returned by run operations.
type (
	Snapshot      = store.RunSnapshot
	StepResult    = store.StepResult
	SuspendedPath = store.SuspendedPath
	Store         = store.SnapshotStore
)

// Graph construction helpers.
var (
	NewWorkflow          = graph.New
	ParseWorkflow        = graph.Parse
	Step                 = graph.Step
	StepWithResumeSchema = graph.StepWithResumeSchema
	Seq                  = graph.Seq
	Arm                  = graph.Arm
)

// NewMemoryStore returns an in-memory snapshot store, suitable for tests and
// single-process embedding.
func NewMemoryStore() Store { return store.NewMemoryStore() }

// NewLibSQLStore opens a libSQL-backed snapshot store at the given file URI
// and applies pending migrations.
func NewLibSQLStore(ctx context.Context, dbPath string) (Store, error) {
	s, err := store.NewLibSQLStore(dbPath)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// NewEngine wires an engine over st with an in-process event hub and waiter.
// A nil logger falls back to slog.Default().
func NewEngine(st Store, logger *slog.Logger, opts Options) (*Engine, error) {
	return engine.New(st, streaming.NewMemoryHub(), events.NewWaiter(st, logger), logger, opts)
}
