// Package events tracks runs suspended on waitForEvent nodes and routes
// delivered events back to them. Registrations live in memory for fast
// lookup and are persisted as EventWaitRecord rows so a restarted process
// rehydrates pending waits before accepting traffic.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/store"
)

// Resumer wakes a suspended run. Implemented by the engine; the indirection
// keeps this package out of the engine's import graph.
type Resumer interface {
	// ResumeFromEvent re-enters the run at path with the event payload as
	// resume data.
	ResumeFromEvent(ctx context.Context, workflowID, runID, path string, payload json.RawMessage) error
	// ExpireWait fails the waiting node with a timeout outcome.
	ExpireWait(ctx context.Context, workflowID, runID, path string) error
}

type waitKey struct {
	runID     string
	eventName string
}

// Waiter is the event-wait registry.
type Waiter struct {
	store  store.SnapshotStore
	logger *slog.Logger

	mu      sync.Mutex
	pending map[waitKey]*store.EventWaitRecord
}

// NewWaiter creates a Waiter backed by the given store.
func NewWaiter(st store.SnapshotStore, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{
		store:   st,
		logger:  logger,
		pending: make(map[waitKey]*store.EventWaitRecord),
	}
}

// Register records that a run is waiting for eventName at path. deadline nil
// means wait forever.
func (w *Waiter) Register(ctx context.Context, workflowID, runID, eventName, path string, deadline *time.Time) error {
	rec := &store.EventWaitRecord{
		RunID:      runID,
		WorkflowID: workflowID,
		EventName:  eventName,
		Path:       path,
		Deadline:   deadline,
		CreatedAt:  time.Now().UTC(),
	}

	if err := w.store.PutEventWait(ctx, rec); err != nil {
		return err
	}

	w.mu.Lock()
	w.pending[waitKey{runID: runID, eventName: eventName}] = rec
	w.mu.Unlock()
	return nil
}

// Deliver routes an event to the matching registration and resumes the run.
// An event nobody is waiting for is dropped; the caller gets delivered=false
// and no error.
func (w *Waiter) Deliver(ctx context.Context, resumer Resumer, runID, eventName string, payload json.RawMessage) (bool, error) {
	w.mu.Lock()
	key := waitKey{runID: runID, eventName: eventName}
	rec, ok := w.pending[key]
	if ok {
		delete(w.pending, key)
	}
	w.mu.Unlock()

	if !ok {
		w.logger.DebugContext(ctx, "dropping event with no registered waiter",
			slog.String("run_id", runID), slog.String("event", eventName))
		return false, nil
	}

	ctx = logging.WithRun(ctx, rec.WorkflowID, rec.RunID)
	if err := resumer.ResumeFromEvent(ctx, rec.WorkflowID, rec.RunID, rec.Path, payload); err != nil {
		// The run may not be resumable yet: a sibling branch of a parallel
		// node can still be executing when the event arrives, or a
		// concurrent claim may have won the CAS. Put the registration back
		// so a retried send or the deadline can still reach the node.
		w.mu.Lock()
		if _, exists := w.pending[key]; !exists {
			w.pending[key] = rec
		}
		w.mu.Unlock()
		return false, err
	}

	// The registration is only discarded once the resume has been claimed.
	if err := w.store.DeleteEventWait(ctx, runID, eventName); err != nil {
		w.logger.ErrorContext(ctx, "failed to delete delivered event wait",
			slog.String("event", eventName), slog.String("error", err.Error()))
	}

	w.logger.InfoContext(ctx, "event delivered to waiting run",
		slog.String("event", eventName), slog.String("path", rec.Path))
	return true, nil
}

// Unregister drops a registration without resuming, used when the run is
// canceled while waiting.
func (w *Waiter) Unregister(ctx context.Context, runID, eventName string) error {
	w.mu.Lock()
	delete(w.pending, waitKey{runID: runID, eventName: eventName})
	w.mu.Unlock()
	return w.store.DeleteEventWait(ctx, runID, eventName)
}

// Rehydrate loads persisted registrations into memory. Called once at
// startup before the HTTP surface accepts traffic.
func (w *Waiter) Rehydrate(ctx context.Context) error {
	recs, err := w.store.ListEventWaits(ctx)
	if err != nil {
		return err
	}

	w.mu.Lock()
	for _, rec := range recs {
		w.pending[waitKey{runID: rec.RunID, eventName: rec.EventName}] = rec
	}
	n := len(w.pending)
	w.mu.Unlock()

	if n > 0 {
		w.logger.InfoContext(ctx, "rehydrated pending event waits", slog.Int("count", n))
	}
	return nil
}

// ExpireDue fails every registration whose deadline has passed. The timer
// service calls this periodically.
func (w *Waiter) ExpireDue(ctx context.Context, resumer Resumer, now time.Time) error {
	w.mu.Lock()
	var due []*store.EventWaitRecord
	for key, rec := range w.pending {
		if rec.Deadline != nil && !rec.Deadline.After(now) {
			due = append(due, rec)
			delete(w.pending, key)
		}
	}
	w.mu.Unlock()

	var firstErr error
	for _, rec := range due {
		if err := w.store.DeleteEventWait(ctx, rec.RunID, rec.EventName); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		rctx := logging.WithRun(ctx, rec.WorkflowID, rec.RunID)
		if err := resumer.ExpireWait(rctx, rec.WorkflowID, rec.RunID, rec.Path); err != nil {
			w.logger.ErrorContext(rctx, "failed to expire event wait",
				slog.String("event", rec.EventName), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// NextDeadline returns the earliest pending deadline, or nil when no
// registration carries one. The timer service uses it to pace its scan.
func (w *Waiter) NextDeadline() *time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()

	var min *time.Time
	for _, rec := range w.pending {
		if rec.Deadline == nil {
			continue
		}
		if min == nil || rec.Deadline.Before(*min) {
			d := *rec.Deadline
			min = &d
		}
	}
	return min
}
