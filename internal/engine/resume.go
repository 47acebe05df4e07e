package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Resume validates the target, transitions the run back to running, and
// re-enters the walk at the suspended node with resumeData as its input.
// The suspended->running flip rides the snapshot CAS, so of two concurrent
// resumes exactly one proceeds and the other gets RUN_NOT_SUSPENDED.
func (e *Engine) Resume(ctx context.Context, workflowID, runID, path string, resumeData json.RawMessage) (*store.RunSnapshot, error) {
	def, err := e.definition(workflowID)
	if err != nil {
		return nil, err
	}

	snap, target, err := e.claimResume(ctx, workflowID, runID, path, resumeData)
	if err != nil {
		return nil, err
	}

	return e.drive(ctx, def, snap, target, schema.EventRunResumed)
}

// ResumeAsync schedules the resume walk on the background pool after the
// claim succeeds, so protocol errors still surface synchronously.
func (e *Engine) ResumeAsync(ctx context.Context, workflowID, runID, path string, resumeData json.RawMessage) error {
	def, err := e.definition(workflowID)
	if err != nil {
		return err
	}

	snap, target, err := e.claimResume(ctx, workflowID, runID, path, resumeData)
	if err != nil {
		return err
	}

	bg := context.WithoutCancel(ctx)
	return e.pool.Submit(bg, func(ctx context.Context) error {
		if _, err := e.drive(ctx, def, snap, target, schema.EventRunResumed); err != nil {
			e.logger.ErrorContext(ctx, "background resume failed",
				slog.String("run_id", runID), slog.String("error", err.Error()))
			return err
		}
		return nil
	})
}

// claimResume performs the shared validation and the suspended->running CAS.
func (e *Engine) claimResume(ctx context.Context, workflowID, runID, path string, resumeData json.RawMessage) (*store.RunSnapshot, *resumeTarget, error) {
	e.mu.Lock()
	_, busy := e.active[runID]
	e.mu.Unlock()
	if busy {
		return nil, nil, schema.NewErrorf(schema.ErrCodeRunNotSuspended,
			"run %s already has an active walker", runID)
	}

	snap, err := e.store.GetSnapshot(ctx, workflowID, runID)
	if err != nil {
		return nil, nil, err
	}

	if snap.Status != schema.RunStatusSuspended {
		return nil, nil, schema.NewErrorf(schema.ErrCodeRunNotSuspended,
			"run %s is %s, not suspended", runID, snap.Status)
	}

	sp := snap.SuspendedAt(path)
	if sp == nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeInvalidResumeTarget,
			"run %s is not suspended at %q", runID, path).
			WithDetails(map[string]any{"suspended": suspendedPaths(snap)})
	}

	if err := e.validator.ValidateResume(resumeData, sp.ResumeSchema); err != nil {
		return nil, nil, err
	}

	if err := checkRunTransition(snap.Status, schema.RunStatusRunning); err != nil {
		return nil, nil, err
	}
	snap.Status = schema.RunStatusRunning
	snap.ClearSuspended(path)
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		if hasCode(err, schema.ErrCodeConflict) {
			// A concurrent resume won the CAS.
			return nil, nil, schema.NewErrorf(schema.ErrCodeRunNotSuspended,
				"run %s was concurrently resumed", runID)
		}
		return nil, nil, err
	}

	return snap, &resumeTarget{path: path, data: resumeData}, nil
}

// expireResume is claimResume for deadline expiry: no payload validation,
// and the walk fails the target node with TIMEOUT.
func (e *Engine) expireResume(ctx context.Context, workflowID, runID, path string) (*store.RunSnapshot, *resumeTarget, error) {
	snap, err := e.store.GetSnapshot(ctx, workflowID, runID)
	if err != nil {
		return nil, nil, err
	}
	if snap.Status != schema.RunStatusSuspended {
		return nil, nil, schema.NewErrorf(schema.ErrCodeRunNotSuspended,
			"run %s is %s, not suspended", runID, snap.Status)
	}
	if snap.SuspendedAt(path) == nil {
		return nil, nil, schema.NewErrorf(schema.ErrCodeInvalidResumeTarget,
			"run %s is not suspended at %q", runID, path)
	}

	snap.Status = schema.RunStatusRunning
	snap.ClearSuspended(path)
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return nil, nil, err
	}
	return snap, &resumeTarget{path: path, expire: true}, nil
}

// resumeInBackground drives a claimed resume on the worker pool.
func (e *Engine) resumeInBackground(ctx context.Context, workflowID string, snap *store.RunSnapshot, target *resumeTarget) error {
	def, err := e.definition(workflowID)
	if err != nil {
		return err
	}
	bg := context.WithoutCancel(ctx)
	return e.pool.Submit(bg, func(ctx context.Context) error {
		if _, err := e.drive(ctx, def, snap, target, schema.EventRunResumed); err != nil {
			e.logger.ErrorContext(ctx, "background wakeup failed",
				slog.String("run_id", snap.RunID), slog.String("error", err.Error()))
			return err
		}
		return nil
	})
}

// ResumeFromEvent wakes a run whose waitForEvent node received its event.
// Called by the event waiter; the walk happens in the background.
func (e *Engine) ResumeFromEvent(ctx context.Context, workflowID, runID, path string, payload json.RawMessage) error {
	snap, err := e.store.GetSnapshot(ctx, workflowID, runID)
	if err != nil {
		return err
	}
	if snap.Status != schema.RunStatusSuspended {
		return schema.NewErrorf(schema.ErrCodeRunNotSuspended,
			"run %s is %s, not suspended", runID, snap.Status)
	}
	if snap.SuspendedAt(path) == nil {
		return schema.NewErrorf(schema.ErrCodeInvalidResumeTarget,
			"run %s is not suspended at %q", runID, path)
	}

	snap.Status = schema.RunStatusRunning
	snap.ClearSuspended(path)
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		return err
	}

	e.emit(ctx, snap, schema.EventEventReceived, path, payload)
	return e.resumeInBackground(ctx, workflowID, snap, &resumeTarget{path: path, data: payload})
}

// ExpireWait fails a waitForEvent node whose deadline passed. Called by the
// timer service; the walk happens in the background.
func (e *Engine) ExpireWait(ctx context.Context, workflowID, runID, path string) error {
	snap, target, err := e.expireResume(ctx, workflowID, runID, path)
	if err != nil {
		return err
	}
	return e.resumeInBackground(ctx, workflowID, snap, target)
}

// WakeSleep resumes a run whose sleep node's wake time arrived. Called by
// the timer service; the walk happens in the background.
func (e *Engine) WakeSleep(ctx context.Context, workflowID, runID, path string) error {
	snap, err := e.store.GetSnapshot(ctx, workflowID, runID)
	if err != nil {
		return err
	}
	if snap.Status != schema.RunStatusSuspended || snap.SuspendedAt(path) == nil {
		// Already woken by a competing process; nothing to do.
		return nil
	}

	snap.Status = schema.RunStatusRunning
	snap.ClearSuspended(path)
	if err := e.store.PutSnapshot(ctx, snap); err != nil {
		if hasCode(err, schema.ErrCodeConflict) {
			return nil
		}
		return err
	}
	return e.resumeInBackground(ctx, workflowID, snap, &resumeTarget{path: path})
}

func suspendedPaths(snap *store.RunSnapshot) []string {
	paths := make([]string, 0, len(snap.Suspended))
	for _, sp := range snap.Suspended {
		paths = append(paths, sp.Path)
	}
	return paths
}
