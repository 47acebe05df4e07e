package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// MemoryStore is an in-memory SnapshotStore. It is the default when no
// database path is configured and the store used by most tests. The CAS
// contract is identical to the libSQL implementation.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]*RunSnapshot      // workflowID/runID -> snapshot
	waits map[string]*EventWaitRecord  // runID/eventName -> record
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps: make(map[string]*RunSnapshot),
		waits: make(map[string]*EventWaitRecord),
	}
}

func snapKey(workflowID, runID string) string { return workflowID + "/" + runID }

func (m *MemoryStore) PutSnapshot(ctx context.Context, snap *RunSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	key := snapKey(snap.WorkflowID, snap.RunID)
	existing, ok := m.snaps[key]
	if ok && existing.Version != snap.Version {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"stale snapshot write for run %s: have version %d, stored %d",
			snap.RunID, snap.Version, existing.Version)
	}
	if !ok && snap.Version != 0 {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"stale snapshot write for run %s: version %d but no stored row", snap.RunID, snap.Version)
	}

	now := time.Now().UTC()
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = now
	}
	snap.UpdatedAt = now
	snap.Version++

	m.snaps[key] = copySnapshot(snap)
	return nil
}

func (m *MemoryStore) GetSnapshot(ctx context.Context, workflowID, runID string) (*RunSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snaps[snapKey(workflowID, runID)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeRunNotFound, "run %q not found", runID)
	}
	return copySnapshot(snap), nil
}

func (m *MemoryStore) ListSnapshots(ctx context.Context, workflowID string, filter SnapshotFilter) ([]*RunSnapshot, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*RunSnapshot
	for _, snap := range m.snaps {
		if snap.WorkflowID != workflowID {
			continue
		}
		if filter.Status != nil && snap.Status != *filter.Status {
			continue
		}
		if filter.ResourceID != "" && snap.ResourceID != filter.ResourceID {
			continue
		}
		if filter.FromDate != nil && snap.CreatedAt.Before(*filter.FromDate) {
			continue
		}
		if filter.ToDate != nil && snap.CreatedAt.After(*filter.ToDate) {
			continue
		}
		matched = append(matched, copySnapshot(snap))
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, total, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func (m *MemoryStore) PutEventWait(ctx context.Context, rec *EventWaitRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.waits[rec.RunID+"/"+rec.EventName] = &cp
	return nil
}

func (m *MemoryStore) DeleteEventWait(ctx context.Context, runID, eventName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.waits, runID+"/"+eventName)
	return nil
}

func (m *MemoryStore) ListEventWaits(ctx context.Context) ([]*EventWaitRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	recs := make([]*EventWaitRecord, 0, len(m.waits))
	for _, rec := range m.waits {
		cp := *rec
		recs = append(recs, &cp)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (m *MemoryStore) Migrate(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// copySnapshot deep-copies a snapshot so callers cannot mutate stored state.
func copySnapshot(snap *RunSnapshot) *RunSnapshot {
	cp := *snap
	cp.Input = cloneRaw(snap.Input)
	cp.Output = cloneRaw(snap.Output)
	cp.Error = cloneRaw(snap.Error)
	cp.Steps = make(map[string]*StepResult, len(snap.Steps))
	for path, sr := range snap.Steps {
		src := *sr
		src.Input = cloneRaw(sr.Input)
		src.Output = cloneRaw(sr.Output)
		src.Error = cloneRaw(sr.Error)
		cp.Steps[path] = &src
	}
	if len(snap.Suspended) > 0 {
		cp.Suspended = make([]*SuspendedPath, len(snap.Suspended))
		for i, sp := range snap.Suspended {
			spc := *sp
			spc.Payload = cloneRaw(sp.Payload)
			spc.ResumeSchema = cloneRaw(sp.ResumeSchema)
			cp.Suspended[i] = &spc
		}
	}
	return &cp
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
