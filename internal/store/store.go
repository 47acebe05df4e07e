package store

import "context"

// SnapshotStore defines the persistence contract for run snapshots and
// pending event-wait registrations. All implementations must be safe for
// concurrent use.
//
// PutSnapshot performs an optimistic-concurrency write: the stored row's
// version must equal snap.Version, and on success the snapshot's Version is
// incremented. A mismatch fails with a CONFLICT error so a second walker in
// another process fails safely instead of racing.
type SnapshotStore interface {
	// Run snapshots, keyed by (workflowID, runID).
	PutSnapshot(ctx context.Context, snap *RunSnapshot) error
	GetSnapshot(ctx context.Context, workflowID, runID string) (*RunSnapshot, error)
	ListSnapshots(ctx context.Context, workflowID string, filter SnapshotFilter) ([]*RunSnapshot, int, error)

	// Event-wait registrations, keyed by (runID, eventName).
	PutEventWait(ctx context.Context, rec *EventWaitRecord) error
	DeleteEventWait(ctx context.Context, runID, eventName string) error
	ListEventWaits(ctx context.Context) ([]*EventWaitRecord, error)

	// Maintenance and lifecycle.
	Migrate(ctx context.Context) error
	Close() error
}
