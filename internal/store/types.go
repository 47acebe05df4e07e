package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// RunSnapshot is the persisted state of one workflow run. It is the single
// source of truth for suspend/resume: the engine rewrites it after every node
// transition and the Version stamp serializes concurrent writers.
type RunSnapshot struct {
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	ResourceID string          `json:"resource_id,omitempty"`
	Status     schema.RunStatus `json:"status"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`

	// Steps maps node path -> result for every node the walk has touched.
	Steps map[string]*StepResult `json:"steps"`

	// Suspended holds the continuation for each suspended node path. At most
	// one entry exists outside a parallel node; inside a parallel node each
	// branch tracks its suspension independently.
	Suspended []*SuspendedPath `json:"suspended,omitempty"`

	// Version is an optimistic-concurrency stamp. PutSnapshot rejects writes
	// whose Version does not match the stored row.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StepResult records the outcome of one step-graph node within a run.
type StepResult struct {
	Path        string            `json:"path"`
	Status      schema.StepStatus `json:"status"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	Error       json.RawMessage   `json:"error,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Suspension kinds recorded in a SuspendedPath.
const (
	SuspendKindStep  = "step"  // executor requested suspension
	SuspendKindSleep = "sleep" // sleep / sleep-until wakeup
	SuspendKindEvent = "event" // waitForEvent registration
)

// SuspendedPath is the continuation token for one suspended node. It pins the
// exact node path (including loop/foreach iteration indexes) the walk must
// re-enter on resume.
type SuspendedPath struct {
	Path         string          `json:"path"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	ResumeSchema json.RawMessage `json:"resume_schema,omitempty"`
	EventName    string          `json:"event_name,omitempty"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
	WakeAt       *time.Time      `json:"wake_at,omitempty"`
	SuspendedAt  time.Time       `json:"suspended_at"`
}

// EventWaitRecord is a persisted waitForEvent registration, so pending waits
// survive a process restart and can be rehydrated by the timer service.
type EventWaitRecord struct {
	RunID      string     `json:"run_id"`
	WorkflowID string     `json:"workflow_id"`
	EventName  string     `json:"event_name"`
	Path       string     `json:"path"`
	Deadline   *time.Time `json:"deadline,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// SnapshotFilter specifies criteria for listing run snapshots of an entity.
type SnapshotFilter struct {
	Status     *schema.RunStatus `json:"status,omitempty"`
	ResourceID string            `json:"resource_id,omitempty"`
	FromDate   *time.Time        `json:"from_date,omitempty"`
	ToDate     *time.Time        `json:"to_date,omitempty"`
	Limit      int               `json:"limit,omitempty"`
	Offset     int               `json:"offset,omitempty"`
}

// SuspendedAt returns the suspended entry matching path, or nil.
func (s *RunSnapshot) SuspendedAt(path string) *SuspendedPath {
	for _, sp := range s.Suspended {
		if sp.Path == path {
			return sp
		}
	}
	return nil
}

// ClearSuspended removes the suspended entry for path, if present.
func (s *RunSnapshot) ClearSuspended(path string) {
	out := s.Suspended[:0]
	for _, sp := range s.Suspended {
		if sp.Path != path {
			out = append(out, sp)
		}
	}
	s.Suspended = out
	if len(s.Suspended) == 0 {
		s.Suspended = nil
	}
}
