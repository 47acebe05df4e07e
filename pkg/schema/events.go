package schema

import (
	"encoding/json"
	"time"
)

// Transition event types emitted by the run scheduler.
const (
	EventRunStarted   = "run-started"
	EventRunSuspended = "run-suspended"
	EventRunResumed   = "run-resumed"
	EventRunFinished  = "run-finished"
	EventRunCanceled  = "run-canceled"

	EventStepStarted   = "step-started"
	EventStepSuspended = "step-suspended"
	EventStepSucceeded = "step-succeeded"
	EventStepFailed    = "step-failed"
	EventStepSkipped   = "step-skipped"
	EventStepWaiting   = "step-waiting"
	EventStepOutput    = "step-output" // incremental text delta from an executor

	EventEventReceived = "event-received"
)

// TransitionEvent is one observable state change in a run's graph walk.
// Events for a single node are emitted started -> (suspended|succeeded|failed);
// across parallel branches the interleaving is unspecified.
type TransitionEvent struct {
	RunID      string          `json:"run_id"`
	WorkflowID string          `json:"workflow_id"`
	Type       string          `json:"type"`
	Path       string          `json:"path,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Status     RunStatus       `json:"status,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Seq        int64           `json:"seq"`
}

// TerminalRun reports whether this event ends the run's event stream.
func (e *TransitionEvent) TerminalRun() bool {
	switch e.Type {
	case EventRunFinished, EventRunCanceled, EventRunSuspended:
		return true
	}
	return false
}
