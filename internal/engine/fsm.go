package engine

import (
	"github.com/rendis/stepflow/pkg/schema"
)

// validRunTransitions defines the allowed run lifecycle transitions. Terminal
// statuses map to empty sets.
var validRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusRunning: {
		schema.RunStatusSuspended, schema.RunStatusSuccess,
		schema.RunStatusFailed, schema.RunStatusCanceled,
	},
	schema.RunStatusSuspended: {
		schema.RunStatusRunning, schema.RunStatusFailed, schema.RunStatusCanceled,
	},
	schema.RunStatusSuccess:  {},
	schema.RunStatusFailed:   {},
	schema.RunStatusCanceled: {},
}

// validStepTransitions defines the allowed step lifecycle transitions.
// Suspended and waiting nodes may complete directly: a woken sleep and a
// delivered event both finish the node without re-entering an executor.
var validStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusRunning: {
		schema.StepStatusSuccess, schema.StepStatusFailed,
		schema.StepStatusSuspended, schema.StepStatusWaiting,
		schema.StepStatusCanceled,
	},
	schema.StepStatusSuspended: {
		schema.StepStatusRunning, schema.StepStatusSuccess,
		schema.StepStatusFailed, schema.StepStatusCanceled,
	},
	schema.StepStatusWaiting: {
		schema.StepStatusRunning, schema.StepStatusSuccess,
		schema.StepStatusFailed, schema.StepStatusCanceled,
	},
	schema.StepStatusSuccess:  {},
	schema.StepStatusFailed:   {},
	schema.StepStatusSkipped:  {},
	schema.StepStatusCanceled: {},
}

// checkRunTransition validates a run status change.
func checkRunTransition(from, to schema.RunStatus) error {
	for _, allowed := range validRunTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid run transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// checkStepTransition validates a step status change.
func checkStepTransition(from, to schema.StepStatus) error {
	for _, allowed := range validStepTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// runEventType maps a settled run status to the transition event announcing
// it.
func runEventType(to schema.RunStatus) string {
	switch to {
	case schema.RunStatusSuspended:
		return schema.EventRunSuspended
	case schema.RunStatusCanceled:
		return schema.EventRunCanceled
	default:
		return schema.EventRunFinished
	}
}
