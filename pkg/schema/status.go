package schema

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSuspended RunStatus = "suspended"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether the run status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed || s == RunStatusCanceled
}

// StepStatus represents the lifecycle state of a single step node.
type StepStatus string

const (
	StepStatusRunning   StepStatus = "running"
	StepStatusSuspended StepStatus = "suspended"
	StepStatusWaiting   StepStatus = "waiting"
	StepStatusSuccess   StepStatus = "success"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCanceled  StepStatus = "canceled"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSuccess || s == StepStatusFailed ||
		s == StepStatusSkipped || s == StepStatusCanceled
}
