package schema

// Event type constants for the execution event log.
const (
	EventStateQueued    = "state_queued"
	EventStateStarted   = "state_started"
	EventStateWaiting   = "state_waiting"
	EventStatePaused    = "state_paused"
	EventStateSucceeded = "state_succeeded"
	EventStateFailed    = "state_failed"
	EventStateRejected  = "state_rejected"
	EventStateSkipped   = "state_skipped"
	EventStateErrored   = "state_errored"
	EventStateAborted   = "state_aborted"
	EventStateExpired   = "state_expired"

	EventWorkflowStarted  = "workflow_started"
	EventWorkflowFinished = "workflow_finished"

	EventChildrenScheduled  = "children_scheduled"
	EventCallbackReceived   = "callback_received"
	EventResponseAggregated = "response_aggregated"
	EventTransitionFollowed = "transition_followed"
	EventErrorHandled       = "error_handled"

	EventPermitsRelease = "permits_released"
)

// ExecutionStatus represents the lifecycle state of a state execution instance.
type ExecutionStatus string

const (
	StatusNew           ExecutionStatus = "NEW"
	StatusQueued        ExecutionStatus = "QUEUED"
	StatusStarting      ExecutionStatus = "STARTING"
	StatusRunning       ExecutionStatus = "RUNNING"
	StatusWaiting       ExecutionStatus = "WAITING"
	StatusPaused        ExecutionStatus = "PAUSED"
	StatusSuccess       ExecutionStatus = "SUCCESS"
	StatusFailed        ExecutionStatus = "FAILED"
	StatusRejected      ExecutionStatus = "REJECTED"
	StatusSkipped       ExecutionStatus = "SKIPPED"
	StatusError         ExecutionStatus = "ERROR"
	StatusAborted       ExecutionStatus = "ABORTED"
	StatusExpired       ExecutionStatus = "EXPIRED"
	StatusDiscontinuing ExecutionStatus = "DISCONTINUING"
)

// IsFinal reports whether the status is terminal.
func (s ExecutionStatus) IsFinal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusRejected, StatusSkipped,
		StatusError, StatusAborted, StatusExpired:
		return true
	default:
		return false
	}
}

// IsPositive reports whether a terminal status lets the workflow follow its
// success transition.
func (s ExecutionStatus) IsPositive() bool {
	return s == StatusSuccess || s == StatusSkipped
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusNew, StatusQueued, StatusStarting, StatusRunning, StatusWaiting, StatusPaused,
		StatusSuccess, StatusFailed, StatusRejected, StatusSkipped, StatusError,
		StatusAborted, StatusExpired, StatusDiscontinuing:
		return true
	default:
		return false
	}
}
