package engine

import (
	"context"
	"encoding/json"
	"slices"
	"sync"

	"github.com/rendis/cdflow/internal/store"
	"github.com/rendis/cdflow/pkg/schema"
)

// TransitionHook is called before or after a status transition.
type TransitionHook func(from, to schema.ExecutionStatus) error

// EventAppender is satisfied by the Store and EventLog; the FSM emits one
// event per transition through it.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

type hookKey struct {
	from, to schema.ExecutionStatus
}

// StatusFSM validates state execution status transitions and records them in
// the event log.
type StatusFSM struct {
	mu       sync.Mutex
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewStatusFSM creates a StatusFSM that emits events via appender.
func NewStatusFSM(appender EventAppender) *StatusFSM {
	return &StatusFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a transition.
func (f *StatusFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a transition.
func (f *StatusFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates from -> to for the instance and emits the event.
// The caller persists the new status.
func (f *StatusFSM) Transition(ctx context.Context, workflowExecutionID, instanceID string, from, to schema.ExecutionStatus, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !IsValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid status transition: %s -> %s", from, to).
			WithDetails(map[string]any{
				"workflow_execution_id": workflowExecutionID,
				"state_execution_id":    instanceID,
				"from":                  string(from),
				"to":                    string(to),
			})
	}

	key := hookKey{from, to}
	for _, hook := range f.before[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}

	if eventType := statusEventType(to); eventType != "" && f.appender != nil {
		payload, _ := json.Marshal(store.StatusPayload{From: from, To: to, ErrorMessage: errorMessage})
		event := &store.Event{
			WorkflowExecutionID: workflowExecutionID,
			StateExecutionID:    instanceID,
			Type:                eventType,
			Payload:             payload,
		}
		if err := f.appender.AppendEvent(ctx, event); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit status event: %s", err.Error()).WithCause(err)
		}
	}

	for _, hook := range f.after[key] {
		if err := hook(from, to); err != nil {
			return err
		}
	}
	return nil
}

// IsValidTransition reports whether from -> to is allowed.
func IsValidTransition(from, to schema.ExecutionStatus) bool {
	return slices.Contains(ValidTransitions[from], to)
}

func statusEventType(to schema.ExecutionStatus) string {
	switch to {
	case schema.StatusQueued:
		return schema.EventStateQueued
	case schema.StatusRunning:
		return schema.EventStateStarted
	case schema.StatusWaiting:
		return schema.EventStateWaiting
	case schema.StatusPaused:
		return schema.EventStatePaused
	case schema.StatusSuccess:
		return schema.EventStateSucceeded
	case schema.StatusFailed:
		return schema.EventStateFailed
	case schema.StatusRejected:
		return schema.EventStateRejected
	case schema.StatusSkipped:
		return schema.EventStateSkipped
	case schema.StatusError:
		return schema.EventStateErrored
	case schema.StatusAborted:
		return schema.EventStateAborted
	case schema.StatusExpired:
		return schema.EventStateExpired
	default:
		return ""
	}
}

var terminal = []schema.ExecutionStatus{
	schema.StatusSuccess, schema.StatusFailed, schema.StatusRejected, schema.StatusSkipped,
	schema.StatusError, schema.StatusAborted, schema.StatusExpired,
}

// ValidTransitions is the status transition table of a state execution.
// A waiting instance goes back to RUNNING while its response is handled, and
// may wait again (serial repeat).
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.StatusNew:      {schema.StatusQueued, schema.StatusRunning, schema.StatusAborted, schema.StatusError},
	schema.StatusQueued:   {schema.StatusRunning, schema.StatusAborted, schema.StatusError},
	schema.StatusRunning:  append([]schema.ExecutionStatus{schema.StatusWaiting, schema.StatusPaused}, terminal...),
	schema.StatusWaiting:  {schema.StatusRunning, schema.StatusAborted, schema.StatusExpired, schema.StatusError},
	schema.StatusPaused:   {schema.StatusRunning, schema.StatusAborted, schema.StatusExpired, schema.StatusError},
	schema.StatusSuccess:  {},
	schema.StatusFailed:   {},
	schema.StatusRejected: {},
	schema.StatusSkipped:  {},
	schema.StatusError:    {},
	schema.StatusAborted:  {},
	schema.StatusExpired:  {},
}
