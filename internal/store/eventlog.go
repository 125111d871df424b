package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rendis/cdflow/pkg/schema"
)

// EventLog provides event-log operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps s.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for a workflow execution with sequence > since.
func (el *EventLog) GetEvents(ctx context.Context, workflowExecutionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, workflowExecutionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// StatusPayload is the payload of state status events.
type StatusPayload struct {
	From         schema.ExecutionStatus `json:"from,omitempty"`
	To           schema.ExecutionStatus `json:"to"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// ReplayStatuses folds the events of a workflow execution into the last
// known status per state execution. It fails on sequence gaps.
func (el *EventLog) ReplayStatuses(ctx context.Context, workflowExecutionID string) (map[string]schema.ExecutionStatus, error) {
	events, err := el.store.GetEvents(ctx, workflowExecutionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	statuses := make(map[string]schema.ExecutionStatus)
	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in workflow execution %s: expected %d, got %d", workflowExecutionID, expected, e.Sequence)
		}
		if e.StateExecutionID == "" || len(e.Payload) == 0 {
			continue
		}
		var p StatusPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.To == "" {
			continue
		}
		statuses[e.StateExecutionID] = p.To
	}
	return statuses, nil
}
