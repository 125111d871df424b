package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/store"
	"github.com/rendis/cdflow/pkg/schema"
)

// ErrorOutcome is how an error returned by a state finishes its instance.
type ErrorOutcome struct {
	Status  schema.ExecutionStatus
	Message string
	Fatal   bool
}

// HandleStateError decides the terminal status for an error returned by
// Execute or HandleAsyncResponse and records the decision in the event log.
// Contract violations (INVALID_REQUEST, NULL_REFERENCE and the other fatal
// codes) end in ERROR; anything else, such as an open delegate circuit or a
// store failure, ends in FAILED so the failure transition can compensate.
func HandleStateError(ctx context.Context, appender EventAppender, logger *slog.Logger, inst *execution.Instance, err error) ErrorOutcome {
	out := ErrorOutcome{Status: schema.StatusFailed, Message: err.Error()}
	if schema.IsFatal(err) {
		out.Status = schema.StatusError
		out.Fatal = true
	}

	attrs := []any{"state", inst.StateName, "state_type", string(inst.StateType), "error", err}
	if out.Fatal {
		logger.ErrorContext(ctx, "state contract violation", attrs...)
	} else {
		logger.WarnContext(ctx, "state failed with error", attrs...)
	}

	if appender != nil {
		payload, _ := json.Marshal(map[string]any{
			"error":  err.Error(),
			"fatal":  out.Fatal,
			"status": string(out.Status),
			"code":   errorCode(err),
		})
		_ = appender.AppendEvent(ctx, &store.Event{
			WorkflowExecutionID: inst.WorkflowExecutionID,
			StateExecutionID:    inst.ID,
			Type:                schema.EventErrorHandled,
			Payload:             payload,
		})
	}
	return out
}

func errorCode(err error) string {
	var se *schema.Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
