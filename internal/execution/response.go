package execution

import (
	"github.com/rendis/cdflow/pkg/schema"
)

// SkipData explains why a state finished as SKIPPED.
type SkipData struct {
	Reason string `json:"reason"`
}

// Response is the result of one Execute or HandleAsyncResponse call. A
// synchronous response carries a terminal status; an asynchronous one names
// the correlation ids to await and, for fan-out, the children to schedule
// (children[i].ID == CorrelationIDs[i]).
type Response struct {
	Async          bool                   `json:"async"`
	Status         schema.ExecutionStatus `json:"status,omitempty"`
	CorrelationIDs []string               `json:"correlation_ids,omitempty"`
	Children       []*Instance            `json:"children,omitempty"`
	StateData      map[string]any         `json:"state_data,omitempty"`
	Skip           *SkipData              `json:"skip,omitempty"`
	ErrorMessage   string                 `json:"error_message,omitempty"`
}

// Complete builds a synchronous response.
func Complete(status schema.ExecutionStatus, errorMessage string) *Response {
	return &Response{Status: status, ErrorMessage: errorMessage}
}

// Succeeded is a synchronous SUCCESS.
func Succeeded() *Response {
	return Complete(schema.StatusSuccess, "")
}

// Failed is a synchronous FAILED with a human-readable message.
func Failed(msg string) *Response {
	return Complete(schema.StatusFailed, msg)
}

// Skipped is a synchronous SKIPPED carrying skip data.
func Skipped(reason string) *Response {
	return &Response{Status: schema.StatusSkipped, Skip: &SkipData{Reason: reason}, ErrorMessage: reason}
}

// AwaitChildren builds an asynchronous response scheduling children; each
// child's id is its correlation id.
func AwaitChildren(children ...*Instance) *Response {
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}
	return &Response{Async: true, Status: schema.StatusWaiting, CorrelationIDs: ids, Children: children}
}

// AwaitCallbacks builds an asynchronous response waiting on external ids
// (delegate tasks, approvals, permits).
func AwaitCallbacks(ids ...string) *Response {
	return &Response{Async: true, Status: schema.StatusWaiting, CorrelationIDs: ids}
}

// WithStateData attaches recorded output and returns r.
func (r *Response) WithStateData(data map[string]any) *Response {
	r.StateData = data
	return r
}

// WithStatus overrides the status and returns r.
func (r *Response) WithStatus(status schema.ExecutionStatus) *Response {
	r.Status = status
	return r
}

// Validate checks the response invariants.
func (r *Response) Validate() error {
	if r == nil {
		return schema.InvalidRequest("nil execution response")
	}
	if r.Async != (len(r.CorrelationIDs) > 0) {
		return schema.InvalidRequest("async=%t but %d correlation ids", r.Async, len(r.CorrelationIDs))
	}
	if len(r.Children) > 0 {
		if len(r.Children) != len(r.CorrelationIDs) {
			return schema.InvalidRequest("%d children for %d correlation ids", len(r.Children), len(r.CorrelationIDs))
		}
		for i, c := range r.Children {
			if c == nil || c.ID != r.CorrelationIDs[i] {
				return schema.InvalidRequest("child %d does not match correlation id %s", i, r.CorrelationIDs[i])
			}
		}
	}
	seen := make(map[string]struct{}, len(r.CorrelationIDs))
	for _, id := range r.CorrelationIDs {
		if _, dup := seen[id]; dup {
			return schema.InvalidRequest("duplicate correlation id %s", id)
		}
		seen[id] = struct{}{}
	}
	if !r.Async && !r.Status.Valid() {
		return schema.InvalidRequest("synchronous response without a valid status (%q)", r.Status)
	}
	return nil
}
