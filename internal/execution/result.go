package execution

import "github.com/rendis/cdflow/pkg/schema"

// Result is the outcome of one awaited unit of work, keyed by correlation id
// when delivered to HandleAsyncResponse.
type Result struct {
	Status       schema.ExecutionStatus `json:"status"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Data         map[string]any         `json:"data,omitempty"`
}

// ResultFromCallback converts a wire callback into a Result.
func ResultFromCallback(cb *schema.Callback) Result {
	return Result{Status: cb.Status, ErrorMessage: cb.ErrorMessage, Data: cb.Data}
}
