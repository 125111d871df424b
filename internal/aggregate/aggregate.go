// Package aggregate reduces the results of a fan-out into one status.
//
// Results are visited in lexical order of correlation id. Under the default
// policy the last non-SUCCESS result in that order decides the outcome; with
// reject priority any REJECTED result decides it.
package aggregate

import (
	"context"
	"slices"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/internal/flags"
	"github.com/rendis/cdflow/pkg/schema"
)

// Policy selects the reduction rule.
type Policy int

const (
	// PolicyLastFailure: the last non-SUCCESS entry wins.
	PolicyLastFailure Policy = iota
	// PolicyRejectPriority: REJECTED wins unconditionally, otherwise as PolicyLastFailure.
	PolicyRejectPriority
)

func (p Policy) String() string {
	switch p {
	case PolicyRejectPriority:
		return "reject_priority"
	default:
		return "last_failure"
	}
}

// Outcome is the reduced result.
type Outcome struct {
	Status       schema.ExecutionStatus
	ErrorMessage string
	// DecidedBy is the correlation id whose result set the status; empty when
	// every result succeeded.
	DecidedBy string
	Policy    Policy
}

// Response converts the outcome into a synchronous execution response.
func (o Outcome) Response() *execution.Response {
	return execution.Complete(o.Status, o.ErrorMessage)
}

// Aggregator resolves the policy per account and reduces results.
type Aggregator struct {
	flags flags.Service
}

// New creates an Aggregator. A nil flag service always selects
// PolicyLastFailure.
func New(f flags.Service) *Aggregator {
	return &Aggregator{flags: f}
}

// PolicyFor resolves the reduction policy for an account.
func (a *Aggregator) PolicyFor(ctx context.Context, accountID string) Policy {
	if a.flags != nil && a.flags.IsEnabled(ctx, flags.PrioritizeRejectedStatus, accountID) {
		return PolicyRejectPriority
	}
	return PolicyLastFailure
}

// Aggregate resolves the policy once and reduces results.
func (a *Aggregator) Aggregate(ctx context.Context, accountID string, results map[string]execution.Result) Outcome {
	return Reduce(a.PolicyFor(ctx, accountID), results)
}

// Reduce applies policy to results. An empty map is SUCCESS.
func Reduce(policy Policy, results map[string]execution.Result) Outcome {
	out := Outcome{Status: schema.StatusSuccess, Policy: policy}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		r := results[id]
		if r.Status == schema.StatusSuccess {
			continue
		}
		if policy == PolicyRejectPriority && out.Status == schema.StatusRejected {
			continue
		}
		out.Status = r.Status
		out.ErrorMessage = r.ErrorMessage
		out.DecidedBy = id
	}
	return out
}
