package delegate

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/cdflow/pkg/schema"
)

// RetryPolicy configures resubmission of a failed dispatch.
type RetryPolicy struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     string        `json:"backoff"` // constant | linear | exponential
	Delay       time.Duration `json:"delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	// MaxWait bounds the total backoff of one Submit. Dispatch runs on a
	// state worker, so a retry that would wait past it is not attempted.
	MaxWait time.Duration `json:"max_wait"`
}

// DefaultRetryPolicy returns the defaults used by the serve command.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Backoff: "exponential", Delay: 200 * time.Millisecond, MaxDelay: 5 * time.Second, MaxWait: time.Second}
}

// IsRetryable classifies a dispatch error. The benign "already exists"
// outcome, contract violations and cancellation are never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, schema.ErrDeploymentExists) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var e *schema.Error
	if errors.As(err, &e) {
		return e.IsRetryable()
	}
	// Anything else is a transport failure of unknown shape.
	return true
}

// DelayFor returns the delay before retry number attempt (0-based).
func (p RetryPolicy) DelayFor(attempt int) time.Duration {
	if p.Delay <= 0 {
		return 0
	}
	var d time.Duration
	switch p.Backoff {
	case "exponential":
		d = p.Delay << uint(attempt)
	case "linear":
		d = p.Delay * time.Duration(attempt+1)
	default:
		d = p.Delay
	}
	if p.MaxDelay > 0 && (d > p.MaxDelay || d <= 0) {
		d = p.MaxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
