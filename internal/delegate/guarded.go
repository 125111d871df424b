package delegate

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rendis/cdflow/internal/telemetry"
	"github.com/rendis/cdflow/pkg/schema"
)

// Guarded wraps a Dispatcher with a per-task-type circuit breaker and
// retry with backoff.
type Guarded struct {
	inner    Dispatcher
	breakers *Breakers
	retry    RetryPolicy
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// NewGuarded creates a guarded dispatcher. metrics may be nil.
func NewGuarded(inner Dispatcher, breakers *Breakers, retry RetryPolicy, metrics *telemetry.Metrics, logger *slog.Logger) *Guarded {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = 1
	}
	return &Guarded{inner: inner, breakers: breakers, retry: retry, metrics: metrics, logger: logger}
}

// Submit dispatches task, retrying retryable errors while the circuit allows.
func (g *Guarded) Submit(ctx context.Context, task *Task) (string, error) {
	var lastErr error
	var waited time.Duration
	for attempt := 0; attempt < g.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			d := g.retry.DelayFor(attempt - 1)
			if g.retry.MaxWait > 0 && waited+d > g.retry.MaxWait {
				g.logger.DebugContext(ctx, "delegate retry budget spent",
					slog.String("task_type", task.Type),
					slog.Duration("waited", waited))
				break
			}
			if err := sleepCtx(ctx, d); err != nil {
				return "", err
			}
			waited += d
		}
		if err := g.breakers.Allow(task.Type); err != nil {
			g.metrics.RecordDelegateSubmit(task.Type, "rejected")
			return "", err
		}

		id, err := g.inner.Submit(ctx, task)
		if err == nil {
			g.breakers.Success(task.Type)
			g.metrics.SetCircuitState(task.Type, int(CircuitClosed))
			g.metrics.RecordDelegateSubmit(task.Type, "ok")
			return id, nil
		}
		if errors.Is(err, schema.ErrDeploymentExists) || schema.IsFatal(err) {
			// Not a delegate fault; leave the circuit alone.
			return "", err
		}

		lastErr = err
		state := g.breakers.Failure(task.Type)
		g.metrics.SetCircuitState(task.Type, int(state))
		g.metrics.RecordDelegateSubmit(task.Type, "error")
		g.logger.WarnContext(ctx, "delegate submit failed",
			slog.String("task_type", task.Type),
			slog.Int("attempt", attempt+1),
			slog.String("circuit", state.String()),
			slog.Any("error", err))

		if !IsRetryable(err) {
			break
		}
	}
	return "", schema.NewErrorf(schema.ErrCodeExecution, "submit %s task: %v", task.Type, lastErr).WithCause(lastErr)
}

var _ Dispatcher = (*Guarded)(nil)
