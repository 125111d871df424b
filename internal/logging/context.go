// Package logging carries execution correlation ids through context.Context
// and onto slog records.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	workflowExecutionIDKey ctxKey = iota
	stateExecutionIDKey
	accountIDKey
)

// Attribute names used on log records.
const (
	AttrWorkflowExecutionID = "workflow_execution_id"
	AttrStateExecutionID    = "state_execution_id"
	AttrAccountID           = "account_id"
)

var correlationKeys = []struct {
	key  ctxKey
	attr string
}{
	{workflowExecutionIDKey, AttrWorkflowExecutionID},
	{stateExecutionIDKey, AttrStateExecutionID},
	{accountIDKey, AttrAccountID},
}

// WithWorkflowExecutionID returns a context carrying the workflow execution id.
func WithWorkflowExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowExecutionIDKey, id)
}

// WithStateExecutionID returns a context carrying the state execution id.
func WithStateExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stateExecutionIDKey, id)
}

// WithAccountID returns a context carrying the account id.
func WithAccountID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, accountIDKey, id)
}

// WorkflowExecutionID returns the workflow execution id, or "".
func WorkflowExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(workflowExecutionIDKey).(string)
	return v
}

// StateExecutionID returns the state execution id, or "".
func StateExecutionID(ctx context.Context) string {
	v, _ := ctx.Value(stateExecutionIDKey).(string)
	return v
}

// AccountID returns the account id, or "".
func AccountID(ctx context.Context) string {
	v, _ := ctx.Value(accountIDKey).(string)
	return v
}

// WithIDs sets all correlation ids at once.
func WithIDs(ctx context.Context, workflowExecutionID, stateExecutionID, accountID string) context.Context {
	ctx = WithWorkflowExecutionID(ctx, workflowExecutionID)
	ctx = WithStateExecutionID(ctx, stateExecutionID)
	return WithAccountID(ctx, accountID)
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	for _, ck := range correlationKeys {
		if v, _ := ctx.Value(ck.key).(string); v != "" {
			out = append(out, slog.String(ck.attr, v))
		}
	}
	return out
}

// LogWith returns a logger enriched with the non-empty correlation ids.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler and injects correlation ids from
// the record's context, so logger.InfoContext(ctx, ...) is enough.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(as)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
