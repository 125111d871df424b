// Package delegate submits opaque tasks to delegates (the agents that run
// cloud, Kubernetes and Helm operations) and returns the correlation id their
// result will arrive under.
package delegate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/cdflow/pkg/schema"
)

// TaskStatus is the lifecycle of a submitted task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Task is the unit handed to a delegate. The executor never inspects
// Parameters; it only needs the id returned by Submit.
type Task struct {
	ID               string `json:"id"`
	Type             string `json:"type"`
	AccountID        string `json:"account_id"`
	AppID            string `json:"app_id"`
	StateExecutionID string `json:"state_execution_id"`
	// DedupKey makes a forward operation single-shot: submitting a second
	// task with the same key fails with schema.ErrDeploymentExists.
	DedupKey      string         `json:"dedup_key,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	TimeoutMillis *int64         `json:"timeout_millis,omitempty"`
	Status        TaskStatus     `json:"status"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Dispatcher submits tasks.
type Dispatcher interface {
	Submit(ctx context.Context, task *Task) (string, error)
}

// TaskStore persists tasks so delegates can poll for work.
type TaskStore interface {
	SaveTask(ctx context.Context, task *Task) error
	// TaskByDedupKey returns the newest non-failed task with the key, or nil.
	TaskByDedupKey(ctx context.Context, key string) (*Task, error)
}

// StoreDispatcher records tasks as PENDING in a TaskStore; delegates pick
// them up and report back through the executor's callback surface.
type StoreDispatcher struct {
	store TaskStore
	now   func() time.Time
}

// NewStoreDispatcher creates a dispatcher over store.
func NewStoreDispatcher(store TaskStore) *StoreDispatcher {
	return &StoreDispatcher{store: store, now: time.Now}
}

// Submit assigns an id when the task has none and saves it.
func (d *StoreDispatcher) Submit(ctx context.Context, task *Task) (string, error) {
	if task == nil || task.Type == "" {
		return "", schema.InvalidRequest("delegate task requires a type")
	}
	if task.DedupKey != "" {
		existing, err := d.store.TaskByDedupKey(ctx, task.DedupKey)
		if err != nil {
			return "", err
		}
		if existing != nil {
			return "", fmt.Errorf("%w: task %s already submitted for %s",
				schema.ErrDeploymentExists, existing.ID, task.DedupKey)
		}
	}
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.Status = TaskPending
	task.CreatedAt = d.now().UTC()
	if err := d.store.SaveTask(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

var _ Dispatcher = (*StoreDispatcher)(nil)
