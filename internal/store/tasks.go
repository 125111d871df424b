package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rendis/cdflow/internal/delegate"
)

// --- Delegate tasks ---

func (s *LibSQLStore) SaveTask(ctx context.Context, task *delegate.Task) error {
	params, err := marshalOrDefault(task.Parameters, "{}")
	if err != nil {
		return fmt.Errorf("marshal task parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO delegate_tasks (id, type, account_id, app_id, state_execution_id, dedup_key, parameters,
		 timeout_millis, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Type, nullStr(task.AccountID), nullStr(task.AppID), nullStr(task.StateExecutionID),
		nullStr(task.DedupKey), string(params), nullInt64(task.TimeoutMillis), string(task.Status),
		timeOrNow(task.CreatedAt),
	)
	return err
}

const taskColumns = `id, type, account_id, app_id, state_execution_id, dedup_key, parameters, timeout_millis,
	status, created_at`

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*delegate.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM delegate_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("delegate task", id)
	}
	return t, err
}

// TaskByDedupKey returns the newest non-failed task with key, or nil.
func (s *LibSQLStore) TaskByDedupKey(ctx context.Context, key string) (*delegate.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM delegate_tasks WHERE dedup_key = ? AND status != ?
		 ORDER BY created_at DESC LIMIT 1`, key, string(delegate.TaskFailed))
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return t, err
}

func (s *LibSQLStore) UpdateTaskStatus(ctx context.Context, id string, status delegate.TaskStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE delegate_tasks SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "delegate task", id)
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*delegate.Task, error) {
	var where []string
	var args []any
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Type)
	}
	if filter.StateExecutionID != "" {
		where = append(where, "state_execution_id = ?")
		args = append(args, filter.StateExecutionID)
	}

	query := "SELECT " + taskColumns + " FROM delegate_tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*delegate.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*delegate.Task, error) {
	t := &delegate.Task{}
	var (
		account, app, stateExec, dedup sql.NullString
		params, status                 string
		timeout                        sql.NullInt64
	)
	if err := row.Scan(&t.ID, &t.Type, &account, &app, &stateExec, &dedup, &params, &timeout,
		&status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.AccountID = account.String
	t.AppID = app.String
	t.StateExecutionID = stateExec.String
	t.DedupKey = dedup.String
	t.TimeoutMillis = int64Ptr(timeout)
	t.Status = delegate.TaskStatus(status)
	if err := unmarshalIfSet(params, &t.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal task parameters: %w", err)
	}
	return t, nil
}
