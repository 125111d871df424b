package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// --- Events ---

// AppendEvent stores event with the next sequence of its workflow execution.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE workflow_execution_id = ?`, event.WorkflowExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq
	event.Timestamp = timeOrNow(event.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (workflow_execution_id, state_execution_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.WorkflowExecutionID, nullStr(event.StateExecutionID), event.Type, nullRaw(event.Payload),
		event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events of a workflow execution with sequence > since,
// ordered by sequence.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowExecutionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_execution_id, state_execution_id, event_type, payload, timestamp, sequence
		 FROM events WHERE workflow_execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		workflowExecutionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.WorkflowExecutionID != "" {
		where = append(where, "workflow_execution_id = ?")
		args = append(args, filter.WorkflowExecutionID)
	}
	if filter.StateExecutionID != "" {
		where = append(where, "state_execution_id = ?")
		args = append(args, filter.StateExecutionID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_execution_id, state_execution_id, event_type, payload, timestamp, sequence
		FROM events WHERE ` + strings.Join(where, " AND ") + " ORDER BY timestamp DESC, id DESC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PurgeEvents deletes events older than before and returns how many were removed.
func (s *LibSQLStore) PurgeEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stateID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowExecutionID, &stateID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.StateExecutionID = stateID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
