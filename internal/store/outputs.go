package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/rendis/cdflow/internal/outputs"
)

// --- Sweeping outputs ---

func (s *LibSQLStore) SaveOutput(ctx context.Context, o *outputs.Output) error {
	value, err := nullableJSON(o.Value)
	if err != nil {
		return fmt.Errorf("marshal output value: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sweeping_outputs (id, app_id, pipeline_execution_id, state_execution_id, workflow_execution_id,
		 name, value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pipeline_execution_id, state_execution_id, name) DO UPDATE SET
		   value=excluded.value, workflow_execution_id=excluded.workflow_execution_id, created_at=excluded.created_at`,
		o.ID, nullStr(o.AppID), o.PipelineExecutionID, o.StateExecutionID, nullStr(o.WorkflowExecutionID),
		o.Name, value, timeOrNow(o.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListOutputs(ctx context.Context, filter outputs.Filter) ([]*outputs.Output, error) {
	where := []string{"pipeline_execution_id = ?"}
	args := []any{filter.PipelineExecutionID}
	if filter.AppID != "" {
		where = append(where, "app_id = ?")
		args = append(args, filter.AppID)
	}

	var owners []string
	if len(filter.StateExecutionIDs) > 0 {
		owners = append(owners, "state_execution_id IN ("+placeholders(len(filter.StateExecutionIDs))+")")
		for _, id := range filter.StateExecutionIDs {
			args = append(args, id)
		}
	}
	if len(filter.WorkflowExecutionIDs) > 0 {
		owners = append(owners, "workflow_execution_id IN ("+placeholders(len(filter.WorkflowExecutionIDs))+")")
		for _, id := range filter.WorkflowExecutionIDs {
			args = append(args, id)
		}
	}
	if len(owners) > 0 {
		where = append(where, "("+strings.Join(owners, " OR ")+")")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, app_id, pipeline_execution_id, state_execution_id, workflow_execution_id, name, value, created_at
		 FROM sweeping_outputs WHERE `+strings.Join(where, " AND ")+` ORDER BY created_at ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*outputs.Output
	for rows.Next() {
		o := &outputs.Output{}
		var app, wfe, value sql.NullString
		if err := rows.Scan(&o.ID, &app, &o.PipelineExecutionID, &o.StateExecutionID, &wfe, &o.Name, &value,
			&o.CreatedAt); err != nil {
			return nil, err
		}
		o.AppID = app.String
		o.WorkflowExecutionID = wfe.String
		if err := unmarshalIfSet(value.String, &o.Value); err != nil {
			return nil, fmt.Errorf("unmarshal output value: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
