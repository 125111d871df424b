package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/cdflow/internal/execution"
	"github.com/rendis/cdflow/pkg/schema"
)

// --- State execution instances ---

// SaveInstance inserts inst or replaces every mutable column of an existing row.
func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *execution.Instance) error {
	looped, err := nullableJSON(inst.LoopedStateParams)
	if err != nil {
		return fmt.Errorf("marshal looped_state_params: %w", err)
	}
	data, err := marshalOrDefault(inst.ExecutionData, "{}")
	if err != nil {
		return fmt.Errorf("marshal execution_data: %w", err)
	}
	params, err := marshalOrDefault(inst.ContextParams, "{}")
	if err != nil {
		return fmt.Errorf("marshal context_params: %w", err)
	}
	ids, err := marshalOrDefault(inst.CorrelationIDs, "[]")
	if err != nil {
		return fmt.Errorf("marshal correlation_ids: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO state_executions (id, display_name, state_name, state_type, app_id, account_id, workflow_id,
		 workflow_execution_id, pipeline_execution_id, parent_instance_id, parent_looped_state, looped_state_params,
		 status, execution_data, context_params, correlation_ids, timeout_millis, expires_at, created_at,
		 started_at, ended_at, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name=excluded.display_name, status=excluded.status, execution_data=excluded.execution_data,
		   context_params=excluded.context_params, correlation_ids=excluded.correlation_ids,
		   looped_state_params=excluded.looped_state_params, timeout_millis=excluded.timeout_millis,
		   expires_at=excluded.expires_at, started_at=excluded.started_at, ended_at=excluded.ended_at,
		   error_message=excluded.error_message, updated_at=CURRENT_TIMESTAMP`,
		inst.ID, inst.DisplayName, inst.StateName, string(inst.StateType), nullStr(inst.AppID),
		nullStr(inst.AccountID), nullStr(inst.WorkflowID), nullStr(inst.WorkflowExecutionID),
		nullStr(inst.PipelineExecutionID), nullStr(inst.ParentInstanceID), inst.ParentLoopedState, looped,
		string(inst.Status), string(data), string(params), string(ids), nullInt64(inst.TimeoutMillis),
		nullTime(inst.ExpiresAt), timeOrNow(inst.CreatedAt), nullTime(inst.StartedAt), nullTime(inst.EndedAt),
		nullStr(inst.ErrorMessage),
	)
	return err
}

const instanceColumns = `id, display_name, state_name, state_type, app_id, account_id, workflow_id,
	workflow_execution_id, pipeline_execution_id, parent_instance_id, parent_looped_state, looped_state_params,
	status, execution_data, context_params, correlation_ids, timeout_millis, expires_at, created_at,
	started_at, ended_at, error_message`

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*execution.Instance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM state_executions WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("state execution", id)
	}
	return inst, err
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*execution.Instance, error) {
	var where []string
	var args []any

	if filter.WorkflowExecutionID != "" {
		where = append(where, "workflow_execution_id = ?")
		args = append(args, filter.WorkflowExecutionID)
	}
	if filter.ParentInstanceID != "" {
		where = append(where, "parent_instance_id = ?")
		args = append(args, filter.ParentInstanceID)
	}
	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.ExpiresBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at < ?")
		args = append(args, *filter.ExpiresBefore)
	}

	query := "SELECT " + instanceColumns + " FROM state_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	query += limitOffset(filter.Limit, 0)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*execution.Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func scanInstance(row rowScanner) (*execution.Instance, error) {
	inst := &execution.Instance{}
	var (
		appID, accountID, workflowID, wfeID, pipelineID, parentID, errMsg sql.NullString
		looped                                                            sql.NullString
		stateType, status, data, params, ids                              string
		timeoutMillis                                                     sql.NullInt64
		expiresAt, startedAt, endedAt                                     sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.DisplayName, &inst.StateName, &stateType, &appID, &accountID, &workflowID,
		&wfeID, &pipelineID, &parentID, &inst.ParentLoopedState, &looped,
		&status, &data, &params, &ids, &timeoutMillis, &expiresAt, &inst.CreatedAt,
		&startedAt, &endedAt, &errMsg); err != nil {
		return nil, err
	}
	inst.StateType = schema.StateType(stateType)
	inst.Status = schema.ExecutionStatus(status)
	inst.AppID = appID.String
	inst.AccountID = accountID.String
	inst.WorkflowID = workflowID.String
	inst.WorkflowExecutionID = wfeID.String
	inst.PipelineExecutionID = pipelineID.String
	inst.ParentInstanceID = parentID.String
	inst.ErrorMessage = errMsg.String
	inst.TimeoutMillis = int64Ptr(timeoutMillis)
	inst.ExpiresAt = timePtr(expiresAt)
	inst.StartedAt = timePtr(startedAt)
	inst.EndedAt = timePtr(endedAt)

	if looped.Valid {
		inst.LoopedStateParams = &execution.LoopedStateParams{}
		if err := unmarshalIfSet(looped.String, inst.LoopedStateParams); err != nil {
			return nil, fmt.Errorf("unmarshal looped_state_params: %w", err)
		}
	}
	if err := unmarshalIfSet(data, &inst.ExecutionData); err != nil {
		return nil, fmt.Errorf("unmarshal execution_data: %w", err)
	}
	if err := unmarshalIfSet(params, &inst.ContextParams); err != nil {
		return nil, fmt.Errorf("unmarshal context_params: %w", err)
	}
	if err := unmarshalIfSet(ids, &inst.CorrelationIDs); err != nil {
		return nil, fmt.Errorf("unmarshal correlation_ids: %w", err)
	}
	return inst, nil
}

// --- Awaited results ---

// SaveAwaitedResult records the result for one correlation id of a waiting
// instance. It reports false when a result for that id was already stored;
// the first delivery wins.
func (s *LibSQLStore) SaveAwaitedResult(ctx context.Context, instanceID, correlationID string, result execution.Result) (bool, error) {
	data, err := nullableJSON(result.Data)
	if err != nil {
		return false, fmt.Errorf("marshal result data: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO awaited_results (instance_id, correlation_id, status, error_message, data, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		instanceID, correlationID, string(result.Status), nullStr(result.ErrorMessage), data, time.Now().UTC(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) AwaitedResults(ctx context.Context, instanceID string) (map[string]execution.Result, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT correlation_id, status, error_message, data FROM awaited_results WHERE instance_id = ?`, instanceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]execution.Result)
	for rows.Next() {
		var id, status string
		var errMsg, data sql.NullString
		if err := rows.Scan(&id, &status, &errMsg, &data); err != nil {
			return nil, err
		}
		r := execution.Result{Status: schema.ExecutionStatus(status), ErrorMessage: errMsg.String}
		if err := unmarshalIfSet(data.String, &r.Data); err != nil {
			return nil, fmt.Errorf("unmarshal result data: %w", err)
		}
		out[id] = r
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteAwaitedResults(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM awaited_results WHERE instance_id = ?`, instanceID)
	return err
}
