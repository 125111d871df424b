package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/cdflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/cdflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	// One writer; permit accounting relies on serialized read-modify-write.
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB (used by the event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow executions ---

func (s *LibSQLStore) CreateWorkflowExecution(ctx context.Context, wfe *WorkflowExecution) error {
	def, err := json.Marshal(wfe.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	params, err := marshalOrDefault(wfe.ContextParams, "{}")
	if err != nil {
		return fmt.Errorf("marshal context_params: %w", err)
	}
	now := timeOrNow(wfe.CreatedAt)
	wfe.CreatedAt, wfe.UpdatedAt = now, now
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_executions (id, workflow_id, app_id, account_id, pipeline_execution_id, definition,
		 status, context_params, current_instance_id, error_message, created_at, updated_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wfe.ID, wfe.WorkflowID, wfe.AppID, wfe.AccountID, nullStr(wfe.PipelineExecutionID), string(def),
		string(wfe.Status), string(params), nullStr(wfe.CurrentInstanceID), nullStr(wfe.ErrorMessage),
		now, now, nullTime(wfe.EndedAt),
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow execution %q already exists", wfe.ID).WithCause(err)
	}
	return err
}

const workflowExecutionColumns = `id, workflow_id, app_id, account_id, pipeline_execution_id, definition, status,
	context_params, current_instance_id, error_message, created_at, updated_at, ended_at`

func (s *LibSQLStore) GetWorkflowExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowExecutionColumns+` FROM workflow_executions WHERE id = ?`, id)
	wfe, err := scanWorkflowExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow execution", id)
	}
	return wfe, err
}

func (s *LibSQLStore) UpdateWorkflowExecution(ctx context.Context, id string, update WorkflowExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentInstanceID != nil {
		sets = append(sets, "current_instance_id = ?")
		args = append(args, nullStr(*update.CurrentInstanceID))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *update.EndedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflow_executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow execution", id)
}

func (s *LibSQLStore) ListWorkflowExecutions(ctx context.Context, filter WorkflowExecutionFilter) ([]*WorkflowExecution, error) {
	var where []string
	var args []any

	if len(filter.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(filter.Statuses))+")")
		for _, st := range filter.Statuses {
			args = append(args, string(st))
		}
	}
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}

	query := "SELECT " + workflowExecutionColumns + " FROM workflow_executions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	query += limitOffset(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WorkflowExecution
	for rows.Next() {
		wfe, err := scanWorkflowExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wfe)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflowExecution(row rowScanner) (*WorkflowExecution, error) {
	wfe := &WorkflowExecution{}
	var (
		pipelineID, currentID, errMsg sql.NullString
		defJSON, paramsJSON, status   string
		endedAt                       sql.NullTime
	)
	if err := row.Scan(&wfe.ID, &wfe.WorkflowID, &wfe.AppID, &wfe.AccountID, &pipelineID, &defJSON, &status,
		&paramsJSON, &currentID, &errMsg, &wfe.CreatedAt, &wfe.UpdatedAt, &endedAt); err != nil {
		return nil, err
	}
	wfe.PipelineExecutionID = pipelineID.String
	wfe.CurrentInstanceID = currentID.String
	wfe.ErrorMessage = errMsg.String
	wfe.Status = schema.ExecutionStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &wfe.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if err := unmarshalIfSet(paramsJSON, &wfe.ContextParams); err != nil {
		return nil, fmt.Errorf("unmarshal context_params: %w", err)
	}
	if endedAt.Valid {
		wfe.EndedAt = &endedAt.Time
	}
	return wfe, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt64(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

// marshalOrDefault encodes v, or returns def for a nil or empty value.
func marshalOrDefault(v any, def string) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	switch string(b) {
	case "null", "{}", "[]":
		return []byte(def), nil
	}
	return b, nil
}

// nullableJSON encodes v, or returns SQL NULL for a nil value.
func nullableJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return string(b), nil
}

func unmarshalIfSet(s string, dst any) error {
	if s == "" || s == "null" {
		return nil
	}
	return json.Unmarshal([]byte(s), dst)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func limitOffset(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	q := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}
	return q
}
