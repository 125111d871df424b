package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/cdflow/internal/approval"
	"github.com/rendis/cdflow/pkg/schema"
)

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, a *approval.Approval) error {
	approvers, err := marshalOrDefault(a.Approvers, "[]")
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, state_execution_id, workflow_execution_id, account_id, message, approvers, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StateExecutionID, nullStr(a.WorkflowExecutionID), nullStr(a.AccountID), nullStr(a.Message),
		string(approvers), string(a.Status), timeOrNow(a.CreatedAt),
	)
	return err
}

const approvalColumns = `id, state_execution_id, workflow_execution_id, account_id, message, approvers, status,
	decided_by, comments, created_at, decided_at`

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*approval.Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	return a, err
}

// ResolveApproval only moves PENDING approvals; anything else is a conflict.
func (s *LibSQLStore) ResolveApproval(ctx context.Context, id string, status approval.Status, decidedBy, comments string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, decided_by = ?, comments = ?, decided_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), nullStr(decidedBy), nullStr(comments), at, id, string(approval.StatusPending),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	current, err := s.GetApproval(ctx, id)
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "approval %q is already %s", id, current.Status)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter approval.Filter) ([]*approval.Approval, error) {
	var where []string
	var args []any
	if filter.WorkflowExecutionID != "" {
		where = append(where, "workflow_execution_id = ?")
		args = append(args, filter.WorkflowExecutionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := "SELECT " + approvalColumns + " FROM approvals"
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

	var out []*approval.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (*approval.Approval, error) {
	a := &approval.Approval{}
	var (
		wfe, account, message, decidedBy, comments sql.NullString
		approvers, status                          string
		decidedAt                                  sql.NullTime
	)
	if err := row.Scan(&a.ID, &a.StateExecutionID, &wfe, &account, &message, &approvers, &status,
		&decidedBy, &comments, &a.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}
	a.WorkflowExecutionID = wfe.String
	a.AccountID = account.String
	a.Message = message.String
	a.Status = approval.Status(status)
	a.DecidedBy = decidedBy.String
	a.Comments = comments.String
	a.DecidedAt = timePtr(decidedAt)
	if err := unmarshalIfSet(approvers, &a.Approvers); err != nil {
		return nil, fmt.Errorf("unmarshal approvers: %w", err)
	}
	return a, nil
}

var _ Store = (*LibSQLStore)(nil)
