package store

import (
	"context"
	"database/sql"

	"github.com/rendis/cdflow/internal/permits"
	"github.com/rendis/cdflow/pkg/schema"
)

// --- Resource constraints ---

func (s *LibSQLStore) CreateConstraint(ctx context.Context, c *permits.Constraint) error {
	if c.Strategy == "" {
		c.Strategy = "FIFO"
	}
	c.CreatedAt = timeOrNow(c.CreatedAt)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO resource_constraints (id, name, account_id, capacity, strategy, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.AccountID, c.Capacity, c.Strategy, c.CreatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "resource constraint %q already exists", c.Name).WithCause(err)
	}
	return err
}

// GetConstraint returns nil, nil when the constraint does not exist.
func (s *LibSQLStore) GetConstraint(ctx context.Context, id string) (*permits.Constraint, error) {
	c := &permits.Constraint{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, account_id, capacity, strategy, created_at FROM resource_constraints WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.AccountID, &c.Capacity, &c.Strategy, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// --- Permits ---

func (s *LibSQLStore) GetAcquiredPermits(ctx context.Context, scope schema.HoldingScope, entityKey, appID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(permits), 0) FROM permits
		 WHERE scope = ? AND entity_key = ? AND app_id = ? AND state = ?`,
		string(scope), entityKey, appID, string(permits.StateActive),
	).Scan(&n)
	return n, err
}

func (s *LibSQLStore) UsedPermits(ctx context.Context, constraintID, unit string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(permits), 0) FROM permits
		 WHERE constraint_id = ? AND resource_unit = ? AND state = ?`,
		constraintID, unit, string(permits.StateActive),
	).Scan(&n)
	return n, err
}

func (s *LibSQLStore) SavePermit(ctx context.Context, p *permits.Permit) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO permits (id, constraint_id, resource_unit, scope, entity_key, app_id, account_id, permits, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.ConstraintID, p.ResourceUnit, string(p.Scope), p.EntityKey, p.AppID, nullStr(p.AccountID),
		p.Permits, string(p.State), timeOrNow(p.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) UpdatePermitState(ctx context.Context, id string, state permits.State) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE permits SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, string(state), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "permit", id)
}

func (s *LibSQLStore) ListPermits(ctx context.Context, constraintID, unit string, state permits.State) ([]*permits.Permit, error) {
	return s.queryPermits(ctx,
		`WHERE constraint_id = ? AND resource_unit = ? AND state = ? ORDER BY created_at ASC, rowid ASC`,
		constraintID, unit, string(state))
}

func (s *LibSQLStore) HolderPermits(ctx context.Context, scope schema.HoldingScope, entityKey, appID string) ([]*permits.Permit, error) {
	return s.queryPermits(ctx,
		`WHERE scope = ? AND entity_key = ? AND app_id = ? AND state != ? ORDER BY created_at ASC, rowid ASC`,
		string(scope), entityKey, appID, string(permits.StateFinished))
}

func (s *LibSQLStore) ExecutionPermits(ctx context.Context, workflowExecutionID, appID string) ([]*permits.Permit, error) {
	return s.queryPermits(ctx,
		`WHERE app_id = ? AND state != ?
		   AND ((scope = ? AND entity_key = ?) OR (scope = ? AND substr(entity_key, 1, ?) = ?))
		 ORDER BY created_at ASC, rowid ASC`,
		appID, string(permits.StateFinished),
		string(schema.ScopeWorkflow), workflowExecutionID,
		string(schema.ScopePhase), len(permits.PhaseKeyPrefix(workflowExecutionID)), permits.PhaseKeyPrefix(workflowExecutionID))
}

func (s *LibSQLStore) queryPermits(ctx context.Context, where string, args ...any) ([]*permits.Permit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, constraint_id, resource_unit, scope, entity_key, app_id, account_id, permits, state, created_at
		 FROM permits `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*permits.Permit
	for rows.Next() {
		p := &permits.Permit{}
		var scope, state string
		var account sql.NullString
		if err := rows.Scan(&p.ID, &p.ConstraintID, &p.ResourceUnit, &scope, &p.EntityKey, &p.AppID, &account,
			&p.Permits, &state, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Scope = schema.HoldingScope(scope)
		p.State = permits.State(state)
		p.AccountID = account.String
		out = append(out, p)
	}
	return out, rows.Err()
}
