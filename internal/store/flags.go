package store

import (
	"context"
	"database/sql"

	"github.com/rendis/cdflow/internal/flags"
)

// --- Feature flags ---

// FeatureFlagEnabled checks the account row first and falls back to the
// global ("*") row. Unknown flags are disabled.
func (s *LibSQLStore) FeatureFlagEnabled(ctx context.Context, flag, accountID string) (bool, error) {
	var enabled bool
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM feature_flags WHERE name = ? AND account_id IN (?, ?)
		 ORDER BY CASE WHEN account_id = ? THEN 0 ELSE 1 END LIMIT 1`,
		flag, accountID, flags.AllAccounts, accountID,
	).Scan(&enabled)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return enabled, err
}

func (s *LibSQLStore) SetFeatureFlag(ctx context.Context, flag, accountID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feature_flags (name, account_id, enabled) VALUES (?, ?, ?)
		 ON CONFLICT(name, account_id) DO UPDATE SET enabled=excluded.enabled, updated_at=CURRENT_TIMESTAMP`,
		flag, accountID, enabled,
	)
	return err
}
