package budget

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLStorage implements Storage on database/sql. The same statements run on
// Postgres (lib/pq) and SQLite (modernc.org/sqlite).
type SQLStorage struct {
	db *sql.DB
}

func NewSQLStorage(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

const budgetSchema = `
CREATE TABLE IF NOT EXISTS budgets (
	scope TEXT PRIMARY KEY,
	daily_limit BIGINT,
	daily_used BIGINT NOT NULL DEFAULT 0,
	day TEXT NOT NULL DEFAULT '',
	last_updated TIMESTAMP
);
`

func (s *SQLStorage) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, budgetSchema); err != nil {
		return fmt.Errorf("init budgets: %w", err)
	}
	return nil
}

func (s *SQLStorage) Get(ctx context.Context, scope string) (*Budget, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT scope, daily_used, day, last_updated FROM budgets WHERE scope = $1",
		scope)

	var (
		b       Budget
		updated sql.NullTime
	)
	err := row.Scan(&b.Scope, &b.DailyUsed, &b.Day, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get budget: %w", err)
	}
	b.LastUpdated = updated.Time
	return &b, nil
}

// Reserve runs as three statements that are each atomic: create the row,
// roll it over to day, then apply delta guarded by the limit in the WHERE
// clause. Concurrent reservations from any number of processes never lose an
// increment or overshoot the limit.
func (s *SQLStorage) Reserve(ctx context.Context, scope, day string, delta, limit int64, now time.Time) (int64, bool, error) {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO budgets (scope, daily_used, day, last_updated)
		VALUES ($1, 0, $2, $3)
		ON CONFLICT (scope) DO NOTHING`, scope, day, now); err != nil {
		return 0, false, fmt.Errorf("failed to create budget row: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"UPDATE budgets SET daily_used = 0, day = $2 WHERE scope = $1 AND day <> $2",
		scope, day); err != nil {
		return 0, false, fmt.Errorf("failed to roll over budget: %w", err)
	}

	var (
		used int64
		row  *sql.Row
	)
	if delta > 0 {
		row = s.db.QueryRowContext(ctx, `
			UPDATE budgets SET daily_used = daily_used + $2, last_updated = $3
			WHERE scope = $1 AND day = $4 AND daily_used + $2 <= $5
			RETURNING daily_used`, scope, delta, now, day, limit)
	} else {
		row = s.db.QueryRowContext(ctx, `
			UPDATE budgets SET daily_used = CASE WHEN daily_used + $2 < 0 THEN 0 ELSE daily_used + $2 END, last_updated = $3
			WHERE scope = $1 AND day = $4
			RETURNING daily_used`, scope, delta, now, day)
	}
	err := row.Scan(&used)
	switch {
	case err == nil:
		return used, true, nil
	case !errors.Is(err, sql.ErrNoRows):
		return 0, false, fmt.Errorf("failed to reserve budget: %w", err)
	}

	// The guard rejected the update; report current usage.
	err = s.db.QueryRowContext(ctx,
		"SELECT daily_used FROM budgets WHERE scope = $1 AND day = $2", scope, day).Scan(&used)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to read budget: %w", err)
	}
	return used, false, nil
}

func (s *SQLStorage) Limit(ctx context.Context, scope string) (int64, bool, error) {
	row := s.db.QueryRowContext(ctx, "SELECT daily_limit FROM budgets WHERE scope = $1", scope)
	var daily sql.NullInt64
	err := row.Scan(&daily)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get limit: %w", err)
	}
	return daily.Int64, daily.Valid, nil
}

func (s *SQLStorage) SetLimit(ctx context.Context, scope string, daily int64) error {
	query := `
		INSERT INTO budgets (scope, daily_limit, daily_used, day, last_updated)
		VALUES ($1, $2, 0, '', $3)
		ON CONFLICT (scope) DO UPDATE SET
			daily_limit = EXCLUDED.daily_limit
	`
	_, err := s.db.ExecContext(ctx, query, scope, daily, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set limit: %w", err)
	}
	return nil
}
