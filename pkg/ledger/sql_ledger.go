package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Dialect selects the schema variant for SQLLedger.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQLLedger mirrors trace events into a database/sql table.
// It supports both Postgres and SQLite via standard drivers.
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
}

func NewSQLLedger(db *sql.DB, dialect Dialect) *SQLLedger {
	return &SQLLedger{db: db, dialect: dialect}
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trace_events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	ts TEXT NOT NULL,
	run_id TEXT,
	mode TEXT,
	phase TEXT NOT NULL,
	step TEXT NOT NULL,
	ok BOOLEAN NOT NULL,
	note TEXT,
	extra TEXT
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS trace_events (
	seq BIGSERIAL PRIMARY KEY,
	ts TEXT NOT NULL,
	run_id TEXT,
	mode TEXT,
	phase TEXT NOT NULL,
	step TEXT NOT NULL,
	ok BOOLEAN NOT NULL,
	note TEXT,
	extra TEXT
);
`

func (s *SQLLedger) Init(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DialectPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init trace_events: %w", err)
	}
	return nil
}

func (s *SQLLedger) Append(ctx context.Context, ev TraceEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC().Truncate(time.Millisecond)
	}
	extra := ""
	if len(ev.Extra) > 0 {
		b, err := json.Marshal(ev.Extra)
		if err != nil {
			return fmt.Errorf("marshal extra: %w", err)
		}
		extra = string(b)
	}

	query := `
		INSERT INTO trace_events (ts, run_id, mode, phase, step, ok, note, extra)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.db.ExecContext(ctx, query,
		ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.RunID, ev.Mode, ev.Phase, ev.Step, ev.OK, ev.Note, extra,
	)
	if err != nil {
		return fmt.Errorf("insert trace event: %w", err)
	}
	return nil
}

func (s *SQLLedger) Tail(ctx context.Context, n int, filter Filter) ([]TraceEvent, error) {
	query := `
		SELECT ts, run_id, mode, phase, step, ok, note, extra FROM trace_events
		WHERE ($1 = '' OR mode = $1) AND ($2 = '' OR run_id = $2) AND ($3 = '' OR phase = $3)
		ORDER BY seq DESC`
	args := []any{filter.Mode, filter.RunID, filter.Phase}
	if n > 0 {
		query += ` LIMIT $4`
		args = append(args, n)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trace events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]TraceEvent, 0)
	for rows.Next() {
		var (
			ev                       TraceEvent
			ts                       string
			runID, mode, note, extra sql.NullString
		)
		if err := rows.Scan(&ts, &runID, &mode, &ev.Phase, &ev.Step, &ev.OK, &note, &extra); err != nil {
			return nil, err
		}
		ev.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse ts %q: %w", ts, err)
		}
		ev.RunID, ev.Mode, ev.Note = runID.String, mode.String, note.String
		if extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &ev.Extra); err != nil {
				return nil, fmt.Errorf("parse extra: %w", err)
			}
		}
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
		result[i], result[j] = result[j], result[i]
	}
	return result, nil
}
