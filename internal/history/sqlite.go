package history

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"localsched/internal/domain"
)

var ErrNotFound = errors.New("invocation not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS invocations (
  id TEXT PRIMARY KEY,
  function_id TEXT NOT NULL,
  cron_expr TEXT NOT NULL DEFAULT '',
  trigger_kind TEXT NOT NULL CHECK(trigger_kind IN ('schedule','manual')),
  state TEXT NOT NULL CHECK(state IN ('running','succeeded','failed')) DEFAULT 'running',
  error TEXT NOT NULL DEFAULT '',
  result BLOB,
  started_at DATETIME NOT NULL,
  finished_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_invocations_started ON invocations(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_invocations_function ON invocations(function_id, started_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

type Repository interface {
	Start(ctx context.Context, inv domain.Invocation) (string, error)
	Finish(ctx context.Context, id string, result []byte, invokeErr error) error
	Get(ctx context.Context, id string) (domain.Invocation, error)
	ListRecent(ctx context.Context, limit int) ([]domain.Invocation, error)
	ListByFunction(ctx context.Context, functionID string, limit int) ([]domain.Invocation, error)
	Counts(ctx context.Context) (map[string]int, error)
}

type sqliteRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db, now: time.Now} }

func (r *sqliteRepo) Start(ctx context.Context, inv domain.Invocation) (string, error) {
	id := inv.ID
	if id == "" {
		id = "inv_" + uuid.NewString()
	}
	if inv.Trigger == "" {
		inv.Trigger = domain.TriggerSchedule
	}
	if inv.StartedAt.IsZero() {
		inv.StartedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO invocations (id,function_id,cron_expr,trigger_kind,state,started_at)
VALUES (?,?,?,?,'running',?)
`, id, inv.FunctionID, inv.CronExpr, inv.Trigger, inv.StartedAt.UTC())
	return id, err
}

func (r *sqliteRepo) Finish(ctx context.Context, id string, result []byte, invokeErr error) error {
	state, errStr := domain.StateSucceeded, ""
	if invokeErr != nil {
		state, errStr = domain.StateFailed, invokeErr.Error()
	}
	_, err := r.db.ExecContext(ctx, `
UPDATE invocations SET state=?, error=?, result=?, finished_at=? WHERE id=?`,
		state, errStr, result, r.now().UTC(), id)
	return err
}

const selectInvocation = `
SELECT id,function_id,cron_expr,trigger_kind,state,error,result,started_at,finished_at
FROM invocations`

type scanner interface {
	Scan(dest ...any) error
}

func scanInvocation(s scanner) (domain.Invocation, error) {
	var inv domain.Invocation
	var finished sql.NullTime
	if err := s.Scan(&inv.ID, &inv.FunctionID, &inv.CronExpr, &inv.Trigger, &inv.State, &inv.Error, &inv.Result, &inv.StartedAt, &finished); err != nil {
		return domain.Invocation{}, err
	}
	if finished.Valid {
		inv.FinishedAt = &finished.Time
	}
	return inv, nil
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Invocation, error) {
	inv, err := scanInvocation(r.db.QueryRowContext(ctx, selectInvocation+` WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Invocation{}, ErrNotFound
	}
	return inv, err
}

func (r *sqliteRepo) ListRecent(ctx context.Context, limit int) ([]domain.Invocation, error) {
	return r.list(ctx, selectInvocation+` ORDER BY started_at DESC LIMIT ?`, limit)
}

func (r *sqliteRepo) ListByFunction(ctx context.Context, functionID string, limit int) ([]domain.Invocation, error) {
	return r.list(ctx, selectInvocation+` WHERE function_id=? ORDER BY started_at DESC LIMIT ?`, functionID, limit)
}

func (r *sqliteRepo) list(ctx context.Context, query string, args ...any) ([]domain.Invocation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Invocation
	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Counts returns the number of invocations per state.
func (r *sqliteRepo) Counts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM invocations GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{
		domain.StateRunning:   0,
		domain.StateSucceeded: 0,
		domain.StateFailed:    0,
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

// RecoverStale marks invocations left running by a previous process as failed.
func RecoverStale(ctx context.Context, db *sql.DB) (int, error) {
	res, err := db.ExecContext(ctx, `
UPDATE invocations SET state='failed', error='interrupted', finished_at=CURRENT_TIMESTAMP
WHERE state='running'`)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
