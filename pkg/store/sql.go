package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

// SQLStore persists to sqlite or postgres through database/sql. Queries
// are written with ? placeholders and rebound per driver.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ Store = (*SQLStore)(nil)

// OpenSQL connects and applies the schema. driver is sqlite or postgres;
// for sqlite the dsn may be ":memory:".
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("%s store requires a dsn", driver)
	}
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case "sqlite":
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		// One connection keeps ":memory:" databases shared and serializes
		// writers.
		db.SetMaxOpenConns(1)
		for _, p := range []string{"PRAGMA busy_timeout=5000", "PRAGMA journal_mode=WAL"} {
			if _, err := db.ExecContext(ctx, p); err != nil {
				db.Close()
				return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
			}
		}
	case "postgres":
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported sql driver %q", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", driver, err)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) migrate(ctx context.Context) error {
	seq := "seq INTEGER PRIMARY KEY AUTOINCREMENT"
	if s.driver == "postgres" {
		seq = "seq BIGSERIAL PRIMARY KEY"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			` + seq + `,
			id TEXT NOT NULL UNIQUE,
			identity TEXT NOT NULL,
			provider TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			units DOUBLE PRECISION NOT NULL DEFAULT 0,
			cost DOUBLE PRECISION NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL,
			pricing_version TEXT NOT NULL DEFAULT '',
			reference TEXT NOT NULL DEFAULT '',
			reason TEXT NOT NULL DEFAULT '',
			recorded_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_identity_time ON usage_records (identity, recorded_at)`,
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			state TEXT NOT NULL,
			trigger_ctx TEXT NOT NULL,
			steps TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			partial_failure INTEGER NOT NULL DEFAULT 0,
			created_at BIGINT NOT NULL,
			started_at BIGINT NOT NULL DEFAULT 0,
			ended_at BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions (workflow_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s store: %w", s.driver, err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) AppendUsage(ctx context.Context, rec ledger.Record) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO usage_records
		(id, identity, provider, model, units, cost, outcome, pricing_version, reference, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.Identity, rec.Provider, rec.Model, rec.Units, rec.Cost, string(rec.Outcome),
		rec.PricingVersion, rec.Reference, rec.Reason, toNanos(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("append usage %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) QueryUsage(ctx context.Context, f ledger.Filter) ([]ledger.Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Identity != "" {
		where = append(where, "identity = ?")
		args = append(args, f.Identity)
	}
	if f.Provider != "" {
		where = append(where, "provider = ?")
		args = append(args, f.Provider)
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, toNanos(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "recorded_at < ?")
		args = append(args, toNanos(f.Until))
	}
	query := `SELECT id, identity, provider, model, units, cost, outcome, pricing_version, reference, reason, recorded_at
		FROM usage_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []ledger.Record
	for rows.Next() {
		var (
			rec     ledger.Record
			outcome string
			nanos   int64
		)
		if err := rows.Scan(&rec.ID, &rec.Identity, &rec.Provider, &rec.Model, &rec.Units, &rec.Cost,
			&outcome, &rec.PricingVersion, &rec.Reference, &rec.Reason, &nanos); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		rec.Outcome = ledger.Outcome(outcome)
		rec.Timestamp = fromNanos(nanos)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveExecution(ctx context.Context, exec workflow.Execution) error {
	trigger, err := json.Marshal(exec.Trigger)
	if err != nil {
		return fmt.Errorf("encode trigger for %s: %w", exec.ID, err)
	}
	steps, err := json.Marshal(exec.Steps)
	if err != nil {
		return fmt.Errorf("encode steps for %s: %w", exec.ID, err)
	}
	partial := 0
	if exec.PartialFailure {
		partial = 1
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO workflow_executions
		(id, workflow_id, state, trigger_ctx, steps, error, partial_failure, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			steps = excluded.steps,
			error = excluded.error,
			partial_failure = excluded.partial_failure,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at`),
		exec.ID, exec.WorkflowID, string(exec.State), string(trigger), string(steps), exec.Error, partial,
		toNanos(exec.CreatedAt), toNanos(exec.StartedAt), toNanos(exec.EndedAt))
	if err != nil {
		return fmt.Errorf("save execution %s: %w", exec.ID, err)
	}
	return nil
}

const executionColumns = `id, workflow_id, state, trigger_ctx, steps, error, partial_failure, created_at, started_at, ended_at`

func (s *SQLStore) GetExecution(ctx context.Context, id string) (workflow.Execution, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`), id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.Execution{}, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	return exec, err
}

// ListExecutions returns matching executions, newest first.
func (s *SQLStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]workflow.Execution, error) {
	var (
		where []string
		args  []any
	)
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	query := `SELECT ` + executionColumns + ` FROM workflow_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	var out []workflow.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (workflow.Execution, error) {
	var (
		exec                    workflow.Execution
		state, trigger, steps   string
		partial                 int
		created, started, ended int64
	)
	if err := row.Scan(&exec.ID, &exec.WorkflowID, &state, &trigger, &steps, &exec.Error, &partial,
		&created, &started, &ended); err != nil {
		return workflow.Execution{}, err
	}
	exec.State = workflow.State(state)
	exec.PartialFailure = partial != 0
	exec.CreatedAt = fromNanos(created)
	exec.StartedAt = fromNanos(started)
	exec.EndedAt = fromNanos(ended)
	if err := json.Unmarshal([]byte(trigger), &exec.Trigger); err != nil {
		return workflow.Execution{}, fmt.Errorf("decode trigger for %s: %w", exec.ID, err)
	}
	if err := json.Unmarshal([]byte(steps), &exec.Steps); err != nil {
		return workflow.Execution{}, fmt.Errorf("decode steps for %s: %w", exec.ID, err)
	}
	return exec, nil
}

// Times are stored as unix nanoseconds; zero maps to the zero time.
func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
