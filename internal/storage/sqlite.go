// Package storage persists checks and probe results in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazz-dev/uptimer/internal/check"
)

// ErrNotFound is returned when a check does not exist.
var ErrNotFound = errors.New("not found")

// timeLayout has a fixed-width fraction so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS checks (
    id                TEXT    PRIMARY KEY,
    name              TEXT    NOT NULL,
    url               TEXT    NOT NULL,
    method            TEXT    NOT NULL CHECK(method IN ('GET', 'HEAD')),
    interval_ms       INTEGER NOT NULL CHECK(interval_ms > 0),
    timeout_ms        INTEGER NOT NULL CHECK(timeout_ms > 0),
    expected_status   INTEGER NOT NULL,
    active            INTEGER NOT NULL DEFAULT 1,
    last_status       TEXT    NOT NULL DEFAULT 'unknown' CHECK(last_status IN ('unknown', 'healthy', 'unhealthy')),
    last_latency_ms   INTEGER,
    consecutive_fails INTEGER NOT NULL DEFAULT 0 CHECK(consecutive_fails >= 0),
    last_run_at       TEXT,
    created_at        TEXT    NOT NULL,
    updated_at        TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checks_active ON checks(active);
CREATE INDEX IF NOT EXISTS idx_checks_created ON checks(created_at DESC);

CREATE TABLE IF NOT EXISTS results (
    id          TEXT    PRIMARY KEY,
    check_id    TEXT    NOT NULL REFERENCES checks(id) ON DELETE CASCADE,
    status      TEXT    NOT NULL CHECK(status IN ('healthy', 'unhealthy')),
    latency_ms  INTEGER NOT NULL,
    http_status INTEGER,
    error       TEXT    NOT NULL DEFAULT '',
    created_at  TEXT    NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_results_check_created ON results(check_id, created_at DESC);
`

const checkColumns = `id, name, url, method, interval_ms, timeout_ms, expected_status, active,
	last_status, last_latency_ms, consecutive_fails, last_run_at, created_at, updated_at`

const resultColumns = `id, check_id, status, latency_ms, http_status, error, created_at`

// DB wraps a SQLite database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies the schema.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite at %q: %w", path, err)
	}
	// A single connection serialises writers and keeps ":memory:" databases
	// shared across goroutines.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA cache_size=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", p, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// CreateCheck inserts a new check.
func (d *DB) CreateCheck(ctx context.Context, c *check.Check) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO checks (`+checkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, c.URL, c.Method,
		c.Interval.Milliseconds(), c.Timeout.Milliseconds(), c.ExpectedStatus, c.Active,
		string(c.LastStatus), nullLatency(c.LastLatency), c.ConsecutiveFails, nullTime(c.LastRunAt),
		formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting check %q: %w", c.Name, err)
	}
	return nil
}

// GetCheck returns the check with the given id, or ErrNotFound.
func (d *DB) GetCheck(ctx context.Context, id string) (*check.Check, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+checkColumns+` FROM checks WHERE id = ?`, id)
	c, err := scanCheck(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying check %q: %w", id, err)
	}
	return c, nil
}

// GetCheckByName returns the oldest check with the given name, or ErrNotFound.
func (d *DB) GetCheckByName(ctx context.Context, name string) (*check.Check, error) {
	row := d.db.QueryRowContext(ctx,
		`SELECT `+checkColumns+` FROM checks WHERE name = ? ORDER BY created_at ASC LIMIT 1`, name)
	c, err := scanCheck(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying check named %q: %w", name, err)
	}
	return c, nil
}

// ListChecks returns every check, newest first.
func (d *DB) ListChecks(ctx context.Context) ([]check.Check, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+checkColumns+` FROM checks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying checks: %w", err)
	}
	defer rows.Close()
	return scanChecks(rows)
}

// ListActive returns every active check.
func (d *DB) ListActive(ctx context.Context) ([]check.Check, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT `+checkColumns+` FROM checks WHERE active = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying active checks: %w", err)
	}
	defer rows.Close()
	return scanChecks(rows)
}

// UpdateCheck saves the definition fields of c. Rolling state is owned by
// Record and is left untouched.
func (d *DB) UpdateCheck(ctx context.Context, c *check.Check) error {
	res, err := d.db.ExecContext(ctx, `
		UPDATE checks
		SET name = ?, url = ?, method = ?, interval_ms = ?, timeout_ms = ?,
		    expected_status = ?, active = ?, updated_at = ?
		WHERE id = ?`,
		c.Name, c.URL, c.Method, c.Interval.Milliseconds(), c.Timeout.Milliseconds(),
		c.ExpectedStatus, c.Active, formatTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating check %q: %w", c.ID, err)
	}
	return requireRow(res, c.ID)
}

// DeleteCheck removes a check and its results. Deleting a missing check is
// not an error.
func (d *DB) DeleteCheck(ctx context.Context, id string) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM checks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting check %q: %w", id, err)
	}
	return nil
}

// Record stores r and folds it into the stored rolling state of its check in
// one transaction, so results recorded one after another from stale copies of
// the check are all counted. On success *c holds the check as stored. A
// deleted check yields ErrNotFound and nothing is written.
func (d *DB) Record(ctx context.Context, c *check.Check, r *check.Result) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning record for %q: %w", c.ID, err)
	}
	defer tx.Rollback()

	stored, err := scanCheck(tx.QueryRowContext(ctx, `SELECT `+checkColumns+` FROM checks WHERE id = ?`, c.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("check %q: %w", c.ID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading state of check %q: %w", c.ID, err)
	}
	stored.Observe(*r)

	res, err := tx.ExecContext(ctx, `
		UPDATE checks
		SET last_status = ?, last_latency_ms = ?, consecutive_fails = ?, last_run_at = ?, updated_at = ?
		WHERE id = ?`,
		string(stored.LastStatus), nullLatency(stored.LastLatency), stored.ConsecutiveFails,
		nullTime(stored.LastRunAt), formatTime(stored.UpdatedAt), stored.ID,
	)
	if err != nil {
		return fmt.Errorf("updating state of check %q: %w", c.ID, err)
	}
	if err := requireRow(res, c.ID); err != nil {
		return err
	}

	var httpStatus sql.NullInt64
	if r.HTTPStatus != nil {
		httpStatus = sql.NullInt64{Int64: int64(*r.HTTPStatus), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO results (`+resultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CheckID, string(r.Status), r.Latency.Milliseconds(), httpStatus, r.Error, formatTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting result for check %q: %w", c.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing record for %q: %w", c.ID, err)
	}
	*c = *stored
	return nil
}

// ListResults returns results for a check created at or after since, newest
// first. A zero since returns all results; limit <= 0 means no limit.
func (d *DB) ListResults(ctx context.Context, checkID string, since time.Time, limit int) ([]check.Result, error) {
	query := `SELECT ` + resultColumns + ` FROM results WHERE check_id = ?`
	args := []any{checkID}
	if !since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(since))
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying results for %q: %w", checkID, err)
	}
	defer rows.Close()

	var results []check.Result
	for rows.Next() {
		r, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning result row: %w", err)
		}
		results = append(results, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating result rows: %w", err)
	}
	return results, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows for %q: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("check %q: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheck(row scanner) (*check.Check, error) {
	var (
		c                     check.Check
		intervalMs, timeoutMs int64
		status                string
		latencyMs             sql.NullInt64
		lastRunAt             sql.NullString
		createdAt, updatedAt  string
	)
	err := row.Scan(&c.ID, &c.Name, &c.URL, &c.Method, &intervalMs, &timeoutMs, &c.ExpectedStatus,
		&c.Active, &status, &latencyMs, &c.ConsecutiveFails, &lastRunAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	c.Interval = time.Duration(intervalMs) * time.Millisecond
	c.Timeout = time.Duration(timeoutMs) * time.Millisecond
	c.LastStatus = check.Status(status)
	if latencyMs.Valid {
		d := time.Duration(latencyMs.Int64) * time.Millisecond
		c.LastLatency = &d
	}
	if lastRunAt.Valid {
		t, err := parseTime(lastRunAt.String)
		if err != nil {
			return nil, err
		}
		c.LastRunAt = &t
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func scanChecks(rows *sql.Rows) ([]check.Check, error) {
	var checks []check.Check
	for rows.Next() {
		c, err := scanCheck(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning check row: %w", err)
		}
		checks = append(checks, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating check rows: %w", err)
	}
	return checks, nil
}

func scanResult(row scanner) (*check.Result, error) {
	var (
		r          check.Result
		status     string
		latencyMs  int64
		httpStatus sql.NullInt64
		createdAt  string
	)
	if err := row.Scan(&r.ID, &r.CheckID, &status, &latencyMs, &httpStatus, &r.Error, &createdAt); err != nil {
		return nil, err
	}
	r.Status = check.Status(status)
	r.Latency = time.Duration(latencyMs) * time.Millisecond
	if httpStatus.Valid {
		code := int(httpStatus.Int64)
		r.HTTPStatus = &code
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = t
	return &r, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullLatency(d *time.Duration) sql.NullInt64 {
	if d == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}
