package job

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed implementation of Store. It keeps the
// same invariants as the filesystem store but trades the pointer-file
// split for transactional status updates, so no directory scans are
// needed for listing.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath and
// runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	// WAL mode for better concurrent read performance.
	if _, err = db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err = s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS jobs (
			id              TEXT PRIMARY KEY,
			type            TEXT NOT NULL,
			payload         TEXT,
			status          TEXT NOT NULL DEFAULT 'pending',
			result          TEXT,
			error           TEXT NOT NULL DEFAULT '',
			callback_url    TEXT NOT NULL DEFAULT '',
			callback_secret TEXT NOT NULL DEFAULT '',
			created_at      DATETIME NOT NULL,
			started_at      DATETIME,
			completed_at    DATETIME
		);
		CREATE INDEX IF NOT EXISTS idx_jobs_status       ON jobs(status);
		CREATE INDEX IF NOT EXISTS idx_jobs_created_at   ON jobs(created_at);
		CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);
	`)
	return err
}

func (s *SQLiteStore) Create(ctx context.Context, j *Job) error {
	if j.Status != StatusPending && j.Status != StatusProcessing {
		return fmt.Errorf("create job %s: invalid initial status %q", j.ID, j.Status)
	}
	var callbackURL, callbackSecret string
	if j.Callback != nil {
		callbackURL = j.Callback.URL
		callbackSecret = j.Callback.Secret
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs
			(id, type, payload, status, callback_url, callback_secret, created_at, started_at)
		VALUES
			(?, ?, ?, ?, ?, ?, ?, ?)
	`,
		j.ID,
		string(j.Type),
		nullableJSON(j.Payload),
		j.Status,
		callbackURL,
		callbackSecret,
		j.CreatedAt.UTC(),
		nullableTime(j.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

const jobColumns = `id, type, payload, status, result, error,
	callback_url, callback_secret, created_at, started_at, completed_at`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func (s *SQLiteStore) MarkProcessing(ctx context.Context, id string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?
		WHERE id = ? AND status = ?
	`, StatusProcessing, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("mark processing for job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark processing for job %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("mark processing: job %s not found or not pending", id)
	}
	return nil
}

// Quarantine fails a pending job in place. Row storage cannot hold a
// half-written record the way a file can, so the guarded update is the
// whole story; a no-op when the job already left pending.
func (s *SQLiteStore) Quarantine(ctx context.Context, id, reason string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, StatusFailed, reason, now, id, StatusPending)
	if err != nil {
		return fmt.Errorf("quarantine job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) Finalize(ctx context.Context, id string, status Status, result json.RawMessage, errMsg string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize job %s: status %q is not terminal", id, status)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, error = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, status, nullableJSON(result), errMsg, now, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize job %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finalize: job %s not found or not processing", id)
	}
	return nil
}

func (s *SQLiteStore) OldestPending(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM jobs WHERE status = ?
		ORDER BY created_at ASC, id ASC LIMIT 1
	`, StatusPending).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("oldest pending: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) HasProcessing(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = ?
	`, StatusProcessing).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count processing: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) List(ctx context.Context, status Status) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC, id DESC`
	args := []any{}
	if status != "" {
		if !status.Valid() {
			return nil, fmt.Errorf("list jobs: invalid status %q", status)
		}
		query = `SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at DESC, id DESC`
		args = append(args, status)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE status IN (?, ?)
		AND completed_at IS NOT NULL
		AND completed_at < ?
	`, StatusCompleted, StatusFailed, cutoff.UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return int(n), 0, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	j := &Job{}
	var (
		payload, result             sql.NullString
		callbackURL, callbackSecret string
		startedAt, completedAt      sql.NullTime
	)
	err := row.Scan(
		&j.ID, &j.Type, &payload, &j.Status, &result, &j.Error,
		&callbackURL, &callbackSecret, &j.CreatedAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	if payload.Valid {
		j.Payload = []byte(payload.String)
	}
	if result.Valid {
		j.Result = []byte(result.String)
	}
	if callbackURL != "" {
		j.Callback = &Callback{URL: callbackURL, Secret: callbackSecret}
	}
	if startedAt.Valid {
		t := startedAt.Time
		j.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return j, nil
}

// nullableJSON returns nil if b is empty, otherwise the raw bytes as a string.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
