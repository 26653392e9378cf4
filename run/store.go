package run

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/proc"
	"github.com/teranos/kiln/proc/logsink"
)

const runColumns = `id, workspace_id, run_type, status, started_at, ended_at, exit_code, error_message, pid`

// Store persists runs and their log lines
type Store struct {
	db *sql.DB
}

// NewStore creates a run store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new running record
func (s *Store) Create(ctx context.Context, r *Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, workspace_id, run_type, status, started_at, pid) VALUES (?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, string(r.Kind), string(r.Status), r.StartedAt, nullPID(r.PID))
	if err != nil {
		return errors.WrapDatabase(err, "failed to create run")
	}
	return nil
}

// SetPID records the OS process id of a running run
func (s *Store) SetPID(ctx context.Context, id string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE runs SET pid = ? WHERE id = ?`, nullPID(pid), id)
	if err != nil {
		return errors.WrapDatabase(err, "failed to record run pid")
	}
	return nil
}

// Finish moves a running record to its terminal state. It reports false
// when the record was no longer running, leaving it untouched.
func (s *Store) Finish(ctx context.Context, id string, status proc.Status, exitCode *int, errMsg *string, endedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, errors.AssertionFailedf("finish run %s with non-terminal status %s", id, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, exit_code = ?, error_message = ?, ended_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), exitCode, errMsg, endedAt, id)
	if err != nil {
		return false, errors.WrapDatabase(err, "failed to finish run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapDatabase(err, "failed to finish run")
	}
	return n == 1, nil
}

// AppendLogs writes lines keyed by their sequence number. Lines already
// stored are skipped, so the incremental and final-snapshot writes can
// overlap freely.
func (s *Store) AppendLogs(ctx context.Context, runID string, lines []logsink.Line) error {
	if len(lines) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapDatabase(err, "failed to begin log transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO run_logs (run_id, line, log_order, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return errors.WrapDatabase(err, "failed to prepare log insert")
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, l := range lines {
		if _, err := stmt.ExecContext(ctx, runID, l.Content, int64(l.Seq), now); err != nil {
			return errors.WrapDatabase(err, "failed to insert log line")
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapDatabase(err, "failed to commit log lines")
	}
	return nil
}

// Get returns the run with id
func (s *Store) Get(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("run not found: %s", id)
	}
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to get run")
	}
	return r, nil
}

// List returns a workspace's runs, newest first, optionally of one kind
func (s *Store) List(ctx context.Context, workspaceID string, kind *Kind) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE workspace_id = ?`
	args := []any{workspaceID}
	if kind != nil {
		query += ` AND run_type = ?`
		args = append(args, string(*kind))
	}
	query += ` ORDER BY started_at DESC`

	return s.query(ctx, query, args...)
}

// ListRunning returns every record still marked running
func (s *Store) ListRunning(ctx context.Context) ([]*Run, error) {
	return s.query(ctx, `SELECT `+runColumns+` FROM runs WHERE status = 'running' ORDER BY started_at`)
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to list runs")
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.WrapDatabase(err, "failed to scan run")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapDatabase(err, "failed to list runs")
	}
	return out, nil
}

// Logs returns a run's persisted lines in order
func (s *Store) Logs(ctx context.Context, runID string) ([]LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT line, log_order FROM run_logs WHERE run_id = ? ORDER BY log_order`, runID)
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to read run logs")
	}
	defer rows.Close()

	var out []LogLine
	for rows.Next() {
		var l LogLine
		var order int64
		if err := rows.Scan(&l.Line, &order); err != nil {
			return nil, errors.WrapDatabase(err, "failed to scan run log")
		}
		l.Order = uint64(order)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapDatabase(err, "failed to read run logs")
	}
	return out, nil
}

// Stats counts runs by status
func (s *Store) Stats(ctx context.Context) (map[proc.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to count runs")
	}
	defer rows.Close()

	stats := make(map[proc.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.WrapDatabase(err, "failed to scan run count")
		}
		stats[proc.Status(status)] = n
	}
	return stats, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r        Run
		kind     string
		status   string
		endedAt  sql.NullTime
		exitCode sql.NullInt64
		errMsg   sql.NullString
		pid      sql.NullInt64
	)
	if err := row.Scan(&r.ID, &r.WorkspaceID, &kind, &status, &r.StartedAt, &endedAt, &exitCode, &errMsg, &pid); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	r.Status = proc.Status(status)
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	if errMsg.Valid {
		m := errMsg.String
		r.ErrorMessage = &m
	}
	if pid.Valid {
		r.PID = int(pid.Int64)
	}
	return &r, nil
}

func nullPID(pid int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(pid), Valid: pid > 0}
}
