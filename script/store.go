package script

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/proc"
)

const (
	scriptColumns = `id, workspace_id, name, description, runner, file_path, command, working_directory, category, created_at, updated_at`
	runColumns    = `id, script_id, started_at, finished_at, status, exit_code, pid, flags_used, env_vars_used, logs`
)

// Store persists scripts, their flags, and script runs
type Store struct {
	db *sql.DB
}

// NewStore creates a script store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts a script and its flags in one transaction
func (s *Store) Create(ctx context.Context, sc *Script) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapDatabase(err, "failed to begin script transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO scripts (`+scriptColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.WorkspaceID, sc.Name, sc.Description, string(sc.Runner), sc.FilePath,
		sc.Command, sc.WorkingDirectory, sc.Category, sc.CreatedAt, sc.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.NewValidationError("script %q already exists in this workspace", sc.Name)
	}
	if err != nil {
		return errors.WrapDatabase(err, "failed to create script")
	}

	if err := insertFlags(ctx, tx, sc.ID, sc.Flags); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapDatabase(err, "failed to commit script")
	}
	return nil
}

// Update replaces a script's fields and flags
func (s *Store) Update(ctx context.Context, sc *Script) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapDatabase(err, "failed to begin script transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE scripts SET name = ?, description = ?, runner = ?, file_path = ?, command = ?,
		 working_directory = ?, category = ?, updated_at = ? WHERE id = ?`,
		sc.Name, sc.Description, string(sc.Runner), sc.FilePath, sc.Command,
		sc.WorkingDirectory, sc.Category, sc.UpdatedAt, sc.ID)
	if isUniqueViolation(err) {
		return errors.NewValidationError("script %q already exists in this workspace", sc.Name)
	}
	if err != nil {
		return errors.WrapDatabase(err, "failed to update script")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("script not found: %s", sc.ID)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM script_flags WHERE script_id = ?`, sc.ID); err != nil {
		return errors.WrapDatabase(err, "failed to replace script flags")
	}
	if err := insertFlags(ctx, tx, sc.ID, sc.Flags); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapDatabase(err, "failed to commit script")
	}
	return nil
}

func insertFlags(ctx context.Context, tx *sql.Tx, scriptID string, flags []Flag) error {
	for i, f := range flags {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO script_flags (script_id, name, flag_type, required, default_value, description, position)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			scriptID, f.Name, string(f.Type), f.Required, f.Default, f.Description, i)
		if isUniqueViolation(err) {
			return errors.NewValidationError("duplicate flag: %s", f.Name)
		}
		if err != nil {
			return errors.WrapDatabase(err, "failed to insert script flag")
		}
	}
	return nil
}

// Get returns a script with its flags in declaration order
func (s *Store) Get(ctx context.Context, id string) (*Script, error) {
	sc, err := scanScript(s.db.QueryRowContext(ctx, `SELECT `+scriptColumns+` FROM scripts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("script not found: %s", id)
	}
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to get script")
	}
	if sc.Flags, err = s.flags(ctx, id); err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *Store) flags(ctx context.Context, scriptID string) ([]Flag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, flag_type, required, default_value, description
		 FROM script_flags WHERE script_id = ? ORDER BY position`, scriptID)
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to read script flags")
	}
	defer rows.Close()

	flags := []Flag{}
	for rows.Next() {
		var (
			f   Flag
			typ string
			def sql.NullString
		)
		if err := rows.Scan(&f.Name, &typ, &f.Required, &def, &f.Description); err != nil {
			return nil, errors.WrapDatabase(err, "failed to scan script flag")
		}
		f.Type = FlagType(typ)
		if def.Valid {
			v := def.String
			f.Default = &v
		}
		flags = append(flags, f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapDatabase(err, "failed to read script flags")
	}
	return flags, nil
}

// List returns a workspace's scripts by name, with flags
func (s *Store) List(ctx context.Context, workspaceID string) ([]*Script, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scriptColumns+` FROM scripts WHERE workspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to list scripts")
	}

	var out []*Script
	for rows.Next() {
		sc, err := scanScript(rows)
		if err != nil {
			rows.Close()
			return nil, errors.WrapDatabase(err, "failed to scan script")
		}
		out = append(out, sc)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to list scripts")
	}

	for _, sc := range out {
		if sc.Flags, err = s.flags(ctx, sc.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Delete removes a script with its flags and runs
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scripts WHERE id = ?`, id)
	if err != nil {
		return errors.WrapDatabase(err, "failed to delete script")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NewNotFoundError("script not found: %s", id)
	}
	return nil
}

// CreateRun inserts a script run. Finished runs (from synchronous
// execution) are inserted complete.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	flags, err := marshalMap(r.FlagsUsed)
	if err != nil {
		return err
	}
	env, err := marshalMap(r.EnvVarsUsed)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO script_runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ScriptID, r.StartedAt, r.FinishedAt, string(r.Status), r.ExitCode,
		nullPID(r.PID), flags, env, r.Logs)
	if err != nil {
		return errors.WrapDatabase(err, "failed to create script run")
	}
	return nil
}

// SetRunPID records the OS process id of a running script run
func (s *Store) SetRunPID(ctx context.Context, id string, pid int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE script_runs SET pid = ? WHERE id = ?`, nullPID(pid), id)
	if err != nil {
		return errors.WrapDatabase(err, "failed to record script run pid")
	}
	return nil
}

// AppendRunLogs appends text to the run's cumulative log blob
func (s *Store) AppendRunLogs(ctx context.Context, id, text string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE script_runs SET logs = COALESCE(logs, '') || ? WHERE id = ?`, text, id)
	if err != nil {
		return errors.WrapDatabase(err, "failed to append script run logs")
	}
	return nil
}

// FinishRun moves a running script run to its terminal state. It reports
// false when the run was no longer running.
func (s *Store) FinishRun(ctx context.Context, id string, status proc.Status, exitCode *int, finishedAt time.Time) (bool, error) {
	if !status.Terminal() {
		return false, errors.AssertionFailedf("finish script run %s with non-terminal status %s", id, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE script_runs SET status = ?, exit_code = ?, finished_at = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), exitCode, finishedAt, id)
	if err != nil {
		return false, errors.WrapDatabase(err, "failed to finish script run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapDatabase(err, "failed to finish script run")
	}
	return n == 1, nil
}

// CompleteRun moves a running script run to its terminal state and
// replaces its log blob with the full output in one statement. It reports
// false when the run was no longer running.
func (s *Store) CompleteRun(ctx context.Context, id string, status proc.Status, exitCode *int, finishedAt time.Time, logs string) (bool, error) {
	if !status.Terminal() {
		return false, errors.AssertionFailedf("complete script run %s with non-terminal status %s", id, status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE script_runs SET status = ?, exit_code = ?, finished_at = ?, logs = ?
		 WHERE id = ? AND status = 'running'`,
		string(status), exitCode, finishedAt, logs, id)
	if err != nil {
		return false, errors.WrapDatabase(err, "failed to complete script run")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.WrapDatabase(err, "failed to complete script run")
	}
	return n == 1, nil
}

// GetRun returns a script run including its log blob
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM script_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NewNotFoundError("script run not found: %s", id)
	}
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to get script run")
	}
	return r, nil
}

// ListRuns returns a script's runs, newest first, without log blobs
func (s *Store) ListRuns(ctx context.Context, scriptID string) ([]*Run, error) {
	runs, err := s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM script_runs WHERE script_id = ? ORDER BY started_at DESC`, scriptID)
	if err != nil {
		return nil, err
	}
	for _, r := range runs {
		r.Logs = ""
	}
	return runs, nil
}

// ListRunningRuns returns every script run still marked running
func (s *Store) ListRunningRuns(ctx context.Context) ([]*Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM script_runs WHERE status = 'running' ORDER BY started_at`)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WrapDatabase(err, "failed to list script runs")
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, errors.WrapDatabase(err, "failed to scan script run")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapDatabase(err, "failed to list script runs")
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScript(row rowScanner) (*Script, error) {
	var (
		sc     Script
		runner string
	)
	err := row.Scan(&sc.ID, &sc.WorkspaceID, &sc.Name, &sc.Description, &runner, &sc.FilePath,
		&sc.Command, &sc.WorkingDirectory, &sc.Category, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sc.Runner = RunnerKind(runner)
	sc.Flags = []Flag{}
	return &sc, nil
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		r          Run
		status     string
		finishedAt sql.NullTime
		exitCode   sql.NullInt64
		pid        sql.NullInt64
		flags      string
		env        string
		logs       sql.NullString
	)
	err := row.Scan(&r.ID, &r.ScriptID, &r.StartedAt, &finishedAt, &status, &exitCode, &pid, &flags, &env, &logs)
	if err != nil {
		return nil, err
	}
	r.Status = proc.Status(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		r.FinishedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	if pid.Valid {
		r.PID = int(pid.Int64)
	}
	r.Logs = logs.String
	if err := json.Unmarshal([]byte(flags), &r.FlagsUsed); err != nil {
		return nil, errors.Wrap(err, "malformed flags_used")
	}
	if err := json.Unmarshal([]byte(env), &r.EnvVarsUsed); err != nil {
		return nil, errors.Wrap(err, "malformed env_vars_used")
	}
	return &r, nil
}

func marshalMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode map")
	}
	return string(b), nil
}

func nullPID(pid int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(pid), Valid: pid > 0}
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
