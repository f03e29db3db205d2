package schemadb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/storage"
)

// DB wraps the SQLite connection holding domain records.
type DB struct {
	sql    *sql.DB
	logger *observability.Logger
}

// Open opens (or creates) the database at path and applies any pending
// migrations. A nil logger gets a default.
func Open(ctx context.Context, path string, logger *observability.Logger) (*DB, error) {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: schemadb: %v", storage.ErrBackendUnavailable, err)
	}
	if _, err := conn.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	d := &DB{sql: conn, logger: logger.WithField("component", "schemadb")}
	if err := d.runMigrations(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the connection.
func (d *DB) Close() error {
	return d.sql.Close()
}

// SchemaVersion reports the highest applied migration version.
func (d *DB) SchemaVersion(ctx context.Context) (int, error) {
	return appliedVersion(ctx, d.sql)
}

func rawOrEmptyArray(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "[]"
	}
	return string(raw)
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func optionalMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// --- Projects ---

const projectColumns = `id, name, description, target_url, status, created_date, updated_date,
	recorded_steps, parsed_fields, csv_data`

func scanProject(row interface{ Scan(...interface{}) error }) (*Project, error) {
	var p Project
	var status string
	var created, updated int64
	var steps, fields, csv string
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.TargetURL, &status,
		&created, &updated, &steps, &fields, &csv)
	if err != nil {
		return nil, err
	}
	p.Status = ProjectStatus(status)
	p.CreatedDate = millisToTime(created)
	p.UpdatedDate = millisToTime(updated)
	p.RecordedSteps = json.RawMessage(steps)
	p.ParsedFields = json.RawMessage(fields)
	p.CSVData = json.RawMessage(csv)
	return &p, nil
}

// CreateProject inserts a project and assigns its ID and timestamps.
func (d *DB) CreateProject(ctx context.Context, p *Project) error {
	now := time.Now()
	p.CreatedDate = now
	p.UpdatedDate = now
	if p.Status == "" {
		p.Status = ProjectDraft
	}

	res, err := d.sql.ExecContext(ctx, `
		INSERT INTO projects
		(name, description, target_url, status, created_date, updated_date,
		 recorded_steps, parsed_fields, csv_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Name, p.Description, p.TargetURL, string(p.Status),
		now.UnixMilli(), now.UnixMilli(),
		rawOrEmptyArray(p.RecordedSteps), rawOrEmptyArray(p.ParsedFields),
		rawOrEmptyArray(p.CSVData))
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	p.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("project id: %w", err)
	}
	return nil
}

// GetProject fetches one project by ID.
func (d *DB) GetProject(ctx context.Context, id int64) (*Project, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: project %d", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select project: %w", err)
	}
	return p, nil
}

// UpdateProject writes every mutable column and refreshes updated_date.
func (d *DB) UpdateProject(ctx context.Context, p *Project) error {
	p.UpdatedDate = time.Now()
	res, err := d.sql.ExecContext(ctx, `
		UPDATE projects SET name = ?, description = ?, target_url = ?, status = ?,
			updated_date = ?, recorded_steps = ?, parsed_fields = ?, csv_data = ?
		WHERE id = ?`,
		p.Name, p.Description, p.TargetURL, string(p.Status),
		p.UpdatedDate.UnixMilli(),
		rawOrEmptyArray(p.RecordedSteps), rawOrEmptyArray(p.ParsedFields),
		rawOrEmptyArray(p.CSVData), p.ID)
	if err != nil {
		return fmt.Errorf("update project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %d", storage.ErrNotFound, p.ID)
	}
	return nil
}

// DeleteProject removes a project; with cascade, its test runs go too.
func (d *DB) DeleteProject(ctx context.Context, id int64, cascade bool) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if cascade {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM test_runs WHERE project_id = ?`, id); err != nil {
			return fmt.Errorf("delete test runs: %w", err)
		}
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %d", storage.ErrNotFound, id)
	}
	return tx.Commit()
}

func (d *DB) selectProjects(ctx context.Context, query string, args ...interface{}) ([]Project, error) {
	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select projects: %w", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// CountProjects reports the number of stored projects.
func (d *DB) CountProjects(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return n, nil
}

// ListProjects returns every project, newest first.
func (d *DB) ListProjects(ctx context.Context) ([]Project, error) {
	return d.selectProjects(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_date DESC, id DESC`)
}

// ListProjectsByStatus returns projects with the given status, newest first.
func (d *DB) ListProjectsByStatus(ctx context.Context, status ProjectStatus) ([]Project, error) {
	return d.selectProjects(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE status = ?
		 ORDER BY created_date DESC, id DESC`, string(status))
}

// --- Test runs ---

const testRunColumns = `id, project_id, status, total_steps, current_step, results,
	logs, error, started_at, completed_at, created_date, updated_date`

const insertTestRunSQL = `
	INSERT INTO test_runs
	(id, project_id, status, total_steps, current_step, results, logs, error,
	 started_at, completed_at, created_date, updated_date)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func testRunArgs(r *TestRun) ([]interface{}, error) {
	results := r.Results
	if results == nil {
		results = []StepResult{}
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return nil, fmt.Errorf("encode results for %s: %w", r.ID, err)
	}
	return []interface{}{
		r.ID, r.ProjectID, string(r.Status), r.TotalSteps, r.CurrentStep,
		string(encoded), r.Logs, r.Error,
		optionalMillis(r.StartedAt), optionalMillis(r.CompletedAt),
		r.CreatedDate.UnixMilli(), r.UpdatedDate.UnixMilli(),
	}, nil
}

func scanTestRun(row interface{ Scan(...interface{}) error }) (*TestRun, error) {
	var r TestRun
	var status, results string
	var started, completed sql.NullInt64
	var created, updated int64
	err := row.Scan(&r.ID, &r.ProjectID, &status, &r.TotalSteps, &r.CurrentStep,
		&results, &r.Logs, &r.Error, &started, &completed, &created, &updated)
	if err != nil {
		return nil, err
	}
	r.Status = RunStatus(status)
	if err := json.Unmarshal([]byte(results), &r.Results); err != nil {
		return nil, fmt.Errorf("decode results for %s: %w", r.ID, err)
	}
	if started.Valid {
		t := millisToTime(started.Int64)
		r.StartedAt = &t
	}
	if completed.Valid {
		t := millisToTime(completed.Int64)
		r.CompletedAt = &t
	}
	r.CreatedDate = millisToTime(created)
	r.UpdatedDate = millisToTime(updated)
	return &r, nil
}

// CreateTestRun inserts a run. The caller provides the ID.
func (d *DB) CreateTestRun(ctx context.Context, r *TestRun) error {
	now := time.Now()
	r.CreatedDate = now
	r.UpdatedDate = now
	if r.Status == "" {
		r.Status = RunPending
	}

	args, err := testRunArgs(r)
	if err != nil {
		return err
	}
	if _, err := d.sql.ExecContext(ctx, insertTestRunSQL, args...); err != nil {
		return fmt.Errorf("insert test run: %w", err)
	}
	return nil
}

// GetTestRun fetches one run by ID.
func (d *DB) GetTestRun(ctx context.Context, id string) (*TestRun, error) {
	row := d.sql.QueryRowContext(ctx,
		`SELECT `+testRunColumns+` FROM test_runs WHERE id = ?`, id)
	r, err := scanTestRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: test run %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("select test run: %w", err)
	}
	return r, nil
}

// UpdateTestRun writes every mutable column and refreshes updated_date.
func (d *DB) UpdateTestRun(ctx context.Context, r *TestRun) error {
	r.UpdatedDate = time.Now()
	results := r.Results
	if results == nil {
		results = []StepResult{}
	}
	encoded, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("encode results for %s: %w", r.ID, err)
	}

	res, err := d.sql.ExecContext(ctx, `
		UPDATE test_runs SET status = ?, total_steps = ?, current_step = ?,
			results = ?, logs = ?, error = ?, started_at = ?, completed_at = ?,
			updated_date = ?
		WHERE id = ?`,
		string(r.Status), r.TotalSteps, r.CurrentStep, string(encoded),
		r.Logs, r.Error, optionalMillis(r.StartedAt), optionalMillis(r.CompletedAt),
		r.UpdatedDate.UnixMilli(), r.ID)
	if err != nil {
		return fmt.Errorf("update test run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: test run %s", storage.ErrNotFound, r.ID)
	}
	return nil
}

// DeleteTestRun removes one run.
func (d *DB) DeleteTestRun(ctx context.Context, id string) error {
	res, err := d.sql.ExecContext(ctx, `DELETE FROM test_runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete test run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: test run %s", storage.ErrNotFound, id)
	}
	return nil
}

func (d *DB) selectTestRuns(ctx context.Context, query string, args ...interface{}) ([]TestRun, error) {
	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select test runs: %w", err)
	}
	defer rows.Close()

	var runs []TestRun
	for rows.Next() {
		r, err := scanTestRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan test run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// CountTestRuns reports the number of stored runs.
func (d *DB) CountTestRuns(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_runs`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count test runs: %w", err)
	}
	return n, nil
}

// ListTestRuns returns every run, newest first.
func (d *DB) ListTestRuns(ctx context.Context) ([]TestRun, error) {
	return d.selectTestRuns(ctx,
		`SELECT `+testRunColumns+` FROM test_runs ORDER BY created_date DESC, id`)
}

// ListTestRunsByProject returns a project's runs, newest first. Uses the
// project_id index.
func (d *DB) ListTestRunsByProject(ctx context.Context, projectID int64) ([]TestRun, error) {
	return d.selectTestRuns(ctx,
		`SELECT `+testRunColumns+` FROM test_runs WHERE project_id = ?
		 ORDER BY created_date DESC, id`, projectID)
}

// ListTestRunsByStatus returns runs with the given status, newest first.
func (d *DB) ListTestRunsByStatus(ctx context.Context, status RunStatus) ([]TestRun, error) {
	return d.selectTestRuns(ctx,
		`SELECT `+testRunColumns+` FROM test_runs WHERE status = ?
		 ORDER BY created_date DESC, id`, string(status))
}
