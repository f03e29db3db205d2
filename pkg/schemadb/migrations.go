package schemadb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stepcast/stepcast/pkg/storage"
)

// CurrentSchemaVersion is the version a fully migrated database reports.
// It must equal the highest registered migration; ValidateMigrations
// asserts this.
const CurrentSchemaVersion = 3

// Migration is one ordered schema-upgrade step. Migrate runs inside the
// framework's transaction and receives the version span being applied.
type Migration struct {
	Version     int
	Description string
	Migrate     func(ctx context.Context, tx *sql.Tx, oldVersion, newVersion int) error
}

func execAll(ctx context.Context, tx *sql.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Migrations returns the full ordered migration list.
func Migrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create projects table",
			Migrate: func(ctx context.Context, tx *sql.Tx, oldVersion, newVersion int) error {
				return execAll(ctx, tx, `
					CREATE TABLE IF NOT EXISTS projects (
						id             INTEGER PRIMARY KEY AUTOINCREMENT,
						name           TEXT    NOT NULL,
						description    TEXT    NOT NULL DEFAULT '',
						target_url     TEXT    NOT NULL,
						status         TEXT    NOT NULL DEFAULT 'draft',
						created_date   INTEGER NOT NULL,
						updated_date   INTEGER NOT NULL,
						recorded_steps TEXT    NOT NULL DEFAULT '[]',
						parsed_fields  TEXT    NOT NULL DEFAULT '[]'
					)`,
					`CREATE INDEX IF NOT EXISTS idx_projects_status ON projects(status)`,
				)
			},
		},
		{
			Version:     2,
			Description: "Create test_runs table",
			Migrate: func(ctx context.Context, tx *sql.Tx, oldVersion, newVersion int) error {
				return execAll(ctx, tx, `
					CREATE TABLE IF NOT EXISTS test_runs (
						id           TEXT    PRIMARY KEY,
						project_id   INTEGER NOT NULL,
						status       TEXT    NOT NULL DEFAULT 'pending',
						total_steps  INTEGER NOT NULL DEFAULT 0,
						current_step INTEGER NOT NULL DEFAULT 0,
						results      TEXT    NOT NULL DEFAULT '[]',
						logs         TEXT    NOT NULL DEFAULT '',
						error        TEXT    NOT NULL DEFAULT '',
						started_at   INTEGER,
						completed_at INTEGER,
						created_date INTEGER NOT NULL,
						updated_date INTEGER NOT NULL
					)`,
					`CREATE INDEX IF NOT EXISTS idx_test_runs_project_id ON test_runs(project_id)`,
					`CREATE INDEX IF NOT EXISTS idx_test_runs_status ON test_runs(status)`,
				)
			},
		},
		{
			Version:     3,
			Description: "Add csv_data column to projects",
			Migrate: func(ctx context.Context, tx *sql.Tx, oldVersion, newVersion int) error {
				return execAll(ctx, tx,
					`ALTER TABLE projects ADD COLUMN csv_data TEXT NOT NULL DEFAULT '[]'`,
				)
			},
		},
	}
}

// MigrationsToApply selects the migrations with from < version <= to, in
// ascending order. A downgrade (to < from) selects nothing; no destructive
// rollback is attempted automatically.
func MigrationsToApply(all []Migration, from, to int) []Migration {
	var selected []Migration
	for _, m := range all {
		if m.Version > from && m.Version <= to {
			selected = append(selected, m)
		}
	}
	return selected
}

// ValidateMigrations asserts the registered list is contiguous starting at
// 1 and that CurrentSchemaVersion equals the highest registered migration.
// This is a test-time invariant; Open also runs it as a cheap sanity check.
func ValidateMigrations(all []Migration) error {
	if len(all) == 0 {
		return fmt.Errorf("no migrations registered")
	}
	for i, m := range all {
		if m.Version != i+1 {
			return fmt.Errorf("migration list not contiguous: index %d has version %d", i, m.Version)
		}
		if m.Migrate == nil {
			return fmt.Errorf("migration %d has no migrate function", m.Version)
		}
	}
	if last := all[len(all)-1].Version; last != CurrentSchemaVersion {
		return fmt.Errorf("current schema version %d does not match highest migration %d",
			CurrentSchemaVersion, last)
	}
	return nil
}

// appliedVersion returns the highest applied migration version, creating
// the tracking table if needed.
func appliedVersion(ctx context.Context, db *sql.DB) (int, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			description TEXT    NOT NULL,
			applied_at  INTEGER NOT NULL
		)`)
	if err != nil {
		return 0, fmt.Errorf("create migrations table: %w", err)
	}

	var version sql.NullInt64
	err = db.QueryRowContext(ctx,
		`SELECT MAX(version) FROM schema_migrations`).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("query applied migrations: %w", err)
	}
	return int(version.Int64), nil
}

// runMigrations applies all pending migrations, each in its own
// transaction together with its tracking record.
func (d *DB) runMigrations(ctx context.Context) error {
	all := Migrations()
	if err := ValidateMigrations(all); err != nil {
		return err
	}

	from, err := appliedVersion(ctx, d.sql)
	if err != nil {
		return err
	}

	pending := MigrationsToApply(all, from, CurrentSchemaVersion)
	for _, m := range pending {
		d.logger.WithFields(map[string]interface{}{
			"version":     m.Version,
			"description": m.Description,
		}).Info("applying migration")

		tx, err := d.sql.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if err := m.Migrate(ctx, tx, from, m.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Description, time.Now().UnixMilli()); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
		from = m.Version
	}
	return nil
}

// Backup is a full snapshot of all records, taken before an upgrade.
type Backup struct {
	SchemaVersion int       `json:"schemaVersion"`
	CreatedAt     time.Time `json:"createdAt"`
	Projects      []Project `json:"projects"`
	TestRuns      []TestRun `json:"testRuns"`
}

// BackupBeforeMigration snapshots every record. The snapshot is for
// manual rollback via RestoreFromBackup; migration failures never trigger
// a restore automatically.
func (d *DB) BackupBeforeMigration(ctx context.Context) (*Backup, error) {
	projects, err := d.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup projects: %w", err)
	}
	runs, err := d.ListTestRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("backup test runs: %w", err)
	}
	version, err := appliedVersion(ctx, d.sql)
	if err != nil {
		return nil, err
	}
	return &Backup{
		SchemaVersion: version,
		CreatedAt:     time.Now(),
		Projects:      projects,
		TestRuns:      runs,
	}, nil
}

// RestoreFromBackup clears both tables and re-populates them from the
// snapshot. Project IDs are preserved.
func (d *DB) RestoreFromBackup(ctx context.Context, backup *Backup) error {
	if backup == nil {
		return fmt.Errorf("%w: nil backup", storage.ErrValidationFailed)
	}

	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin restore: %w", err)
	}
	defer tx.Rollback()

	if err := execAll(ctx, tx, `DELETE FROM test_runs`, `DELETE FROM projects`); err != nil {
		return err
	}
	for i := range backup.Projects {
		p := &backup.Projects[i]
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projects
			(id, name, description, target_url, status, created_date, updated_date,
			 recorded_steps, parsed_fields, csv_data)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.Description, p.TargetURL, string(p.Status),
			p.CreatedDate.UnixMilli(), p.UpdatedDate.UnixMilli(),
			rawOrEmptyArray(p.RecordedSteps), rawOrEmptyArray(p.ParsedFields),
			rawOrEmptyArray(p.CSVData)); err != nil {
			return fmt.Errorf("restore project %d: %w", p.ID, err)
		}
	}
	for i := range backup.TestRuns {
		r := &backup.TestRuns[i]
		args, err := testRunArgs(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertTestRunSQL, args...); err != nil {
			return fmt.Errorf("restore test run %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}
