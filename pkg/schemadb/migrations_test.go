package schemadb

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestValidateMigrations tests the registered list's invariants
func TestValidateMigrations(t *testing.T) {
	assert.NoError(t, ValidateMigrations(Migrations()))

	noop := func(ctx context.Context, tx *sql.Tx, oldVersion, newVersion int) error { return nil }

	tests := []struct {
		name string
		list []Migration
	}{
		{
			name: "empty list",
			list: nil,
		},
		{
			name: "gap in versions",
			list: []Migration{
				{Version: 1, Migrate: noop},
				{Version: 3, Migrate: noop},
			},
		},
		{
			name: "does not start at 1",
			list: []Migration{
				{Version: 2, Migrate: noop},
			},
		},
		{
			name: "missing migrate function",
			list: []Migration{
				{Version: 1},
			},
		},
		{
			name: "highest version below current",
			list: []Migration{
				{Version: 1, Migrate: noop},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, ValidateMigrations(tt.list))
		})
	}
}

// TestMigrationsToApply tests version range selection
func TestMigrationsToApply(t *testing.T) {
	all := Migrations()

	versions := func(ms []Migration) []int {
		out := make([]int, 0, len(ms))
		for _, m := range ms {
			out = append(out, m.Version)
		}
		return out
	}

	assert.Equal(t, []int{1, 2, 3}, versions(MigrationsToApply(all, 0, 3)))
	assert.Equal(t, []int{2, 3}, versions(MigrationsToApply(all, 1, 3)))
	assert.Equal(t, []int{3}, versions(MigrationsToApply(all, 2, 3)))
	assert.Empty(t, MigrationsToApply(all, 3, 3))

	// Downgrades never select destructive work.
	assert.Empty(t, MigrationsToApply(all, 3, 1))
}

// TestRunMigrations_Idempotent tests that reopening applies nothing new
func TestRunMigrations_Idempotent(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	d, err := Open(ctx, path, nil)
	require.NoError(t, err)
	version, err := d.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
	require.NoError(t, d.Close())

	d, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer d.Close()
	version, err = d.SchemaVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

// TestBackupRestore tests the pre-migration snapshot round trip
func TestBackupRestore(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	p := &Project{Name: "Checkout", TargetURL: "https://shop.example.com"}
	require.NoError(t, d.CreateProject(ctx, p))
	r := &TestRun{ID: "run-1", ProjectID: p.ID, Status: RunPending, TotalSteps: 3}
	require.NoError(t, d.CreateTestRun(ctx, r))

	backup, err := d.BackupBeforeMigration(ctx)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, backup.SchemaVersion)
	require.Len(t, backup.Projects, 1)
	require.Len(t, backup.TestRuns, 1)

	// Mutate after the snapshot, then restore.
	require.NoError(t, d.DeleteProject(ctx, p.ID, true))
	p2 := &Project{Name: "Other", TargetURL: "https://other.example.com"}
	require.NoError(t, d.CreateProject(ctx, p2))

	require.NoError(t, d.RestoreFromBackup(ctx, backup))

	restored, err := d.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Checkout", restored.Name)
	runs, err := d.ListTestRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].ID)

	_, err = d.GetProject(ctx, p2.ID)
	assert.Error(t, err)

	assert.Error(t, d.RestoreFromBackup(ctx, nil))
}
