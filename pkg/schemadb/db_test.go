package schemadb

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepcast/stepcast/pkg/storage"
)

func testDBPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "stepcast.db")
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(context.Background(), testDBPath(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

// TestOpen tests that opening a fresh file yields a fully migrated schema
func TestOpen(t *testing.T) {
	d := newTestDB(t)

	version, err := d.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

// TestProjectCRUD tests the project lifecycle
func TestProjectCRUD(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	p := &Project{
		Name:          "Login flow",
		Description:   "Records the login happy path",
		TargetURL:     "https://app.example.com/login",
		RecordedSteps: json.RawMessage(`[{"action":"click"}]`),
	}
	require.NoError(t, d.CreateProject(ctx, p))
	assert.Positive(t, p.ID)
	assert.Equal(t, ProjectDraft, p.Status)
	assert.False(t, p.CreatedDate.IsZero())

	got, err := d.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, "Login flow", got.Name)
	assert.Equal(t, ProjectDraft, got.Status)
	assert.JSONEq(t, `[{"action":"click"}]`, string(got.RecordedSteps))
	assert.JSONEq(t, `[]`, string(got.ParsedFields)) // defaulted

	got.Status = ProjectTesting
	got.Description = "updated"
	require.NoError(t, d.UpdateProject(ctx, got))
	again, err := d.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, ProjectTesting, again.Status)
	assert.Equal(t, "updated", again.Description)
	assert.False(t, again.UpdatedDate.Before(again.CreatedDate))

	require.NoError(t, d.DeleteProject(ctx, p.ID, false))
	_, err = d.GetProject(ctx, p.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestProjectNotFound tests the missing-row sentinels
func TestProjectNotFound(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	_, err := d.GetProject(ctx, 42)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, d.UpdateProject(ctx, &Project{ID: 42, Name: "x"}), storage.ErrNotFound)
	assert.ErrorIs(t, d.DeleteProject(ctx, 42, true), storage.ErrNotFound)
}

// TestListProjects tests ordering and the status filter
func TestListProjects(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	first := &Project{Name: "first", TargetURL: "https://a.example.com"}
	require.NoError(t, d.CreateProject(ctx, first))
	time.Sleep(2 * time.Millisecond)
	second := &Project{Name: "second", TargetURL: "https://b.example.com", Status: ProjectComplete}
	require.NoError(t, d.CreateProject(ctx, second))

	all, err := d.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "second", all[0].Name) // newest first

	drafts, err := d.ListProjectsByStatus(ctx, ProjectDraft)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "first", drafts[0].Name)
}

// TestCascadeDelete tests that a cascading project delete takes its runs
func TestCascadeDelete(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	p := &Project{Name: "p", TargetURL: "https://x.example.com"}
	require.NoError(t, d.CreateProject(ctx, p))
	require.NoError(t, d.CreateTestRun(ctx, &TestRun{ID: "r1", ProjectID: p.ID}))
	require.NoError(t, d.CreateTestRun(ctx, &TestRun{ID: "r2", ProjectID: p.ID}))

	require.NoError(t, d.DeleteProject(ctx, p.ID, true))

	runs, err := d.ListTestRunsByProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

// TestTestRunCRUD tests run persistence including nullable timestamps
func TestTestRunCRUD(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	p := &Project{Name: "p", TargetURL: "https://x.example.com"}
	require.NoError(t, d.CreateProject(ctx, p))

	r := &TestRun{ID: "run-abc", ProjectID: p.ID, TotalSteps: 5}
	require.NoError(t, d.CreateTestRun(ctx, r))
	assert.Equal(t, RunPending, r.Status)

	got, err := d.GetTestRun(ctx, "run-abc")
	require.NoError(t, err)
	assert.Equal(t, RunPending, got.Status)
	assert.Equal(t, 5, got.TotalSteps)
	assert.NotNil(t, got.Results)
	assert.Empty(t, got.Results)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	started := time.Now().Truncate(time.Millisecond)
	got.Status = RunRunning
	got.StartedAt = &started
	got.CurrentStep = 1
	got.Results = []StepResult{{StepID: "step-1", Status: "passed", Duration: 120}}
	got.Logs = "[INFO] step 1 passed"
	require.NoError(t, d.UpdateTestRun(ctx, got))

	again, err := d.GetTestRun(ctx, "run-abc")
	require.NoError(t, err)
	assert.Equal(t, RunRunning, again.Status)
	require.NotNil(t, again.StartedAt)
	assert.Equal(t, started.UnixMilli(), again.StartedAt.UnixMilli())
	require.Len(t, again.Results, 1)
	assert.Equal(t, int64(120), again.Results[0].Duration)
	assert.Equal(t, "[INFO] step 1 passed", again.Logs)

	require.NoError(t, d.DeleteTestRun(ctx, "run-abc"))
	_, err = d.GetTestRun(ctx, "run-abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, d.DeleteTestRun(ctx, "run-abc"), storage.ErrNotFound)
}

// TestListTestRuns tests the project and status filters
func TestListTestRuns(t *testing.T) {
	d := newTestDB(t)
	ctx := context.Background()

	p1 := &Project{Name: "p1", TargetURL: "https://a.example.com"}
	p2 := &Project{Name: "p2", TargetURL: "https://b.example.com"}
	require.NoError(t, d.CreateProject(ctx, p1))
	require.NoError(t, d.CreateProject(ctx, p2))

	require.NoError(t, d.CreateTestRun(ctx, &TestRun{ID: "r1", ProjectID: p1.ID, Status: RunPassed}))
	require.NoError(t, d.CreateTestRun(ctx, &TestRun{ID: "r2", ProjectID: p1.ID}))
	require.NoError(t, d.CreateTestRun(ctx, &TestRun{ID: "r3", ProjectID: p2.ID}))

	byProject, err := d.ListTestRunsByProject(ctx, p1.ID)
	require.NoError(t, err)
	assert.Len(t, byProject, 2)

	passed, err := d.ListTestRunsByStatus(ctx, RunPassed)
	require.NoError(t, err)
	require.Len(t, passed, 1)
	assert.Equal(t, "r1", passed[0].ID)

	projectCount, err := d.CountProjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, projectCount)
	runCount, err := d.CountTestRuns(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, runCount)
}

// TestStatusEnums tests the enum helpers
func TestStatusEnums(t *testing.T) {
	assert.True(t, ProjectDraft.Valid())
	assert.True(t, ProjectTesting.Valid())
	assert.True(t, ProjectComplete.Valid())
	assert.False(t, ProjectStatus("archived").Valid())

	assert.True(t, RunPending.Valid())
	assert.False(t, RunStatus("crashed").Valid())

	assert.False(t, RunPending.Terminal())
	assert.False(t, RunRunning.Terminal())
	assert.True(t, RunPassed.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.True(t, RunStopped.Terminal())
}
