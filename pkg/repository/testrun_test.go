package repository

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepcast/stepcast/pkg/schemadb"
	"github.com/stepcast/stepcast/pkg/storage"
)

func newRunFixture(t *testing.T) (*TestRunRepository, int64) {
	t.Helper()
	db := newTestDB(t)
	projects := NewProjectRepository(db, nil, nil)
	project, err := projects.Create(context.Background(),
		CreateProjectInput{Name: "P", TargetURL: "https://x"})
	require.NoError(t, err)
	return NewTestRunRepository(db, nil, nil), project.ID
}

// TestTestRunRepository_Create tests creation defaults and validation
func TestTestRunRepository_Create(t *testing.T) {
	repo, projectID := newRunFixture(t)
	ctx := context.Background()

	run, err := repo.Create(ctx, CreateTestRunInput{ProjectID: projectID, TotalSteps: 5})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, schemadb.RunPending, run.Status)
	assert.Equal(t, 5, run.TotalSteps)
	assert.Zero(t, run.CurrentStep)
	assert.Empty(t, run.Logs)
	assert.Nil(t, run.StartedAt)

	// A caller-supplied ID is honored as-is.
	named, err := repo.Create(ctx, CreateTestRunInput{ID: "run-2024-001", ProjectID: projectID, TotalSteps: 1})
	require.NoError(t, err)
	assert.Equal(t, "run-2024-001", named.ID)
	fetched, err := repo.Get(ctx, "run-2024-001")
	require.NoError(t, err)
	assert.Equal(t, schemadb.RunPending, fetched.Status)

	_, err = repo.Create(ctx, CreateTestRunInput{TotalSteps: 5})
	assert.ErrorIs(t, err, storage.ErrValidationFailed)
	_, err = repo.Create(ctx, CreateTestRunInput{ProjectID: projectID, TotalSteps: -1})
	assert.ErrorIs(t, err, storage.ErrValidationFailed)
}

// TestTestRunRepository_Lifecycle tests the full pending→running→passed path
func TestTestRunRepository_Lifecycle(t *testing.T) {
	repo, projectID := newRunFixture(t)
	ctx := context.Background()

	run, err := repo.Create(ctx, CreateTestRunInput{ProjectID: projectID, TotalSteps: 5})
	require.NoError(t, err)

	run, err = repo.Start(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schemadb.RunRunning, run.Status)
	assert.NotNil(t, run.StartedAt)
	assert.Nil(t, run.CompletedAt)

	run, err = repo.RecordStep(ctx, run.ID, schemadb.StepResult{StepID: "step-1", Status: "passed", Duration: 84})
	require.NoError(t, err)
	assert.Equal(t, 1, run.CurrentStep)
	require.Len(t, run.Results, 1)
	assert.Equal(t, "step-1", run.Results[0].StepID)

	run, err = repo.Pass(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schemadb.RunPassed, run.Status)
	assert.NotNil(t, run.CompletedAt)
	assert.True(t, run.Status.Terminal())
}

// TestTestRunRepository_Fail tests the failure path and its message
func TestTestRunRepository_Fail(t *testing.T) {
	repo, projectID := newRunFixture(t)
	ctx := context.Background()

	run, err := repo.Create(ctx, CreateTestRunInput{ProjectID: projectID, TotalSteps: 2})
	require.NoError(t, err)
	_, err = repo.Start(ctx, run.ID)
	require.NoError(t, err)

	run, err = repo.Fail(ctx, run.ID, "selector #submit not found")
	require.NoError(t, err)
	assert.Equal(t, schemadb.RunFailed, run.Status)
	assert.Equal(t, "selector #submit not found", run.Error)
	assert.NotNil(t, run.CompletedAt)
}

// TestTestRunRepository_InvalidTransitions tests every rejected move
func TestTestRunRepository_InvalidTransitions(t *testing.T) {
	repo, projectID := newRunFixture(t)
	ctx := context.Background()

	pending, err := repo.Create(ctx, CreateTestRunInput{ProjectID: projectID, TotalSteps: 2})
	require.NoError(t, err)

	// Completing moves require a running run.
	_, err = repo.Pass(ctx, pending.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	_, err = repo.Fail(ctx, pending.ID, "boom")
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	_, err = repo.Stop(ctx, pending.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	_, err = repo.RecordStep(ctx, pending.ID, schemadb.StepResult{StepID: "step-1"})
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	running, err := repo.Start(ctx, pending.ID)
	require.NoError(t, err)
	_, err = repo.Start(ctx, running.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	// Terminal runs never resurrect.
	stopped, err := repo.Stop(ctx, running.ID)
	require.NoError(t, err)
	_, err = repo.Start(ctx, stopped.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
	_, err = repo.Pass(ctx, stopped.ID)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)

	// The stored run is untouched by rejected attempts.
	got, err := repo.Get(ctx, stopped.ID)
	require.NoError(t, err)
	assert.Equal(t, schemadb.RunStopped, got.Status)
}

// TestTestRunRepository_RecordStep_Bounds tests the step ceiling
func TestTestRunRepository_RecordStep_Bounds(t *testing.T) {
	repo, projectID := newRunFixture(t)
	ctx := context.Background()

	run, err := repo.Create(ctx, CreateTestRunInput{ProjectID: projectID, TotalSteps: 2})
	require.NoError(t, err)
	_, err = repo.Start(ctx, run.ID)
	require.NoError(t, err)

	_, err = repo.RecordStep(ctx, run.ID, schemadb.StepResult{StepID: "s1", Status: "passed"})
	require.NoError(t, err)
	run, err = repo.RecordStep(ctx, run.ID, schemadb.StepResult{StepID: "s2", Status: "passed"})
	require.NoError(t, err)
	assert.Equal(t, 2, run.CurrentStep)

	_, err = repo.RecordStep(ctx, run.ID, schemadb.StepResult{StepID: "s3", Status: "passed"})
	assert.ErrorIs(t, err, storage.ErrValidationFailed)
}

// TestTestRunRepository_AppendLog tests log formatting and growth
func TestTestRunRepository_AppendLog(t *testing.T) {
	repo, projectID := newRunFixture(t)
	ctx := context.Background()

	run, err := repo.Create(ctx, CreateTestRunInput{ProjectID: projectID, TotalSteps: 1})
	require.NoError(t, err)

	run, err = repo.AppendLog(ctx, run.ID, "info", "navigating to login page")
	require.NoError(t, err)
	assert.Equal(t, "[INFO] navigating to login page", run.Logs)

	run, err = repo.AppendLog(ctx, run.ID, "error", "element not visible")
	require.NoError(t, err)
	assert.Equal(t, "[INFO] navigating to login page\n[ERROR] element not visible", run.Logs)
}

// TestTestRunRepository_ListByStatus tests the status filter and its guard
func TestTestRunRepository_ListByStatus(t *testing.T) {
	repo, projectID := newRunFixture(t)
	ctx := context.Background()

	a, err := repo.Create(ctx, CreateTestRunInput{ProjectID: projectID, TotalSteps: 1})
	require.NoError(t, err)
	_, err = repo.Create(ctx, CreateTestRunInput{ProjectID: projectID, TotalSteps: 1})
	require.NoError(t, err)
	_, err = repo.Start(ctx, a.ID)
	require.NoError(t, err)

	running, err := repo.ListByStatus(ctx, schemadb.RunRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, a.ID, running[0].ID)

	_, err = repo.ListByStatus(ctx, schemadb.RunStatus("crashed"))
	assert.ErrorIs(t, err, storage.ErrValidationFailed)
}
