package repository

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepcast/stepcast/pkg/schemadb"
	"github.com/stepcast/stepcast/pkg/storage"
)

func newTestDB(t *testing.T) *schemadb.DB {
	t.Helper()
	db, err := schemadb.Open(context.Background(), filepath.Join(t.TempDir(), "stepcast.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// TestProjectRepository_Create tests validation and defaults on create
func TestProjectRepository_Create(t *testing.T) {
	repo := NewProjectRepository(newTestDB(t), nil, nil)
	ctx := context.Background()

	project, err := repo.Create(ctx, CreateProjectInput{Name: "P", TargetURL: "https://x"})
	require.NoError(t, err)
	assert.Positive(t, project.ID)
	assert.Equal(t, schemadb.ProjectDraft, project.Status)

	tests := []struct {
		name  string
		input CreateProjectInput
	}{
		{"blank name", CreateProjectInput{Name: "   ", TargetURL: "https://x"}},
		{"missing target url", CreateProjectInput{Name: "P"}},
		{"non-http scheme", CreateProjectInput{Name: "P", TargetURL: "ftp://x"}},
		{"not a url", CreateProjectInput{Name: "P", TargetURL: "::::"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.Create(ctx, tt.input)
			assert.ErrorIs(t, err, storage.ErrValidationFailed)
		})
	}
}

// TestProjectRepository_StatusMoves tests the free-form status machine
func TestProjectRepository_StatusMoves(t *testing.T) {
	repo := NewProjectRepository(newTestDB(t), nil, nil)
	ctx := context.Background()

	project, err := repo.Create(ctx, CreateProjectInput{Name: "P", TargetURL: "https://x"})
	require.NoError(t, err)

	project, err = repo.MarkAsComplete(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, schemadb.ProjectComplete, project.Status)

	// Any status may move to any other, including back to draft.
	project, err = repo.ResetToDraft(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, schemadb.ProjectDraft, project.Status)

	project, err = repo.MarkAsTesting(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, schemadb.ProjectTesting, project.Status)

	_, err = repo.MarkAsComplete(ctx, 9999)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

// TestProjectRepository_Update tests field validation on update
func TestProjectRepository_Update(t *testing.T) {
	repo := NewProjectRepository(newTestDB(t), nil, nil)
	ctx := context.Background()

	project, err := repo.Create(ctx, CreateProjectInput{Name: "P", TargetURL: "https://x"})
	require.NoError(t, err)

	project.Description = "now with a description"
	updated, err := repo.Update(ctx, project)
	require.NoError(t, err)
	assert.Equal(t, "now with a description", updated.Description)

	project.TargetURL = "not-a-scheme"
	_, err = repo.Update(ctx, project)
	assert.ErrorIs(t, err, storage.ErrValidationFailed)

	project.TargetURL = "https://x"
	project.Status = schemadb.ProjectStatus("archived")
	_, err = repo.Update(ctx, project)
	assert.ErrorIs(t, err, storage.ErrValidationFailed)
}

// TestProjectRepository_ListByStatus tests the status filter and its guard
func TestProjectRepository_ListByStatus(t *testing.T) {
	repo := NewProjectRepository(newTestDB(t), nil, nil)
	ctx := context.Background()

	a, err := repo.Create(ctx, CreateProjectInput{Name: "A", TargetURL: "https://a"})
	require.NoError(t, err)
	_, err = repo.Create(ctx, CreateProjectInput{Name: "B", TargetURL: "https://b"})
	require.NoError(t, err)
	_, err = repo.MarkAsComplete(ctx, a.ID)
	require.NoError(t, err)

	complete, err := repo.ListByStatus(ctx, schemadb.ProjectComplete)
	require.NoError(t, err)
	require.Len(t, complete, 1)
	assert.Equal(t, "A", complete[0].Name)

	_, err = repo.ListByStatus(ctx, schemadb.ProjectStatus("bogus"))
	assert.ErrorIs(t, err, storage.ErrValidationFailed)
}

// TestProjectRepository_Delete tests the cascading delete
func TestProjectRepository_Delete(t *testing.T) {
	db := newTestDB(t)
	projects := NewProjectRepository(db, nil, nil)
	runs := NewTestRunRepository(db, nil, nil)
	ctx := context.Background()

	project, err := projects.Create(ctx, CreateProjectInput{Name: "P", TargetURL: "https://x"})
	require.NoError(t, err)
	run, err := runs.Create(ctx, CreateTestRunInput{ProjectID: project.ID, TotalSteps: 1})
	require.NoError(t, err)

	require.NoError(t, projects.Delete(ctx, project.ID))

	_, err = projects.Get(ctx, project.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = runs.Get(ctx, run.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
