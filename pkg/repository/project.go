// Package repository provides the typed domain operations over the schema
// database: validation on create/update and the status state machines for
// projects and test runs. Repositories hold no state of their own.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/schemadb"
	"github.com/stepcast/stepcast/pkg/storage"
)

// ProjectRepository wraps project persistence with validation. Project
// status moves freely between the three values; only the enum itself is
// enforced.
type ProjectRepository struct {
	db      *schemadb.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewProjectRepository creates a project repository. Metrics may be nil.
func NewProjectRepository(db *schemadb.DB, logger *observability.Logger, metrics *observability.Metrics) *ProjectRepository {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &ProjectRepository{
		db:      db,
		logger:  logger.WithField("repository", "project"),
		metrics: metrics,
	}
}

// CreateProjectInput carries the caller-supplied fields of a new project.
type CreateProjectInput struct {
	Name          string
	Description   string
	TargetURL     string
	RecordedSteps json.RawMessage
	ParsedFields  json.RawMessage
	CSVData       json.RawMessage
}

func validateProjectFields(name, targetURL string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: project name is required", storage.ErrValidationFailed)
	}
	if strings.TrimSpace(targetURL) == "" {
		return fmt.Errorf("%w: project target_url is required", storage.ErrValidationFailed)
	}
	u, err := url.Parse(targetURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: target_url %q is not an http(s) URL", storage.ErrValidationFailed, targetURL)
	}
	return nil
}

// Create validates and inserts a new project with status draft.
func (r *ProjectRepository) Create(ctx context.Context, input CreateProjectInput) (*schemadb.Project, error) {
	if err := validateProjectFields(input.Name, input.TargetURL); err != nil {
		return nil, err
	}

	project := &schemadb.Project{
		Name:          strings.TrimSpace(input.Name),
		Description:   input.Description,
		TargetURL:     input.TargetURL,
		Status:        schemadb.ProjectDraft,
		RecordedSteps: input.RecordedSteps,
		ParsedFields:  input.ParsedFields,
		CSVData:       input.CSVData,
	}
	if err := r.db.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	r.logger.WithFields(map[string]interface{}{
		"id":   project.ID,
		"name": project.Name,
	}).Debug("project created")
	return project, nil
}

// Get fetches a project by ID.
func (r *ProjectRepository) Get(ctx context.Context, id int64) (*schemadb.Project, error) {
	return r.db.GetProject(ctx, id)
}

// List returns all projects, newest first.
func (r *ProjectRepository) List(ctx context.Context) ([]schemadb.Project, error) {
	return r.db.ListProjects(ctx)
}

// ListByStatus returns projects in the given status.
func (r *ProjectRepository) ListByStatus(ctx context.Context, status schemadb.ProjectStatus) ([]schemadb.Project, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown project status %q", storage.ErrValidationFailed, status)
	}
	return r.db.ListProjectsByStatus(ctx, status)
}

// Update validates and persists the given project.
func (r *ProjectRepository) Update(ctx context.Context, project *schemadb.Project) (*schemadb.Project, error) {
	if err := validateProjectFields(project.Name, project.TargetURL); err != nil {
		return nil, err
	}
	if !project.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown project status %q", storage.ErrValidationFailed, project.Status)
	}
	if err := r.db.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// setStatus moves a project to the given status. Any status may move to
// any other.
func (r *ProjectRepository) setStatus(ctx context.Context, id int64, status schemadb.ProjectStatus) (*schemadb.Project, error) {
	project, err := r.db.GetProject(ctx, id)
	if err == nil {
		project.Status = status
		err = r.db.UpdateProject(ctx, project)
	}
	if r.metrics != nil {
		r.metrics.RecordTransition("project", string(status), err)
	}
	if err != nil {
		return nil, err
	}
	return project, nil
}

// MarkAsTesting sets the project status to testing.
func (r *ProjectRepository) MarkAsTesting(ctx context.Context, id int64) (*schemadb.Project, error) {
	return r.setStatus(ctx, id, schemadb.ProjectTesting)
}

// MarkAsComplete sets the project status to complete.
func (r *ProjectRepository) MarkAsComplete(ctx context.Context, id int64) (*schemadb.Project, error) {
	return r.setStatus(ctx, id, schemadb.ProjectComplete)
}

// ResetToDraft sets the project status back to draft.
func (r *ProjectRepository) ResetToDraft(ctx context.Context, id int64) (*schemadb.Project, error) {
	return r.setStatus(ctx, id, schemadb.ProjectDraft)
}

// Delete removes a project and all of its test runs.
func (r *ProjectRepository) Delete(ctx context.Context, id int64) error {
	if err := r.db.DeleteProject(ctx, id, true); err != nil {
		return err
	}
	r.logger.WithField("id", id).Debug("project deleted")
	return nil
}
