package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stepcast/stepcast/pkg/observability"
	"github.com/stepcast/stepcast/pkg/schemadb"
	"github.com/stepcast/stepcast/pkg/storage"
)

// TestRunRepository wraps test-run persistence with the run state machine:
// pending→running→{passed,failed,stopped}, no transitions out of a
// terminal status.
type TestRunRepository struct {
	db      *schemadb.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewTestRunRepository creates a test-run repository. Metrics may be nil.
func NewTestRunRepository(db *schemadb.DB, logger *observability.Logger, metrics *observability.Metrics) *TestRunRepository {
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}
	return &TestRunRepository{
		db:      db,
		logger:  logger.WithField("repository", "testrun"),
		metrics: metrics,
	}
}

// CreateTestRunInput carries the caller-supplied fields of a new run.
type CreateTestRunInput struct {
	// ID names the run when non-empty; otherwise one is generated.
	ID         string
	ProjectID  int64
	TotalSteps int
}

// Create inserts a pending run with empty logs.
func (r *TestRunRepository) Create(ctx context.Context, input CreateTestRunInput) (*schemadb.TestRun, error) {
	if input.ProjectID <= 0 {
		return nil, fmt.Errorf("%w: test run requires a project id", storage.ErrValidationFailed)
	}
	if input.TotalSteps < 0 {
		return nil, fmt.Errorf("%w: total_steps must not be negative", storage.ErrValidationFailed)
	}

	id := input.ID
	if id == "" {
		id = uuid.NewString()
	}
	run := &schemadb.TestRun{
		ID:         id,
		ProjectID:  input.ProjectID,
		Status:     schemadb.RunPending,
		TotalSteps: input.TotalSteps,
		Results:    []schemadb.StepResult{},
	}
	if err := r.db.CreateTestRun(ctx, run); err != nil {
		return nil, err
	}
	r.logger.WithFields(map[string]interface{}{
		"id":      run.ID,
		"project": run.ProjectID,
	}).Debug("test run created")
	return run, nil
}

// Get fetches a run by ID.
func (r *TestRunRepository) Get(ctx context.Context, id string) (*schemadb.TestRun, error) {
	return r.db.GetTestRun(ctx, id)
}

// ListByProject returns a project's runs, newest first.
func (r *TestRunRepository) ListByProject(ctx context.Context, projectID int64) ([]schemadb.TestRun, error) {
	return r.db.ListTestRunsByProject(ctx, projectID)
}

// ListByStatus returns runs in the given status.
func (r *TestRunRepository) ListByStatus(ctx context.Context, status schemadb.RunStatus) ([]schemadb.TestRun, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown run status %q", storage.ErrValidationFailed, status)
	}
	return r.db.ListTestRunsByStatus(ctx, status)
}

// Delete removes a run.
func (r *TestRunRepository) Delete(ctx context.Context, id string) error {
	return r.db.DeleteTestRun(ctx, id)
}

// transition loads the run, checks the guard, applies the mutation, and
// persists. Every attempt is recorded in metrics, rejected ones included.
func (r *TestRunRepository) transition(ctx context.Context, id, name string, from schemadb.RunStatus, apply func(*schemadb.TestRun)) (*schemadb.TestRun, error) {
	run, err := r.db.GetTestRun(ctx, id)
	if err == nil && run.Status != from {
		err = fmt.Errorf("%w: cannot %s a %s run", storage.ErrInvalidTransition, name, run.Status)
	}
	if err == nil {
		apply(run)
		err = r.db.UpdateTestRun(ctx, run)
	}
	if r.metrics != nil {
		r.metrics.RecordTransition("test_run", name, err)
	}
	if err != nil {
		return nil, err
	}
	return run, nil
}

// Start moves a pending run to running and stamps started_at.
func (r *TestRunRepository) Start(ctx context.Context, id string) (*schemadb.TestRun, error) {
	return r.transition(ctx, id, "start", schemadb.RunPending, func(run *schemadb.TestRun) {
		now := time.Now()
		run.Status = schemadb.RunRunning
		run.StartedAt = &now
	})
}

// Pass moves a running run to passed and stamps completed_at.
func (r *TestRunRepository) Pass(ctx context.Context, id string) (*schemadb.TestRun, error) {
	return r.transition(ctx, id, "pass", schemadb.RunRunning, func(run *schemadb.TestRun) {
		now := time.Now()
		run.Status = schemadb.RunPassed
		run.CompletedAt = &now
	})
}

// Fail moves a running run to failed, stamps completed_at, and records
// the failure message.
func (r *TestRunRepository) Fail(ctx context.Context, id, message string) (*schemadb.TestRun, error) {
	return r.transition(ctx, id, "fail", schemadb.RunRunning, func(run *schemadb.TestRun) {
		now := time.Now()
		run.Status = schemadb.RunFailed
		run.CompletedAt = &now
		run.Error = message
	})
}

// Stop moves a running run to stopped and stamps completed_at.
func (r *TestRunRepository) Stop(ctx context.Context, id string) (*schemadb.TestRun, error) {
	return r.transition(ctx, id, "stop", schemadb.RunRunning, func(run *schemadb.TestRun) {
		now := time.Now()
		run.Status = schemadb.RunStopped
		run.CompletedAt = &now
	})
}

// RecordStep appends a step result to a running run and advances
// current_step. The step count never exceeds total_steps.
func (r *TestRunRepository) RecordStep(ctx context.Context, id string, result schemadb.StepResult) (*schemadb.TestRun, error) {
	run, err := r.db.GetTestRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != schemadb.RunRunning {
		return nil, fmt.Errorf("%w: cannot record a step on a %s run", storage.ErrInvalidTransition, run.Status)
	}
	if run.CurrentStep >= run.TotalSteps {
		return nil, fmt.Errorf("%w: run %s already recorded all %d steps",
			storage.ErrValidationFailed, id, run.TotalSteps)
	}

	run.Results = append(run.Results, result)
	run.CurrentStep++
	if err := r.db.UpdateTestRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// AppendLog appends one formatted "[LEVEL] message" line to the run's
// logs. Logs only grow; nothing ever replaces them.
func (r *TestRunRepository) AppendLog(ctx context.Context, id, level, message string) (*schemadb.TestRun, error) {
	run, err := r.db.GetTestRun(ctx, id)
	if err != nil {
		return nil, err
	}
	line := fmt.Sprintf("[%s] %s", strings.ToUpper(level), message)
	if run.Logs == "" {
		run.Logs = line
	} else {
		run.Logs += "\n" + line
	}
	if err := r.db.UpdateTestRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}
