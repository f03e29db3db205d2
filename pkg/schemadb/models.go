// Package schemadb is the domain-typed persistence layer for StepCast
// records. It stores two record kinds, Project and TestRun, in a SQLite
// database with secondary indexes on status and project, and evolves its
// schema through ordered, versioned migrations applied at open time. The
// repositories in pkg/repository build their validation and status state
// machines on top of it.
package schemadb

import (
	"encoding/json"
	"time"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	ProjectDraft    ProjectStatus = "draft"
	ProjectTesting  ProjectStatus = "testing"
	ProjectComplete ProjectStatus = "complete"
)

// Valid reports whether the status is one of the three recognized values.
func (s ProjectStatus) Valid() bool {
	switch s {
	case ProjectDraft, ProjectTesting, ProjectComplete:
		return true
	}
	return false
}

// RunStatus is the state of a test run. pending→running→terminal is the
// only allowed direction; terminal runs never transition again.
type RunStatus string

const (
	RunPending RunStatus = "pending"
	RunRunning RunStatus = "running"
	RunPassed  RunStatus = "passed"
	RunFailed  RunStatus = "failed"
	RunStopped RunStatus = "stopped"
)

// Valid reports whether the status is recognized.
func (s RunStatus) Valid() bool {
	switch s {
	case RunPending, RunRunning, RunPassed, RunFailed, RunStopped:
		return true
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunPassed, RunFailed, RunStopped:
		return true
	}
	return false
}

// Project is a recorded browser-test project. RecordedSteps, ParsedFields
// and CSVData are JSON arrays kept opaque at this layer; the recorder and
// replay engines own their shape.
type Project struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	TargetURL   string        `json:"target_url"`
	Status      ProjectStatus `json:"status"`
	CreatedDate time.Time     `json:"created_date"`
	UpdatedDate time.Time     `json:"updated_date"`

	RecordedSteps json.RawMessage `json:"recorded_steps"`
	ParsedFields  json.RawMessage `json:"parsed_fields"`
	CSVData       json.RawMessage `json:"csv_data"`
}

// StepResult is the outcome of a single replayed step within a run.
type StepResult struct {
	StepID   string `json:"step_id"`
	Status   string `json:"status"`
	Duration int64  `json:"duration"` // milliseconds
	Error    string `json:"error,omitempty"`
}

// TestRun is one execution of a project's recorded steps. Logs is a single
// concatenated string with bracketed level tags, not a collection.
type TestRun struct {
	ID          string       `json:"id"`
	ProjectID   int64        `json:"project_id"`
	Status      RunStatus    `json:"status"`
	TotalSteps  int          `json:"total_steps"`
	CurrentStep int          `json:"current_step"`
	Results     []StepResult `json:"results"`
	Logs        string       `json:"logs"`
	Error       string       `json:"error,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CreatedDate time.Time    `json:"created_date"`
	UpdatedDate time.Time    `json:"updated_date"`
}
