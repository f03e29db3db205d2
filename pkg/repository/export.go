package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stepcast/stepcast/pkg/schemadb"
	"github.com/stepcast/stepcast/pkg/storage"
)

// ExportVersion is the domain export format version.
const ExportVersion = "1.0.0"

// ApplicationName identifies exports produced by this application.
const ApplicationName = "StepCast"

// ExportMetadata summarizes an export's contents.
type ExportMetadata struct {
	ProjectCount int `json:"projectCount"`
	TestRunCount int `json:"testRunCount"`
	TotalSteps   int `json:"totalSteps"`
	TotalFields  int `json:"totalFields"`
}

// DomainExport is the repository-level export format, distinct from the
// generic area snapshot the storage providers produce.
type DomainExport struct {
	Version     string             `json:"version"`
	ExportedAt  time.Time          `json:"exportedAt"`
	Application string             `json:"application"`
	Projects    []schemadb.Project `json:"projects"`
	TestRuns    []schemadb.TestRun `json:"testRuns"`
	Metadata    ExportMetadata     `json:"metadata"`
}

// ImportSummary reports what an import created.
type ImportSummary struct {
	Projects int `json:"projects"`
	TestRuns int `json:"testRuns"`
}

func countJSONArray(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return 0
	}
	return len(items)
}

// Export produces a full domain export of all projects and test runs.
func Export(ctx context.Context, db *schemadb.DB) (*DomainExport, error) {
	projects, err := db.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	runs, err := db.ListTestRuns(ctx)
	if err != nil {
		return nil, err
	}

	meta := ExportMetadata{
		ProjectCount: len(projects),
		TestRunCount: len(runs),
	}
	for i := range projects {
		meta.TotalSteps += countJSONArray(projects[i].RecordedSteps)
		meta.TotalFields += countJSONArray(projects[i].ParsedFields)
	}

	return &DomainExport{
		Version:     ExportVersion,
		ExportedAt:  time.Now(),
		Application: ApplicationName,
		Projects:    projects,
		TestRuns:    runs,
		Metadata:    meta,
	}, nil
}

// importedRun mirrors TestRun but keeps logs raw so its type can be
// checked before accepting the document.
type importedRun struct {
	schemadb.TestRun
	Logs json.RawMessage `json:"logs"`
}

type importedDocument struct {
	Version  string             `json:"version"`
	Projects []schemadb.Project `json:"projects"`
	TestRuns []importedRun      `json:"testRuns"`
}

// Import parses a domain export and creates its projects and test runs.
// Projects get fresh IDs; test-run project references are remapped to
// them. Every project must carry its required fields and every test run's
// logs field must be a plain string, or the whole document is rejected.
func Import(ctx context.Context, db *schemadb.DB, data []byte) (*ImportSummary, error) {
	var doc importedDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrImportParse, err)
	}
	if doc.Version == "" {
		return nil, fmt.Errorf("%w: missing version", storage.ErrImportParse)
	}

	runs := make([]schemadb.TestRun, 0, len(doc.TestRuns))
	for i := range doc.TestRuns {
		run := doc.TestRuns[i].TestRun
		var logs string
		if len(doc.TestRuns[i].Logs) > 0 {
			if err := json.Unmarshal(doc.TestRuns[i].Logs, &logs); err != nil {
				return nil, fmt.Errorf("%w: test run %s logs must be a string",
					storage.ErrImportParse, run.ID)
			}
		}
		run.Logs = logs
		if run.ID == "" || !run.Status.Valid() {
			return nil, fmt.Errorf("%w: test run %d is missing id or status",
				storage.ErrImportParse, i)
		}
		runs = append(runs, run)
	}
	for i := range doc.Projects {
		p := &doc.Projects[i]
		if err := validateProjectFields(p.Name, p.TargetURL); err != nil {
			return nil, fmt.Errorf("%w: project %q: %v", storage.ErrImportParse, p.Name, err)
		}
		if !p.Status.Valid() {
			return nil, fmt.Errorf("%w: project %q has unknown status %q",
				storage.ErrImportParse, p.Name, p.Status)
		}
	}

	summary := &ImportSummary{}
	idMap := make(map[int64]int64, len(doc.Projects))
	for i := range doc.Projects {
		p := doc.Projects[i]
		oldID := p.ID
		p.ID = 0
		if err := db.CreateProject(ctx, &p); err != nil {
			return summary, err
		}
		idMap[oldID] = p.ID
		summary.Projects++
	}
	for i := range runs {
		run := runs[i]
		if mapped, ok := idMap[run.ProjectID]; ok {
			run.ProjectID = mapped
		}
		if err := db.CreateTestRun(ctx, &run); err != nil {
			return summary, err
		}
		summary.TestRuns++
	}
	return summary, nil
}
