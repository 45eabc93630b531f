package store

import (
	"context"

	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Documents
	SaveDocument(ctx context.Context, doc *model.Document) error
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	ListDocuments(ctx context.Context) ([]model.Document, error)

	// Runs
	CreateRun(ctx context.Context, documentIDs []string) (*model.Run, error)
	UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, stats *model.RunStats, runErr string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Facilities. Rows carry the run and document they came from so every
	// stored value traces back to its source.
	SaveFacilities(ctx context.Context, runID, document string, facilities []model.Facility) error
	GetFacilities(ctx context.Context, runID string) ([]model.Facility, error)

	// Clarifications
	SaveClarifications(ctx context.Context, requests []model.ClarificationRequest) error
	GetClarification(ctx context.Context, id string) (*model.ClarificationRequest, error)
	ListClarifications(ctx context.Context, runID string, status model.ClarificationStatus) ([]model.ClarificationRequest, error)
	UpdateClarification(ctx context.Context, req *model.ClarificationRequest) error

	// SupersedePending marks pending requests for the facility field
	// superseded across every run except excludeRunID, so a re-extraction
	// never cancels its own fresh requests. An empty fieldPath matches all
	// of the facility's fields.
	SupersedePending(ctx context.Context, facility, fieldPath, excludeRunID string) (int, error)

	// ApplyResolution writes a resolved clarification's value back into the
	// persisted facility record at the request's field path, refreshing the
	// normalized rows derived from it. A request whose facility was never
	// persisted is a no-op.
	ApplyResolution(ctx context.Context, req *model.ClarificationRequest) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
