package model

import "time"

// Document is a previously-ingested due diligence document: raw extracted
// text plus metadata. The pipeline never re-parses the original file format.
type Document struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RawText   string    `json:"raw_text"`
	CreatedAt time.Time `json:"created_at"`
}

// Sheet is one logical tabular block of a document's content, produced by the
// segmenter. Immutable once created.
type Sheet struct {
	DocumentID string `json:"document_id"`
	Name       string `json:"name"`
	Content    string `json:"content"`
}

// Chunk is a line-bounded slice of a sheet's content kept under a maximum
// byte size for a single extraction request. Chunks of a sheet are disjoint
// and concatenate (in index order) back to the sheet content exactly.
type Chunk struct {
	SheetName string `json:"sheet_name"`
	Content   string `json:"content"`
	Index     int    `json:"index"`
	Total     int    `json:"total"`
}

// RunStatus tracks a pipeline run's lifecycle.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is one pipeline execution over a set of documents.
type Run struct {
	ID          string     `json:"id"`
	DocumentIDs []string   `json:"document_ids"`
	Status      RunStatus  `json:"status"`
	Error       string     `json:"error,omitempty"`
	Stats       *RunStats  `json:"stats,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunStats summarizes a completed run.
type RunStats struct {
	Facilities     int           `json:"facilities"`
	LineItems      int           `json:"line_items"`
	Periods        int           `json:"periods"`
	Clarifications int           `json:"clarifications"`
	Warnings       int           `json:"warnings"`
	MeanConfidence float64       `json:"mean_confidence"`
	Elapsed        time.Duration `json:"elapsed"`
}
