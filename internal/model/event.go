package model

import "time"

// EventType identifies a streamed pipeline progress event.
type EventType string

const (
	EventRunStarted         EventType = "run_started"
	EventDocumentStarted    EventType = "document_started"
	EventPassStarted        EventType = "pass_started"
	EventPassProgress       EventType = "pass_progress"
	EventChunkCompleted     EventType = "chunk_completed"
	EventDocumentCompleted  EventType = "document_completed"
	EventFacilityDetected   EventType = "facility_detected"
	EventConflictDetected   EventType = "conflict_detected"
	EventClarificationNeeded EventType = "clarification_needed"
	EventRunCompleted       EventType = "run_completed"
	EventRunFailed          EventType = "run_failed"
)

// Event is one entry in the ordered progress stream for a run. Fields beyond
// Type/RunID/At are populated per event type.
type Event struct {
	Type  EventType `json:"type"`
	RunID string    `json:"run_id"`
	At    time.Time `json:"at"`

	Document      string  `json:"document,omitempty"`
	DocumentIndex int     `json:"document_index,omitempty"`
	DocumentCount int     `json:"document_count,omitempty"`
	Phase         string  `json:"phase,omitempty"`
	Percent       float64 `json:"percent,omitempty"`
	Sheet         string  `json:"sheet,omitempty"`
	ChunkIndex    int     `json:"chunk_index,omitempty"`
	ChunkCount    int     `json:"chunk_count,omitempty"`
	Facility      string  `json:"facility,omitempty"`
	FieldPath     string  `json:"field_path,omitempty"`
	Warning       string  `json:"warning,omitempty"`
	Error         string  `json:"error,omitempty"`

	Stats         *RunStats             `json:"stats,omitempty"`
	Clarification *ClarificationRequest `json:"clarification,omitempty"`
}
