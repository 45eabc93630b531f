package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// ClarificationKind classifies why a field needs human review.
type ClarificationKind string

const (
	KindLowConfidence      ClarificationKind = "low_confidence"
	KindOutOfRange         ClarificationKind = "out_of_range"
	KindConflictingSources ClarificationKind = "conflicting_sources"
	KindMissing            ClarificationKind = "missing"
)

// ClarificationStatus is the request's lifecycle state.
type ClarificationStatus string

const (
	ClarificationPending    ClarificationStatus = "pending"
	ClarificationResolved   ClarificationStatus = "resolved"
	ClarificationSuperseded ClarificationStatus = "superseded"
)

// Alternate is a candidate value for an uncertain field, with provenance.
type Alternate struct {
	Value      any     `json:"value"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// ClarificationRequest is a structured uncertainty flag requiring human
// resolution. It carries enough context for a reviewer to resolve it without
// re-reading the source document.
type ClarificationRequest struct {
	ID         string              `json:"id"`
	RunID      string              `json:"run_id"`
	Document   string              `json:"document"`
	Facility   string              `json:"facility"`
	FieldPath  string              `json:"field_path"`
	Value      any                 `json:"value,omitempty"`
	Alternates []Alternate         `json:"alternates,omitempty"`
	Kind       ClarificationKind   `json:"kind"`
	Priority   float64             `json:"priority"`
	Reason     string              `json:"reason"`
	Status     ClarificationStatus `json:"status"`

	ResolvedValue any        `json:"resolved_value,omitempty"`
	Note          string     `json:"note,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
}

// Resolve transitions the request from pending to resolved with the
// reviewer-supplied value. Resolution is terminal.
func (c *ClarificationRequest) Resolve(value any, note string) error {
	if c.Status != ClarificationPending {
		return eris.Errorf("clarification %s is %s, not pending", c.ID, c.Status)
	}
	now := time.Now()
	c.Status = ClarificationResolved
	c.ResolvedValue = value
	c.Note = note
	c.ResolvedAt = &now
	return nil
}

// Supersede marks the request obsolete because a later pipeline run
// invalidated the field. Terminal.
func (c *ClarificationRequest) Supersede() error {
	if c.Status != ClarificationPending {
		return eris.Errorf("clarification %s is %s, not pending", c.ID, c.Status)
	}
	now := time.Now()
	c.Status = ClarificationSuperseded
	c.ResolvedAt = &now
	return nil
}

// HighPriority reports whether the request should gate run completion when
// pausing is enabled.
func (c *ClarificationRequest) HighPriority() bool {
	return c.Priority >= 0.8
}
