// Package clarify evaluates merged facility records against validation rules
// and produces typed clarification requests for human review.
package clarify

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stonebridge-group/diligence-cli/internal/merge"
	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// Thresholds holds the confidence cutoffs. The three values intentionally
// stay distinct knobs: auto-accept suppresses review entirely, suggest keeps
// a value but attaches alternates, low-confidence forces a review request.
type Thresholds struct {
	AutoAccept    float64 // >= : conflict auto-resolves to the stronger side
	Suggest       float64 // >= : alternates offered, no forced review
	LowConfidence float64 // <  : review required
}

// DefaultThresholds mirrors the production cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoAccept:    0.90,
		Suggest:       0.75,
		LowConfidence: 0.70,
	}
}

// Priority weights per classification. Conflicts outrank everything because
// they indicate two sources actively disagreeing.
const (
	priorityConflict      = 0.9
	priorityMissing       = 0.8
	priorityOutOfRange    = 0.7
	priorityLowConfidence = 0.6
)

// Evaluate runs every rule over the merged facilities and the merge-pass
// conflicts, returning pending clarification requests.
func Evaluate(runID, document string, facilities []model.Facility, conflicts []merge.FieldConflict, th Thresholds) []model.ClarificationRequest {
	var requests []model.ClarificationRequest

	for i := range facilities {
		f := &facilities[i]
		requests = append(requests, lowConfidenceRequests(runID, document, f, th)...)
		requests = append(requests, outOfRangeRequests(runID, document, f)...)
		requests = append(requests, missingFieldRequests(runID, document, f)...)
	}

	requests = append(requests, conflictRequests(runID, document, conflicts, th)...)

	zap.L().Info("clarification evaluation complete",
		zap.String("run_id", runID),
		zap.String("document", document),
		zap.Int("facilities", len(facilities)),
		zap.Int("requests", len(requests)),
	)

	return requests
}

func newRequest(runID, document, facility, fieldPath string, value any, kind model.ClarificationKind, priority float64, reason string) model.ClarificationRequest {
	return model.ClarificationRequest{
		ID:        uuid.NewString(),
		RunID:     runID,
		Document:  document,
		Facility:  facility,
		FieldPath: fieldPath,
		Value:     value,
		Kind:      kind,
		Priority:  priority,
		Reason:    reason,
		Status:    model.ClarificationPending,
		CreatedAt: time.Now(),
	}
}

// lowConfidenceRequests flags the facility and each populated sub-record
// field whose extraction confidence fell below the review cutoff.
func lowConfidenceRequests(runID, document string, f *model.Facility, th Thresholds) []model.ClarificationRequest {
	var out []model.ClarificationRequest

	if f.Confidence > 0 && f.Confidence < th.LowConfidence {
		out = append(out, newRequest(runID, document, f.Name, "facility", f.Name,
			model.KindLowConfidence, priorityLowConfidence,
			fmt.Sprintf("facility %q extracted with confidence %.2f (below %.2f)", f.Name, f.Confidence, th.LowConfidence)))
	}

	for _, li := range f.LineItems {
		if li.Confidence > 0 && li.Confidence < th.LowConfidence {
			path := fmt.Sprintf("line_items.%s.%s", li.Category, li.Label)
			out = append(out, newRequest(runID, document, f.Name, path, li.Values,
				model.KindLowConfidence, priorityLowConfidence,
				fmt.Sprintf("line item %q extracted with confidence %.2f (below %.2f)", li.Label, li.Confidence, th.LowConfidence)))
		}
	}

	if f.Rates != nil && f.Rates.Confidence > 0 && f.Rates.Confidence < th.LowConfidence {
		for path, v := range populatedRateFields(f.Rates) {
			out = append(out, newRequest(runID, document, f.Name, path, v,
				model.KindLowConfidence, priorityLowConfidence,
				fmt.Sprintf("payer rate %s extracted with confidence %.2f (below %.2f)", path, f.Rates.Confidence, th.LowConfidence)))
		}
	}

	if f.Census != nil && f.Census.Confidence > 0 && f.Census.Confidence < th.LowConfidence {
		for path, v := range populatedCensusFields(f.Census) {
			out = append(out, newRequest(runID, document, f.Name, path, v,
				model.KindLowConfidence, priorityLowConfidence,
				fmt.Sprintf("census field %s extracted with confidence %.2f (below %.2f)", path, f.Census.Confidence, th.LowConfidence)))
		}
	}

	return out
}

// outOfRangeRequests flags values no plausible facility would report.
func outOfRangeRequests(runID, document string, f *model.Facility) []model.ClarificationRequest {
	var out []model.ClarificationRequest

	if f.Census != nil {
		if f.Census.OccupancyPct != nil && (*f.Census.OccupancyPct < 0 || *f.Census.OccupancyPct > 100) {
			out = append(out, newRequest(runID, document, f.Name, "census.occupancy_pct", *f.Census.OccupancyPct,
				model.KindOutOfRange, priorityOutOfRange,
				fmt.Sprintf("occupancy %.1f%% is outside 0-100%%", *f.Census.OccupancyPct)))
		}
		for path, v := range populatedCensusFields(f.Census) {
			if strings.HasSuffix(path, "_mix_pct") && (v < 0 || v > 100) {
				out = append(out, newRequest(runID, document, f.Name, path, v,
					model.KindOutOfRange, priorityOutOfRange,
					fmt.Sprintf("payer mix %.1f%% is outside 0-100%%", v)))
			}
		}
	}

	if f.Rates != nil {
		for path, v := range populatedRateFields(f.Rates) {
			if v < 0 {
				out = append(out, newRequest(runID, document, f.Name, path, v,
					model.KindOutOfRange, priorityOutOfRange,
					fmt.Sprintf("per-diem rate %s is negative (%.2f)", path, v)))
			}
		}
	}

	return out
}

// missingFieldRequests flags fields expected for the facility's inferred
// sheet types that survived merge empty.
func missingFieldRequests(runID, document string, f *model.Facility) []model.ClarificationRequest {
	var out []model.ClarificationRequest

	kinds := sheetKinds(f.Sources)

	if kinds["census"] && (f.Census == nil || f.Census.OccupancyPct == nil) {
		out = append(out, newRequest(runID, document, f.Name, "census.occupancy_pct", nil,
			model.KindMissing, priorityMissing,
			"census sheet present but no occupancy extracted"))
	}

	if kinds["rates"] && f.Rates.FieldCount() == 0 {
		out = append(out, newRequest(runID, document, f.Name, "payer_rates", nil,
			model.KindMissing, priorityMissing,
			"rate letter present but no payer rates extracted"))
	}

	if kinds["financial"] && len(f.LineItems) == 0 {
		out = append(out, newRequest(runID, document, f.Name, "line_items", nil,
			model.KindMissing, priorityMissing,
			"financial sheet present but no line items extracted"))
	}

	return out
}

// conflictRequests converts merge-pass conflicts into review requests. A
// conflict where the stronger side clears the auto-accept cutoff and the
// weaker side stays under the suggest cutoff resolves silently.
func conflictRequests(runID, document string, conflicts []merge.FieldConflict, th Thresholds) []model.ClarificationRequest {
	var out []model.ClarificationRequest

	for _, c := range conflicts {
		if autoResolvable(c, th) {
			zap.L().Debug("conflict auto-resolved",
				zap.String("facility", c.Facility),
				zap.String("field", c.FieldPath),
			)
			continue
		}

		req := newRequest(runID, document, c.Facility, c.FieldPath, firstValue(c),
			model.KindConflictingSources, priorityConflict,
			"sources disagree: "+c.Describe())
		req.Alternates = c.Values
		out = append(out, req)
	}

	return out
}

func autoResolvable(c merge.FieldConflict, th Thresholds) bool {
	if len(c.Values) < 2 {
		return true
	}
	best, rest := c.Values[0], c.Values[1:]
	for _, v := range rest {
		if v.Confidence > best.Confidence {
			best = v
		}
	}
	for _, v := range c.Values {
		if v == best {
			continue
		}
		if v.Confidence >= th.Suggest {
			return false
		}
	}
	return best.Confidence >= th.AutoAccept
}

func firstValue(c merge.FieldConflict) any {
	if len(c.Values) == 0 {
		return nil
	}
	return c.Values[0].Value
}

// sheetKinds infers which sheet types contributed to a facility from sheet
// names. Anything not census- or rate-flavored counts as financial.
func sheetKinds(sources []string) map[string]bool {
	kinds := make(map[string]bool, 3)
	for _, s := range sources {
		name := strings.ToLower(s)
		switch {
		case strings.Contains(name, "census") || strings.Contains(name, "occupancy"):
			kinds["census"] = true
		case strings.Contains(name, "rate") || strings.Contains(name, "reimburs"):
			kinds["rates"] = true
		default:
			kinds["financial"] = true
		}
	}
	return kinds
}

func populatedRateFields(r *model.PayerRates) map[string]float64 {
	out := make(map[string]float64, 4)
	if r.MedicarePerDiem != nil {
		out["payer_rates.medicare_per_diem"] = *r.MedicarePerDiem
	}
	if r.MedicaidPerDiem != nil {
		out["payer_rates.medicaid_per_diem"] = *r.MedicaidPerDiem
	}
	if r.PrivatePerDiem != nil {
		out["payer_rates.private_per_diem"] = *r.PrivatePerDiem
	}
	if r.ManagedCarePerDiem != nil {
		out["payer_rates.managed_care_per_diem"] = *r.ManagedCarePerDiem
	}
	return out
}

func populatedCensusFields(c *model.Census) map[string]float64 {
	out := make(map[string]float64, 6)
	if c.AvgDailyCensus != nil {
		out["census.avg_daily_census"] = *c.AvgDailyCensus
	}
	if c.OccupancyPct != nil {
		out["census.occupancy_pct"] = *c.OccupancyPct
	}
	if c.MedicareMixPct != nil {
		out["census.medicare_mix_pct"] = *c.MedicareMixPct
	}
	if c.MedicaidMixPct != nil {
		out["census.medicaid_mix_pct"] = *c.MedicaidMixPct
	}
	if c.PrivateMixPct != nil {
		out["census.private_mix_pct"] = *c.PrivateMixPct
	}
	if c.ManagedCareMixPct != nil {
		out["census.managed_care_mix_pct"] = *c.ManagedCareMixPct
	}
	return out
}
