// Package merge consolidates partial facility records from many chunks and
// sheets into one record per distinct facility.
package merge

import (
	"fmt"
	"math"
	"strings"

	"golang.org/x/text/cases"

	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// DefaultTolerance is the relative disagreement allowed between two sources
// for the same numeric field before it counts as a conflict.
const DefaultTolerance = 0.01

var keyFolder = cases.Fold()

// Key normalizes a facility name into its merge key: trimmed, inner
// whitespace collapsed, Unicode case-folded. Every merge site must use this
// one function so grouping rules never diverge.
func Key(name string) string {
	return keyFolder.String(strings.Join(strings.Fields(name), " "))
}

// FieldConflict records two sources disagreeing on the same field beyond
// tolerance. Conflicts are not errors: the clarification surface turns them
// into review requests.
type FieldConflict struct {
	Facility  string
	FieldPath string
	Values    []model.Alternate
}

// Result is the output of one merge pass.
type Result struct {
	Facilities []model.Facility
	Conflicts  []FieldConflict
}

// Merge groups records by normalized facility name and reduces each group to
// a single record. The same reduce serves both the intra-sheet pass (across
// chunks) and the cross-sheet pass (across the whole document set), so a
// facility mentioned in a P&L sheet and a rate-letter sheet resolves to one
// record.
func Merge(records []model.Facility, tolerance float64) Result {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	var result Result
	var order []string
	grouped := make(map[string][]model.Facility)

	for _, rec := range records {
		k := Key(rec.Name)
		if k == "" {
			continue
		}
		if _, seen := grouped[k]; !seen {
			order = append(order, k)
		}
		grouped[k] = append(grouped[k], rec)
	}

	for _, k := range order {
		merged, conflicts := reduceGroup(grouped[k], tolerance)
		result.Facilities = append(result.Facilities, merged)
		result.Conflicts = append(result.Conflicts, conflicts...)
	}

	return result
}

// reduceGroup folds a multi-record group left to right. A singleton passes
// through unchanged (with confidence untouched).
func reduceGroup(group []model.Facility, tolerance float64) (model.Facility, []FieldConflict) {
	if len(group) == 1 {
		return group[0], nil
	}

	// The fold appends through pointers into the accumulator; work on a copy
	// so input records survive the merge intact.
	acc := cloneFacility(group[0])

	var conflicts []FieldConflict
	confSum := acc.Confidence

	for _, next := range group[1:] {
		conflicts = append(conflicts, mergeInto(&acc, next, tolerance)...)
		confSum += next.Confidence
	}

	acc.Confidence = confSum / float64(len(group))
	return acc, conflicts
}

// cloneFacility copies the slices the fold appends to, including each line
// item's period values.
func cloneFacility(f model.Facility) model.Facility {
	f.LineItems = append([]model.LineItem(nil), f.LineItems...)
	for i := range f.LineItems {
		f.LineItems[i].Values = append([]model.PeriodValue(nil), f.LineItems[i].Values...)
	}
	f.Periods = append([]model.Period(nil), f.Periods...)
	f.Sources = append([]string(nil), f.Sources...)
	return f
}

// mergeInto merges next into acc, never losing a line-item value.
func mergeInto(acc *model.Facility, next model.Facility, tolerance float64) []FieldConflict {
	var conflicts []FieldConflict

	// Scalar identity fields: first non-empty wins; disagreement on an
	// already-set field is a conflict.
	if acc.Code == "" {
		acc.Code = next.Code
	}
	if acc.City == "" {
		acc.City = next.City
	}
	if acc.State == "" {
		acc.State = next.State
	} else if next.State != "" && !strings.EqualFold(acc.State, next.State) {
		conflicts = append(conflicts, FieldConflict{
			Facility:  acc.Name,
			FieldPath: "state",
			Values:    alternatesFor(acc, next, acc.State, next.State),
		})
	}

	if acc.BedCount == 0 {
		acc.BedCount = next.BedCount
	} else if next.BedCount != 0 && next.BedCount != acc.BedCount {
		conflicts = append(conflicts, FieldConflict{
			Facility:  acc.Name,
			FieldPath: "bed_count",
			Values:    alternatesFor(acc, next, acc.BedCount, next.BedCount),
		})
	}

	// Line items: dedupe by (category, label); on collision append only
	// periods not already present.
	for _, li := range next.LineItems {
		existing := acc.FindLineItem(li.Category, li.Label)
		if existing == nil {
			li.Values = append([]model.PeriodValue(nil), li.Values...)
			acc.LineItems = append(acc.LineItems, li)
			continue
		}
		for _, pv := range li.Values {
			if !existing.HasPeriod(pv.Period) {
				existing.Values = append(existing.Values, pv)
			}
		}
		if li.Confidence > existing.Confidence {
			existing.Confidence = li.Confidence
		}
		if existing.Subcategory == "" {
			existing.Subcategory = li.Subcategory
		}
	}

	// Periods: dedupe by label.
	for _, p := range next.Periods {
		if !hasPeriodLabel(acc.Periods, p.Label) {
			acc.Periods = append(acc.Periods, p)
		}
	}

	// Census / rates: richer record wins, ties keep the first seen.
	// Disagreements on shared numeric fields become conflicts first.
	conflicts = append(conflicts, censusConflicts(acc, next, tolerance)...)
	if next.Census.FieldCount() > acc.Census.FieldCount() {
		acc.Census = next.Census
	}

	conflicts = append(conflicts, ratesConflicts(acc, next, tolerance)...)
	if next.Rates.FieldCount() > acc.Rates.FieldCount() {
		acc.Rates = next.Rates
	}

	// Provenance union.
	for _, s := range next.Sources {
		if !containsString(acc.Sources, s) {
			acc.Sources = append(acc.Sources, s)
		}
	}

	return conflicts
}

func censusConflicts(acc *model.Facility, next model.Facility, tolerance float64) []FieldConflict {
	if acc.Census == nil || next.Census == nil {
		return nil
	}
	var out []FieldConflict
	pairs := []struct {
		path string
		a, b *float64
	}{
		{"census.occupancy_pct", acc.Census.OccupancyPct, next.Census.OccupancyPct},
		{"census.avg_daily_census", acc.Census.AvgDailyCensus, next.Census.AvgDailyCensus},
		{"census.medicare_mix_pct", acc.Census.MedicareMixPct, next.Census.MedicareMixPct},
		{"census.medicaid_mix_pct", acc.Census.MedicaidMixPct, next.Census.MedicaidMixPct},
	}
	for _, p := range pairs {
		if disagree(p.a, p.b, tolerance) {
			out = append(out, FieldConflict{
				Facility:  acc.Name,
				FieldPath: p.path,
				Values:    alternatesFor(acc, next, *p.a, *p.b),
			})
		}
	}
	return out
}

func ratesConflicts(acc *model.Facility, next model.Facility, tolerance float64) []FieldConflict {
	if acc.Rates == nil || next.Rates == nil {
		return nil
	}
	var out []FieldConflict
	pairs := []struct {
		path string
		a, b *float64
	}{
		{"payer_rates.medicare_per_diem", acc.Rates.MedicarePerDiem, next.Rates.MedicarePerDiem},
		{"payer_rates.medicaid_per_diem", acc.Rates.MedicaidPerDiem, next.Rates.MedicaidPerDiem},
		{"payer_rates.private_per_diem", acc.Rates.PrivatePerDiem, next.Rates.PrivatePerDiem},
		{"payer_rates.managed_care_per_diem", acc.Rates.ManagedCarePerDiem, next.Rates.ManagedCarePerDiem},
	}
	for _, p := range pairs {
		if disagree(p.a, p.b, tolerance) {
			out = append(out, FieldConflict{
				Facility:  acc.Name,
				FieldPath: p.path,
				Values:    alternatesFor(acc, next, *p.a, *p.b),
			})
		}
	}
	return out
}

// disagree reports whether two populated values differ beyond the relative
// tolerance.
func disagree(a, b *float64, tolerance float64) bool {
	if a == nil || b == nil {
		return false
	}
	scale := math.Max(math.Abs(*a), math.Abs(*b))
	if scale == 0 {
		return false
	}
	return math.Abs(*a-*b)/scale > tolerance
}

func alternatesFor(acc *model.Facility, next model.Facility, accVal, nextVal any) []model.Alternate {
	return []model.Alternate{
		{Value: accVal, Source: sourceLabel(acc.Sources), Confidence: acc.Confidence},
		{Value: nextVal, Source: sourceLabel(next.Sources), Confidence: next.Confidence},
	}
}

func sourceLabel(sources []string) string {
	if len(sources) == 0 {
		return "unknown"
	}
	return strings.Join(sources, "+")
}

func hasPeriodLabel(periods []model.Period, label string) bool {
	for _, p := range periods {
		if p.Label == label {
			return true
		}
	}
	return false
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Describe renders a conflict for logs and clarification reasons.
func (c FieldConflict) Describe() string {
	var parts []string
	for _, v := range c.Values {
		parts = append(parts, fmt.Sprintf("%v (%s)", v.Value, v.Source))
	}
	return fmt.Sprintf("%s %s: %s", c.Facility, c.FieldPath, strings.Join(parts, " vs "))
}
