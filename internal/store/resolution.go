package store

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// Provenance markers on normalized rows. Extraction writes rows as
// extracted; a reviewer resolution re-marks the affected rows.
const (
	provenanceExtracted = "extracted"
	provenanceResolved  = "resolved"
)

// applyFieldValue sets the field a clarification path names on the facility.
// It reports false for paths with no stored scalar behind them (whole-group
// paths like "payer_rates" only confirm that data is absent).
func applyFieldValue(f *model.Facility, fieldPath string, value any) (bool, error) {
	switch fieldPath {
	case "state":
		return setString(&f.State, fieldPath, value)
	case "city":
		return setString(&f.City, fieldPath, value)
	case "code":
		return setString(&f.Code, fieldPath, value)
	case "bed_count":
		n, ok := toFloat(value)
		if !ok {
			return false, eris.Errorf("store: %s expects a number, got %T", fieldPath, value)
		}
		f.BedCount = int(n)
		return true, nil
	}

	parts := strings.SplitN(fieldPath, ".", 3)
	switch {
	case parts[0] == "census" && len(parts) == 2:
		return applyCensusValue(f, parts[1], value)
	case parts[0] == "payer_rates" && len(parts) == 2:
		return applyRateValue(f, parts[1], value)
	case parts[0] == "line_items" && len(parts) == 3:
		return applyLineItemValue(f, model.LineItemCategory(parts[1]), parts[2], value)
	}
	return false, nil
}

func setString(dst *string, fieldPath string, value any) (bool, error) {
	s, ok := value.(string)
	if !ok {
		return false, eris.Errorf("store: %s expects a string, got %T", fieldPath, value)
	}
	*dst = s
	return true, nil
}

func applyCensusValue(f *model.Facility, field string, value any) (bool, error) {
	n, ok := toFloat(value)
	if !ok {
		return false, eris.Errorf("store: census.%s expects a number, got %T", field, value)
	}
	if f.Census == nil {
		f.Census = &model.Census{}
	}
	switch field {
	case "licensed_beds":
		beds := int(n)
		f.Census.LicensedBeds = &beds
	case "avg_daily_census":
		f.Census.AvgDailyCensus = &n
	case "occupancy_pct":
		f.Census.OccupancyPct = &n
	case "medicare_mix_pct":
		f.Census.MedicareMixPct = &n
	case "medicaid_mix_pct":
		f.Census.MedicaidMixPct = &n
	case "private_mix_pct":
		f.Census.PrivateMixPct = &n
	case "managed_care_mix_pct":
		f.Census.ManagedCareMixPct = &n
	default:
		return false, nil
	}
	return true, nil
}

func applyRateValue(f *model.Facility, field string, value any) (bool, error) {
	if f.Rates == nil {
		f.Rates = &model.PayerRates{}
	}
	if field == "effective_date" {
		return setString(&f.Rates.EffectiveDate, "payer_rates.effective_date", value)
	}
	n, ok := toFloat(value)
	if !ok {
		return false, eris.Errorf("store: payer_rates.%s expects a number, got %T", field, value)
	}
	switch field {
	case "medicare_per_diem":
		f.Rates.MedicarePerDiem = &n
	case "medicaid_per_diem":
		f.Rates.MedicaidPerDiem = &n
	case "private_per_diem":
		f.Rates.PrivatePerDiem = &n
	case "managed_care_per_diem":
		f.Rates.ManagedCarePerDiem = &n
	default:
		return false, nil
	}
	return true, nil
}

func applyLineItemValue(f *model.Facility, category model.LineItemCategory, label string, value any) (bool, error) {
	li := f.FindLineItem(category, label)
	if li == nil {
		return false, nil
	}

	if n, ok := toFloat(value); ok && len(li.Values) == 1 {
		li.Values[0].Value = n
		return true, nil
	}

	// A multi-period resolution arrives as a period/value list.
	buf, err := json.Marshal(value)
	if err != nil {
		return false, eris.Wrapf(err, "store: line_items.%s.%s resolution", category, label)
	}
	var values []model.PeriodValue
	if err := json.Unmarshal(buf, &values); err != nil || len(values) == 0 {
		return false, eris.Errorf("store: line_items.%s.%s expects a number or period values", category, label)
	}
	li.Values = values
	return true, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// rowProvenance marks a normalized row: resolved when its path matches the
// clarification that just rewrote it, extracted otherwise. Extraction-time
// saves pass an empty resolvedPath.
func rowProvenance(resolvedPath, rowPath string) string {
	if resolvedPath != "" && resolvedPath == rowPath {
		return provenanceResolved
	}
	return provenanceExtracted
}

// lineItemRows flattens a facility's line items into line_items table rows.
func lineItemRows(runID, document string, f *model.Facility, resolvedPath string) [][]any {
	var rows [][]any
	for _, li := range f.LineItems {
		rowPath := "line_items." + string(li.Category) + "." + li.Label
		for _, pv := range li.Values {
			rows = append(rows, []any{
				uuid.New().String(), runID, document, f.Name,
				string(li.Category), li.Subcategory, li.Label,
				pv.Period, pv.Value, li.Confidence,
				rowProvenance(resolvedPath, rowPath),
			})
		}
	}
	return rows
}

// censusRows flattens populated census fields into census_periods table rows.
func censusRows(runID, document string, f *model.Facility, resolvedPath string) [][]any {
	c := f.Census
	if c == nil {
		return nil
	}

	fields := []struct {
		name  string
		value *float64
	}{
		{"avg_daily_census", c.AvgDailyCensus},
		{"occupancy_pct", c.OccupancyPct},
		{"medicare_mix_pct", c.MedicareMixPct},
		{"medicaid_mix_pct", c.MedicaidMixPct},
		{"private_mix_pct", c.PrivateMixPct},
		{"managed_care_mix_pct", c.ManagedCareMixPct},
	}

	var rows [][]any
	if c.LicensedBeds != nil {
		rows = append(rows, []any{
			uuid.New().String(), runID, document, f.Name,
			"licensed_beds", float64(*c.LicensedBeds), c.Confidence,
			rowProvenance(resolvedPath, "census.licensed_beds"),
		})
	}
	for _, fld := range fields {
		if fld.value == nil {
			continue
		}
		rows = append(rows, []any{
			uuid.New().String(), runID, document, f.Name,
			fld.name, *fld.value, c.Confidence,
			rowProvenance(resolvedPath, "census."+fld.name),
		})
	}
	return rows
}

// payerRateRows flattens populated per-diem rates into payer_rates table rows.
func payerRateRows(runID, document string, f *model.Facility, resolvedPath string) [][]any {
	r := f.Rates
	if r == nil {
		return nil
	}

	payers := []struct {
		name  string
		value *float64
	}{
		{"medicare", r.MedicarePerDiem},
		{"medicaid", r.MedicaidPerDiem},
		{"private", r.PrivatePerDiem},
		{"managed_care", r.ManagedCarePerDiem},
	}

	var rows [][]any
	for _, p := range payers {
		if p.value == nil {
			continue
		}
		rows = append(rows, []any{
			uuid.New().String(), runID, document, f.Name,
			p.name, *p.value, r.EffectiveDate, r.Confidence,
			rowProvenance(resolvedPath, "payer_rates."+p.name+"_per_diem"),
		})
	}
	return rows
}
