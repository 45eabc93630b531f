package model

// LineItemCategory classifies a financial line item.
type LineItemCategory string

const (
	CategoryRevenue LineItemCategory = "revenue"
	CategoryExpense LineItemCategory = "expense"
	CategoryMetric  LineItemCategory = "metric"
)

// PeriodValue is one (reporting period, numeric value) pair on a line item.
type PeriodValue struct {
	Period string  `json:"period"`
	Value  float64 `json:"value"`
}

// LineItem is a single financial row extracted for a facility. Identity for
// deduplication within a facility is (Category, Label).
type LineItem struct {
	Category    LineItemCategory `json:"category"`
	Subcategory string           `json:"subcategory,omitempty"`
	Label       string           `json:"label"`
	Values      []PeriodValue    `json:"values"`

	// Derived fields, populated after merge when computable.
	Annualized       *float64 `json:"annualized,omitempty"`
	PerPatientDay    *float64 `json:"per_patient_day,omitempty"`
	PercentOfRevenue *float64 `json:"percent_of_revenue,omitempty"`

	Confidence float64 `json:"confidence"`
}

// HasPeriod reports whether the line item already carries a value for the
// given period label.
func (li LineItem) HasPeriod(period string) bool {
	for _, pv := range li.Values {
		if pv.Period == period {
			return true
		}
	}
	return false
}

// Period is one reporting period referenced by a facility's line items.
type Period struct {
	Label string `json:"label"`
	Kind  string `json:"kind,omitempty"` // month, quarter, year, ttm
}

// Census holds occupancy and payer-mix data for a facility.
type Census struct {
	LicensedBeds     *int     `json:"licensed_beds,omitempty"`
	AvgDailyCensus   *float64 `json:"avg_daily_census,omitempty"`
	OccupancyPct     *float64 `json:"occupancy_pct,omitempty"`
	MedicareMixPct   *float64 `json:"medicare_mix_pct,omitempty"`
	MedicaidMixPct   *float64 `json:"medicaid_mix_pct,omitempty"`
	PrivateMixPct    *float64 `json:"private_mix_pct,omitempty"`
	ManagedCareMixPct *float64 `json:"managed_care_mix_pct,omitempty"`
	Confidence       float64  `json:"confidence,omitempty"`
}

// FieldCount returns the number of populated census fields. Used by the merge
// engine to pick the richer of two conflicting census records.
func (c *Census) FieldCount() int {
	if c == nil {
		return 0
	}
	n := 0
	if c.LicensedBeds != nil {
		n++
	}
	if c.AvgDailyCensus != nil {
		n++
	}
	if c.OccupancyPct != nil {
		n++
	}
	if c.MedicareMixPct != nil {
		n++
	}
	if c.MedicaidMixPct != nil {
		n++
	}
	if c.PrivateMixPct != nil {
		n++
	}
	if c.ManagedCareMixPct != nil {
		n++
	}
	return n
}

// PayerRates holds per-diem reimbursement rates for a facility.
type PayerRates struct {
	MedicarePerDiem    *float64 `json:"medicare_per_diem,omitempty"`
	MedicaidPerDiem    *float64 `json:"medicaid_per_diem,omitempty"`
	PrivatePerDiem     *float64 `json:"private_per_diem,omitempty"`
	ManagedCarePerDiem *float64 `json:"managed_care_per_diem,omitempty"`
	EffectiveDate      string   `json:"effective_date,omitempty"`
	Confidence         float64  `json:"confidence,omitempty"`
}

// FieldCount returns the number of populated rate fields.
func (r *PayerRates) FieldCount() int {
	if r == nil {
		return 0
	}
	n := 0
	if r.MedicarePerDiem != nil {
		n++
	}
	if r.MedicaidPerDiem != nil {
		n++
	}
	if r.PrivatePerDiem != nil {
		n++
	}
	if r.ManagedCarePerDiem != nil {
		n++
	}
	if r.EffectiveDate != "" {
		n++
	}
	return n
}

// Facility is the unit of pipeline output: the merged record for one physical
// healthcare facility within a document set. Partial records from different
// chunks and sheets are reduced to one Facility per normalized name.
type Facility struct {
	Name       string      `json:"name"`
	Code       string      `json:"code,omitempty"`
	State      string      `json:"state,omitempty"`
	City       string      `json:"city,omitempty"`
	BedCount   int         `json:"bed_count,omitempty"`
	Periods    []Period    `json:"periods,omitempty"`
	LineItems  []LineItem  `json:"line_items,omitempty"`
	Census     *Census     `json:"census,omitempty"`
	Rates      *PayerRates `json:"payer_rates,omitempty"`
	Confidence float64     `json:"confidence"`

	// Sources lists the sheet names that contributed partial records.
	Sources []string `json:"sources,omitempty"`
}

// FindLineItem returns a pointer to the line item with the given identity,
// or nil.
func (f *Facility) FindLineItem(category LineItemCategory, label string) *LineItem {
	for i := range f.LineItems {
		if f.LineItems[i].Category == category && f.LineItems[i].Label == label {
			return &f.LineItems[i]
		}
	}
	return nil
}
