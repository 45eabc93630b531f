package clarify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonebridge-group/diligence-cli/internal/merge"
	"github.com/stonebridge-group/diligence-cli/internal/model"
)

func f64(v float64) *float64 { return &v }

func TestEvaluateLowConfidenceRate(t *testing.T) {
	facilities := []model.Facility{
		{
			Name:       "Maple Grove Care Center",
			Confidence: 0.92,
			Rates: &model.PayerRates{
				MedicarePerDiem: f64(512.40),
				Confidence:      0.4,
			},
			Sources: []string{"Rate Letters"},
		},
	}

	reqs := Evaluate("run-1", "deal.xlsx", facilities, nil, DefaultThresholds())

	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, model.KindLowConfidence, req.Kind)
	assert.Equal(t, "payer_rates.medicare_per_diem", req.FieldPath)
	assert.Equal(t, "Maple Grove Care Center", req.Facility)
	assert.Equal(t, model.ClarificationPending, req.Status)
	assert.Equal(t, "run-1", req.RunID)
	assert.False(t, req.HighPriority())
}

func TestEvaluateConfidentFacilityProducesNothing(t *testing.T) {
	facilities := []model.Facility{
		{
			Name:       "Cedar Ridge SNF",
			Confidence: 0.95,
			LineItems: []model.LineItem{
				{Category: model.CategoryRevenue, Label: "Medicare Revenue", Confidence: 0.91},
			},
			Census: &model.Census{
				OccupancyPct: f64(88.5),
				Confidence:   0.9,
			},
			Sources: []string{"Census", "P&L"},
		},
	}

	reqs := Evaluate("run-1", "deal.xlsx", facilities, nil, DefaultThresholds())
	assert.Empty(t, reqs)
}

func TestEvaluateOutOfRange(t *testing.T) {
	facilities := []model.Facility{
		{
			Name:       "Cedar Ridge SNF",
			Confidence: 0.95,
			Census: &model.Census{
				OccupancyPct:   f64(104.2),
				MedicareMixPct: f64(-3),
				Confidence:     0.9,
			},
			Rates: &model.PayerRates{
				MedicaidPerDiem: f64(-210.00),
				Confidence:      0.95,
			},
			Sources: []string{"Census"},
		},
	}

	reqs := Evaluate("run-1", "deal.xlsx", facilities, nil, DefaultThresholds())

	require.Len(t, reqs, 3)
	paths := make(map[string]model.ClarificationKind, len(reqs))
	for _, r := range reqs {
		paths[r.FieldPath] = r.Kind
	}
	assert.Equal(t, model.KindOutOfRange, paths["census.occupancy_pct"])
	assert.Equal(t, model.KindOutOfRange, paths["census.medicare_mix_pct"])
	assert.Equal(t, model.KindOutOfRange, paths["payer_rates.medicaid_per_diem"])
}

func TestEvaluateMissingFields(t *testing.T) {
	facilities := []model.Facility{
		{
			Name:       "Birchwood Manor",
			Confidence: 0.9,
			Sources:    []string{"Occupancy Summary", "Rate Letters", "Income Statement"},
		},
	}

	reqs := Evaluate("run-1", "deal.xlsx", facilities, nil, DefaultThresholds())

	require.Len(t, reqs, 3)
	for _, r := range reqs {
		assert.Equal(t, model.KindMissing, r.Kind)
		assert.True(t, r.HighPriority())
	}
}

func TestConflictBecomesRequestWithAlternates(t *testing.T) {
	conflicts := []merge.FieldConflict{
		{
			Facility:  "Maple Grove Care Center",
			FieldPath: "census.occupancy_pct",
			Values: []model.Alternate{
				{Value: 88.5, Source: "Census", Confidence: 0.85},
				{Value: 91.2, Source: "Occupancy Summary", Confidence: 0.80},
			},
		},
	}

	reqs := Evaluate("run-1", "deal.xlsx", nil, conflicts, DefaultThresholds())

	require.Len(t, reqs, 1)
	req := reqs[0]
	assert.Equal(t, model.KindConflictingSources, req.Kind)
	assert.Len(t, req.Alternates, 2)
	assert.True(t, req.HighPriority())
}

func TestConflictAutoResolved(t *testing.T) {
	// Stronger side clears auto-accept, weaker side is under suggest: no
	// review needed.
	conflicts := []merge.FieldConflict{
		{
			Facility:  "Maple Grove Care Center",
			FieldPath: "bed_count",
			Values: []model.Alternate{
				{Value: 120, Source: "Census", Confidence: 0.95},
				{Value: 118, Source: "P&L", Confidence: 0.50},
			},
		},
	}

	reqs := Evaluate("run-1", "deal.xlsx", nil, conflicts, DefaultThresholds())
	assert.Empty(t, reqs)
}

func TestResolveLifecycle(t *testing.T) {
	req := newRequest("run-1", "deal.xlsx", "Birchwood Manor", "bed_count", 118,
		model.KindConflictingSources, priorityConflict, "sources disagree")

	require.NoError(t, req.Resolve(120, "confirmed against license"))
	assert.Equal(t, model.ClarificationResolved, req.Status)
	assert.Equal(t, 120, req.ResolvedValue)
	require.NotNil(t, req.ResolvedAt)

	assert.Error(t, req.Resolve(121, "double resolve"))
	assert.Error(t, req.Supersede())
}
