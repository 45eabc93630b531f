package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }
func ip(v int) *int         { return &v }

func TestLineItemHasPeriod(t *testing.T) {
	li := LineItem{
		Category: CategoryRevenue,
		Label:    "Medicare Revenue",
		Values: []PeriodValue{
			{Period: "2024", Value: 4_200_000},
			{Period: "2025 YTD", Value: 2_100_000},
		},
	}

	assert.True(t, li.HasPeriod("2024"))
	assert.True(t, li.HasPeriod("2025 YTD"))
	assert.False(t, li.HasPeriod("2023"))
	assert.False(t, LineItem{}.HasPeriod("2024"))
}

func TestFindLineItemMatchesCategoryAndLabel(t *testing.T) {
	f := Facility{LineItems: []LineItem{
		{Category: CategoryRevenue, Label: "Medicare Revenue"},
		{Category: CategoryExpense, Label: "Medicare Revenue"},
		{Category: CategoryMetric, Label: "Patient Days"},
	}}

	found := f.FindLineItem(CategoryExpense, "Medicare Revenue")
	require.NotNil(t, found)
	assert.Equal(t, CategoryExpense, found.Category)

	assert.Nil(t, f.FindLineItem(CategoryRevenue, "Medicaid Revenue"))
	assert.Nil(t, f.FindLineItem(CategoryMetric, "Medicare Revenue"))
}

func TestFindLineItemReturnsMutablePointer(t *testing.T) {
	f := Facility{LineItems: []LineItem{
		{Category: CategoryRevenue, Label: "Medicare Revenue"},
	}}

	f.FindLineItem(CategoryRevenue, "Medicare Revenue").Confidence = 0.9
	assert.InDelta(t, 0.9, f.LineItems[0].Confidence, 1e-9)
}

func TestCensusFieldCount(t *testing.T) {
	var nilCensus *Census
	assert.Equal(t, 0, nilCensus.FieldCount())
	assert.Equal(t, 0, (&Census{}).FieldCount())

	c := &Census{
		LicensedBeds:   ip(120),
		OccupancyPct:   fp(88.5),
		MedicareMixPct: fp(22),
	}
	assert.Equal(t, 3, c.FieldCount())
}

func TestPayerRatesFieldCount(t *testing.T) {
	var nilRates *PayerRates
	assert.Equal(t, 0, nilRates.FieldCount())
	assert.Equal(t, 0, (&PayerRates{}).FieldCount())

	r := &PayerRates{
		MedicarePerDiem: fp(512.40),
		MedicaidPerDiem: fp(215.80),
		EffectiveDate:   "2025-01-01",
	}
	assert.Equal(t, 3, r.FieldCount())
}
