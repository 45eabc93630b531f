package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeDirect(t *testing.T) {
	out := Decode(`{"facilities":[{"name":"Maple Grove Care Center","state":"OH","confidence":0.9}]}`)
	assert.Equal(t, StageDirect, out.Stage)
	require.Len(t, out.Facilities, 1)
	assert.Equal(t, "Maple Grove Care Center", out.Facilities[0].Name)
	assert.Empty(t, out.Warnings)
}

func TestDecodeFencedMarkdown(t *testing.T) {
	out := Decode("```json\n{\"facilities\":[{\"name\":\"A\"}]}\n```")
	assert.Equal(t, StageDirect, out.Stage)
	require.Len(t, out.Facilities, 1)
}

func TestDecodeProseWrapped(t *testing.T) {
	out := Decode(`Here is the extraction you asked for:
{"facilities":[{"name":"A"}]}
Let me know if you need anything else.`)
	assert.Equal(t, StageDirect, out.Stage)
	require.Len(t, out.Facilities, 1)
}

func TestDecodeSingleQuotes(t *testing.T) {
	out := Decode(`{'facilities':[{'name':'Cedar Ridge SNF'}]}`)
	assert.Equal(t, StageRepaired, out.Stage)
	require.Len(t, out.Facilities, 1)
	assert.Equal(t, "Cedar Ridge SNF", out.Facilities[0].Name)
	require.Len(t, out.Warnings, 1)
}

func TestDecodeTrailingCommas(t *testing.T) {
	out := Decode(`{"facilities":[{"name":"A","line_items":[],},]}`)
	assert.Equal(t, StageRepaired, out.Stage)
	require.Len(t, out.Facilities, 1)
}

func TestDecodeMissingCommaBetweenObjects(t *testing.T) {
	out := Decode(`{"facilities":[{"name":"A"} {"name":"B"}]}`)
	assert.Equal(t, StageRepaired, out.Stage)
	require.Len(t, out.Facilities, 2)
}

func TestDecodeTruncatedResponse(t *testing.T) {
	out := Decode(`{"facilities":[{"name":"A"`)
	assert.Equal(t, StageBalanced, out.Stage)
	require.Len(t, out.Facilities, 1)
	assert.Equal(t, "A", out.Facilities[0].Name)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "truncated")
}

func TestDecodeTruncatedMidString(t *testing.T) {
	out := Decode(`{"facilities":[{"name":"Maple Gro`)
	assert.Equal(t, StageBalanced, out.Stage)
	require.Len(t, out.Facilities, 1)
	assert.Equal(t, "Maple Gro", out.Facilities[0].Name)
}

func TestDecodeTruncatedAfterComma(t *testing.T) {
	out := Decode(`{"facilities":[{"name":"A","confidence":0.8},`)
	assert.Equal(t, StageBalanced, out.Stage)
	require.Len(t, out.Facilities, 1)
	assert.InDelta(t, 0.8, out.Facilities[0].Confidence, 1e-9)
}

func TestDecodeNeverFailsHard(t *testing.T) {
	for _, input := range []string{
		"",
		"no json here at all",
		"{{{{",
		`{"facilities": what}`,
		"\x00\x01\x02",
	} {
		out := Decode(input)
		assert.Equal(t, StageFailed, out.Stage, "input %q", input)
		assert.Empty(t, out.Facilities)
		assert.NotEmpty(t, out.Warnings)
	}
}

func TestDecodeSkipsUnnamedFacilities(t *testing.T) {
	out := Decode(`{"facilities":[{"name":""},{"name":"  "},{"name":"Real"}]}`)
	assert.Equal(t, StageDirect, out.Stage)
	require.Len(t, out.Facilities, 1)
	assert.Equal(t, "Real", out.Facilities[0].Name)
}

func TestDecodeFullSchema(t *testing.T) {
	out := Decode(`{
  "facilities": [
    {
      "name": "Maple Grove Care Center",
      "code": "MGC",
      "state": "OH",
      "city": "Columbus",
      "bed_count": 120,
      "periods": [{"label": "2024", "kind": "year"}],
      "line_items": [
        {
          "category": "revenue",
          "label": "Medicare Revenue",
          "values": [{"period": "2024", "value": 4200000}],
          "confidence": 0.92
        }
      ],
      "census": {"occupancy_pct": 88.5, "confidence": 0.9},
      "payer_rates": {"medicare_per_diem": 512.40, "confidence": 0.4},
      "confidence": 0.9
    }
  ]
}`)
	assert.Equal(t, StageDirect, out.Stage)
	require.Len(t, out.Facilities, 1)

	f := out.Facilities[0]
	assert.Equal(t, 120, f.BedCount)
	require.Len(t, f.LineItems, 1)
	require.NotNil(t, f.Census)
	assert.InDelta(t, 88.5, *f.Census.OccupancyPct, 1e-9)
	require.NotNil(t, f.Rates)
	assert.InDelta(t, 512.40, *f.Rates.MedicarePerDiem, 1e-9)
	assert.InDelta(t, 0.4, f.Rates.Confidence, 1e-9)
}
