package extract

import (
	"encoding/json"
	"strings"

	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// DecodeStage tags how far the repair pipeline had to go to parse a response.
type DecodeStage string

const (
	StageDirect   DecodeStage = "direct"
	StageRepaired DecodeStage = "repaired"
	StageBalanced DecodeStage = "balanced"
	StageFailed   DecodeStage = "failed"
)

// Outcome is the decoder's result. Callers branch on Stage instead of
// handling errors: the decoder never fails, it degrades.
type Outcome struct {
	Stage      DecodeStage
	Facilities []model.Facility
	Warnings   []string
}

// facilityPayload mirrors the response schema in prompt.go.
type facilityPayload struct {
	Name       string             `json:"name"`
	Code       string             `json:"code"`
	State      string             `json:"state"`
	City       string             `json:"city"`
	BedCount   int                `json:"bed_count"`
	Periods    []model.Period     `json:"periods"`
	LineItems  []model.LineItem   `json:"line_items"`
	Census     *model.Census      `json:"census"`
	Rates      *model.PayerRates  `json:"payer_rates"`
	Confidence float64            `json:"confidence"`
}

type responsePayload struct {
	Facilities []facilityPayload `json:"facilities"`
}

// Decode parses a model response that should be a JSON object but frequently
// is not well-formed. Stages run in order, stopping at the first success:
// direct parse of the extracted JSON-like substring; parse after mechanical
// repairs; parse after additionally balancing strings and brackets.
func Decode(text string) Outcome {
	candidate := extractJSONCandidate(text)

	if out, ok := tryParse(candidate); ok {
		return Outcome{Stage: StageDirect, Facilities: out}
	}

	repaired := mechanicalRepairs(candidate)
	if out, ok := tryParse(repaired); ok {
		return Outcome{
			Stage:      StageRepaired,
			Facilities: out,
			Warnings:   []string{"response required mechanical JSON repair"},
		}
	}

	balanced := balanceJSON(repaired)
	if out, ok := tryParse(balanced); ok {
		return Outcome{
			Stage:      StageBalanced,
			Facilities: out,
			Warnings:   []string{"response was truncated; repaired by bracket balancing"},
		}
	}

	return Outcome{Stage: StageFailed, Warnings: []string{"parse failed: response is not recoverable JSON"}}
}

func tryParse(text string) ([]model.Facility, bool) {
	if text == "" {
		return nil, false
	}
	var payload responsePayload
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, false
	}
	facilities := make([]model.Facility, 0, len(payload.Facilities))
	for _, fp := range payload.Facilities {
		if strings.TrimSpace(fp.Name) == "" {
			continue
		}
		facilities = append(facilities, model.Facility{
			Name:       fp.Name,
			Code:       fp.Code,
			State:      fp.State,
			City:       fp.City,
			BedCount:   fp.BedCount,
			Periods:    fp.Periods,
			LineItems:  fp.LineItems,
			Census:     fp.Census,
			Rates:      fp.Rates,
			Confidence: fp.Confidence,
		})
	}
	return facilities, true
}

// extractJSONCandidate strips markdown fences and prose wrapping, keeping the
// substring from the first '{' through the last '}' (or the truncated tail
// when no closing brace exists).
func extractJSONCandidate(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(text, "}")
	if end > start {
		text = text[start : end+1]
	} else {
		text = text[start:]
	}

	return strings.TrimSpace(text)
}

// mechanicalRepairs applies string-aware rewrites for the defects models
// produce most often: stray control characters, single-quoted strings,
// trailing commas, and missing commas between adjacent literals.
func mechanicalRepairs(text string) string {
	text = stripControlChars(text)
	text = normalizeQuotes(text)
	text = removeTrailingCommas(text)
	text = insertMissingCommas(text)
	return text
}

// stripControlChars removes control characters that are illegal inside JSON,
// keeping structural whitespace.
func stripControlChars(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c < 0x20 && c != '\n' && c != '\t' && c != '\r' {
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// normalizeQuotes rewrites single-quoted strings to double-quoted, leaving
// apostrophes inside double-quoted strings alone.
func normalizeQuotes(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))

	inDouble := false
	inSingle := false
	escape := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escape {
			sb.WriteByte(c)
			escape = false
			continue
		}

		if c == '\\' && (inDouble || inSingle) {
			sb.WriteByte(c)
			escape = true
			continue
		}

		switch {
		case c == '"' && !inSingle:
			inDouble = !inDouble
			sb.WriteByte(c)
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			sb.WriteByte('"')
		case c == '"' && inSingle:
			// Literal double quote inside a single-quoted string.
			sb.WriteString(`\"`)
		default:
			sb.WriteByte(c)
		}
	}

	return sb.String()
}

// removeTrailingCommas drops commas that directly precede a closing brace or
// bracket.
func removeTrailingCommas(text string) string {
	var sb strings.Builder
	sb.Grow(len(text))

	inString := false
	escape := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escape {
			sb.WriteByte(c)
			escape = false
			continue
		}
		if c == '\\' && inString {
			sb.WriteByte(c)
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			sb.WriteByte(c)
			continue
		}

		if c == ',' && !inString {
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\n' || text[j] == '\r') {
				j++
			}
			if j < len(text) && (text[j] == '}' || text[j] == ']') {
				continue // drop the comma
			}
		}

		sb.WriteByte(c)
	}

	return sb.String()
}

// insertMissingCommas adds a comma between adjacent object/array literals
// separated only by whitespace, e.g. "}{"  or "] [".
func insertMissingCommas(text string) string {
	var sb strings.Builder
	sb.Grow(len(text) + 8)

	inString := false
	escape := false

	for i := 0; i < len(text); i++ {
		c := text[i]
		sb.WriteByte(c)

		if escape {
			escape = false
			continue
		}
		if c == '\\' && inString {
			escape = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}

		if c == '}' || c == ']' {
			j := i + 1
			for j < len(text) && (text[j] == ' ' || text[j] == '\t' || text[j] == '\n' || text[j] == '\r') {
				j++
			}
			if j < len(text) && (text[j] == '{' || text[j] == '[') {
				sb.WriteByte(',')
			}
		}
	}

	return sb.String()
}

// balanceJSON closes an unterminated string and any unclosed brackets or
// braces by scanning with string-escape tracking and appending the minimal
// closing sequence.
func balanceJSON(text string) string {
	if len(text) == 0 {
		return text
	}

	var stack []byte
	inString := false
	escape := false

	for i := 0; i < len(text); i++ {
		c := text[i]

		if escape {
			escape = false
			continue
		}

		if c == '\\' && inString {
			escape = true
			continue
		}

		if c == '"' {
			inString = !inString
			continue
		}

		if inString {
			continue
		}

		switch c {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	// A dangling escape means the text ended mid-escape inside a string.
	if escape {
		text = text[:len(text)-1]
	}

	if inString {
		text += `"`
	}

	// Close unclosed delimiters in reverse order, trimming trailing commas
	// (common in truncated arrays) before each close.
	for i := len(stack) - 1; i >= 0; i-- {
		text = strings.TrimRight(text, " \t\n\r,")
		text += string(stack[i])
	}

	return text
}
