// Package segment splits a document's raw text into named sheets and
// line-aligned chunks bounded by a maximum byte size.
package segment

import (
	"regexp"
	"strings"

	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// DefaultMaxChunkBytes bounds one extraction request's content.
const DefaultMaxChunkBytes = 24 * 1024

// DefaultSheetName is used when a document carries no sheet markers.
const DefaultSheetName = "Sheet1"

// sheetMarker matches the sheet-boundary lines the ingest layer emits,
// e.g. "=== SHEET: P&L 2024 ===".
var sheetMarker = regexp.MustCompile(`(?m)^===\s*SHEET:\s*(.+?)\s*===\s*$`)

// SplitSheets splits a document's raw text into named sheet segments. Text
// before the first marker (or the entire text when no markers exist) becomes
// a single sheet named Sheet1.
func SplitSheets(docID, text string) []model.Sheet {
	matches := sheetMarker.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []model.Sheet{{DocumentID: docID, Name: DefaultSheetName, Content: text}}
	}

	var sheets []model.Sheet

	if lead := strings.TrimSpace(text[:matches[0][0]]); lead != "" {
		sheets = append(sheets, model.Sheet{DocumentID: docID, Name: DefaultSheetName, Content: lead})
	}

	for i, m := range matches {
		name := text[m[2]:m[3]]
		start := m[1]
		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		content := strings.Trim(text[start:end], "\n")
		if content == "" {
			continue
		}
		sheets = append(sheets, model.Sheet{DocumentID: docID, Name: name, Content: content})
	}

	if len(sheets) == 0 {
		sheets = append(sheets, model.Sheet{DocumentID: docID, Name: DefaultSheetName, Content: text})
	}

	return sheets
}

// ChunkSheet splits a sheet's content into chunks no larger than maxBytes,
// breaking only on line boundaries so no chunk ever splits a row of tabular
// data. A sheet at or under the threshold yields exactly one chunk (0 of 1).
// Concatenating all chunks in index order reproduces the content exactly. A
// single line longer than maxBytes becomes its own oversized chunk.
func ChunkSheet(sheet model.Sheet, maxBytes int) []model.Chunk {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxChunkBytes
	}

	if len(sheet.Content) <= maxBytes {
		return []model.Chunk{{
			SheetName: sheet.Name,
			Content:   sheet.Content,
			Index:     0,
			Total:     1,
		}}
	}

	// Split preserving terminators so reassembly is byte-exact.
	lines := splitAfterNewlines(sheet.Content)

	var parts []string
	var current strings.Builder
	for _, line := range lines {
		if current.Len() > 0 && current.Len()+len(line) > maxBytes {
			parts = append(parts, current.String())
			current.Reset()
		}
		current.WriteString(line)
	}
	if current.Len() > 0 {
		parts = append(parts, current.String())
	}

	chunks := make([]model.Chunk, len(parts))
	for i, p := range parts {
		chunks[i] = model.Chunk{
			SheetName: sheet.Name,
			Content:   p,
			Index:     i,
			Total:     len(parts),
		}
	}
	return chunks
}

// splitAfterNewlines splits s into segments each ending with '\n' (except
// possibly the last).
func splitAfterNewlines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
