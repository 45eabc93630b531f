// Package ingest converts source files into the marker-delimited plain text
// the pipeline consumes. Workbooks become one text section per sheet,
// delimited by "=== SHEET: name ===" lines; plain text passes through.
package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/stonebridge-group/diligence-cli/internal/model"
)

// ReadFile converts the file at path into a Document ready for persistence.
// Extension decides the parser: .xlsx goes through the workbook reader,
// everything else is treated as plain text.
func ReadFile(path string) (*model.Document, error) {
	var text string
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx":
		text, err = readWorkbook(path)
	default:
		text, err = readText(path)
	}
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(text) == "" {
		return nil, eris.Errorf("ingest: %s contains no extractable text", path)
	}

	return &model.Document{
		ID:        uuid.NewString(),
		Name:      filepath.Base(path),
		RawText:   text,
		CreatedAt: time.Now(),
	}, nil
}

func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: read %s", path)
	}
	return string(data), nil
}

// readWorkbook renders every sheet as tab-separated rows under its sheet
// marker. Empty sheets are skipped.
func readWorkbook(path string) (string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return "", eris.Wrapf(err, "ingest: open workbook %s", path)
	}

	var sb strings.Builder
	for _, sheet := range f.Sheets {
		body := renderSheet(sheet)
		if body == "" {
			zap.L().Debug("skipping empty sheet",
				zap.String("file", filepath.Base(path)),
				zap.String("sheet", sheet.Name))
			continue
		}
		sb.WriteString("=== SHEET: ")
		sb.WriteString(sheet.Name)
		sb.WriteString(" ===\n")
		sb.WriteString(body)
		sb.WriteString("\n")
	}

	return sb.String(), nil
}

func renderSheet(sheet *xlsx.Sheet) string {
	var lines []string
	for _, row := range sheet.Rows {
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		line := strings.TrimRight(strings.Join(cells, "\t"), "\t")
		lines = append(lines, line)
	}
	// Drop trailing blank rows but keep interior ones, they separate tables.
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	if len(lines) == 0 {
		return ""
	}
	joined := strings.Join(lines, "\n")
	if strings.TrimSpace(joined) == "" {
		return ""
	}
	return joined
}
