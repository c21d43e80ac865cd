package knowledge

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/yunhe-labs/tourguide/internal/domain"
	"github.com/yunhe-labs/tourguide/internal/shared"
)

// Accepted header names per column. The Chinese names are those of the
// original spreadsheet.
var (
	categoryHeaders = []string{"category", "类别"}
	questionHeaders = []string{"question", "问题"}
	contextHeaders  = []string{"context", "核心知识点"}
)

// Load reads the knowledge table from an .xlsx, .csv or .tsv file. The first
// row holds the headers. Errors match shared.ErrLoad.
func Load(path string) (*Store, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		rows, err = readXLSX(path)
	case ".csv", ".tsv":
		rows, err = readCSV(path)
	default:
		return nil, fmt.Errorf("%w: unsupported knowledge format %q", shared.ErrLoad, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %w", shared.ErrLoad, path, err)
	}

	entries, err := parseRows(rows)
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %w", shared.ErrLoad, path, err)
	}
	return New(entries), nil
}

func readXLSX(path string) ([][]string, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, errors.New("workbook has no sheets")
	}
	return f.GetRows(sheets[0])
}

func readCSV(path string) ([][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	if strings.ToLower(filepath.Ext(path)) == ".tsv" {
		reader.Comma = '\t'
	}
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	return reader.ReadAll()
}

func parseRows(rows [][]string) ([]domain.KnowledgeEntry, error) {
	if len(rows) == 0 {
		return nil, errors.New("missing header row")
	}
	header := rows[0]
	catIdx := columnIndex(header, categoryHeaders)
	qIdx := columnIndex(header, questionHeaders)
	ctxIdx := columnIndex(header, contextHeaders)
	if catIdx < 0 || qIdx < 0 || ctxIdx < 0 {
		return nil, fmt.Errorf("header %v must contain category, question and context columns", header)
	}

	entries := make([]domain.KnowledgeEntry, 0, len(rows)-1)
	for _, row := range rows[1:] {
		entries = append(entries, domain.KnowledgeEntry{
			Category: cell(row, catIdx),
			Question: cell(row, qIdx),
			Context:  cell(row, ctxIdx),
		})
	}
	return entries, nil
}

func columnIndex(header []string, names []string) int {
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		for _, n := range names {
			if h == n {
				return i
			}
		}
	}
	return -1
}

// cell returns row[i] or "" for short rows; spreadsheets drop trailing blanks.
func cell(row []string, i int) string {
	if i < len(row) {
		return row[i]
	}
	return ""
}
