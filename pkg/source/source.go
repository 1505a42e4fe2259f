// Package source reads exported files into raw rows for the normalizer.
// Readers are thin: the first row is the header, every later row becomes a
// Row keyed by header name.
package source

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// Row is one data row of an export. Line is the 1-based line (or sheet row)
// number in the original file.
type Row struct {
	Line   int
	Fields map[string]string
}

// Get returns the trimmed value of a column, matching the header name
// case-insensitively. Missing columns read as "".
func (r Row) Get(column string) string {
	if column == "" {
		return ""
	}
	if v, ok := r.Fields[column]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range r.Fields {
		if strings.EqualFold(strings.TrimSpace(k), column) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// ErrUnsupportedFormat is returned for extensions no reader handles.
var ErrUnsupportedFormat = errors.New("unsupported file type")

// ReadFile reads a .csv, .xlsx or .xls export.
func ReadFile(path string) ([]Row, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		return ReadCSV(f)
	case ".xlsx":
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		return ReadXLSX(f)
	case ".xls":
		return ReadXLS(path)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
}

// ReadCSV reads comma separated rows.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse csv: %w", err)
	}
	return fromRecords(records), nil
}

// ReadXLSX reads the first sheet of a workbook.
func ReadXLSX(r io.Reader) ([]Row, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheet := f.GetSheetName(0)
	records, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("failed to read sheet %q: %w", sheet, err)
	}
	return fromRecords(records), nil
}

// ReadXLS reads the first sheet of a legacy Excel 97 workbook, the format
// the reservation system exports.
func ReadXLS(path string) ([]Row, error) {
	book, err := xls.Open(path, "utf-8")
	if err != nil {
		return nil, fmt.Errorf("failed to open xls: %w", err)
	}
	sheet := book.GetSheet(0)
	if sheet == nil {
		return nil, fmt.Errorf("no sheets found in %s", path)
	}

	var records [][]string
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			records = append(records, nil)
			continue
		}
		var cols []string
		for c := 0; c < row.LastCol(); c++ {
			cols = append(cols, row.Col(c))
		}
		records = append(records, cols)
	}
	return fromRecords(records), nil
}

func fromRecords(records [][]string) []Row {
	if len(records) == 0 {
		return nil
	}
	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		if blank(rec) {
			continue
		}
		fields := make(map[string]string, len(header))
		for j, name := range header {
			if j < len(rec) {
				fields[strings.TrimSpace(name)] = rec[j]
			} else {
				fields[strings.TrimSpace(name)] = ""
			}
		}
		rows = append(rows, Row{Line: i + 2, Fields: fields})
	}
	return rows
}

func blank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
