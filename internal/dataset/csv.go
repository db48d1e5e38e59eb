package dataset

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Table is an in-memory copy of the dataset. Cells hold int64, float64,
// string or nil for an empty cell; a column keeps one kind for all rows.
type Table struct {
	Columns []string
	Rows    [][]any
}

func (t Table) Len() int {
	return len(t.Rows)
}

func (t Table) ColumnIndex(name string) int {
	for i, column := range t.Columns {
		if column == name {
			return i
		}
	}
	return -1
}

// ReadHeader reads only the header row.
func ReadHeader(ctx context.Context, src Source) ([]string, error) {
	body, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	reader := newReader(body)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("dataset %s is empty", src.Name())
		}
		return nil, fmt.Errorf("read dataset header: %w", err)
	}
	return cleanHeader(header), nil
}

func ReadTable(ctx context.Context, src Source) (Table, error) {
	body, err := src.Open(ctx)
	if err != nil {
		return Table{}, err
	}
	defer body.Close()

	reader := newReader(body)
	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Table{}, fmt.Errorf("dataset %s is empty", src.Name())
		}
		return Table{}, fmt.Errorf("read dataset header: %w", err)
	}
	columns := cleanHeader(header)

	raw := make([][]string, 0, 1024)
	for {
		if len(raw)%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return Table{}, err
			}
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("read dataset row %d: %w", len(raw)+1, err)
		}
		raw = append(raw, record)
	}

	kinds := make([]cellKind, len(columns))
	for i := range columns {
		kinds[i] = inferKind(raw, i)
	}
	rows := make([][]any, len(raw))
	for r, record := range raw {
		row := make([]any, len(columns))
		for i := range columns {
			row[i] = parseCell(record[i], kinds[i])
		}
		rows[r] = row
	}
	return Table{Columns: columns, Rows: rows}, nil
}

func newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.ReuseRecord = false
	reader.TrimLeadingSpace = true
	return reader
}

func cleanHeader(header []string) []string {
	columns := make([]string, len(header))
	for i, name := range header {
		if i == 0 {
			name = strings.TrimPrefix(name, "\ufeff")
		}
		columns[i] = strings.TrimSpace(name)
	}
	return columns
}

// missingMarkers are cell texts read as missing values, matching the markers
// common CSV exports of the dataset use.
var missingMarkers = map[string]struct{}{
	"":     {},
	"NA":   {},
	"N/A":  {},
	"n/a":  {},
	"NaN":  {},
	"nan":  {},
	"NULL": {},
	"null": {},
	"None": {},
	"#N/A": {},
	"<NA>": {},
}

func isMissing(cell string) bool {
	_, ok := missingMarkers[cell]
	return ok
}

type cellKind int

const (
	kindInt cellKind = iota
	kindFloat
	kindString
)

func inferKind(raw [][]string, column int) cellKind {
	kind := kindInt
	seen := false
	for _, record := range raw {
		cell := strings.TrimSpace(record[column])
		if isMissing(cell) {
			continue
		}
		seen = true
		if kind == kindInt {
			if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
				continue
			}
			kind = kindFloat
		}
		if _, err := strconv.ParseFloat(cell, 64); err != nil {
			return kindString
		}
	}
	if !seen {
		return kindString
	}
	return kind
}

func parseCell(raw string, kind cellKind) any {
	cell := strings.TrimSpace(raw)
	if isMissing(cell) {
		return nil
	}
	switch kind {
	case kindInt:
		value, _ := strconv.ParseInt(cell, 10, 64)
		return value
	case kindFloat:
		value, _ := strconv.ParseFloat(cell, 64)
		return value
	default:
		return cell
	}
}
