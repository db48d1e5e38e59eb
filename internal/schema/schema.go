// Package schema holds the column catalog of the call-center dataset. A
// Schema is loaded once from the dataset header and never changes after.
package schema

import (
	"context"
	"fmt"
	"strings"

	"github.com/calldataai/calldata/internal/dataset"
)

type Schema struct {
	columns []string
	byUpper map[string]string
}

// Load reads the dataset header. A dataset with no columns, blank or
// duplicate (case-insensitive) names is rejected.
func Load(ctx context.Context, src dataset.Source) (Schema, error) {
	header, err := dataset.ReadHeader(ctx, src)
	if err != nil {
		return Schema{}, fmt.Errorf("load schema: %w", err)
	}
	return New(header)
}

func New(columns []string) (Schema, error) {
	if len(columns) == 0 {
		return Schema{}, fmt.Errorf("schema has no columns")
	}
	s := Schema{
		columns: make([]string, len(columns)),
		byUpper: make(map[string]string, len(columns)),
	}
	for i, column := range columns {
		column = strings.TrimSpace(column)
		if column == "" {
			return Schema{}, fmt.Errorf("column %d has no name", i+1)
		}
		upper := strings.ToUpper(column)
		if _, exists := s.byUpper[upper]; exists {
			return Schema{}, fmt.Errorf("duplicate column %q", column)
		}
		s.columns[i] = column
		s.byUpper[upper] = column
	}
	return s, nil
}

// Columns returns a copy of the column names in catalog order.
func (s Schema) Columns() []string {
	out := make([]string, len(s.columns))
	copy(out, s.columns)
	return out
}

func (s Schema) Len() int {
	return len(s.columns)
}

func (s Schema) Contains(name string) bool {
	_, ok := s.byUpper[strings.ToUpper(strings.TrimSpace(name))]
	return ok
}

// Canonical returns the catalog spelling of name, matched without regard to
// case.
func (s Schema) Canonical(name string) (string, bool) {
	column, ok := s.byUpper[strings.ToUpper(strings.TrimSpace(name))]
	return column, ok
}
