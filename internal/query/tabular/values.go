package tabular

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/calldataai/calldata/internal/dataset"
	"github.com/calldataai/calldata/internal/result"
)

// frame is an in-memory table. index holds one label per row.
type frame struct {
	columns []string
	index   []any
	rows    [][]any
}

// series is one labeled column of values.
type series struct {
	name      string
	indexName string
	labels    []any
	values    []any
}

// grouped is a frame split by key columns, optionally narrowed to one
// column.
type grouped struct {
	source *frame
	keys   []string
	column string
}

// newFrame copies table into a frame with canonical upper-case column names.
func newFrame(table dataset.Table) (*frame, error) {
	f := &frame{
		columns: make([]string, len(table.Columns)),
		index:   make([]any, len(table.Rows)),
		rows:    make([][]any, len(table.Rows)),
	}
	seen := make(map[string]bool, len(table.Columns))
	for i, column := range table.Columns {
		upper := strings.ToUpper(column)
		if seen[upper] {
			return nil, fmt.Errorf("duplicate column %q after case folding", upper)
		}
		seen[upper] = true
		f.columns[i] = upper
	}
	for r, row := range table.Rows {
		f.index[r] = int64(r)
		f.rows[r] = append([]any(nil), row...)
	}
	return f, nil
}

func (f *frame) columnIndex(name string) (int, error) {
	for i, column := range f.columns {
		if column == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("column %q not found; available columns: %s", name, strings.Join(f.columns, ", "))
}

func (f *frame) column(name string) (*series, error) {
	i, err := f.columnIndex(name)
	if err != nil {
		return nil, err
	}
	values := make([]any, len(f.rows))
	for r, row := range f.rows {
		values[r] = row[i]
	}
	return &series{name: name, labels: append([]any(nil), f.index...), values: values}, nil
}

// take returns the rows at the given positions, in that order.
func (f *frame) take(positions []int) *frame {
	out := &frame{columns: f.columns, index: make([]any, len(positions)), rows: make([][]any, len(positions))}
	for i, p := range positions {
		out.index[i] = f.index[p]
		out.rows[i] = f.rows[p]
	}
	return out
}

func (s *series) take(positions []int) *series {
	out := &series{name: s.name, indexName: s.indexName, labels: make([]any, len(positions)), values: make([]any, len(positions))}
	for i, p := range positions {
		out.labels[i] = s.labels[p]
		out.values[i] = s.values[p]
	}
	return out
}

func (s *series) withValues(values []any) *series {
	return &series{name: s.name, indexName: s.indexName, labels: s.labels, values: values}
}

func typeName(v any) string {
	switch v.(type) {
	case *frame:
		return "DataFrame"
	case *series:
		return "Series"
	case *grouped:
		return "DataFrameGroupBy"
	case []any:
		return "list"
	case string:
		return "str"
	case int64:
		return "int"
	case float64:
		return "float"
	case bool:
		return "bool"
	case nil:
		return "NoneType"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case nil, string, int64, float64, bool:
		return true
	default:
		return false
	}
}

func isMissing(v any) bool {
	if v == nil {
		return true
	}
	f, ok := v.(float64)
	return ok && math.IsNaN(f)
}

// number converts numeric and boolean values to float64.
func number(v any) (float64, bool) {
	switch typed := v.(type) {
	case int64:
		return float64(typed), true
	case float64:
		return typed, true
	case bool:
		if typed {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// valueKey maps equal values to one comparable key; 1 and 1.0 share a key.
func valueKey(v any) any {
	switch typed := v.(type) {
	case int64:
		return float64(typed)
	case bool:
		if typed {
			return float64(1)
		}
		return float64(0)
	case float64:
		if math.IsNaN(typed) {
			return nil
		}
		return typed
	default:
		return typed
	}
}

func equalValues(a, b any) bool {
	if isMissing(a) || isMissing(b) {
		return false
	}
	return valueKey(a) == valueKey(b)
}

// compareOrder orders two present values. Numbers and strings compare
// within their kind only.
func compareOrder(a, b any) (int, error) {
	if x, ok := number(a); ok {
		if y, ok := number(b); ok {
			switch {
			case x < y:
				return -1, nil
			case x > y:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}
	if x, ok := a.(string); ok {
		if y, ok := b.(string); ok {
			return strings.Compare(x, y), nil
		}
	}
	return 0, fmt.Errorf("cannot compare %s with %s", typeName(a), typeName(b))
}

func truthy(v any) bool {
	switch typed := v.(type) {
	case nil:
		return false
	case bool:
		return typed
	case int64:
		return typed != 0
	case float64:
		return typed != 0 && !math.IsNaN(typed)
	case string:
		return typed != ""
	case []any:
		return len(typed) > 0
	default:
		return true
	}
}

// formatValue renders a scalar the way str() does.
func formatValue(v any) string {
	switch typed := v.(type) {
	case nil:
		return "None"
	case string:
		return typed
	case bool:
		if typed {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(typed, 10)
	case float64:
		switch {
		case math.IsNaN(typed):
			return "nan"
		case math.IsInf(typed, 1):
			return "inf"
		case math.IsInf(typed, -1):
			return "-inf"
		case typed == math.Trunc(typed) && math.Abs(typed) < 1e16:
			return strconv.FormatFloat(typed, 'f', 1, 64)
		default:
			return strconv.FormatFloat(typed, 'g', -1, 64)
		}
	default:
		return fmt.Sprint(typed)
	}
}

// tupleLabel renders a multi-key group label like a tuple.
func tupleLabel(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		if s, ok := v.(string); ok {
			parts[i] = "'" + s + "'"
			continue
		}
		parts[i] = formatValue(v)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// toResult converts the final value of a program.
func toResult(v any) (result.Value, error) {
	switch typed := v.(type) {
	case *frame:
		rows := make([][]any, len(typed.rows))
		for i, row := range typed.rows {
			rows[i] = append([]any(nil), row...)
		}
		return result.Table{
			Columns: append([]string(nil), typed.columns...),
			Index:   append([]any(nil), typed.index...),
			Rows:    rows,
		}, nil
	case *series:
		return result.Column{
			Name:   typed.name,
			Labels: append([]any(nil), typed.labels...),
			Values: append([]any(nil), typed.values...),
		}, nil
	case *grouped:
		return nil, fmt.Errorf("the result is a grouped table; apply an aggregation such as .size() or ['COLUMN'].count()")
	case []any:
		return result.Scalar{Value: append([]any(nil), typed...)}, nil
	default:
		if !isScalar(v) {
			return nil, fmt.Errorf("unsupported result type %s", typeName(v))
		}
		return result.Scalar{Value: typed}, nil
	}
}
