// Package result holds engine results and their JSON-safe normalization.
package result

// Value is the result of one executed query. It is one of Rows, Table,
// Column or Scalar.
type Value interface {
	isValue()
}

// Rows is a relational result set.
type Rows struct {
	Columns []string
	Rows    [][]any
}

// Table is a tabular frame. Index holds one label per row.
type Table struct {
	Columns []string
	Index   []any
	Rows    [][]any
}

// Column is a labeled series of values.
type Column struct {
	Name   string
	Labels []any
	Values []any
}

type Scalar struct {
	Value any
}

func (Rows) isValue()   {}
func (Table) isValue()  {}
func (Column) isValue() {}
func (Scalar) isValue() {}

// ColumnNames returns the column names a result carries, if any.
func ColumnNames(v Value) []string {
	switch value := v.(type) {
	case Rows:
		return append([]string(nil), value.Columns...)
	case Table:
		return append([]string(nil), value.Columns...)
	case Column:
		if value.Name == "" {
			return nil
		}
		return []string{value.Name}
	default:
		return nil
	}
}
