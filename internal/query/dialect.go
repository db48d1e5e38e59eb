package query

import (
	"context"
	"fmt"
	"strings"

	"github.com/calldataai/calldata/internal/result"
)

type Dialect string

const (
	DialectRelational Dialect = "relational"
	DialectTabular    Dialect = "tabular"
)

// Labels a client may send to select a dialect. Matching ignores case.
var dialectLabels = map[string]Dialect{
	"sql database": DialectRelational,
	"sql":          DialectRelational,
	"relational":   DialectRelational,
	"csv database": DialectTabular,
	"csv":          DialectTabular,
	"pandas":       DialectTabular,
	"tabular":      DialectTabular,
}

// ParseDialect resolves a data source label to exactly one dialect.
func ParseDialect(label string) (Dialect, error) {
	normalized := strings.ToLower(strings.Join(strings.Fields(label), " "))
	if normalized == "" {
		return "", &ValidationError{Field: "data_source", Message: "data_source is required"}
	}
	dialect, ok := dialectLabels[normalized]
	if !ok {
		return "", &ValidationError{Field: "data_source", Message: fmt.Sprintf("unknown data_source %q", label)}
	}
	return dialect, nil
}

// Label is the display name clients use for the dialect.
func (d Dialect) Label() string {
	switch d {
	case DialectRelational:
		return "SQL Database"
	case DialectTabular:
		return "CSV Database"
	default:
		return string(d)
	}
}

// Generated is untrusted query text produced for one dialect.
type Generated struct {
	Dialect Dialect
	Text    string
}

// Engine runs generated query text. Failures are returned as
// *ExecutionError or *InterruptedError.
type Engine interface {
	Execute(ctx context.Context, text string) (result.Value, error)
}
