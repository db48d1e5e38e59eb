package tabular

import (
	"context"
	"fmt"
	"strings"

	"github.com/calldataai/calldata/internal/dataset"
	"github.com/calldataai/calldata/internal/query"
	"github.com/calldataai/calldata/internal/result"
)

const DefaultHandle = "df"

// Executor interprets generated tabular queries against a fresh load of the
// dataset. Query text is parsed into a closed set of operations and is
// never handed to a general-purpose interpreter.
type Executor struct {
	Source dataset.Source
	// Handle is the name the table is bound to; DefaultHandle when empty.
	Handle string
}

func NewExecutor(source dataset.Source, handle string) *Executor {
	return &Executor{Source: source, Handle: handle}
}

func (e *Executor) Execute(ctx context.Context, text string) (result.Value, error) {
	value, err := e.execute(ctx, text)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &query.InterruptedError{Stage: query.StageExecute, Err: ctxErr}
		}
		return nil, query.NewExecutionError(query.DialectTabular, text, err)
	}
	return value, nil
}

func (e *Executor) execute(ctx context.Context, text string) (result.Value, error) {
	if e.Source == nil {
		return nil, fmt.Errorf("dataset source is not configured")
	}
	program, err := Parse(ctx, StripFences(text))
	if err != nil {
		return nil, err
	}
	table, err := dataset.ReadTable(ctx, e.Source)
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	frame, err := newFrame(table)
	if err != nil {
		return nil, err
	}

	handle := strings.TrimSpace(e.Handle)
	if handle == "" {
		handle = DefaultHandle
	}
	value, err := Run(ctx, program, map[string]any{handle: frame})
	if err != nil {
		return nil, err
	}
	return toResult(value)
}
