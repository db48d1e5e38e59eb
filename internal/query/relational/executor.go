package relational

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/calldataai/calldata/internal/query"
	"github.com/calldataai/calldata/internal/result"
)

// Executor runs generated SQL against the relational copy of the dataset.
// Every call takes its own connection from the pool and runs inside a
// transaction that is always rolled back.
type Executor struct {
	DB     *sql.DB
	driver string
}

// NewExecutor wraps db. driver selects how the engine is told to refuse
// writes; an unknown driver still gets the rolled back transaction.
func NewExecutor(db *sql.DB, driver string) *Executor {
	driverName, _ := DriverName(driver)
	return &Executor{DB: db, driver: driverName}
}

func (e *Executor) Execute(ctx context.Context, text string) (result.Value, error) {
	rows, err := e.execute(ctx, text)
	if err != nil {
		// Drivers report cancellation with their own errors.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &query.InterruptedError{Stage: query.StageExecute, Err: ctxErr}
		}
		return nil, query.NewExecutionError(query.DialectRelational, text, err)
	}
	return rows, nil
}

func (e *Executor) execute(ctx context.Context, text string) (result.Rows, error) {
	if e.DB == nil {
		return result.Rows{}, fmt.Errorf("relational store is not configured")
	}
	sqlText := stripTrailingSemicolons(text)
	if err := checkReadOnly(sqlText); err != nil {
		return result.Rows{}, err
	}
	return e.run(ctx, sqlText)
}

func (e *Executor) run(ctx context.Context, sqlText string) (result.Rows, error) {
	conn, err := e.DB.Conn(ctx)
	if err != nil {
		return result.Rows{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if e.driver == "sqlite" {
		restore, err := queryOnly(ctx, conn)
		if err != nil {
			return result.Rows{}, err
		}
		defer restore()
	}

	tx, err := conn.BeginTx(ctx, &sql.TxOptions{ReadOnly: e.driver == "pgx"})
	if err != nil {
		return result.Rows{}, fmt.Errorf("begin read transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, sqlText)
	if err != nil {
		return result.Rows{}, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return result.Rows{}, err
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return result.Rows{}, err
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return result.Rows{}, err
	}
	return result.Rows{Columns: columns, Rows: resultRows}, nil
}

var errNotReadOnly = errors.New("only a single SELECT or WITH statement is allowed")

// writeKeywords reject data-modifying statements hidden behind a WITH
// clause before they reach the engine.
var writeKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true,
	"DROP": true, "CREATE": true, "ALTER": true, "TRUNCATE": true,
	"ATTACH": true, "DETACH": true, "COPY": true, "PRAGMA": true,
	"VACUUM": true, "INSTALL": true, "LOAD": true, "GRANT": true, "REVOKE": true,
}

// checkReadOnly is a fast reject ahead of the engine's own read-only
// enforcement. It accepts one SELECT or WITH statement without write
// keywords. Semicolons and keywords inside quotes do not count.
func checkReadOnly(sqlText string) error {
	if sqlText == "" {
		return errors.New("query is empty")
	}
	fields := strings.Fields(sqlText)
	switch strings.ToUpper(strings.TrimLeft(fields[0], "(")) {
	case "SELECT", "WITH":
	default:
		return errNotReadOnly
	}
	if hasStatementSeparator(sqlText) {
		return errNotReadOnly
	}
	for _, word := range unquotedWords(sqlText) {
		if writeKeywords[strings.ToUpper(word)] {
			return fmt.Errorf("%w: %s is not permitted", errNotReadOnly, strings.ToUpper(word))
		}
	}
	return nil
}

// queryOnly switches a SQLite connection to query_only for one call and
// returns the function that puts the previous setting back.
func queryOnly(ctx context.Context, conn *sql.Conn) (func(), error) {
	var previous int
	if err := conn.QueryRowContext(ctx, "PRAGMA query_only").Scan(&previous); err != nil {
		return nil, fmt.Errorf("read query_only: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only = 1"); err != nil {
		return nil, fmt.Errorf("set query_only: %w", err)
	}
	return func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), fmt.Sprintf("PRAGMA query_only = %d", previous))
	}, nil
}

func unquotedWords(sqlText string) []string {
	var (
		words []string
		word  strings.Builder
		quote rune
	)
	flush := func() {
		if word.Len() > 0 {
			words = append(words, word.String())
			word.Reset()
		}
	}
	for _, r := range sqlText {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			flush()
			quote = r
		case r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r):
			word.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return words
}

func hasStatementSeparator(sqlText string) bool {
	var quote rune
	for _, r := range sqlText {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ';':
			return true
		}
	}
	return false
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func stripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}
