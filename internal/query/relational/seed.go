package relational

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"

	"github.com/calldataai/calldata/internal/dataset"
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Seed replaces table with the rows of data inside one transaction and
// returns the number of rows inserted. Identifiers are written unquoted so
// generated SQL can reference them without quoting.
func Seed(ctx context.Context, db *sql.DB, driver, table string, data dataset.Table) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("relational store is required")
	}
	driverName, err := DriverName(driver)
	if err != nil {
		return 0, err
	}
	if !identifierPattern.MatchString(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	if len(data.Columns) == 0 {
		return 0, fmt.Errorf("dataset has no columns")
	}
	for _, column := range data.Columns {
		if !identifierPattern.MatchString(column) {
			return 0, fmt.Errorf("invalid column name %q", column)
		}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin seed transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return 0, fmt.Errorf("drop table %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, createTableSQL(table, data)); err != nil {
		return 0, fmt.Errorf("create table %s: %w", table, err)
	}

	stmt, err := tx.PrepareContext(ctx, insertSQL(driverName, table, data.Columns))
	if err != nil {
		return 0, fmt.Errorf("prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var inserted int64
	for r, row := range data.Rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return inserted, fmt.Errorf("insert row %d: %w", r+1, err)
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit seed transaction: %w", err)
	}
	return inserted, nil
}

func createTableSQL(table string, data dataset.Table) string {
	defs := make([]string, len(data.Columns))
	for i, column := range data.Columns {
		defs[i] = column + " " + columnType(data.Rows, i)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
}

func columnType(rows [][]any, column int) string {
	for _, row := range rows {
		switch row[column].(type) {
		case nil:
			continue
		case int64:
			return "BIGINT"
		case float64:
			return "DOUBLE PRECISION"
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

func insertSQL(driverName, table string, columns []string) string {
	placeholders := make([]string, len(columns))
	for i := range columns {
		if driverName == "pgx" {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		} else {
			placeholders[i] = "?"
		}
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
}
