package relational

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/calldataai/calldata/internal/storage"
)

// RestoreSnapshot replaces table with the rows of a parquet snapshot held in
// the object store. Only DuckDB can read parquet directly, so other drivers
// are rejected.
func RestoreSnapshot(ctx context.Context, db *sql.DB, driver string, store storage.ObjectStore, key, table string) (int64, error) {
	if db == nil {
		return 0, fmt.Errorf("relational store is required")
	}
	if store == nil {
		return 0, fmt.Errorf("object store is required")
	}
	driverName, err := DriverName(driver)
	if err != nil {
		return 0, err
	}
	if driverName != "duckdb" {
		return 0, fmt.Errorf("snapshot restore needs the duckdb driver, got %q", driver)
	}
	if !identifierPattern.MatchString(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	if strings.TrimSpace(key) == "" {
		return 0, fmt.Errorf("snapshot key is required")
	}

	workDir, err := os.MkdirTemp("", "calldata-snapshot-")
	if err != nil {
		return 0, fmt.Errorf("create snapshot temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	localPath := filepath.Join(workDir, "snapshot.parquet")
	if err := download(ctx, store, key, localPath); err != nil {
		return 0, err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	restoreSQL := fmt.Sprintf("CREATE OR REPLACE TABLE %s AS SELECT * FROM read_parquet(%s)", table, quoteString(localPath))
	if _, err := conn.ExecContext(ctx, restoreSQL); err != nil {
		return 0, fmt.Errorf("restore table %s: %w", table, err)
	}
	var rows int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&rows); err != nil {
		return 0, fmt.Errorf("count restored rows: %w", err)
	}
	return rows, nil
}

func download(ctx context.Context, store storage.ObjectStore, key, localPath string) error {
	reader, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("get snapshot %q: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	file, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("create local snapshot: %w", err)
	}
	defer func() { _ = file.Close() }()
	if _, err := io.Copy(file, reader); err != nil {
		return fmt.Errorf("write local snapshot: %w", err)
	}
	return nil
}

func quoteString(value string) string {
	return `'` + strings.ReplaceAll(value, `'`, `''`) + `'`
}
