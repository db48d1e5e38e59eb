package relational

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
	_ "modernc.org/sqlite"

	"github.com/calldataai/calldata/internal/config"
)

const (
	DriverDuckDB   = "duckdb"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DriverName maps a configured driver to its database/sql registration.
func DriverName(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverDuckDB:
		return "duckdb", nil
	case DriverSQLite, "sqlite3":
		return "sqlite", nil
	case DriverPostgres, "postgresql", "pgx":
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported relational driver %q", driver)
	}
}

// Open opens the shared connection pool of the relational store and checks
// it answers.
func Open(ctx context.Context, cfg config.RelationalConfig) (*sql.DB, error) {
	driverName, err := DriverName(cfg.Driver)
	if err != nil {
		return nil, err
	}
	if driverName != "duckdb" && cfg.DSN == "" {
		return nil, fmt.Errorf("relational dsn is required for driver %q", cfg.Driver)
	}

	dsn := cfg.DSN
	if cfg.ReadOnly {
		dsn = readOnlyDSN(driverName, dsn)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open relational store: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping relational store: %w", err)
	}

	return db, nil
}

// readOnlyDSN asks the engine to refuse writes for the lifetime of every
// connection. An in-memory DuckDB database cannot be opened read-only and is
// returned unchanged.
func readOnlyDSN(driverName, dsn string) string {
	switch driverName {
	case "duckdb":
		if dsn == "" || dsn == ":memory:" {
			return dsn
		}
		return withParam(dsn, "access_mode=READ_ONLY")
	case "sqlite":
		return withParam(dsn, "_pragma=query_only(1)")
	case "pgx":
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			return withParam(dsn, "default_transaction_read_only=on")
		}
		return strings.TrimSpace(dsn) + " default_transaction_read_only=on"
	default:
		return dsn
	}
}

func withParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}
