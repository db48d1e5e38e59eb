package relational

import (
	"context"
	"testing"

	"github.com/calldataai/calldata/internal/config"
)

func TestDriverName(t *testing.T) {
	cases := map[string]string{
		"duckdb":     "duckdb",
		"SQLite":     "sqlite",
		"postgres":   "pgx",
		"postgresql": "pgx",
	}
	for driver, want := range cases {
		got, err := DriverName(driver)
		if err != nil {
			t.Fatalf("DriverName(%q) error = %v", driver, err)
		}
		if got != want {
			t.Fatalf("DriverName(%q) = %q, want %q", driver, got, want)
		}
	}
	if _, err := DriverName("oracle"); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestOpenRequiresDSNForServerDrivers(t *testing.T) {
	if _, err := Open(context.Background(), config.RelationalConfig{Driver: "postgres"}); err == nil {
		t.Fatal("expected dsn error")
	}
}
