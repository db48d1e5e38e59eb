package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/calldataai/calldata/internal/cli/calldatactl"
	"github.com/calldataai/calldata/internal/config"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
	}
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("CALLDATA_CLI_TIMEOUT")), 90*time.Second)
	options := calldatactl.Options{
		BaseURL:    envOr("CALLDATA_API_URL", "http://localhost:8000"),
		APIKey:     strings.TrimSpace(os.Getenv("CALLDATA_API_KEY")),
		DataSource: envOr("CALLDATA_DATA_SOURCE", "SQL Database"),
		Timeout:    timeout,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := calldatactl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func envOr(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid CALLDATA_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
