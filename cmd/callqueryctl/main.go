package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/callquery/callquery/internal/cli/callqueryctl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("CALLQUERY_CLI_TIMEOUT")), 2*time.Minute)
	options := callqueryctl.Options{
		BaseURL: envOr("CALLQUERY_API_URL", "http://localhost:8080"),
		APIKey:  strings.TrimSpace(os.Getenv("CALLQUERY_API_KEY")),
		UserID:  strings.TrimSpace(os.Getenv("CALLQUERY_USER_ID")),
		Timeout: timeout,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
	}

	code := callqueryctl.Run(context.Background(), os.Args[1:], options)
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
		_, _ = fmt.Fprintf(os.Stderr, "invalid CALLQUERY_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
