package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/datapulse/datapulse/internal/cli/datapulsectl"
)

func main() {
	timeout := parseDurationWithDefault(strings.TrimSpace(os.Getenv("DATAPULSE_CLI_TIMEOUT")), 10*time.Second)
	options := datapulsectl.Options{
		BaseURL:  envOr("DATAPULSE_API_URL", "http://localhost:8080"),
		APIKey:   strings.TrimSpace(os.Getenv("DATAPULSE_API_KEY")),
		CallerID: strings.TrimSpace(os.Getenv("DATAPULSE_CALLER_ID")),
		Timeout:  timeout,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}

	code := datapulsectl.Run(context.Background(), os.Args[1:], options)
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
		_, _ = fmt.Fprintf(os.Stderr, "invalid DATAPULSE_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
