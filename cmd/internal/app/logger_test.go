package app

import (
	"context"
	"log/slog"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"  error  ", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Fatalf("parseLevel(%q)=%v want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	log := NewLogger("warn", "json")
	ctx := context.Background()
	if log.Enabled(ctx, slog.LevelInfo) {
		t.Fatalf("info enabled at warn level")
	}
	if !log.Enabled(ctx, slog.LevelWarn) {
		t.Fatalf("warn disabled at warn level")
	}
}
