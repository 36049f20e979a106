package app

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func newTestPretty(buf *bytes.Buffer, level slog.Level, color bool) *slog.Logger {
	h := newPrettyHandler(buf, &slog.HandlerOptions{Level: level}, color)
	return slog.New(h)
}

func TestPrettyHandlerRendersLevelMessageAndAttrs(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newTestPretty(&buf, slog.LevelDebug, false)

	log.Warn("cache.miss", "key", "alice_bob", "attempt", 3)

	out := buf.String()
	if !strings.HasSuffix(out, "\n") {
		t.Fatalf("missing trailing newline: %q", out)
	}
	for _, want := range []string{"[WARN]", "cache.miss", "key=alice_bob", "attempt=3"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}

func TestPrettyHandlerNoColorOmitsANSI(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newTestPretty(&buf, slog.LevelInfo, false).Info("plain")
	if strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("ANSI escapes in colorless output: %q", buf.String())
	}

	buf.Reset()
	newTestPretty(&buf, slog.LevelInfo, true).Error("tinted")
	if !strings.Contains(buf.String(), ansiRed) {
		t.Fatalf("expected red level tag in colored output: %q", buf.String())
	}
}

func TestPrettyHandlerRespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newTestPretty(&buf, slog.LevelWarn, false)

	log.Info("ignored")
	if buf.Len() != 0 {
		t.Fatalf("info record emitted at warn level: %q", buf.String())
	}
	if log.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatalf("Enabled(info) at warn level")
	}
}

func TestPrettyHandlerQuotesValuesWithSpaces(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	newTestPretty(&buf, slog.LevelInfo, false).Info("msg", "preview", "hello there", "empty", "")

	out := buf.String()
	if !strings.Contains(out, `preview="hello there"`) {
		t.Fatalf("space-bearing value not quoted: %q", out)
	}
	if !strings.Contains(out, `empty=""`) {
		t.Fatalf("empty value not quoted: %q", out)
	}
}

func TestPrettyHandlerGroupsFlattenIntoDottedKeys(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := newTestPretty(&buf, slog.LevelInfo, false).WithGroup("ws").With("session", "s1")

	log.Info("open", slog.Group("peer", "user", "bob"))

	out := buf.String()
	for _, want := range []string{"ws.session=s1", "ws.peer.user=bob"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output %q missing %q", out, want)
		}
	}
}
