package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWithRequestLoggingCapturesStatusAndBytes(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = io.WriteString(w, "short and stout")
	})

	srv := httptest.NewServer(WithRequestLogging(inner, log))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/brew")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("status=%d want %d", resp.StatusCode, http.StatusTeapot)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log output not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "http.request" {
		t.Fatalf("msg=%v", rec["msg"])
	}
	if rec["path"] != "/brew" || rec["method"] != http.MethodGet {
		t.Fatalf("path=%v method=%v", rec["path"], rec["method"])
	}
	if got := rec["status"].(float64); got != float64(http.StatusTeapot) {
		t.Fatalf("status logged=%v", rec["status"])
	}
	if got := rec["bytes"].(float64); got != float64(len("short and stout")) {
		t.Fatalf("bytes logged=%v", rec["bytes"])
	}
}

func TestLoggingResponseWriterDefaultsTo200(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	WithRequestLogging(inner, log).ServeHTTP(rr, req)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log output not JSON: %v", err)
	}
	if got := rec["status"].(float64); got != float64(http.StatusOK) {
		t.Fatalf("implicit status logged=%v want 200", rec["status"])
	}
}

func TestLoggingResponseWriterUnwrap(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	lrw := &loggingResponseWriter{ResponseWriter: rr}
	if lrw.Unwrap() != rr {
		t.Fatalf("Unwrap did not return the underlying writer")
	}
}
