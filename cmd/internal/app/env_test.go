package app

import (
	"reflect"
	"testing"
	"time"
)

// t.Setenv forbids t.Parallel, so these run sequentially.

func TestEnvString(t *testing.T) {
	t.Setenv("TEST_ENV_STRING", "  value  ")
	if got := EnvString("TEST_ENV_STRING", "def"); got != "value" {
		t.Fatalf("got %q want %q", got, "value")
	}
	if got := EnvString("TEST_ENV_STRING_UNSET", "def"); got != "def" {
		t.Fatalf("unset: got %q want default", got)
	}

	t.Setenv("TEST_ENV_STRING_BLANK", "   ")
	if got := EnvString("TEST_ENV_STRING_BLANK", "def"); got != "def" {
		t.Fatalf("blank: got %q want default", got)
	}
}

func TestEnvBool(t *testing.T) {
	cases := []struct {
		raw  string
		def  bool
		want bool
	}{
		{"true", false, true},
		{"1", false, true},
		{"false", true, false},
		{"0", true, false},
		{"yes", false, false}, // not a ParseBool token, falls back to default
		{"", true, true},
	}
	for _, tc := range cases {
		t.Setenv("TEST_ENV_BOOL", tc.raw)
		if got := EnvBool("TEST_ENV_BOOL", tc.def); got != tc.want {
			t.Fatalf("raw=%q def=%v: got %v want %v", tc.raw, tc.def, got, tc.want)
		}
	}
}

func TestEnvInt(t *testing.T) {
	cases := []struct {
		raw  string
		want int
	}{
		{"42", 42},
		{"0", 0},
		{"-1", 7}, // negative rejected
		{"nonsense", 7},
		{"", 7},
	}
	for _, tc := range cases {
		t.Setenv("TEST_ENV_INT", tc.raw)
		if got := EnvInt("TEST_ENV_INT", 7); got != tc.want {
			t.Fatalf("raw=%q: got %d want %d", tc.raw, got, tc.want)
		}
	}
}

func TestEnvInt32(t *testing.T) {
	t.Setenv("TEST_ENV_INT32", "12")
	if got := EnvInt32("TEST_ENV_INT32", 4); got != 12 {
		t.Fatalf("got %d want 12", got)
	}

	// Overflows int32, falls back to default.
	t.Setenv("TEST_ENV_INT32", "3000000000")
	if got := EnvInt32("TEST_ENV_INT32", 4); got != 4 {
		t.Fatalf("overflow: got %d want default 4", got)
	}
}

func TestEnvDuration(t *testing.T) {
	cases := []struct {
		raw  string
		want time.Duration
	}{
		{"250ms", 250 * time.Millisecond},
		{"2m", 2 * time.Minute},
		{"-5s", time.Second}, // non-positive rejected
		{"0s", time.Second},
		{"soon", time.Second},
		{"", time.Second},
	}
	for _, tc := range cases {
		t.Setenv("TEST_ENV_DURATION", tc.raw)
		if got := EnvDuration("TEST_ENV_DURATION", time.Second); got != tc.want {
			t.Fatalf("raw=%q: got %v want %v", tc.raw, got, tc.want)
		}
	}
}

func TestEnvCSV(t *testing.T) {
	t.Setenv("TEST_ENV_CSV", " a, b ,,c ")
	if got := EnvCSV("TEST_ENV_CSV", "x"); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("got %v", got)
	}

	t.Setenv("TEST_ENV_CSV", "")
	if got := EnvCSV("TEST_ENV_CSV", "http://localhost,http://127.0.0.1"); !reflect.DeepEqual(got, []string{"http://localhost", "http://127.0.0.1"}) {
		t.Fatalf("default: got %v", got)
	}
}
