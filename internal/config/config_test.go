package config

import (
	"strings"
	"testing"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("KANSOKU_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid KANSOKU_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "KANSOKU_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention KANSOKU_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KANSOKU_PORT", "abc")
	t.Setenv("KANSOKU_AUTO_START", "sometimes")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "KANSOKU_PORT") {
		t.Fatalf("error should mention KANSOKU_PORT, got: %s", got)
	}
	if !strings.Contains(got, "KANSOKU_AUTO_START") {
		t.Fatalf("error should mention KANSOKU_AUTO_START, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.MaxFeedbackIterations != 1 {
		t.Fatalf("expected one feedback iteration by default, got %d", cfg.MaxFeedbackIterations)
	}
	if !cfg.AutoStart {
		t.Fatal("expected runs to auto-start by default")
	}
}

func TestLoadRejectsZeroFeedbackIterations(t *testing.T) {
	t.Setenv("KANSOKU_MAX_FEEDBACK_ITERATIONS", "0")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "KANSOKU_MAX_FEEDBACK_ITERATIONS") {
		t.Fatalf("expected feedback iteration error, got: %v", err)
	}
}

func TestStorageTarget(t *testing.T) {
	tests := []struct {
		url         string
		wantBackend string
		wantTarget  string
		wantErr     bool
	}{
		{url: "", wantBackend: "sqlite", wantTarget: "kansoku.db"},
		{url: "sqlite:data/k.db", wantBackend: "sqlite", wantTarget: "data/k.db"},
		{url: "sqlite:///var/lib/k.db", wantBackend: "sqlite", wantTarget: "/var/lib/k.db"},
		{url: "postgres://u:p@db:5432/k", wantBackend: "postgres", wantTarget: "postgres://u:p@db:5432/k"},
		{url: "postgresql://db/k", wantBackend: "postgres", wantTarget: "postgresql://db/k"},
		{url: "sqlite:", wantErr: true},
		{url: "mysql://db/k", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			backend, target, err := Config{DatabaseURL: tt.url}.StorageTarget()
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.url)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if backend != tt.wantBackend || target != tt.wantTarget {
				t.Fatalf("got (%s, %s), want (%s, %s)", backend, target, tt.wantBackend, tt.wantTarget)
			}
		})
	}
}

func TestEnvList(t *testing.T) {
	t.Setenv("TEST_LIST", " http://a.test , ,http://b.test")
	got := envList("TEST_LIST")
	if len(got) != 2 || got[0] != "http://a.test" || got[1] != "http://b.test" {
		t.Fatalf("unexpected list: %v", got)
	}
}
