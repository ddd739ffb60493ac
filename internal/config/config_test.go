package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
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

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "fast")
	_, err := envFloat("TEST_FLOAT_BAD", 1)
	if err == nil || err.Error() != `TEST_FLOAT_BAD="fast" is not a valid number` {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("KISEKI_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid KISEKI_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "KISEKI_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention KISEKI_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KISEKI_PORT", "abc")
	t.Setenv("KISEKI_LEASE_TTL", "forever")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	for _, key := range []string{"KISEKI_PORT", "KISEKI_LEASE_TTL"} {
		if !strings.Contains(got, key) {
			t.Fatalf("error should mention %s, got: %s", key, got)
		}
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
	if cfg.Store != StorePostgres {
		t.Fatalf("expected default store postgres, got %q", cfg.Store)
	}
	if cfg.NotifyURL != cfg.DatabaseURL {
		t.Fatalf("NOTIFY_URL should default to DATABASE_URL")
	}
}

func TestLoadSQLite(t *testing.T) {
	t.Setenv("KISEKI_STORE", "SQLite")
	t.Setenv("KISEKI_SQLITE_PATH", "/tmp/kiseki-test.db")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Store != StoreSQLite || cfg.SQLitePath != "/tmp/kiseki-test.db" {
		t.Fatalf("got store %q path %q", cfg.Store, cfg.SQLitePath)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		t.Helper()
		cfg, err := Load()
		if err != nil {
			t.Fatalf("load: %v", err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown store", func(c *Config) { c.Store = "mongo" }, "KISEKI_STORE"},
		{"missing database url", func(c *Config) { c.DatabaseURL = "" }, "DATABASE_URL"},
		{"zero concurrency", func(c *Config) { c.MaxConcurrentRuns = 0 }, "KISEKI_MAX_CONCURRENT_RUNS"},
		{"short lease", func(c *Config) { c.LeaseTTL = time.Millisecond }, "KISEKI_LEASE_TTL"},
		{"negative approval recheck", func(c *Config) { c.ApprovalRecheck = -time.Second }, "KISEKI_APPROVAL_RECHECK"},
		{"bad rate", func(c *Config) { c.RateLimitRPS = 0 }, "KISEKI_RATE_LIMIT_RPS"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "KISEKI_LOG_LEVEL"},
		{"bad port", func(c *Config) { c.Port = 70000 }, "KISEKI_PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}

	// Rate limit settings are ignored when disabled.
	cfg := valid()
	cfg.RateLimitEnabled = false
	cfg.RateLimitRPS = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled rate limit should not be validated: %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug,
		"INFO":  slog.LevelInfo,
		"":      slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v", in, got, err)
		}
	}
}
