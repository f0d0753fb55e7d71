package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notifyrelay.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
store:
  driver: memory
scheduler:
  timezone: UTC
  poll_every: 15s
  attempt_timeout: 10s
  stuck_after: 2m
  retry_backoff: 30s
email:
  provider: resend
  rate_limit:
    per_second: 2
    burst: 5
  resend:
    api_key: re_test
    from: Relay <relay@example.com>
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Store.Driver != "memory" {
		t.Fatalf("server/store = %+v %+v", cfg.Server, cfg.Store)
	}
	if cfg.Scheduler.PollEvery.Std() != 15*time.Second || cfg.Scheduler.StuckAfter.Std() != 2*time.Minute {
		t.Fatalf("durations = %+v", cfg.Scheduler)
	}
	if cfg.Scheduler.Concurrency != 8 || cfg.Scheduler.MaxAttempts != 3 {
		t.Fatalf("omitted fields lost defaults: %+v", cfg.Scheduler)
	}
	if cfg.Email.RateLimit.Burst != 5 || cfg.Email.Resend.APIKey != "re_test" {
		t.Fatalf("email = %+v", cfg.Email)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  poll_evry: 1m\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "poll_evry") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  poll_every: soon\n")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "invalid duration") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != Default().Server.Addr {
		t.Fatalf("addr = %q", cfg.Server.Addr)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"ZOHO_CLIENT_ID":         "cid",
		"ZOHO_CLIENT_SECRET":     "secret",
		"ZOHO_REFRESH_TOKEN":     "refresh",
		"ZOHO_ACCOUNT_ID":        "42",
		"ZOHO_FROM_EMAIL":        "noreply@example.com",
		"DATABASE_URL":           "postgres://localhost/notifyrelay",
		"ONESIGNAL_APP_ID":       "app",
		"NOTIFYRELAY_TIMEZONE":   "UTC",
		"NOTIFYRELAY_LOG_PRETTY": "false",
	}
	cfg := Default()
	cfg.Email.Provider = "zoho"
	if err := cfg.applyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok }); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if !cfg.Email.Zoho.Configured() || cfg.Email.Zoho.AccountID != "42" {
		t.Fatalf("zoho = %+v", cfg.Email.Zoho)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.DSN != env["DATABASE_URL"] {
		t.Fatalf("store = %+v", cfg.Store)
	}
	if cfg.Push.AppID != "app" || cfg.Scheduler.Timezone != "UTC" || cfg.Log.Pretty {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := Default()
	err := bad.applyEnv(func(k string) (string, bool) {
		if k == "NOTIFYRELAY_LOG_PRETTY" {
			return "sometimes", true
		}
		return "", false
	})
	if err == nil {
		t.Fatal("expected error for bad bool")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.Store.Driver = "mysql" }, "store.driver"},
		{"postgres without dsn", func(c *Config) { c.Store.Driver = "postgres" }, "store.dsn"},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, "scheduler.timezone"},
		{"stuck before timeout", func(c *Config) { c.Scheduler.StuckAfter = c.Scheduler.AttemptTimeout }, "stuck_after"},
		{"resend without key", func(c *Config) { c.Email.Provider = "resend" }, "email.resend"},
		{"zoho without creds", func(c *Config) { c.Email.Provider = "zoho" }, "email.zoho"},
		{"unknown provider", func(c *Config) { c.Email.Provider = "smtp" }, "email.provider"},
		{"negative rate", func(c *Config) { c.Email.RateLimit.PerSecond = -1 }, "rate_limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}
