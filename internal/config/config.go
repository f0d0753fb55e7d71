package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Email     EmailConfig     `yaml:"email"`
	Push      PushConfig      `yaml:"push"`
	Events    EventsConfig    `yaml:"events"`
}

type ServerConfig struct {
	Addr            string   `yaml:"addr"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// StoreConfig selects the record backend: memory, sqlite or postgres.
type StoreConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

// SchedulerConfig controls recurrence evaluation and the dispatcher.
//
// All durations are Go duration strings ("30s", "1m").
type SchedulerConfig struct {
	Timezone       string   `yaml:"timezone"`
	PollEvery      Duration `yaml:"poll_every"`
	Concurrency    int      `yaml:"concurrency"`
	AttemptTimeout Duration `yaml:"attempt_timeout"`
	StuckAfter     Duration `yaml:"stuck_after"`
	MaxAttempts    int      `yaml:"max_attempts"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
}

// EmailConfig picks the provider used for both immediate and scheduled
// sends: noop, resend or zoho.
type EmailConfig struct {
	Provider  string          `yaml:"provider"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Resend    ResendConfig    `yaml:"resend"`
	Zoho      ZohoConfig      `yaml:"zoho"`
}

// RateLimitConfig is disabled when PerSecond is zero.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

type ResendConfig struct {
	APIKey string `yaml:"api_key"`
	From   string `yaml:"from"`
}

type ZohoConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
	AccountID    string `yaml:"account_id"`
	FromEmail    string `yaml:"from_email"`
	FromName     string `yaml:"from_name"`
	APIDomain    string `yaml:"api_domain"`
	AccountsURL  string `yaml:"accounts_url"`
}

func (z ZohoConfig) Configured() bool {
	return z.ClientID != "" && z.ClientSecret != "" && z.RefreshToken != "" && z.AccountID != ""
}

type PushConfig struct {
	AppID      string `yaml:"app_id"`
	RESTAPIKey string `yaml:"rest_api_key"`
	APIURL     string `yaml:"api_url"`
}

// EventsConfig enables lifecycle events on RabbitMQ when URL is set.
type EventsConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

// Duration decodes from a Go duration string.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var raw string
	if err := n.Decode(&raw); err != nil {
		return err
	}
	v, err := parseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must be >= 0", raw)
	}
	return d, nil
}

func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080", ShutdownTimeout: Duration(10 * time.Second)},
		Log:    LogConfig{Level: "info", Pretty: true},
		Store:  StoreConfig{Driver: "sqlite", Path: "notifyrelay.db", MaxConns: 4},
		Scheduler: SchedulerConfig{
			Timezone:       "UTC",
			PollEvery:      Duration(time.Minute),
			Concurrency:    8,
			AttemptTimeout: Duration(30 * time.Second),
			StuckAfter:     Duration(5 * time.Minute),
			MaxAttempts:    3,
			RetryBackoff:   Duration(time.Minute),
		},
		Email:  EmailConfig{Provider: "noop"},
		Events: EventsConfig{Exchange: "notifyrelay.events"},
	}
}

// Load reads path (if non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays the variables the deployment already sets for the
// providers and backends.
func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("NOTIFYRELAY_ADDR", &c.Server.Addr)
	str("NOTIFYRELAY_LOG_LEVEL", &c.Log.Level)
	str("NOTIFYRELAY_TIMEZONE", &c.Scheduler.Timezone)
	str("NOTIFYRELAY_EMAIL_PROVIDER", &c.Email.Provider)

	str("ZOHO_CLIENT_ID", &c.Email.Zoho.ClientID)
	str("ZOHO_CLIENT_SECRET", &c.Email.Zoho.ClientSecret)
	str("ZOHO_REFRESH_TOKEN", &c.Email.Zoho.RefreshToken)
	str("ZOHO_ACCOUNT_ID", &c.Email.Zoho.AccountID)
	str("ZOHO_FROM_EMAIL", &c.Email.Zoho.FromEmail)
	str("ZOHO_FROM_NAME", &c.Email.Zoho.FromName)
	str("ZOHO_API_DOMAIN", &c.Email.Zoho.APIDomain)

	str("RESEND_API_KEY", &c.Email.Resend.APIKey)
	str("RESEND_FROM", &c.Email.Resend.From)

	str("ONESIGNAL_APP_ID", &c.Push.AppID)
	str("ONESIGNAL_REST_API_KEY", &c.Push.RESTAPIKey)
	str("ONESIGNAL_API_URL", &c.Push.APIURL)

	str("RABBITMQ_URL", &c.Events.URL)

	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Store.DSN = v
		c.Store.Driver = "postgres"
	}
	if v, ok := lookup("NOTIFYRELAY_LOG_PRETTY"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("NOTIFYRELAY_LOG_PRETTY: %w", err)
		}
		c.Log.Pretty = b
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	switch c.Store.Driver {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory, sqlite or postgres", c.Store.Driver))
	}

	s := c.Scheduler
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
	}
	if s.Concurrency < 0 || s.MaxAttempts < 0 {
		errs = append(errs, errors.New("scheduler.concurrency and scheduler.max_attempts must be >= 0"))
	}
	if s.StuckAfter > 0 && s.StuckAfter <= s.AttemptTimeout {
		errs = append(errs, fmt.Errorf("scheduler.stuck_after (%s) must exceed attempt_timeout (%s)", s.StuckAfter.Std(), s.AttemptTimeout.Std()))
	}

	switch c.Email.Provider {
	case "noop":
	case "resend":
		if c.Email.Resend.APIKey == "" || c.Email.Resend.From == "" {
			errs = append(errs, errors.New("email.resend.api_key and email.resend.from are required"))
		}
	case "zoho":
		if !c.Email.Zoho.Configured() || c.Email.Zoho.FromEmail == "" {
			errs = append(errs, errors.New("email.zoho needs client_id, client_secret, refresh_token, account_id and from_email"))
		}
	default:
		errs = append(errs, fmt.Errorf("email.provider %q must be noop, resend or zoho", c.Email.Provider))
	}
	if c.Email.RateLimit.PerSecond < 0 || c.Email.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("email.rate_limit values must be >= 0"))
	}
	return errors.Join(errs...)
}
