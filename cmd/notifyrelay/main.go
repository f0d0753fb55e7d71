package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"notifyrelay/internal/api"
	"notifyrelay/internal/clock"
	"notifyrelay/internal/config"
	"notifyrelay/internal/delivery"
	"notifyrelay/internal/dispatcher"
	"notifyrelay/internal/events"
	"notifyrelay/internal/push"
	"notifyrelay/internal/scheduler"
	"notifyrelay/internal/store"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "path to YAML config (optional)")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		dbPath  = flag.String("db", "", "SQLite DB path (overrides config)")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Store.Driver = "sqlite"
		cfg.Store.Path = *dbPath
	}
	setupLogging(cfg.Log)

	loc, err := clock.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		log.Fatal().Err(err).Msg("load timezone")
	}
	clk := clock.System{Loc: loc}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg, store.Options{
		Clock:        clk,
		Calculator:   scheduler.NewCalculator(loc),
		MaxAttempts:  cfg.Scheduler.MaxAttempts,
		RetryBackoff: cfg.Scheduler.RetryBackoff.Std(),
	})
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.Store.Driver).Msg("open store")
	}
	defer st.Close()

	// A local store has no other dispatcher, so every in_flight record is
	// orphaned. Postgres may be shared and keeps the normal threshold.
	var stuckAfter time.Duration
	if cfg.Store.Driver == "postgres" {
		stuckAfter = cfg.Scheduler.StuckAfter.Std()
	}
	if n, err := st.RecoverStuck(ctx, clk.Now(), stuckAfter); err != nil {
		log.Error().Err(err).Msg("recover in-flight schedules")
	} else if n > 0 {
		log.Info().Int("recovered", n).Msg("recovered in-flight schedules from previous run")
	}

	sender := newSender(cfg.Email)
	pusher := newPush(cfg.Push)
	pub := newPublisher(cfg.Events)
	defer pub.Close()

	disp := dispatcher.New(st, sender, clk, pub, dispatcher.Config{
		PollEvery:      cfg.Scheduler.PollEvery.Std(),
		Concurrency:    cfg.Scheduler.Concurrency,
		AttemptTimeout: cfg.Scheduler.AttemptTimeout.Std(),
		StuckAfter:     cfg.Scheduler.StuckAfter.Std(),
	})
	dispDone := make(chan struct{})
	go func() {
		defer close(dispDone)
		disp.Run(ctx)
	}()

	opts := api.Options{
		Store:    st,
		Sender:   sender,
		Ticker:   disp,
		Events:   pub,
		Clock:    clk,
		Location: loc,
	}
	if pusher != nil {
		opts.Push = pusher
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           api.NewServer(opts),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Str("timezone", loc.String()).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()
	notify(daemon.SdNotifyReady)

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	notify(daemon.SdNotifyStopping)

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)

	disp.Stop()
	cancel()
	select {
	case <-dispDone:
	case <-ctxTimeout.Done():
		log.Warn().Msg("dispatcher did not finish before shutdown timeout")
	}
}

func setupLogging(cfg config.LogConfig) {
	if !cfg.Pretty {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func openStore(ctx context.Context, cfg config.Config, opts store.Options) (store.Store, error) {
	switch cfg.Store.Driver {
	case "memory":
		log.Warn().Msg("using in-memory store; schedules are lost on restart")
		return store.NewMemory(opts), nil
	case "postgres":
		return store.OpenPostgres(ctx, cfg.Store.DSN, cfg.Store.MaxConns, opts)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Store.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := store.EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return store.NewSQLite(db, opts), nil
}

func newSender(cfg config.EmailConfig) delivery.Sender {
	var s delivery.Sender
	switch cfg.Provider {
	case "resend":
		s = delivery.NewResend(cfg.Resend.APIKey, cfg.Resend.From)
	case "zoho":
		z := cfg.Zoho
		s = delivery.NewZoho(delivery.ZohoConfig{
			ClientID:     z.ClientID,
			ClientSecret: z.ClientSecret,
			RefreshToken: z.RefreshToken,
			AccountID:    z.AccountID,
			FromEmail:    z.FromEmail,
			FromName:     z.FromName,
			APIDomain:    z.APIDomain,
			AccountsURL:  z.AccountsURL,
		})
	default:
		log.Warn().Msg("email provider is noop; messages are logged, not sent")
		s = delivery.Noop{}
	}
	if cfg.RateLimit.PerSecond > 0 {
		s = delivery.NewRateLimited(s, cfg.RateLimit.PerSecond, cfg.RateLimit.Burst)
	}
	log.Info().Str("provider", cfg.Provider).Float64("rate_per_sec", cfg.RateLimit.PerSecond).Msg("email sender ready")
	return s
}

func newPush(cfg config.PushConfig) *push.OneSignal {
	p, err := push.NewOneSignal(push.Config{AppID: cfg.AppID, RESTAPIKey: cfg.RESTAPIKey, APIURL: cfg.APIURL})
	if errors.Is(err, push.ErrNotConfigured) {
		log.Info().Msg("OneSignal not configured; push endpoint disabled")
		return nil
	}
	if err != nil {
		log.Fatal().Err(err).Msg("onesignal")
	}
	return p
}

func newPublisher(cfg config.EventsConfig) events.Publisher {
	if cfg.URL == "" {
		return events.Nop{}
	}
	pub, err := events.DialAMQP(cfg.URL, cfg.Exchange)
	if err != nil {
		log.Error().Err(err).Msg("rabbitmq unavailable; lifecycle events disabled")
		return events.Nop{}
	}
	log.Info().Str("exchange", cfg.Exchange).Msg("publishing lifecycle events")
	return pub
}

func notify(state string) {
	if ok, err := daemon.SdNotify(false, state); err != nil {
		log.Warn().Err(err).Msg("sd_notify")
	} else if ok {
		log.Debug().Str("state", state).Msg("notified systemd")
	}
}
