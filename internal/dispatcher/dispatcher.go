package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"notifyrelay/internal/clock"
	"notifyrelay/internal/delivery"
	"notifyrelay/internal/domain"
	"notifyrelay/internal/events"
	"notifyrelay/internal/metrics"
	"notifyrelay/internal/store"
)

const (
	DefaultPollEvery      = time.Minute
	DefaultConcurrency    = 8
	DefaultAttemptTimeout = 30 * time.Second
	DefaultStuckAfter     = 5 * time.Minute

	resolveTimeout = 5 * time.Second
)

type Config struct {
	PollEvery      time.Duration
	Concurrency    int
	AttemptTimeout time.Duration
	// StuckAfter must exceed AttemptTimeout or live deliveries get reclaimed.
	StuckAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollEvery <= 0 {
		c.PollEvery = DefaultPollEvery
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = DefaultStuckAfter
	}
	return c
}

// Report summarizes one tick.
type Report struct {
	Recovered int `json:"recovered"`
	Claimed   int `json:"claimed"`
	Succeeded int `json:"succeeded"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	// Dropped counts records cancelled while their delivery was running.
	Dropped int `json:"dropped"`
}

type Dispatcher struct {
	store  store.Store
	sender delivery.Sender
	clock  clock.Clock
	events events.Publisher
	cfg    Config

	sem      chan struct{}
	tickMu   sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
}

func New(st store.Store, sender delivery.Sender, clk clock.Clock, pub events.Publisher, cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	if pub == nil {
		pub = events.Nop{}
	}
	return &Dispatcher{
		store:  st,
		sender: sender,
		clock:  clk,
		events: pub,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.Concurrency),
		stop:   make(chan struct{}),
	}
}

// Run ticks once immediately and then every PollEvery until ctx is done or
// Stop is called. A tick in progress always finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	t := time.NewTicker(d.cfg.PollEvery)
	defer t.Stop()

	log.Info().Dur("interval", d.cfg.PollEvery).Int("concurrency", d.cfg.Concurrency).Msg("dispatcher started")
	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("dispatcher stopped")
			return
		case <-d.stop:
			log.Info().Msg("dispatcher stopped")
			return
		case <-t.C:
			d.Tick(ctx)
		}
	}
}

func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
}

// Tick recovers stuck records, claims everything due, and waits until each
// claimed record has been delivered and resolved.
func (d *Dispatcher) Tick(ctx context.Context) Report {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	var rep Report
	now := d.clock.Now()

	n, err := d.store.RecoverStuck(ctx, now, d.cfg.StuckAfter)
	if err != nil {
		log.Error().Err(err).Msg("failed to recover stuck schedules")
	} else if n > 0 {
		rep.Recovered = n
		metrics.Recovered.Add(float64(n))
		log.Warn().Int("recovered", n).Msg("returned stuck schedules to pending")
	}

	claimed, err := d.store.ClaimDue(ctx, now)
	if err != nil {
		metrics.TickErrors.Inc()
		log.Error().Err(err).Msg("failed to claim due schedules")
		return rep
	}
	rep.Claimed = len(claimed)
	metrics.Claimed.Add(float64(len(claimed)))

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	for _, rec := range claimed {
		d.sem <- struct{}{}
		wg.Add(1)
		go func(rec domain.ScheduledEmail) {
			defer func() { <-d.sem; wg.Done() }()
			res := d.deliver(ctx, rec)
			mu.Lock()
			switch res {
			case resultSucceeded:
				rep.Succeeded++
			case resultRetried:
				rep.Retried++
			case resultFailed:
				rep.Failed++
			case resultDropped:
				rep.Dropped++
			}
			mu.Unlock()
		}(rec)
	}
	wg.Wait()

	if rep.Claimed > 0 {
		log.Info().
			Int("claimed", rep.Claimed).
			Int("succeeded", rep.Succeeded).
			Int("retried", rep.Retried).
			Int("failed", rep.Failed).
			Int("dropped", rep.Dropped).
			Msg("dispatch tick")
	}
	return rep
}

type result int

const (
	resultUnresolved result = iota
	resultSucceeded
	resultRetried
	resultFailed
	resultDropped
)

func (r result) String() string {
	switch r {
	case resultSucceeded:
		return "succeeded"
	case resultRetried:
		return "retried"
	case resultFailed:
		return "failed"
	case resultDropped:
		return "dropped"
	}
	return "unresolved"
}

// deliver sends one claimed record and resolves it. Shutdown does not abort
// a running attempt; the attempt timeout bounds it instead.
func (d *Dispatcher) deliver(ctx context.Context, rec domain.ScheduledEmail) result {
	base := context.WithoutCancel(ctx)
	kind := string(rec.Definition.Kind)
	attempt := rec.AttemptCount + 1

	sctx, cancel := context.WithTimeout(base, d.cfg.AttemptTimeout)
	start := time.Now()
	receipt, sendErr := d.sender.Send(sctx, rec.Payload)
	cancel()
	metrics.DeliveryDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	out := domain.Delivered(receipt.MessageID)
	if sendErr != nil {
		reason := sendErr.Error()
		if errors.Is(sendErr, context.DeadlineExceeded) {
			reason = "delivery attempt timed out: " + reason
		}
		out = domain.Failed(reason, delivery.IsPermanent(sendErr))
	}

	rctx, rcancel := context.WithTimeout(base, resolveTimeout)
	defer rcancel()
	resolved, err := d.store.Resolve(rctx, rec.ID, out)
	if errors.Is(err, domain.ErrNotClaimed) {
		metrics.Deliveries.WithLabelValues(kind, resultDropped.String()).Inc()
		log.Info().Str("schedule_id", rec.ID).Bool("sent", out.Success).Msg("schedule changed during delivery, outcome dropped")
		return resultDropped
	}
	if err != nil {
		log.Error().Err(err).Str("schedule_id", rec.ID).Msg("failed to resolve delivery; left for recovery")
		return resultUnresolved
	}

	var res result
	switch {
	case out.Success:
		res = resultSucceeded
		d.publish(rctx, events.ScheduleFired, resolved, attempt, out.MessageID)
		if resolved.Status == domain.StatusCompleted {
			d.publish(rctx, events.ScheduleCompleted, resolved, attempt, out.MessageID)
		}
		ev := log.Info().Str("schedule_id", rec.ID).Int("attempt", attempt).Str("message_id", out.MessageID).Str("status", string(resolved.Status))
		if resolved.NextFireAt != nil {
			ev = ev.Time("next_fire_at", *resolved.NextFireAt)
		}
		ev.Msg("scheduled email delivered")
	case resolved.Status == domain.StatusFailed:
		res = resultFailed
		d.publish(rctx, events.ScheduleFailed, resolved, attempt, "")
		log.Error().Str("schedule_id", rec.ID).Int("attempt", attempt).Bool("permanent", out.Permanent).Str("error", out.Reason).Msg("scheduled email failed")
	default:
		res = resultRetried
		d.publish(rctx, events.ScheduleRetrying, resolved, attempt, "")
		ev := log.Warn().Str("schedule_id", rec.ID).Int("attempt", attempt).Str("error", out.Reason)
		if resolved.NextFireAt != nil {
			ev = ev.Time("next_fire_at", *resolved.NextFireAt)
		}
		ev.Msg("scheduled email will be retried")
	}
	metrics.Deliveries.WithLabelValues(kind, res.String()).Inc()
	return res
}

func (d *Dispatcher) publish(ctx context.Context, t events.Type, rec domain.ScheduledEmail, attempt int, msgID string) {
	e := events.FromRecord(t, rec, d.clock.Now())
	e.Attempt = attempt
	e.MessageID = msgID
	if err := d.events.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("schedule_id", rec.ID).Str("event", string(t)).Msg("failed to publish event")
	}
}
