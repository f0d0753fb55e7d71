package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"notifyrelay/internal/clock"
	"notifyrelay/internal/delivery"
	"notifyrelay/internal/domain"
	"notifyrelay/internal/events"
	"notifyrelay/internal/scheduler"
	"notifyrelay/internal/store"
)

var payload = json.RawMessage(`{"to":["a@example.com"],"subject":"hi","body":"hello"}`)

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

type senderFunc func(ctx context.Context, payload json.RawMessage) (delivery.Receipt, error)

func (f senderFunc) Send(ctx context.Context, payload json.RawMessage) (delivery.Receipt, error) {
	return f(ctx, payload)
}

func ok(context.Context, json.RawMessage) (delivery.Receipt, error) {
	return delivery.Receipt{MessageID: "m-1"}, nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Close() error { return nil }

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	store *store.Memory
	clock *clock.Manual
	pub   *recorder
}

func newFixture(start time.Time) *fixture {
	clk := clock.NewManual(start)
	return &fixture{
		store: store.NewMemory(store.Options{Clock: clk, Calculator: scheduler.NewCalculator(time.UTC)}),
		clock: clk,
		pub:   &recorder{},
	}
}

func (f *fixture) dispatcher(s delivery.Sender, cfg Config) *Dispatcher {
	return New(f.store, s, f.clock, f.pub, cfg)
}

func (f *fixture) create(t *testing.T, def domain.Definition) domain.ScheduledEmail {
	t.Helper()
	rec, err := f.store.Create(context.Background(), def, payload)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec
}

func (f *fixture) get(t *testing.T, id string) domain.ScheduledEmail {
	t.Helper()
	rec, err := f.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return rec
}

func TestTickDeliversOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(utc(2024, 1, 1, 0, 0))
	rec := f.create(t, domain.Definition{Kind: domain.KindOnce, FireAt: utc(2024, 3, 1, 0, 0)})
	d := f.dispatcher(senderFunc(ok), Config{})
	ctx := context.Background()

	if rep := d.Tick(ctx); rep.Claimed != 0 {
		t.Fatalf("claimed before due: %+v", rep)
	}
	f.clock.Set(utc(2024, 3, 1, 0, 1))
	rep := d.Tick(ctx)
	if rep != (Report{Claimed: 1, Succeeded: 1}) {
		t.Fatalf("report = %+v", rep)
	}
	got := f.get(t, rec.ID)
	if got.Status != domain.StatusCompleted || got.NextFireAt != nil {
		t.Fatalf("record = %+v", got)
	}
	if rep := d.Tick(ctx); rep.Claimed != 0 {
		t.Fatalf("completed record claimed again: %+v", rep)
	}
	types := f.pub.types()
	if len(types) != 2 || types[0] != events.ScheduleFired || types[1] != events.ScheduleCompleted {
		t.Fatalf("events = %v", types)
	}
}

func TestTickRetriesThenFails(t *testing.T) {
	t.Parallel()
	f := newFixture(utc(2024, 1, 1, 0, 0))
	rec := f.create(t, domain.Definition{Kind: domain.KindOnce, FireAt: utc(2024, 1, 1, 1, 0)})
	var calls atomic.Int32
	d := f.dispatcher(senderFunc(func(context.Context, json.RawMessage) (delivery.Receipt, error) {
		calls.Add(1)
		return delivery.Receipt{}, errors.New("smtp 451 try later")
	}), Config{})
	ctx := context.Background()

	f.clock.Set(utc(2024, 1, 1, 1, 0))
	for i := 1; i <= store.DefaultMaxAttempts; i++ {
		rep := d.Tick(ctx)
		if rep.Claimed != 1 {
			t.Fatalf("tick %d: report = %+v", i, rep)
		}
		got := f.get(t, rec.ID)
		if got.AttemptCount != i {
			t.Fatalf("tick %d: attempt_count = %d", i, got.AttemptCount)
		}
		if i < store.DefaultMaxAttempts {
			if rep.Retried != 1 || got.Status != domain.StatusPending {
				t.Fatalf("tick %d: report=%+v status=%s", i, rep, got.Status)
			}
			f.clock.Set(*got.NextFireAt)
			continue
		}
		if rep.Failed != 1 || got.Status != domain.StatusFailed {
			t.Fatalf("final: report=%+v status=%s", rep, got.Status)
		}
	}
	f.clock.Advance(24 * time.Hour)
	if rep := d.Tick(ctx); rep.Claimed != 0 {
		t.Fatalf("failed record claimed again: %+v", rep)
	}
	if calls.Load() != int32(store.DefaultMaxAttempts) {
		t.Fatalf("sender called %d times", calls.Load())
	}
	types := f.pub.types()
	want := []events.Type{events.ScheduleRetrying, events.ScheduleRetrying, events.ScheduleFailed}
	if len(types) != len(want) {
		t.Fatalf("events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestTickPermanentFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(utc(2024, 1, 1, 0, 0))
	rec := f.create(t, domain.Definition{Kind: domain.KindWeekly, DayOfWeek: 0, TimeOfDay: "09:00"})
	d := f.dispatcher(senderFunc(func(context.Context, json.RawMessage) (delivery.Receipt, error) {
		return delivery.Receipt{}, delivery.Permanent(errors.New("mailbox does not exist"))
	}), Config{})

	f.clock.Set(*rec.NextFireAt)
	rep := d.Tick(context.Background())
	if rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := f.get(t, rec.ID)
	if got.Status != domain.StatusFailed || got.AttemptCount != 1 || got.LastError != "mailbox does not exist" {
		t.Fatalf("record = %+v", got)
	}
}

func TestTickRearmsRecurring(t *testing.T) {
	t.Parallel()
	f := newFixture(utc(2024, 1, 20, 10, 0))
	def := domain.Definition{Kind: domain.KindMonthly, DayOfMonth: 15, TimeOfDay: "09:00"}
	rec := f.create(t, def)
	if !rec.NextFireAt.Equal(utc(2024, 2, 15, 9, 0)) {
		t.Fatalf("first fire = %s", rec.NextFireAt)
	}
	d := f.dispatcher(senderFunc(ok), Config{})

	f.clock.Set(utc(2024, 2, 15, 9, 0))
	if rep := d.Tick(context.Background()); rep.Succeeded != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := f.get(t, rec.ID)
	if got.Status != domain.StatusPending || !got.NextFireAt.Equal(utc(2024, 3, 15, 9, 0)) {
		t.Fatalf("after fire: status=%s next=%v", got.Status, got.NextFireAt)
	}
	if got.LastFiredAt == nil || !got.LastFiredAt.Equal(utc(2024, 2, 15, 9, 0)) {
		t.Fatalf("last_fired_at = %v", got.LastFiredAt)
	}
}

func TestTickDropsOutcomeOfCancelledRecord(t *testing.T) {
	t.Parallel()
	f := newFixture(utc(2024, 1, 1, 0, 0))
	rec := f.create(t, domain.Definition{Kind: domain.KindDaily, TimeOfDay: "09:00"})
	d := f.dispatcher(senderFunc(func(ctx context.Context, _ json.RawMessage) (delivery.Receipt, error) {
		if _, _, err := f.store.Cancel(ctx, rec.ID); err != nil {
			t.Errorf("Cancel: %v", err)
		}
		return delivery.Receipt{MessageID: "m"}, nil
	}), Config{})

	f.clock.Set(utc(2024, 1, 1, 9, 0))
	rep := d.Tick(context.Background())
	if rep.Dropped != 1 || rep.Succeeded != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.get(t, rec.ID); got.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestTickBoundsConcurrency(t *testing.T) {
	t.Parallel()
	f := newFixture(utc(2024, 1, 1, 0, 0))
	for i := 0; i < 6; i++ {
		f.create(t, domain.Definition{Kind: domain.KindOnce, FireAt: utc(2024, 1, 1, 1, 0)})
	}
	var inFlight, peak atomic.Int32
	d := f.dispatcher(senderFunc(func(context.Context, json.RawMessage) (delivery.Receipt, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return delivery.Receipt{}, nil
	}), Config{Concurrency: 2})

	f.clock.Set(utc(2024, 1, 1, 1, 0))
	rep := d.Tick(context.Background())
	if rep.Claimed != 6 || rep.Succeeded != 6 {
		t.Fatalf("report = %+v", rep)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", p)
	}
}

func TestTickAttemptTimeout(t *testing.T) {
	t.Parallel()
	f := newFixture(utc(2024, 1, 1, 0, 0))
	rec := f.create(t, domain.Definition{Kind: domain.KindOnce, FireAt: utc(2024, 1, 1, 1, 0)})
	d := f.dispatcher(senderFunc(func(ctx context.Context, _ json.RawMessage) (delivery.Receipt, error) {
		<-ctx.Done()
		return delivery.Receipt{}, ctx.Err()
	}), Config{AttemptTimeout: 20 * time.Millisecond})

	f.clock.Set(utc(2024, 1, 1, 1, 0))
	if rep := d.Tick(context.Background()); rep.Retried != 1 {
		t.Fatalf("report = %+v", rep)
	}
	got := f.get(t, rec.ID)
	if !strings.Contains(got.LastError, "timed out") {
		t.Fatalf("last_error = %q", got.LastError)
	}
}

func TestTickRecoversStuck(t *testing.T) {
	t.Parallel()
	f := newFixture(utc(2024, 1, 1, 0, 0))
	rec := f.create(t, domain.Definition{Kind: domain.KindOnce, FireAt: utc(2024, 1, 1, 1, 0)})
	// Simulate a dispatcher that claimed the record and died.
	if _, err := f.store.ClaimDue(context.Background(), utc(2024, 1, 1, 1, 0)); err != nil {
		t.Fatalf("ClaimDue: %v", err)
	}
	d := f.dispatcher(senderFunc(ok), Config{StuckAfter: 5 * time.Minute})

	f.clock.Set(utc(2024, 1, 1, 1, 2))
	if rep := d.Tick(context.Background()); rep.Recovered != 0 || rep.Claimed != 0 {
		t.Fatalf("early report = %+v", rep)
	}
	f.clock.Set(utc(2024, 1, 1, 1, 10))
	rep := d.Tick(context.Background())
	if rep.Recovered != 1 || rep.Succeeded != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.get(t, rec.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestTickIsolatesFailures(t *testing.T) {
	t.Parallel()
	f := newFixture(utc(2024, 1, 1, 0, 0))
	good := f.create(t, domain.Definition{Kind: domain.KindOnce, FireAt: utc(2024, 1, 1, 1, 0)})
	bad, err := f.store.Create(context.Background(), domain.Definition{Kind: domain.KindOnce, FireAt: utc(2024, 1, 1, 1, 0)}, json.RawMessage(`{"to":[]}`))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	d := f.dispatcher(delivery.Noop{}, Config{})

	f.clock.Set(utc(2024, 1, 1, 1, 0))
	rep := d.Tick(context.Background())
	if rep.Succeeded != 1 || rep.Failed != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if got := f.get(t, good.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("good status = %s", got.Status)
	}
	if got := f.get(t, bad.ID); got.Status != domain.StatusFailed {
		t.Fatalf("bad status = %s", got.Status)
	}
}

func TestRunAndStop(t *testing.T) {
	t.Parallel()
	f := newFixture(utc(2024, 1, 1, 0, 0))
	rec := f.create(t, domain.Definition{Kind: domain.KindOnce, FireAt: utc(2024, 1, 1, 0, 30)})
	d := f.dispatcher(senderFunc(ok), Config{PollEvery: 5 * time.Millisecond})

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	f.clock.Set(utc(2024, 1, 1, 0, 30))
	deadline := time.After(2 * time.Second)
	for f.get(t, rec.ID).Status != domain.StatusCompleted {
		select {
		case <-deadline:
			t.Fatalf("record not delivered by the loop")
		case <-time.After(5 * time.Millisecond):
		}
	}

	d.Stop()
	d.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}
