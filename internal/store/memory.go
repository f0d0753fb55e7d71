package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"notifyrelay/internal/domain"
)

// Memory keeps records in process. A single mutex guards every operation,
// which makes ClaimDue one critical section.
type Memory struct {
	mu       sync.Mutex
	lc       lifecycle
	order    []string
	recs     map[string]*domain.ScheduledEmail
	attempts map[string][]domain.Attempt
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		lc:       newLifecycle(opts),
		recs:     map[string]*domain.ScheduledEmail{},
		attempts: map[string][]domain.Attempt{},
	}
}

func (m *Memory) Create(_ context.Context, def domain.Definition, payload json.RawMessage) (domain.ScheduledEmail, error) {
	rec, err := m.lc.newRecord(def, payload)
	if err != nil {
		return domain.ScheduledEmail{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.ID] = &rec
	m.order = append(m.order, rec.ID)
	return rec, nil
}

func (m *Memory) Get(_ context.Context, id string) (domain.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return domain.ScheduledEmail{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return *rec, nil
}

func (m *Memory) List(_ context.Context) ([]domain.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ScheduledEmail, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.recs[id])
	}
	return out, nil
}

func (m *Memory) Cancel(_ context.Context, id string) (domain.ScheduledEmail, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return domain.ScheduledEmail{}, false, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	changed, err := m.lc.cancel(rec)
	return *rec, changed, err
}

func (m *Memory) ClaimDue(_ context.Context, now time.Time) ([]domain.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var claimed []domain.ScheduledEmail
	for _, id := range m.order {
		rec := m.recs[id]
		if !due(rec, now) {
			continue
		}
		m.lc.claim(rec, now)
		claimed = append(claimed, *rec)
	}
	return claimed, nil
}

func (m *Memory) Resolve(_ context.Context, id string, out domain.Outcome) (domain.ScheduledEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return domain.ScheduledEmail{}, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	att, err := m.lc.resolve(rec, out)
	if err != nil {
		return *rec, err
	}
	m.attempts[id] = append(m.attempts[id], att)
	return *rec, nil
}

func (m *Memory) RecoverStuck(_ context.Context, now time.Time, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-olderThan)
	n := 0
	for _, id := range m.order {
		rec := m.recs[id]
		if stuck(rec, cutoff) {
			m.lc.release(rec, now)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Attempts(_ context.Context, id string) ([]domain.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[id]; !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, id)
	}
	return append([]domain.Attempt(nil), m.attempts[id]...), nil
}

func (m *Memory) Close() error { return nil }
