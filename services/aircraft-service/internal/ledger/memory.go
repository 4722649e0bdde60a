package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
)

type Memory struct {
	mu       sync.Mutex
	records  map[string]Record
	attempts map[string][]Attempt
}

func NewMemory() *Memory {
	return &Memory{
		records:  make(map[string]Record),
		attempts: make(map[string][]Attempt),
	}
}

func (m *Memory) RecordAttempt(_ context.Context, attempt Attempt) error {
	if attempt.EventID == "" {
		return errors.New("ledger: empty event id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, exists := m.records[attempt.EventID]
	if err := apply(&rec, exists, attempt); err != nil {
		return err
	}
	attempt.Number = rec.Attempts
	m.records[attempt.EventID] = rec
	m.attempts[attempt.EventID] = append(m.attempts[attempt.EventID], attempt)
	return nil
}

func (m *Memory) HasDelivered(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	return ok && rec.Outcome == OutcomeDelivered, nil
}

func (m *Memory) Get(_ context.Context, eventID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[eventID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (m *Memory) Attempts(_ context.Context, eventID string) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[eventID]; !ok {
		return nil, ErrNotFound
	}
	return append([]Attempt(nil), m.attempts[eventID]...), nil
}

func (m *Memory) ListDeadLettered(_ context.Context, limit int) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Outcome == OutcomeDeadLettered {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastAttemptAt.After(out[j].LastAttemptAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
