package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/outbox"
)

var errTxDone = errors.New("storage: transaction already finished")

// Memory keeps aircraft and outbox rows in process. It backs local runs and
// tests and implements both RecordStore and outbox.Repository.
type Memory struct {
	mu         sync.Mutex
	aircraft   map[string]model.Aircraft
	entries    []model.OutboxEntry
	nextSeq    int64
	failCommit error
}

var (
	_ RecordStore       = (*Memory)(nil)
	_ outbox.Repository = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		aircraft: make(map[string]model.Aircraft),
		nextSeq:  1,
	}
}

// FailNextCommit makes the next Commit return err without applying anything.
func (m *Memory) FailNextCommit(err error) {
	m.mu.Lock()
	m.failCommit = err
	m.mu.Unlock()
}

func (m *Memory) BeginTx(context.Context) (Tx, error) {
	return &memoryTx{store: m, puts: make(map[string]model.Aircraft)}, nil
}

func (m *Memory) ReadAircraft(_ context.Context, id string) (*model.Aircraft, error) {
	a, ok := m.Aircraft(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

// Aircraft returns the committed record for id.
func (m *Memory) Aircraft(id string) (model.Aircraft, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.aircraft[id]
	return a.Clone(), ok
}

// Entries returns a copy of every outbox entry in sequence order.
func (m *Memory) Entries() []model.OutboxEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.OutboxEntry(nil), m.entries...)
}

type memoryTx struct {
	store   *Memory
	puts    map[string]model.Aircraft
	order   []string
	entries []model.OutboxEntry
	done    bool
}

func (tx *memoryTx) GetAircraft(_ context.Context, id string) (*model.Aircraft, error) {
	if tx.done {
		return nil, errTxDone
	}
	if a, ok := tx.puts[id]; ok {
		c := a.Clone()
		return &c, nil
	}
	tx.store.mu.Lock()
	a, ok := tx.store.aircraft[id]
	tx.store.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	c := a.Clone()
	return &c, nil
}

func (tx *memoryTx) PutAircraft(ctx context.Context, a model.Aircraft) error {
	if tx.done {
		return errTxDone
	}
	var base int64
	if cur, err := tx.GetAircraft(ctx, a.ID); err == nil {
		base = cur.Version
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if a.Version != base+1 {
		return ErrVersionConflict
	}
	if _, ok := tx.puts[a.ID]; !ok {
		tx.order = append(tx.order, a.ID)
	}
	tx.puts[a.ID] = a.Clone()
	return nil
}

func (tx *memoryTx) AppendOutbox(_ context.Context, e model.OutboxEntry) error {
	if tx.done {
		return errTxDone
	}
	tx.entries = append(tx.entries, e)
	return nil
}

func (tx *memoryTx) Commit(context.Context) error {
	if tx.done {
		return errTxDone
	}
	tx.done = true

	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failCommit; err != nil {
		m.failCommit = nil
		return err
	}
	// Re-check every base version now that other transactions may have
	// committed since this one read.
	for _, id := range tx.order {
		a := tx.puts[id]
		cur, ok := m.aircraft[id]
		switch {
		case !ok && a.Version != 1:
			return ErrVersionConflict
		case ok && cur.Version != a.Version-1:
			return ErrVersionConflict
		}
	}
	for _, id := range tx.order {
		m.aircraft[id] = tx.puts[id]
	}
	for _, e := range tx.entries {
		e.Sequence = m.nextSeq
		m.nextSeq++
		if e.State == "" {
			e.State = model.StatePending
		}
		m.entries = append(m.entries, e)
	}
	return nil
}

func (tx *memoryTx) Rollback(context.Context) error {
	tx.done = true
	return nil
}

func (m *Memory) Claim(_ context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]outbox.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool)
	var out []outbox.Lease
	for i := range m.entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := &m.entries[i]
		if e.State.Terminal() || seen[e.AircraftID] {
			continue
		}
		// e is the head of line for its aircraft.
		seen[e.AircraftID] = true

		if !e.State.CanTransitionTo(model.StateDispatched) {
			continue
		}
		reclaimed := false
		switch e.State {
		case model.StateFailed:
			if e.NextAttemptAt.After(now) {
				continue
			}
		case model.StateDispatched:
			if e.LeaseExpiresAt.After(now) {
				continue
			}
			reclaimed = true
			e.Retries++
			e.LastError = "lease expired"
		}
		e.State = model.StateDispatched
		e.LeaseOwner = owner
		e.LeaseExpiresAt = now.Add(lease)
		out = append(out, outbox.Lease{Entry: cloneEntry(*e), Reclaimed: reclaimed})
	}
	return out, nil
}

// held returns the entry with seq if owner still holds its lease and the
// entry may move to state to. An illegal move also reports ErrLeaseLost,
// since only a dispatched entry has a lease.
func (m *Memory) held(seq int64, owner string, to model.DeliveryState) (*model.OutboxEntry, error) {
	i := sort.Search(len(m.entries), func(i int) bool { return m.entries[i].Sequence >= seq })
	if i == len(m.entries) || m.entries[i].Sequence != seq {
		return nil, outbox.ErrLeaseLost
	}
	e := &m.entries[i]
	if err := model.ValidateTransition(e.State, to); err != nil {
		return nil, fmt.Errorf("%w: %w", outbox.ErrLeaseLost, err)
	}
	if e.LeaseOwner != owner {
		return nil, outbox.ErrLeaseLost
	}
	return e, nil
}

func (m *Memory) MarkDelivered(_ context.Context, seq int64, owner string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.held(seq, owner, model.StateDelivered)
	if err != nil {
		return err
	}
	e.State = model.StateDelivered
	e.LeaseOwner = ""
	e.LeaseExpiresAt = time.Time{}
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, seq int64, owner string, retries int, nextAttemptAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.held(seq, owner, model.StateFailed)
	if err != nil {
		return err
	}
	e.State = model.StateFailed
	e.Retries = retries
	e.NextAttemptAt = nextAttemptAt
	e.LastError = lastErr
	e.LeaseOwner = ""
	e.LeaseExpiresAt = time.Time{}
	return nil
}

func (m *Memory) DeadLetter(_ context.Context, seq int64, owner string, retries int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.held(seq, owner, model.StateDeadLettered)
	if err != nil {
		return err
	}
	e.State = model.StateDeadLettered
	e.Retries = retries
	e.LastError = reason
	e.LeaseOwner = ""
	e.LeaseExpiresAt = time.Time{}
	return nil
}

func (m *Memory) ListDeadLettered(_ context.Context, limit int) ([]model.OutboxEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxEntry
	for _, e := range m.entries {
		if e.State == model.StateDeadLettered {
			out = append(out, cloneEntry(e))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) PurgeDelivered(_ context.Context, before time.Time, limit int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		kept   = m.entries[:0]
		purged int64
	)
	for _, e := range m.entries {
		if e.State == model.StateDelivered && e.CreatedAt.Before(before) && (limit <= 0 || purged < int64(limit)) {
			purged++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return purged, nil
}

func cloneEntry(e model.OutboxEntry) model.OutboxEntry {
	e.Payload = append([]byte(nil), e.Payload...)
	return e
}
