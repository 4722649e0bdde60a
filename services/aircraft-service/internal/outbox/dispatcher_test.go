package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/bus"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/encoder"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/fleet"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/ledger"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/outbox"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sentMessage struct {
	topic string
	msg   bus.Message
}

// fakeBus records successful sends. fail decides per call whether the send
// fails; block, when set, is waited on before every send.
type fakeBus struct {
	mu    sync.Mutex
	sent  []sentMessage
	calls int
	fail  func(call int, msg bus.Message) error
	block chan struct{}
	enter chan struct{}
}

func (b *fakeBus) Send(ctx context.Context, topic string, msg bus.Message) error {
	if b.enter != nil {
		b.enter <- struct{}{}
	}
	if b.block != nil {
		select {
		case <-b.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.fail != nil {
		if err := b.fail(b.calls, msg); err != nil {
			return err
		}
	}
	b.sent = append(b.sent, sentMessage{topic: topic, msg: msg})
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) Sent() []sentMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]sentMessage(nil), b.sent...)
}

func (b *fakeBus) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

type recordingAlerter struct {
	mu   sync.Mutex
	dead []*outbox.DeadLetterError
}

func (a *recordingAlerter) DeadLettered(_ context.Context, dl *outbox.DeadLetterError) {
	a.mu.Lock()
	a.dead = append(a.dead, dl)
	a.mu.Unlock()
}

type harness struct {
	clock   *clock
	store   *storage.Memory
	ledger  *ledger.Memory
	bus     *fakeBus
	alerter *recordingAlerter
	fleet   *fleet.Service
	reg     *prometheus.Registry
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	c := newClock()
	store := storage.NewMemory()
	return &harness{
		clock:   c,
		store:   store,
		ledger:  ledger.NewMemory(),
		bus:     &fakeBus{},
		alerter: &recordingAlerter{},
		fleet:   fleet.NewService(store, discardLogger(), fleet.WithClock(c.Now)),
		reg:     prometheus.NewRegistry(),
	}
}

func (h *harness) dispatcher(t *testing.T, cfg outbox.Config, opts ...outbox.Option) *outbox.Dispatcher {
	t.Helper()
	opts = append([]outbox.Option{
		outbox.WithClock(h.clock.Now),
		outbox.WithAlerter(h.alerter),
		outbox.WithRegisterer(h.reg),
	}, opts...)
	d, err := outbox.New(h.store, h.ledger, h.bus, discardLogger(), cfg, opts...)
	require.NoError(t, err)
	return d
}

func (h *harness) create(t *testing.T, id string) {
	t.Helper()
	_, err := h.fleet.Create(context.Background(), fleet.CreateInput{ID: id, Name: "n", Model: "A320"})
	require.NoError(t, err)
}

func (h *harness) entry(t *testing.T, seq int64) model.OutboxEntry {
	t.Helper()
	for _, e := range h.store.Entries() {
		if e.Sequence == seq {
			return e
		}
	}
	t.Fatalf("no outbox entry %d", seq)
	return model.OutboxEntry{}
}

func testConfig() outbox.Config {
	cfg := outbox.DefaultConfig()
	cfg.Workers = 1
	cfg.MaxRetries = 5
	cfg.BaseDelay = time.Second
	cfg.MaxDelay = time.Minute
	return cfg
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestFailTwiceThenSucceed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	h.bus.fail = func(call int, _ bus.Message) error {
		if call <= 2 {
			return errors.New("broker unavailable")
		}
		return nil
	}
	d := h.dispatcher(t, testConfig(), outbox.WithRand(func() float64 { return 0.5 }))

	for i := 0; i < 2; i++ {
		res, err := d.DispatchOnce(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, 1, res.Failed)

		e := h.entry(t, 1)
		assert.Equal(t, model.StateFailed, e.State)
		assert.Equal(t, i+1, e.Retries)

		// Not due yet.
		res, err = d.DispatchOnce(ctx, "w1")
		require.NoError(t, err)
		assert.Zero(t, res.Claimed)

		h.clock.Advance(time.Minute)
	}

	res, err := d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, model.StateDelivered, h.entry(t, 1).State)

	sent := h.bus.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "fleet.aircraft.created.v1", sent[0].topic)
	assert.Equal(t, "X", sent[0].msg.Key)

	eventID := encoder.EventID("X", 1)
	rec, err := h.ledger.Get(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, ledger.OutcomeDelivered, rec.Outcome)

	attempts, err := h.ledger.Attempts(ctx, eventID)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, ledger.OutcomeFailed, attempts[0].Outcome)
	assert.Equal(t, ledger.OutcomeFailed, attempts[1].Outcome)
	assert.Equal(t, ledger.OutcomeDelivered, attempts[2].Outcome)
}

func TestBackoffDelaysFollowPolicy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	h.bus.fail = func(int, bus.Message) error { return errors.New("down") }
	d := h.dispatcher(t, testConfig(), outbox.WithRand(func() float64 { return 0.5 }))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for _, delay := range want {
		_, err := d.DispatchOnce(ctx, "w1")
		require.NoError(t, err)
		assert.Equal(t, delay, h.entry(t, 1).NextAttemptAt.Sub(h.clock.Now()))
		h.clock.Advance(delay)
	}
}

func TestDeadLetterAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	h.bus.fail = func(int, bus.Message) error { return errors.New("down") }

	cfg := testConfig()
	cfg.MaxRetries = 4
	d := h.dispatcher(t, cfg)

	var delays []time.Duration
	for i := 0; i < 20; i++ {
		res, err := d.DispatchOnce(ctx, "w1")
		require.NoError(t, err)
		if res.DeadLettered == 1 {
			break
		}
		e := h.entry(t, 1)
		require.Equal(t, model.StateFailed, e.State)
		delays = append(delays, e.NextAttemptAt.Sub(h.clock.Now()))
		h.clock.Advance(cfg.MaxDelay)
	}

	assert.Equal(t, cfg.MaxRetries+1, h.bus.Calls(), "one initial attempt plus every retry")
	require.Len(t, delays, cfg.MaxRetries)
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1], "delay %d", i)
	}

	e := h.entry(t, 1)
	assert.Equal(t, model.StateDeadLettered, e.State)
	assert.Equal(t, cfg.MaxRetries+1, e.Retries)

	require.Len(t, h.alerter.dead, 1)
	dl := h.alerter.dead[0]
	assert.Equal(t, "X", dl.AircraftID)
	var terr *outbox.TransientDeliveryError
	assert.ErrorAs(t, dl, &terr)

	rec, err := h.ledger.Get(ctx, encoder.EventID("X", 1))
	require.NoError(t, err)
	assert.Equal(t, ledger.OutcomeDeadLettered, rec.Outcome)
	assert.Equal(t, cfg.MaxRetries+1, rec.Attempts)

	assert.Equal(t, float64(1), counterValue(t, h.reg, "airfleet_outbox_dead_lettered_total"))

	// Dead-lettered entries are never claimed again.
	h.clock.Advance(time.Hour)
	res, err := d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, res.Claimed)
}

func TestPermanentEncodingErrorDeadLettersAtOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	tx, err := h.store.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.AppendOutbox(ctx, model.OutboxEntry{
		AircraftID:      "X",
		EventType:       model.EventAircraftUpdated,
		AircraftVersion: 1,
		Payload:         []byte(`{"id":"X","version":1,"engines":4}`),
		CreatedAt:       h.clock.Now(),
	}))
	require.NoError(t, tx.Commit(ctx))
	h.create(t, "X")

	d := h.dispatcher(t, testConfig())
	res, err := d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Zero(t, h.bus.Calls())
	assert.Equal(t, model.StateDeadLettered, h.entry(t, 1).State)

	var perr *encoder.PermanentEncodingError
	require.Len(t, h.alerter.dead, 1)
	assert.ErrorAs(t, h.alerter.dead[0], &perr)

	// The aircraft's next entry is no longer blocked.
	res, err = d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
}

func TestAlreadyDeliveredIsNotResent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	require.NoError(t, h.ledger.RecordAttempt(ctx, ledger.Attempt{
		EventID: encoder.EventID("X", 1), AircraftID: "X", Sequence: 1,
		Outcome: ledger.OutcomeDelivered, At: h.clock.Now(),
	}))

	d := h.dispatcher(t, testConfig())
	res, err := d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, h.bus.Calls())
	assert.Equal(t, model.StateDelivered, h.entry(t, 1).State)
}

func TestCrashedWorkerLeaseIsRecovered(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	cfg := testConfig()

	// A worker claims and dies without recording anything.
	leases, err := h.store.Claim(ctx, "crashed/0", h.clock.Now(), cfg.LeaseTimeout, 10)
	require.NoError(t, err)
	require.Len(t, leases, 1)

	d := h.dispatcher(t, cfg)
	res, err := d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, res.Claimed, "lease still valid")

	h.clock.Advance(cfg.LeaseTimeout)
	res, err = d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)

	e := h.entry(t, 1)
	assert.Equal(t, model.StateDelivered, e.State)
	assert.Equal(t, 1, e.Retries)

	attempts, err := h.ledger.Attempts(ctx, encoder.EventID("X", 1))
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, ledger.OutcomeAbandoned, attempts[0].Outcome)
	assert.Equal(t, ledger.OutcomeDelivered, attempts[1].Outcome)
}

func TestReclaimBeyondMaxRetriesDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	cfg := testConfig()
	cfg.MaxRetries = outbox.NoRetries

	_, err := h.store.Claim(ctx, "crashed/0", h.clock.Now(), cfg.LeaseTimeout, 10)
	require.NoError(t, err)
	h.clock.Advance(cfg.LeaseTimeout)

	d := h.dispatcher(t, cfg)
	res, err := d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Zero(t, h.bus.Calls())
}

func TestExpiredLeaseHolderCannotOverwrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	h.bus.enter = make(chan struct{}, 1)
	h.bus.block = make(chan struct{})
	cfg := testConfig()
	d := h.dispatcher(t, cfg)

	done := make(chan outbox.Result, 1)
	go func() {
		res, err := d.DispatchOnce(ctx, "slow")
		assert.NoError(t, err)
		done <- res
	}()
	<-h.bus.enter

	// The slow worker's lease lapses and another worker takes the entry.
	h.clock.Advance(cfg.LeaseTimeout + time.Second)
	leases, err := h.store.Claim(ctx, "fast", h.clock.Now(), cfg.LeaseTimeout, 10)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.True(t, leases[0].Reclaimed)

	close(h.bus.block)
	res := <-done
	assert.Equal(t, 1, res.LeaseLost)

	e := h.entry(t, 1)
	assert.Equal(t, model.StateDispatched, e.State)
	assert.Equal(t, "fast", e.LeaseOwner)

	// The send did happen, so the new owner will skip it.
	delivered, err := h.ledger.HasDelivered(ctx, encoder.EventID("X", 1))
	require.NoError(t, err)
	assert.True(t, delivered)
}

func TestPerAircraftOrderUnderConcurrentWorkers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	const (
		aircraft = 5
		updates  = 15
	)
	for a := 0; a < aircraft; a++ {
		id := fmt.Sprintf("ac-%d", a)
		h.create(t, id)
		for v := int64(1); v <= updates; v++ {
			name := fmt.Sprintf("rev-%d", v)
			_, err := h.fleet.Update(ctx, id, v, fleet.Patch{Name: &name})
			require.NoError(t, err)
		}
	}
	total := aircraft * (updates + 1)

	rng := rand.New(rand.NewPCG(1, 2))
	var rngMu sync.Mutex
	h.bus.fail = func(int, bus.Message) error {
		rngMu.Lock()
		defer rngMu.Unlock()
		if rng.Float64() < 0.3 {
			return errors.New("random broker failure")
		}
		return nil
	}

	cfg := testConfig()
	cfg.Workers = 4
	cfg.BatchSize = 3
	cfg.PollInterval = time.Millisecond
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.MaxRetries = 1000
	d, err := outbox.New(h.store, h.ledger, h.bus, discardLogger(), cfg,
		outbox.WithRegisterer(h.reg),
		outbox.WithAlerter(h.alerter),
	)
	require.NoError(t, err)
	require.NoError(t, d.Start(ctx))

	require.Eventually(t, func() bool {
		for _, e := range h.store.Entries() {
			if e.State != model.StateDelivered {
				return false
			}
		}
		return true
	}, 20*time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(shutdownCtx))

	sent := h.bus.Sent()
	require.Len(t, sent, total, "each event published exactly once")

	last := make(map[string]int64)
	lastVersion := make(map[string]int64)
	for _, s := range sent {
		var env encoder.Envelope
		require.NoError(t, json.Unmarshal(s.msg.Value, &env))
		assert.Greater(t, env.Sequence, last[env.AircraftID], "aircraft %s out of order", env.AircraftID)
		assert.Equal(t, lastVersion[env.AircraftID]+1, env.AircraftVersion)
		last[env.AircraftID] = env.Sequence
		lastVersion[env.AircraftID] = env.AircraftVersion
	}
	assert.Len(t, last, aircraft)
	assert.Empty(t, h.alerter.dead)
}

func TestPurgeDeliveredAfterRetention(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	cfg := testConfig()
	cfg.Retention = time.Hour
	d := h.dispatcher(t, cfg)

	_, err := d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)

	n, err := d.Purge(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Hour)
	n, err = d.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, h.store.Entries())
}

func TestConfigRejects(t *testing.T) {
	cases := map[string]func(*outbox.Config){
		"send timeout not below lease": func(c *outbox.Config) { c.SendTimeout = c.LeaseTimeout },
		"negative jitter":              func(c *outbox.Config) { c.JitterFraction = -0.1 },
		"jitter above one third":       func(c *outbox.Config) { c.JitterFraction = 0.34 },
		"jitter above one":             func(c *outbox.Config) { c.JitterFraction = 1.5 },
		"max delay below base":         func(c *outbox.Config) { c.MaxDelay = c.BaseDelay / 2 },
		"max retries below NoRetries":  func(c *outbox.Config) { c.MaxRetries = -2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t)
			cfg := testConfig()
			mutate(&cfg)
			_, err := outbox.New(h.store, h.ledger, h.bus, discardLogger(), cfg)
			assert.Error(t, err)
		})
	}
}

func TestLargestJitterKeepsDelaysIncreasing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	h.bus.fail = func(int, bus.Message) error { return errors.New("down") }

	// Highest jitter draw first, lowest second.
	draws := []float64{0.999, 0}
	next := func() float64 {
		r := draws[0]
		draws = draws[1:]
		return r
	}
	cfg := testConfig()
	cfg.JitterFraction = 1.0 / 3
	d := h.dispatcher(t, cfg, outbox.WithRand(next))

	var delays []time.Duration
	for i := 0; i < 2; i++ {
		_, err := d.DispatchOnce(ctx, "w1")
		require.NoError(t, err)
		delays = append(delays, h.entry(t, 1).NextAttemptAt.Sub(h.clock.Now()))
		h.clock.Advance(cfg.MaxDelay)
	}
	assert.Greater(t, delays[1], delays[0])
}

func TestZeroConfigKeepsDefaultRetries(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	h.bus.fail = func(int, bus.Message) error { return errors.New("down") }

	d := h.dispatcher(t, outbox.Config{})
	res, err := d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	assert.Zero(t, res.DeadLettered)

	e := h.entry(t, 1)
	assert.Equal(t, model.StateFailed, e.State)
	assert.Equal(t, 1, e.Retries)
}

func TestNoRetriesDeadLettersFirstFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.create(t, "X")
	h.bus.fail = func(int, bus.Message) error { return errors.New("down") }

	cfg := testConfig()
	cfg.MaxRetries = outbox.NoRetries
	d := h.dispatcher(t, cfg)

	res, err := d.DispatchOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 1, h.bus.Calls())
	assert.Equal(t, model.StateDeadLettered, h.entry(t, 1).State)
}

func TestStartTwiceFails(t *testing.T) {
	h := newHarness(t)
	d := h.dispatcher(t, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, d.Start(ctx))
	assert.Error(t, d.Start(ctx))
	require.NoError(t, d.Shutdown(context.Background()))
}
