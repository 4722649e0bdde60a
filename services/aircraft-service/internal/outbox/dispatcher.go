package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/airfleet/libs/backoff"
	otelx "github.com/md-rashed-zaman/airfleet/libs/otel"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/bus"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/encoder"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/ledger"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Ledger is the part of the idempotency ledger the dispatcher writes to.
type Ledger interface {
	RecordAttempt(ctx context.Context, attempt ledger.Attempt) error
	HasDelivered(ctx context.Context, eventID string) (bool, error)
}

var errLeaseAbandoned = errors.New("lease expired before the outcome was recorded")

type result string

const (
	resultDelivered    result = "delivered"
	resultSkipped      result = "skipped"
	resultFailed       result = "failed"
	resultDeadLettered result = "dead_lettered"
	resultLeaseLost    result = "lease_lost"
	resultError        result = "error"
)

// Result counts what one claim cycle did with its leases.
type Result struct {
	Claimed      int
	Delivered    int
	Skipped      int
	Failed       int
	DeadLettered int
	LeaseLost    int
	Errors       int
}

func (r *Result) add(res result) {
	switch res {
	case resultDelivered:
		r.Delivered++
	case resultSkipped:
		r.Skipped++
	case resultFailed:
		r.Failed++
	case resultDeadLettered:
		r.DeadLettered++
	case resultLeaseLost:
		r.LeaseLost++
	default:
		r.Errors++
	}
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithRand replaces the jitter source; r must return values in [0, 1).
func WithRand(r func() float64) Option {
	return func(d *Dispatcher) { d.policy.Rand = r }
}

func WithAlerter(a Alerter) Option {
	return func(d *Dispatcher) { d.alerter = a }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) { d.registerer = reg }
}

// WithOwnerID sets the process part of lease owner ids. Workers append
// their index to it.
func WithOwnerID(id string) Option {
	return func(d *Dispatcher) { d.ownerID = id }
}

type Dispatcher struct {
	repo    Repository
	ledger  Ledger
	bus     bus.Client
	logger  *slog.Logger
	cfg     Config
	policy  backoff.Policy
	alerter Alerter
	tracer  trace.Tracer
	now     func() time.Time
	ownerID string

	registerer prometheus.Registerer
	metrics    *metrics

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(repo Repository, l Ledger, client bus.Client, logger *slog.Logger, cfg Config, opts ...Option) (*Dispatcher, error) {
	cfg, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		repo:   repo,
		ledger: l,
		bus:    client,
		logger: logger,
		cfg:    cfg,
		policy: backoff.Policy{
			Base:           cfg.BaseDelay,
			Max:            cfg.MaxDelay,
			JitterFraction: cfg.JitterFraction,
		},
		tracer:  otel.Tracer("airfleet/outbox"),
		now:     func() time.Time { return time.Now().UTC() },
		ownerID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.alerter == nil {
		d.alerter = LogAlerter{Logger: logger}
	}
	d.metrics = newMetrics(d.registerer)
	return d, nil
}

// Start launches the claim workers and, when retention is configured, the
// purge loop. It returns immediately.
func (d *Dispatcher) Start(ctx context.Context) error {
	if !d.started.CompareAndSwap(false, true) {
		return errors.New("outbox dispatcher already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.cfg.Workers; i++ {
		owner := fmt.Sprintf("%s/%d", d.ownerID, i)
		d.wg.Add(1)
		go d.work(runCtx, owner)
	}
	if d.cfg.Retention > 0 {
		d.wg.Add(1)
		go d.purgeLoop(runCtx)
	}
	d.logger.Info("outbox dispatcher started",
		"workers", d.cfg.Workers,
		"batch_size", d.cfg.BatchSize,
		"lease_timeout", d.cfg.LeaseTimeout,
		"send_timeout", d.cfg.SendTimeout,
		"max_retries", d.cfg.MaxRetries,
	)
	return nil
}

// Shutdown stops claiming new work and waits for in-flight sends, which are
// bounded by SendTimeout, to record their outcome.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if !d.started.Load() {
		return nil
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.logger.Info("outbox dispatcher stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("outbox dispatcher shutdown: %w", ctx.Err())
	}
}

func (d *Dispatcher) work(ctx context.Context, owner string) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := d.DispatchOnce(ctx, owner)
		if err != nil && ctx.Err() == nil {
			d.logger.Error("outbox dispatch cycle failed", "owner", owner, "err", err)
		}
		// A full batch means more work is probably waiting.
		if err == nil && res.Claimed >= d.cfg.BatchSize {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchOnce runs one claim cycle for owner and processes every lease it
// obtained. Leases are always finished even if ctx is cancelled meanwhile.
func (d *Dispatcher) DispatchOnce(ctx context.Context, owner string) (Result, error) {
	ctx, span := d.tracer.Start(ctx, "outbox.claim", trace.WithAttributes(
		attribute.String("outbox.owner", owner),
	))
	defer span.End()

	leases, err := d.repo.Claim(ctx, owner, d.now(), d.cfg.LeaseTimeout, d.cfg.BatchSize)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return Result{}, fmt.Errorf("claim outbox entries: %w", err)
	}
	d.metrics.claimed.Observe(float64(len(leases)))
	span.SetAttributes(attribute.Int("outbox.claimed", len(leases)))

	res := Result{Claimed: len(leases)}
	if len(leases) == 0 {
		return res, nil
	}

	work := context.WithoutCancel(ctx)
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.cfg.SendConcurrency)
	for _, lease := range leases {
		g.Go(func() error {
			r := d.process(work, owner, lease)
			mu.Lock()
			res.add(r)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return res, nil
}

func (d *Dispatcher) process(ctx context.Context, owner string, lease Lease) result {
	entry := lease.Entry
	eventID := encoder.EventID(entry.AircraftID, entry.Sequence)

	ctx = otelx.TraceContext{Parent: entry.Traceparent, State: entry.Tracestate}.Attach(ctx)
	ctx, span := d.tracer.Start(ctx, "outbox.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", eventID),
			attribute.String("aircraft.id", entry.AircraftID),
			attribute.Int64("outbox.sequence", entry.Sequence),
			attribute.Int("outbox.retries", entry.Retries),
		),
	)
	defer span.End()

	log := d.logger.With(
		"event_id", eventID,
		"aircraft_id", entry.AircraftID,
		"sequence", entry.Sequence,
		"owner", owner,
	)
	r := d.dispatch(ctx, owner, lease, eventID, log)
	d.metrics.dispatched.WithLabelValues(string(r)).Inc()
	span.SetAttributes(attribute.String("outbox.result", string(r)))
	return r
}

func (d *Dispatcher) dispatch(ctx context.Context, owner string, lease Lease, eventID string, log *slog.Logger) result {
	entry := lease.Entry
	if lease.Reclaimed {
		log.Warn("reclaimed expired outbox lease", "retries", entry.Retries)
		_ = d.record(ctx, log, entry, eventID, ledger.OutcomeAbandoned, errLeaseAbandoned.Error())
	}

	delivered, err := d.ledger.HasDelivered(ctx, eventID)
	if err != nil {
		log.Warn("ledger lookup failed, sending anyway", "err", err)
	}
	if delivered {
		log.Info("event already delivered, skipping send")
		return d.markDelivered(ctx, owner, entry, log, resultSkipped)
	}
	if lease.Reclaimed && entry.Retries > d.cfg.MaxRetries {
		return d.deadLetter(ctx, owner, entry, eventID, log, errLeaseAbandoned)
	}

	payload, err := encoder.Encode(entry)
	if err != nil {
		return d.deadLetter(ctx, owner, entry, eventID, log, err)
	}

	topic := encoder.Topic(d.cfg.TopicPrefix, entry.EventType)
	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	start := time.Now()
	err = d.bus.Send(sendCtx, topic, bus.Message{
		Key:           entry.AircraftID,
		Value:         payload,
		EventID:       eventID,
		EventType:     string(entry.EventType),
		SchemaVersion: encoder.SchemaVersion,
	})
	cancel()
	d.metrics.latency.Observe(time.Since(start).Seconds())

	if err == nil {
		_ = d.record(ctx, log, entry, eventID, ledger.OutcomeDelivered, "")
		d.metrics.deliveryLag.Observe(d.now().Sub(entry.CreatedAt).Seconds())
		return d.markDelivered(ctx, owner, entry, log, resultDelivered)
	}

	derr := &TransientDeliveryError{EventID: eventID, Topic: topic, Err: err}
	trace.SpanFromContext(ctx).RecordError(derr)

	entry.Retries++
	if entry.Retries > d.cfg.MaxRetries {
		return d.deadLetter(ctx, owner, entry, eventID, log, derr)
	}
	if err := d.record(ctx, log, entry, eventID, ledger.OutcomeFailed, derr.Error()); errors.Is(err, ledger.ErrAlreadyFinalized) {
		if ok, _ := d.ledger.HasDelivered(ctx, eventID); ok {
			return d.markDelivered(ctx, owner, entry, log, resultSkipped)
		}
	}

	delay := d.policy.Delay(entry.Retries)
	if err := d.repo.MarkFailed(ctx, entry.Sequence, owner, entry.Retries, d.now().Add(delay), derr.Error()); err != nil {
		return d.stateError(log, "mark failed", err)
	}
	log.Warn("outbox delivery failed, retry scheduled",
		"retries", entry.Retries,
		"retry_in", delay,
		"err", derr,
	)
	return resultFailed
}

func (d *Dispatcher) deadLetter(ctx context.Context, owner string, entry model.OutboxEntry, eventID string, log *slog.Logger, cause error) result {
	dl := &DeadLetterError{
		EventID:    eventID,
		AircraftID: entry.AircraftID,
		Sequence:   entry.Sequence,
		Retries:    entry.Retries,
		Err:        cause,
	}
	if err := d.record(ctx, log, entry, eventID, ledger.OutcomeDeadLettered, cause.Error()); errors.Is(err, ledger.ErrAlreadyFinalized) {
		if ok, _ := d.ledger.HasDelivered(ctx, eventID); ok {
			return d.markDelivered(ctx, owner, entry, log, resultSkipped)
		}
	}
	if err := d.repo.DeadLetter(ctx, entry.Sequence, owner, entry.Retries, dl.Error()); err != nil {
		return d.stateError(log, "dead letter", err)
	}
	d.metrics.deadLettered.Inc()
	d.alerter.DeadLettered(ctx, dl)
	return resultDeadLettered
}

func (d *Dispatcher) markDelivered(ctx context.Context, owner string, entry model.OutboxEntry, log *slog.Logger, r result) result {
	if err := d.repo.MarkDelivered(ctx, entry.Sequence, owner, d.now()); err != nil {
		return d.stateError(log, "mark delivered", err)
	}
	return r
}

func (d *Dispatcher) record(ctx context.Context, log *slog.Logger, entry model.OutboxEntry, eventID string, outcome ledger.Outcome, errText string) error {
	err := d.ledger.RecordAttempt(ctx, ledger.Attempt{
		EventID:    eventID,
		AircraftID: entry.AircraftID,
		Sequence:   entry.Sequence,
		Outcome:    outcome,
		Error:      errText,
		At:         d.now(),
	})
	if err != nil && !errors.Is(err, ledger.ErrAlreadyFinalized) {
		log.Error("ledger write failed", "outcome", outcome, "err", err)
	}
	return err
}

func (d *Dispatcher) stateError(log *slog.Logger, op string, err error) result {
	if errors.Is(err, ErrLeaseLost) {
		log.Warn("outbox lease lost before state update", "op", op)
		return resultLeaseLost
	}
	log.Error("outbox state update failed", "op", op, "err", err)
	return resultError
}

func (d *Dispatcher) purgeLoop(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Purge(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("outbox purge failed", "err", err)
			}
		}
	}
}

// Purge deletes delivered entries older than the retention window.
func (d *Dispatcher) Purge(ctx context.Context) (int64, error) {
	if d.cfg.Retention <= 0 {
		return 0, nil
	}
	var total int64
	before := d.now().Add(-d.cfg.Retention)
	for {
		n, err := d.repo.PurgeDelivered(ctx, before, 1000)
		if err != nil {
			return total, fmt.Errorf("purge delivered outbox entries: %w", err)
		}
		total += n
		if n < 1000 {
			break
		}
	}
	if total > 0 {
		d.logger.Info("purged delivered outbox entries", "count", total, "before", before)
	}
	return total, nil
}
