package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/airfleet/libs/db"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/outbox"
)

// Postgres stores aircraft and their outbox rows in one database so both
// can be written in a single transaction.
type Postgres struct {
	pool *db.Pool
}

var (
	_ RecordStore       = (*Postgres)(nil)
	_ outbox.Repository = (*Postgres)(nil)
)

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// ReadAircraft reads the committed row without a transaction or row lock.
func (p *Postgres) ReadAircraft(ctx context.Context, id string) (*model.Aircraft, error) {
	return scanAircraft(p.pool.QueryRow(ctx, `
		SELECT `+aircraftColumns+`
		FROM aircraft
		WHERE id = $1
	`, id))
}

func (p *Postgres) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

// conflict folds the postgres errors that mean "someone else committed
// first" into ErrVersionConflict.
func conflict(err error) error {
	if db.IsSerializationFailure(err) || db.IsUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

const aircraftColumns = `id, name, model, status, location, version, created_at, updated_at, deleted_at`

func scanAircraft(row pgx.Row) (*model.Aircraft, error) {
	var a model.Aircraft
	err := row.Scan(&a.ID, &a.Name, &a.Model, &a.Status, &a.Location, &a.Version, &a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, conflict(err)
	}
	return &a, nil
}

// GetAircraft locks the row so concurrent writers of the same aircraft
// serialize on it.
func (t *pgTx) GetAircraft(ctx context.Context, id string) (*model.Aircraft, error) {
	return scanAircraft(t.tx.QueryRow(ctx, `
		SELECT `+aircraftColumns+`
		FROM aircraft
		WHERE id = $1
		FOR UPDATE
	`, id))
}

func (t *pgTx) PutAircraft(ctx context.Context, a model.Aircraft) error {
	var (
		sql  string
		args = []any{a.ID, a.Name, a.Model, a.Status, a.Location, a.Version, a.CreatedAt, a.UpdatedAt, a.DeletedAt}
	)
	if a.Version == 1 {
		sql = `
			INSERT INTO aircraft (id, name, model, status, location, version, created_at, updated_at, deleted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (id) DO NOTHING
		`
	} else {
		sql = `
			UPDATE aircraft
			SET name = $2, model = $3, status = $4, location = $5, version = $6,
				created_at = $7, updated_at = $8, deleted_at = $9
			WHERE id = $1 AND version = $6 - 1
		`
	}
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		return conflict(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (t *pgTx) AppendOutbox(ctx context.Context, e model.OutboxEntry) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO aircraft_outbox
			(aircraft_id, event_type, aircraft_version, payload, created_at, state, next_attempt_at, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.AircraftID, e.EventType, e.AircraftVersion, e.Payload, e.CreatedAt, model.StatePending, e.CreatedAt,
		e.Traceparent, e.Tracestate)
	return conflict(err)
}

func (t *pgTx) Commit(ctx context.Context) error {
	return conflict(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

const entryColumns = `o.seq, o.aircraft_id, o.event_type, o.aircraft_version, o.payload, o.created_at,
	o.state, o.retries, o.next_attempt_at, o.lease_owner, o.lease_expires_at, o.last_error,
	o.traceparent, o.tracestate`

func scanEntry(row pgx.Row, extra ...any) (model.OutboxEntry, error) {
	var (
		e       model.OutboxEntry
		expires *time.Time
	)
	dest := append([]any{
		&e.Sequence, &e.AircraftID, &e.EventType, &e.AircraftVersion, &e.Payload, &e.CreatedAt,
		&e.State, &e.Retries, &e.NextAttemptAt, &e.LeaseOwner, &expires, &e.LastError,
		&e.Traceparent, &e.Tracestate,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return model.OutboxEntry{}, err
	}
	if expires != nil {
		e.LeaseExpiresAt = *expires
	}
	return e, nil
}

// Claim leases the head-of-line entry of up to limit aircraft. Conditions
// are evaluated on the locked row so a row claimed by a concurrent
// transaction after this statement's snapshot is not leased twice.
func (p *Postgres) Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]outbox.Lease, error) {
	rows, err := p.pool.Query(ctx, `
		WITH heads AS (
			SELECT DISTINCT ON (aircraft_id) seq
			FROM aircraft_outbox
			WHERE state NOT IN ('delivered', 'dead_lettered')
			ORDER BY aircraft_id, seq
		), eligible AS (
			SELECT o.seq, o.state AS prev_state
			FROM aircraft_outbox o
			JOIN heads h ON h.seq = o.seq
			WHERE o.state = 'pending'
				OR (o.state = 'failed' AND o.next_attempt_at <= $1)
				OR (o.state = 'dispatched' AND o.lease_expires_at <= $1)
			ORDER BY o.seq
			LIMIT $4
			FOR UPDATE OF o SKIP LOCKED
		)
		UPDATE aircraft_outbox o
		SET state = 'dispatched',
			lease_owner = $2,
			lease_expires_at = $3,
			retries = CASE WHEN e.prev_state = 'dispatched' THEN o.retries + 1 ELSE o.retries END,
			last_error = CASE WHEN e.prev_state = 'dispatched' THEN 'lease expired' ELSE o.last_error END
		FROM eligible e
		WHERE o.seq = e.seq
		RETURNING `+entryColumns+`, e.prev_state = 'dispatched'
	`, now, owner, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var leases []outbox.Lease
	for rows.Next() {
		var reclaimed bool
		e, err := scanEntry(rows, &reclaimed)
		if err != nil {
			return nil, err
		}
		leases = append(leases, outbox.Lease{Entry: e, Reclaimed: reclaimed})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified.
	sortLeases(leases)
	return leases, nil
}

// transition runs an update guarded by state = 'dispatched' and the lease
// owner. When no row matched it reports ErrLeaseLost, joined with
// model.ErrInvalidTransition if the row's current state cannot move to to.
func (p *Postgres) transition(ctx context.Context, seq int64, to model.DeliveryState, sql string, args ...any) error {
	tag, err := p.pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var state model.DeliveryState
	err = p.pool.QueryRow(ctx, `SELECT state FROM aircraft_outbox WHERE seq = $1`, seq).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outbox.ErrLeaseLost
		}
		return fmt.Errorf("%w: %v", outbox.ErrLeaseLost, err)
	}
	if err := model.ValidateTransition(state, to); err != nil {
		return fmt.Errorf("%w: %w", outbox.ErrLeaseLost, err)
	}
	return outbox.ErrLeaseLost
}

func (p *Postgres) MarkDelivered(ctx context.Context, seq int64, owner string, at time.Time) error {
	return p.transition(ctx, seq, model.StateDelivered, `
		UPDATE aircraft_outbox
		SET state = 'delivered', delivered_at = $3, lease_owner = '', lease_expires_at = NULL
		WHERE seq = $1 AND state = 'dispatched' AND lease_owner = $2
	`, seq, owner, at)
}

func (p *Postgres) MarkFailed(ctx context.Context, seq int64, owner string, retries int, nextAttemptAt time.Time, lastErr string) error {
	return p.transition(ctx, seq, model.StateFailed, `
		UPDATE aircraft_outbox
		SET state = 'failed', retries = $3, next_attempt_at = $4, last_error = $5,
			lease_owner = '', lease_expires_at = NULL
		WHERE seq = $1 AND state = 'dispatched' AND lease_owner = $2
	`, seq, owner, retries, nextAttemptAt, lastErr)
}

func (p *Postgres) DeadLetter(ctx context.Context, seq int64, owner string, retries int, reason string) error {
	return p.transition(ctx, seq, model.StateDeadLettered, `
		UPDATE aircraft_outbox
		SET state = 'dead_lettered', retries = $3, last_error = $4,
			lease_owner = '', lease_expires_at = NULL
		WHERE seq = $1 AND state = 'dispatched' AND lease_owner = $2
	`, seq, owner, retries, reason)
}

func (p *Postgres) ListDeadLettered(ctx context.Context, limit int) ([]model.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+entryColumns+`
		FROM aircraft_outbox o
		WHERE o.state = 'dead_lettered'
		ORDER BY o.seq
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OutboxEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) PurgeDelivered(ctx context.Context, before time.Time, limit int) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM aircraft_outbox
		WHERE seq IN (
			SELECT seq FROM aircraft_outbox
			WHERE state = 'delivered' AND created_at < $1
			ORDER BY seq
			LIMIT $2
		)
	`, before, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func sortLeases(leases []outbox.Lease) {
	sort.Slice(leases, func(i, j int) bool {
		return leases[i].Entry.Sequence < leases[j].Entry.Sequence
	})
}
