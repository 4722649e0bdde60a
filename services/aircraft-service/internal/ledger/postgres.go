package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/airfleet/libs/db"
)

type Postgres struct {
	pool *db.Pool
}

func NewPostgres(pool *db.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const recordColumns = `event_id, aircraft_id, sequence, attempts, first_attempt_at, last_attempt_at, outcome, last_error, finalized_at`

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.EventID, &rec.AircraftID, &rec.Sequence, &rec.Attempts,
		&rec.FirstAttemptAt, &rec.LastAttemptAt, &rec.Outcome, &rec.LastError, &rec.FinalizedAt)
	return rec, err
}

func (p *Postgres) RecordAttempt(ctx context.Context, attempt Attempt) error {
	if attempt.EventID == "" {
		return errors.New("ledger: empty event id")
	}
	return p.pool.WithTx(ctx, pgx.TxOptions{}, func(tx pgx.Tx) error {
		// Serialize writers of the same event id before reading the record.
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispatch_records (event_id, aircraft_id, sequence, attempts, first_attempt_at, last_attempt_at, outcome)
			VALUES ($1, $2, $3, 0, $4, $4, $5)
			ON CONFLICT (event_id) DO NOTHING
		`, attempt.EventID, attempt.AircraftID, attempt.Sequence, attempt.At, OutcomePending); err != nil {
			return fmt.Errorf("ensure dispatch record: %w", err)
		}
		rec, err := scanRecord(tx.QueryRow(ctx, `
			SELECT `+recordColumns+`
			FROM dispatch_records
			WHERE event_id = $1
			FOR UPDATE
		`, attempt.EventID))
		if err != nil {
			return fmt.Errorf("lock dispatch record: %w", err)
		}

		if err := apply(&rec, rec.Attempts > 0, attempt); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE dispatch_records
			SET attempts = $2,
				last_attempt_at = $3,
				outcome = $4,
				last_error = $5,
				finalized_at = $6
			WHERE event_id = $1
		`, rec.EventID, rec.Attempts, rec.LastAttemptAt, rec.Outcome, rec.LastError, rec.FinalizedAt); err != nil {
			return fmt.Errorf("update dispatch record: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO dispatch_attempts (event_id, number, outcome, error, attempted_at)
			VALUES ($1, $2, $3, $4, $5)
		`, attempt.EventID, rec.Attempts, attempt.Outcome, attempt.Error, attempt.At); err != nil {
			return fmt.Errorf("insert dispatch attempt: %w", err)
		}
		return nil
	})
}

func (p *Postgres) HasDelivered(ctx context.Context, eventID string) (bool, error) {
	var delivered bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM dispatch_records WHERE event_id = $1 AND outcome = $2)
	`, eventID, OutcomeDelivered).Scan(&delivered)
	return delivered, err
}

func (p *Postgres) Get(ctx context.Context, eventID string) (Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, `
		SELECT `+recordColumns+`
		FROM dispatch_records
		WHERE event_id = $1 AND attempts > 0
	`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (p *Postgres) Attempts(ctx context.Context, eventID string) ([]Attempt, error) {
	rec, err := p.Get(ctx, eventID)
	if err != nil {
		return nil, err
	}
	rows, err := p.pool.Query(ctx, `
		SELECT number, outcome, error, attempted_at
		FROM dispatch_attempts
		WHERE event_id = $1
		ORDER BY number
	`, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		a := Attempt{EventID: rec.EventID, AircraftID: rec.AircraftID, Sequence: rec.Sequence}
		if err := rows.Scan(&a.Number, &a.Outcome, &a.Error, &a.At); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) ListDeadLettered(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT `+recordColumns+`
		FROM dispatch_records
		WHERE outcome = $1
		ORDER BY last_attempt_at DESC
		LIMIT $2
	`, OutcomeDeadLettered, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
