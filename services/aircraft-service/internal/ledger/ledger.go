package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound         = errors.New("dispatch record not found")
	ErrAlreadyFinalized = errors.New("dispatch record already finalized with a different outcome")
)

type Outcome string

const (
	OutcomePending      Outcome = "pending"
	OutcomeFailed       Outcome = "failed"
	OutcomeAbandoned    Outcome = "abandoned"
	OutcomeDelivered    Outcome = "delivered"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

func (o Outcome) Final() bool {
	return o == OutcomeDelivered || o == OutcomeDeadLettered
}

// Attempt is one try at publishing an event. Number is assigned by the
// ledger when the attempt is recorded.
type Attempt struct {
	EventID    string    `json:"event_id"`
	AircraftID string    `json:"aircraft_id"`
	Sequence   int64     `json:"sequence"`
	Number     int       `json:"number"`
	Outcome    Outcome   `json:"outcome"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Record summarizes every attempt made for one event id.
type Record struct {
	EventID        string     `json:"event_id"`
	AircraftID     string     `json:"aircraft_id"`
	Sequence       int64      `json:"sequence"`
	Attempts       int        `json:"attempts"`
	FirstAttemptAt time.Time  `json:"first_attempt_at"`
	LastAttemptAt  time.Time  `json:"last_attempt_at"`
	Outcome        Outcome    `json:"outcome"`
	LastError      string     `json:"last_error,omitempty"`
	FinalizedAt    *time.Time `json:"finalized_at,omitempty"`
}

// Ledger is the durable record of publication attempts keyed by event id.
// Once a record carries a final outcome it never changes: the same outcome
// recorded again only extends the attempt log, a different one returns
// ErrAlreadyFinalized and writes nothing.
type Ledger interface {
	RecordAttempt(ctx context.Context, attempt Attempt) error
	HasDelivered(ctx context.Context, eventID string) (bool, error)
	Get(ctx context.Context, eventID string) (Record, error)
	Attempts(ctx context.Context, eventID string) ([]Attempt, error)
	ListDeadLettered(ctx context.Context, limit int) ([]Record, error)
}

// apply folds attempt into rec and reports whether the attempt may be written.
func apply(rec *Record, exists bool, attempt Attempt) error {
	if exists && rec.Outcome.Final() {
		if attempt.Outcome != rec.Outcome {
			return ErrAlreadyFinalized
		}
		rec.Attempts++
		rec.LastAttemptAt = attempt.At
		return nil
	}
	if !exists {
		*rec = Record{
			EventID:        attempt.EventID,
			AircraftID:     attempt.AircraftID,
			Sequence:       attempt.Sequence,
			FirstAttemptAt: attempt.At,
		}
	}
	rec.Attempts++
	rec.LastAttemptAt = attempt.At
	rec.Outcome = attempt.Outcome
	if attempt.Error != "" {
		rec.LastError = attempt.Error
	}
	if attempt.Outcome.Final() {
		at := attempt.At
		rec.FinalizedAt = &at
	}
	return nil
}
