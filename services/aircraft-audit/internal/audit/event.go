package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/segmentio/kafka-go"
)

var ErrMalformed = errors.New("malformed aircraft event")

// Event is the subset of the aircraft event envelope the audit log keeps.
type Event struct {
	SchemaVersion   int             `json:"schema_version"`
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	AircraftID      string          `json:"aircraft_id"`
	Sequence        int64           `json:"sequence"`
	AircraftVersion int64           `json:"aircraft_version"`
	Aircraft        json.RawMessage `json:"aircraft"`
	OccurredAt      time.Time       `json:"occurred_at"`
}

func Decode(msg kafka.Message) (Event, error) {
	var evt Event
	if err := json.Unmarshal(msg.Value, &evt); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if evt.SchemaVersion != 1 {
		return Event{}, fmt.Errorf("%w: unsupported schema version %d", ErrMalformed, evt.SchemaVersion)
	}
	if evt.EventID == "" || evt.AircraftID == "" || evt.Sequence <= 0 || len(evt.Aircraft) == 0 {
		return Event{}, fmt.Errorf("%w: missing required fields", ErrMalformed)
	}
	return evt, nil
}

type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO aircraft_audit
			(event_id, event_type, aircraft_id, sequence, aircraft_version, snapshot, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, evt.EventID, evt.EventType, evt.AircraftID, evt.Sequence, evt.AircraftVersion, []byte(evt.Aircraft), evt.OccurredAt)
	return err
}
