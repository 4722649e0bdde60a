package encoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
)

// SchemaVersion is bumped on any incompatible envelope change.
const SchemaVersion = 1

var eventNamespace = uuid.MustParse("6f1d3c2a-8b4e-5a7f-9c0d-2e1b4a6c8d90")

// Envelope is the wire shape of every aircraft event. Field order is fixed by
// the struct so equal entries always encode to identical bytes.
type Envelope struct {
	SchemaVersion   int             `json:"schema_version"`
	EventID         string          `json:"event_id"`
	EventType       model.EventType `json:"event_type"`
	AircraftID      string          `json:"aircraft_id"`
	Sequence        int64           `json:"sequence"`
	AircraftVersion int64           `json:"aircraft_version"`
	Aircraft        json.RawMessage `json:"aircraft"`
	OccurredAt      string          `json:"occurred_at"`
}

type PermanentEncodingError struct {
	Sequence int64
	Reason   string
	Err      error
}

func (e *PermanentEncodingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("encode outbox entry %d: %s: %v", e.Sequence, e.Reason, e.Err)
	}
	return fmt.Sprintf("encode outbox entry %d: %s", e.Sequence, e.Reason)
}

func (e *PermanentEncodingError) Unwrap() error { return e.Err }

// EventID is stable across retries and processes for the same entry.
func EventID(aircraftID string, sequence int64) string {
	return uuid.NewSHA1(eventNamespace, []byte(aircraftID+":"+strconv.FormatInt(sequence, 10))).String()
}

// Topic returns "<prefix>.<event type>.v<schema>", e.g. fleet.aircraft.created.v1.
func Topic(prefix string, eventType model.EventType) string {
	topic := string(eventType) + ".v" + strconv.Itoa(SchemaVersion)
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

func Encode(entry model.OutboxEntry) ([]byte, error) {
	fail := func(reason string, err error) ([]byte, error) {
		return nil, &PermanentEncodingError{Sequence: entry.Sequence, Reason: reason, Err: err}
	}
	if !entry.EventType.Valid() {
		return fail("unknown event type "+strconv.Quote(string(entry.EventType)), nil)
	}
	if entry.AircraftID == "" {
		return fail("missing aircraft id", nil)
	}
	if entry.Sequence <= 0 {
		return fail("sequence not assigned", nil)
	}

	dec := json.NewDecoder(bytes.NewReader(entry.Payload))
	dec.DisallowUnknownFields()
	var snapshot model.Aircraft
	if err := dec.Decode(&snapshot); err != nil {
		return fail("payload does not match aircraft schema", err)
	}
	if dec.More() {
		return fail("trailing data after payload", nil)
	}
	if snapshot.ID != entry.AircraftID {
		return fail("payload id does not match aircraft id", nil)
	}
	if snapshot.Version != entry.AircraftVersion {
		return fail("payload version does not match aircraft version", nil)
	}
	canonical, err := json.Marshal(snapshot)
	if err != nil {
		return fail("re-encode payload", err)
	}

	out, err := json.Marshal(Envelope{
		SchemaVersion:   SchemaVersion,
		EventID:         EventID(entry.AircraftID, entry.Sequence),
		EventType:       entry.EventType,
		AircraftID:      entry.AircraftID,
		Sequence:        entry.Sequence,
		AircraftVersion: entry.AircraftVersion,
		Aircraft:        canonical,
		OccurredAt:      entry.CreatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fail("marshal envelope", err)
	}
	return out, nil
}
