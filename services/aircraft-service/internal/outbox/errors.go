package outbox

import "fmt"

// TransientDeliveryError wraps a bus failure that is worth retrying.
type TransientDeliveryError struct {
	EventID string
	Topic   string
	Err     error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("deliver %s to %s: %v", e.EventID, e.Topic, e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// DeadLetterError describes why an entry was moved out of the delivery path.
type DeadLetterError struct {
	EventID    string
	AircraftID string
	Sequence   int64
	Retries    int
	Err        error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("event %s (aircraft %s seq %d) dead-lettered after %d retries: %v",
		e.EventID, e.AircraftID, e.Sequence, e.Retries, e.Err)
}

func (e *DeadLetterError) Unwrap() error { return e.Err }
