package fleet

import "fmt"

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError reports a version mismatch. Actual is -1 when the conflict
// was detected by the store at write or commit time.
type ConflictError struct {
	AircraftID string
	Expected   int64
	Actual     int64
	Err        error
}

func (e *ConflictError) Error() string {
	if e.Actual < 0 {
		return fmt.Sprintf("aircraft %s: concurrent modification of version %d", e.AircraftID, e.Expected)
	}
	return fmt.Sprintf("aircraft %s: expected version %d, found %d", e.AircraftID, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return e.Err }

type NotFoundError struct {
	AircraftID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("aircraft %s not found", e.AircraftID)
}
