package model

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidTransition = errors.New("invalid outbox state transition")

type EventType string

const (
	EventAircraftCreated EventType = "aircraft.created"
	EventAircraftUpdated EventType = "aircraft.updated"
	EventAircraftDeleted EventType = "aircraft.deleted"
)

func (t EventType) Valid() bool {
	switch t {
	case EventAircraftCreated, EventAircraftUpdated, EventAircraftDeleted:
		return true
	}
	return false
}

type DeliveryState string

const (
	StatePending      DeliveryState = "pending"
	StateDispatched   DeliveryState = "dispatched"
	StateFailed       DeliveryState = "failed"
	StateDelivered    DeliveryState = "delivered"
	StateDeadLettered DeliveryState = "dead_lettered"
)

// Terminal states are never claimed again.
func (s DeliveryState) Terminal() bool {
	return s == StateDelivered || s == StateDeadLettered
}

// CanTransitionTo reports whether an entry in state s may move to next.
// Dispatched -> Dispatched is the reclaim of an expired lease.
func (s DeliveryState) CanTransitionTo(next DeliveryState) bool {
	switch s {
	case StatePending:
		return next == StateDispatched
	case StateDispatched:
		switch next {
		case StateDispatched, StateFailed, StateDelivered, StateDeadLettered:
			return true
		}
	case StateFailed:
		return next == StateDispatched
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition when from may not move to
// to.
func ValidateTransition(from, to DeliveryState) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// OutboxEntry is a pending notification written in the same transaction as
// the aircraft change it describes. Sequence is assigned by the store at
// commit and is strictly increasing in commit order.
type OutboxEntry struct {
	Sequence        int64
	AircraftID      string
	EventType       EventType
	AircraftVersion int64
	Payload         []byte
	CreatedAt       time.Time

	State          DeliveryState
	Retries        int
	NextAttemptAt  time.Time
	LeaseOwner     string
	LeaseExpiresAt time.Time
	LastError      string

	Traceparent string
	Tracestate  string
}
