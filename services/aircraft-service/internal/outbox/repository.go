package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
)

// ErrLeaseLost means the entry is no longer dispatched under the caller's
// lease: it expired and was reclaimed, or another worker finished it.
var ErrLeaseLost = errors.New("outbox lease lost")

// Lease is an entry claimed by one worker. Reclaimed is set when the entry
// was taken over from an expired lease; the repository has already counted
// that abandoned attempt in Entry.Retries.
type Lease struct {
	Entry     model.OutboxEntry
	Reclaimed bool
}

// Repository persists outbox entry state. Every transition after Claim is
// conditional on the entry still being dispatched under owner and returns
// ErrLeaseLost otherwise.
type Repository interface {
	// Claim leases up to limit entries, at most one per aircraft, each the
	// lowest non-terminal sequence of its aircraft.
	Claim(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]Lease, error)
	MarkDelivered(ctx context.Context, seq int64, owner string, at time.Time) error
	MarkFailed(ctx context.Context, seq int64, owner string, retries int, nextAttemptAt time.Time, lastErr string) error
	DeadLetter(ctx context.Context, seq int64, owner string, retries int, reason string) error
	ListDeadLettered(ctx context.Context, limit int) ([]model.OutboxEntry, error)
	PurgeDelivered(ctx context.Context, before time.Time, limit int) (int64, error)
}
