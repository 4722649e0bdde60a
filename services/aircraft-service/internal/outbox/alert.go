package outbox

import (
	"context"
	"log/slog"
)

// Alerter is notified once for every entry that is dead-lettered.
type Alerter interface {
	DeadLettered(ctx context.Context, dl *DeadLetterError)
}

type LogAlerter struct {
	Logger *slog.Logger
}

func (a LogAlerter) DeadLettered(ctx context.Context, dl *DeadLetterError) {
	a.Logger.ErrorContext(ctx, "outbox entry dead-lettered",
		"alert", "dead_letter",
		"event_id", dl.EventID,
		"aircraft_id", dl.AircraftID,
		"sequence", dl.Sequence,
		"retries", dl.Retries,
		"err", dl.Err,
	)
}
