package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	otelx "github.com/md-rashed-zaman/airfleet/libs/otel"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/storage"
)

// ChangeFunc computes the next state of an aircraft from its current one.
// current is nil when the aircraft does not exist; returning nil deletes it.
// It must not have side effects.
type ChangeFunc func(current *model.Aircraft) (*model.Aircraft, error)

type Service struct {
	store  storage.RecordStore
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(store storage.RecordStore, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Mutate applies change to the aircraft with id and records exactly one
// outbox entry for it, both in a single transaction. expectedVersion 0 means
// the aircraft must not exist; otherwise it must equal the committed version.
// Conflicts are returned to the caller, never retried.
func (s *Service) Mutate(ctx context.Context, id string, expectedVersion int64, change ChangeFunc) (*model.Aircraft, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, &ValidationError{Field: "id", Reason: "is required"}
	}
	if expectedVersion < 0 {
		return nil, &ValidationError{Field: "version", Reason: "must not be negative"}
	}

	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	current, err := tx.GetAircraft(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		current = nil
	case errors.Is(err, storage.ErrVersionConflict):
		return nil, &ConflictError{AircraftID: id, Expected: expectedVersion, Actual: -1, Err: err}
	case err != nil:
		return nil, fmt.Errorf("load aircraft %s: %w", id, err)
	}

	live := current != nil && !current.Deleted()
	switch {
	case expectedVersion == 0 && current != nil:
		// Tombstoned ids are not reused.
		return nil, &ConflictError{AircraftID: id, Expected: 0, Actual: current.Version}
	case expectedVersion > 0 && !live:
		return nil, &NotFoundError{AircraftID: id}
	case expectedVersion > 0 && current.Version != expectedVersion:
		return nil, &ConflictError{AircraftID: id, Expected: expectedVersion, Actual: current.Version}
	}

	var input *model.Aircraft
	if live {
		c := current.Clone()
		input = &c
	}
	next, err := change(input)
	if err != nil {
		return nil, err
	}
	if next == nil && input == nil {
		return nil, &ValidationError{Field: "aircraft", Reason: "nothing to create"}
	}

	// Postgres keeps microseconds; truncating keeps snapshots and rows equal.
	now := s.now().UTC().Truncate(time.Microsecond)
	var (
		updated   model.Aircraft
		eventType model.EventType
	)
	switch {
	case next == nil:
		updated = current.Clone()
		updated.Version = current.Version + 1
		updated.UpdatedAt = now
		updated.DeletedAt = &now
		eventType = model.EventAircraftDeleted
	case input == nil:
		updated = next.Clone()
		updated.ID = id
		updated.Version = 1
		updated.CreatedAt = now
		updated.UpdatedAt = now
		updated.DeletedAt = nil
		if updated.Status == "" {
			updated.Status = model.StatusActive
		}
		eventType = model.EventAircraftCreated
	default:
		updated = next.Clone()
		updated.ID = id
		updated.Version = current.Version + 1
		updated.CreatedAt = current.CreatedAt
		updated.UpdatedAt = now
		updated.DeletedAt = nil
		eventType = model.EventAircraftUpdated
	}
	updated.Name = strings.TrimSpace(updated.Name)
	updated.Model = strings.TrimSpace(updated.Model)
	updated.Location = strings.TrimSpace(updated.Location)
	if err := validateAircraft(updated); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(updated)
	if err != nil {
		return nil, fmt.Errorf("encode aircraft snapshot: %w", err)
	}
	if err := tx.PutAircraft(ctx, updated); err != nil {
		return nil, s.writeError(id, expectedVersion, err)
	}
	tc := otelx.Capture(ctx)
	if err := tx.AppendOutbox(ctx, model.OutboxEntry{
		AircraftID:      id,
		EventType:       eventType,
		AircraftVersion: updated.Version,
		Payload:         payload,
		CreatedAt:       now,
		State:           model.StatePending,
		NextAttemptAt:   now,
		Traceparent:     tc.Parent,
		Tracestate:      tc.State,
	}); err != nil {
		return nil, s.writeError(id, expectedVersion, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, s.writeError(id, expectedVersion, err)
	}
	committed = true

	s.logger.Info("aircraft changed",
		"aircraft_id", id,
		"event_type", eventType,
		"version", updated.Version,
	)
	return &updated, nil
}

func (s *Service) writeError(id string, expected int64, err error) error {
	if errors.Is(err, storage.ErrVersionConflict) {
		return &ConflictError{AircraftID: id, Expected: expected, Actual: -1, Err: err}
	}
	return fmt.Errorf("write aircraft %s: %w", id, err)
}
