package storage

import (
	"context"
	"errors"

	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
)

var (
	ErrNotFound = errors.New("aircraft not found")
	// ErrVersionConflict is returned when a write's base version is no longer
	// the committed one.
	ErrVersionConflict = errors.New("aircraft version conflict")
)

type RecordStore interface {
	BeginTx(ctx context.Context) (Tx, error)
	// ReadAircraft returns the committed record, tombstones included,
	// without locking it.
	ReadAircraft(ctx context.Context, id string) (*model.Aircraft, error)
}

// Tx groups an aircraft write with the outbox entry describing it. Nothing
// becomes visible before Commit succeeds.
type Tx interface {
	// GetAircraft returns the committed record, tombstones included.
	GetAircraft(ctx context.Context, id string) (*model.Aircraft, error)
	// PutAircraft writes a with a.Version one above the version it replaces;
	// version 1 means the id must not exist yet.
	PutAircraft(ctx context.Context, a model.Aircraft) error
	// AppendOutbox queues e; its Sequence is assigned at commit.
	AppendOutbox(ctx context.Context, e model.OutboxEntry) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
