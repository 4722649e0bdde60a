package fleet

import (
	"context"
	"errors"
	"fmt"

	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/storage"
)

type CreateInput struct {
	ID       string
	Name     string
	Model    string
	Status   model.Status
	Location string
}

// Patch holds the fields an update replaces; nil fields are kept.
type Patch struct {
	Name     *string
	Model    *string
	Status   *model.Status
	Location *string
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*model.Aircraft, error) {
	id := in.ID
	if id == "" {
		id = s.newID()
	}
	return s.Mutate(ctx, id, 0, func(*model.Aircraft) (*model.Aircraft, error) {
		return &model.Aircraft{
			Name:     in.Name,
			Model:    in.Model,
			Status:   in.Status,
			Location: in.Location,
		}, nil
	})
}

func (s *Service) Update(ctx context.Context, id string, version int64, p Patch) (*model.Aircraft, error) {
	if version <= 0 {
		return nil, &ValidationError{Field: "version", Reason: "is required"}
	}
	return s.Mutate(ctx, id, version, func(cur *model.Aircraft) (*model.Aircraft, error) {
		next := cur.Clone()
		if p.Name != nil {
			next.Name = *p.Name
		}
		if p.Model != nil {
			next.Model = *p.Model
		}
		if p.Status != nil {
			next.Status = *p.Status
		}
		if p.Location != nil {
			next.Location = *p.Location
		}
		return &next, nil
	})
}

func (s *Service) Delete(ctx context.Context, id string, version int64) (*model.Aircraft, error) {
	if version <= 0 {
		return nil, &ValidationError{Field: "version", Reason: "is required"}
	}
	return s.Mutate(ctx, id, version, func(*model.Aircraft) (*model.Aircraft, error) {
		return nil, nil
	})
}

// Get reads the committed record without taking the row lock Mutate uses.
func (s *Service) Get(ctx context.Context, id string) (*model.Aircraft, error) {
	a, err := s.store.ReadAircraft(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && a.Deleted()) {
		return nil, &NotFoundError{AircraftID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load aircraft %s: %w", id, err)
	}
	return a, nil
}
