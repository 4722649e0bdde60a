package model

import "time"

type Status string

const (
	StatusActive      Status = "active"
	StatusMaintenance Status = "maintenance"
	StatusGrounded    Status = "grounded"
	StatusRetired     Status = "retired"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusMaintenance, StatusGrounded, StatusRetired:
		return true
	}
	return false
}

// Aircraft is one fleet record. Version starts at 1 and grows by exactly one
// per committed change, including the delete that sets DeletedAt.
type Aircraft struct {
	ID        string     `json:"id" validate:"required,max=64"`
	Name      string     `json:"name" validate:"required,max=128"`
	Model     string     `json:"model" validate:"required,max=128"`
	Status    Status     `json:"status" validate:"required,oneof=active maintenance grounded retired"`
	Location  string     `json:"location,omitempty" validate:"max=128"`
	Version   int64      `json:"version" validate:"gte=1"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func (a *Aircraft) Deleted() bool {
	return a != nil && a.DeletedAt != nil
}

func (a Aircraft) Clone() Aircraft {
	if a.DeletedAt != nil {
		at := *a.DeletedAt
		a.DeletedAt = &at
	}
	return a
}
