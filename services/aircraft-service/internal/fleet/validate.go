package fleet

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/md-rashed-zaman/airfleet/services/aircraft-service/internal/model"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields under their JSON names.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateAircraft(a model.Aircraft) error {
	err := validate.Struct(a)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if !errors.As(err, &fields) || len(fields) == 0 {
		return &ValidationError{Field: "aircraft", Reason: err.Error()}
	}
	f := fields[0]
	return &ValidationError{Field: f.Field(), Reason: reason(f)}
}

func reason(f validator.FieldError) string {
	switch f.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + f.Param() + " characters"
	case "oneof":
		return "must be one of: " + f.Param()
	case "gte":
		return "must be at least " + f.Param()
	}
	return "failed " + f.Tag() + " check"
}
