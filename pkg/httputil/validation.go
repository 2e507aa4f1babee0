package httputil

import (
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/medflow/rx-verification/pkg/errors"
)

var validate = newValidator()

// newValidator reports fields by their JSON name so error details match the
// request body the client sent
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		switch name {
		case "-":
			return ""
		case "":
			return f.Name
		}
		return name
	})
	return v
}

// Validate validates a struct using go-playground/validator. Field errors
// become a VALIDATION_ERROR keyed by JSON field name.
func Validate(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return errors.BadRequest(err.Error())
	}

	details := make(map[string]string, len(fieldErrors))
	for _, e := range fieldErrors {
		details[e.Field()] = describe(e)
	}
	return errors.Validation(details)
}

func describe(e validator.FieldError) string {
	switch e.Tag() {
	case "required":
		return "this field is required"
	case "required_if":
		field, value, _ := strings.Cut(e.Param(), " ")
		return "required when " + strings.ToLower(field) + " is " + value
	case "min":
		return "must be at least " + e.Param() + " characters"
	case "max":
		return "must be at most " + e.Param() + " characters"
	case "oneof":
		return "must be one of: " + e.Param()
	case "uuid":
		return "must be a valid UUID"
	default:
		return "invalid value"
	}
}
