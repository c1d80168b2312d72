package server

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/jonathan/bid-assistant/internal/apperr"
)

// requestValidator reports fields by their JSON names
var requestValidator = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}()

// validationError converts the first validator failure into an *apperr.ErrValidation
func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		switch fe.Tag() {
		case "required":
			return apperr.Invalid(fe.Field(), "is required")
		case "max":
			return apperr.Invalid(fe.Field(), "must be at most %s characters", fe.Param())
		case "oneof":
			return apperr.Invalid(fe.Field(), "must be one of [%s]", fe.Param())
		case "min", "gte", "lte":
			return apperr.Invalid(fe.Field(), "failed %s=%s", fe.Tag(), fe.Param())
		}
		return apperr.Invalid(fe.Field(), "failed %s validation", fe.Tag())
	}
	return apperr.Invalid("request", "%v", err)
}

// parseProjectID enforces the UUID form of project ids
func parseProjectID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", apperr.Invalid("project_id", "must be a UUID, got %q", raw)
	}
	return id.String(), nil
}
