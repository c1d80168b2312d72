package server

import (
	"errors"
	"net/http"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/steps"
)

// ErrInvalidCredentials indicates invalid operator credentials
type ErrInvalidCredentials struct{}

func (e *ErrInvalidCredentials) Error() string {
	return "invalid username or password"
}

// HTTPStatus returns the appropriate HTTP status code for an error
func HTTPStatus(err error) int {
	var (
		notFound    *apperr.ErrNotFound
		unknownStep *steps.UnknownStepError
		validation  *apperr.ErrValidation
		conflict    *apperr.ErrConflict
		domain      *apperr.ErrDomain
		creds       *ErrInvalidCredentials
		storage     *db.StorageError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &notFound), errors.As(err, &unknownStep):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &conflict):
		return http.StatusConflict
	case errors.As(err, &creds):
		return http.StatusUnauthorized
	case errors.As(err, &domain):
		return http.StatusUnprocessableEntity
	case errors.As(err, &storage):
		if storage.Transient {
			return http.StatusServiceUnavailable
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
