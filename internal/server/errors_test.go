package server

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jonathan/bid-assistant/internal/apperr"
	"github.com/jonathan/bid-assistant/internal/db"
	"github.com/jonathan/bid-assistant/internal/steps"
)

func TestErrInvalidCredentials(t *testing.T) {
	err := &ErrInvalidCredentials{}
	assert.Equal(t, "invalid username or password", err.Error())
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(err))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{name: "nil", err: nil, expected: http.StatusOK},
		{name: "not found", err: apperr.NotFound("project", "p1"), expected: http.StatusNotFound},
		{name: "unknown step", err: &steps.UnknownStepError{Key: "x"}, expected: http.StatusNotFound},
		{name: "validation", err: apperr.Invalid("mode", "is required"), expected: http.StatusBadRequest},
		{name: "conflict", err: &apperr.ErrConflict{Message: "not running"}, expected: http.StatusConflict},
		{name: "domain", err: apperr.Domain(steps.BidAnalysis, "no bid document", nil), expected: http.StatusUnprocessableEntity},
		{name: "transient storage", err: &db.StorageError{Op: "insert task", Err: errors.New("busy"), Transient: true}, expected: http.StatusServiceUnavailable},
		{name: "permanent storage", err: &db.StorageError{Op: "insert task", Err: errors.New("constraint")}, expected: http.StatusInternalServerError},
		{name: "wrapped validation", err: fmt.Errorf("execute: %w", apperr.Invalid("params", "bad")), expected: http.StatusBadRequest},
		{name: "unknown", err: errors.New("boom"), expected: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, HTTPStatus(tt.err))
		})
	}
}
