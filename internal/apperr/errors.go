// Package apperr defines the error kinds shared by the progress, task and executor layers.
package apperr

import "fmt"

// ErrNotFound indicates a project, step or task does not exist
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrValidation indicates request validation failure
type ErrValidation struct {
	Field   string
	Message string
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error: %s - %s", e.Field, e.Message)
}

// ErrDomain is raised by step work that ran but could not produce a result
type ErrDomain struct {
	Step    string
	Message string
	Cause   error
}

func (e *ErrDomain) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Step, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Step, e.Message)
}

func (e *ErrDomain) Unwrap() error {
	return e.Cause
}

// ErrConflict indicates the requested transition is not allowed from the current state
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return fmt.Sprintf("conflict: %s", e.Message)
}

// NotFound is a shorthand constructor
func NotFound(resource, id string) error {
	return &ErrNotFound{Resource: resource, ID: id}
}

// Invalid is a shorthand constructor
func Invalid(field, format string, args ...any) error {
	return &ErrValidation{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Domain is a shorthand constructor
func Domain(step, message string, cause error) error {
	return &ErrDomain{Step: step, Message: message, Cause: cause}
}
