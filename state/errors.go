// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"strings"

	"github.com/juju/errors"
)

const (
	// ErrDataValidation: the request payload failed schema or shape
	// validation. Maps to 400.
	ErrDataValidation = errors.ConstError("data validation failed")

	// ErrResourceAccessDenied: the caller does not own, or is not
	// granted access to, the named resource. Deliberately covers the
	// resource-does-not-exist case too, so callers cannot probe for
	// other tenants' resource ids. Maps to 404.
	ErrResourceAccessDenied = errors.ConstError("resource access denied")

	// ErrVariableInjection: a query run's supplied variables do not
	// satisfy the query's declared variable set. Maps to 400.
	ErrVariableInjection = errors.ConstError("variable injection failed")

	// ErrUnauthorized: the caller is authenticated but not permitted
	// to perform the operation. Maps to 401.
	ErrUnauthorized = errors.ConstError("unauthorized")
)

// ValidationError carries the individual issues found while validating
// a payload, so the API can report all of them at once.
type ValidationError struct {
	message string

	// Issues lists each violation in the order found.
	Issues []string
}

// NewValidationError builds a ValidationError from a summary message
// and its individual issues.
func NewValidationError(message string, issues ...string) *ValidationError {
	return &ValidationError{message: message, Issues: issues}
}

// Error implements error.
func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return e.message
	}
	return e.message + ": " + strings.Join(e.Issues, ", ")
}

// Is makes every ValidationError match ErrDataValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrDataValidation
}
