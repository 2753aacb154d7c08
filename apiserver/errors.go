// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	stderrors "errors"
	"encoding/json"
	"net/http"

	"github.com/juju/errors"

	"github.com/juju/nildb/apiserver/params"
	"github.com/juju/nildb/core/coerce"
	"github.com/juju/nildb/internal/mongo"
	"github.com/juju/nildb/internal/nuc"
	"github.com/juju/nildb/state"
)

// mapError resolves an operation failure to its HTTP status and
// taxonomy tag. The tag travels first in the errors array; tests and
// clients match on it.
func mapError(err error) (int, string) {
	switch {
	case errors.Is(err, nuc.ErrAuthentication), errors.Is(err, state.ErrUnauthorized):
		return http.StatusUnauthorized, params.CodeAuthentication
	case errors.Is(err, state.ErrVariableInjection):
		return http.StatusBadRequest, params.CodeVariableInjection
	case errors.Is(err, state.ErrDataValidation), errors.Is(err, coerce.ErrInvalidValue):
		return http.StatusBadRequest, params.CodeDataValidation
	case errors.Is(err, state.ErrResourceAccessDenied):
		return http.StatusNotFound, params.CodeResourceAccessDenied
	case errors.Is(err, mongo.ErrCollectionNotFound):
		return http.StatusNotFound, params.CodeCollectionNotFound
	case errors.Is(err, mongo.ErrIndexNotFound):
		return http.StatusNotFound, params.CodeIndexNotFound
	case errors.Is(err, mongo.ErrInvalidIndexOptions), errors.Is(err, mongo.ErrDuplicateIndex):
		return http.StatusBadRequest, params.CodeInvalidIndexOptions
	case errors.Is(err, mongo.ErrDocumentNotFound), errors.Is(err, errors.NotFound):
		return http.StatusNotFound, params.CodeDocumentNotFound
	}
	return http.StatusInternalServerError, params.CodeDatabase
}

// sendError writes the failure envelope for err.
func sendError(w http.ResponseWriter, err error) error {
	status, tag := mapError(err)
	body := params.ErrorResponse{Errors: []string{tag, err.Error()}}
	var verr *state.ValidationError
	if stderrors.As(err, &verr) {
		body.Errors = append([]string{tag, verr.Error()}, verr.Issues...)
	}
	return errors.Trace(sendStatusAndJSON(w, status, body))
}

// sendStatusAndJSON writes a JSON response with the given status.
func sendStatusAndJSON(w http.ResponseWriter, status int, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return errors.Annotate(err, "marshalling response")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		return errors.Trace(err)
	}
	return nil
}
