// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/juju/errors"

	"github.com/juju/nildb/apiserver/params"
	"github.com/juju/nildb/internal/nuc"
	"github.com/juju/nildb/state"
)

func decodeBody(r *http.Request, into interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return errors.WithType(errors.Annotate(err, "decoding request body"), state.ErrDataValidation)
	}
	return nil
}

// registerBuilder creates a profile for the credential's own identity.
// The credential must be a single token the caller signed over itself:
// possession of the key is the registration proof, and a delegated
// chain cannot register on another identity's behalf.
func (s *Server) registerBuilder(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	if len(cred.Envelope.Tokens) != 1 {
		return errors.WithType(errors.New("registration requires a self-signed credential"), nuc.ErrAuthentication)
	}
	var req params.RegisterBuilderRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	if err := s.st.RegisterBuilder(r.Context(), cred.Caller, req.Name); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (s *Server) readBuilder(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	b, err := s.st.Builder(r.Context(), cred.Caller)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.BuilderResponse{
		Data: params.Builder{
			DID:         b.ID().String(),
			Name:        b.Name(),
			Collections: b.Collections().SortedValues(),
			CreatedAt:   b.CreatedAt().Format(time.RFC3339),
			UpdatedAt:   b.UpdatedAt().Format(time.RFC3339),
		},
	}))
}

func (s *Server) updateBuilder(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.UpdateBuilderRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	if err := s.st.UpdateBuilder(r.Context(), cred.Caller, req.Name); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) deleteBuilder(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	if err := s.st.RemoveBuilder(r.Context(), cred.Caller); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
