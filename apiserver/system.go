// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"
	"time"

	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/nildb/apiserver/params"
	"github.com/juju/nildb/internal/nuc"
	"github.com/juju/nildb/state"
)

func (s *Server) about(w http.ResponseWriter, r *http.Request, _ *nuc.Credential) error {
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.AboutResponse{
		Data: params.About{
			Version:     s.version,
			DID:         s.node.String(),
			Maintenance: s.maintenance.Load(),
			Started:     s.started.Format(time.RFC3339),
		},
	}))
}

func (s *Server) setLogLevel(w http.ResponseWriter, r *http.Request, _ *nuc.Credential) error {
	var req params.LogLevelRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	if _, err := loggo.ParseConfigString(req.Config); err != nil {
		return errors.WithType(errors.Annotate(err, "invalid logging configuration"), state.ErrDataValidation)
	}
	if err := loggo.ConfigureLoggers(req.Config); err != nil {
		return errors.WithType(errors.Trace(err), state.ErrDataValidation)
	}
	logger.Infof("logging reconfigured: %s", req.Config)
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) startMaintenance(w http.ResponseWriter, r *http.Request, _ *nuc.Credential) error {
	s.maintenance.Store(true)
	logger.Infof("maintenance mode started")
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) stopMaintenance(w http.ResponseWriter, r *http.Request, _ *nuc.Credential) error {
	s.maintenance.Store(false)
	logger.Infof("maintenance mode stopped")
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// revokeRequest carries the token chain whose root should be refused
// from now on.
type revokeRequest struct {
	Token string `json:"token"`
}

// revokeToken revokes the root of a presented chain. Only the chain's
// original issuer, or the node itself, may revoke it.
func (s *Server) revokeToken(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req revokeRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	envelope, err := nuc.ParseEnvelope(req.Token)
	if err != nil {
		return errors.WithType(errors.Trace(err), state.ErrDataValidation)
	}
	root := envelope.Root()
	if cred.Caller != root.Issuer && cred.Caller != s.node {
		return errors.WithType(errors.New("only the issuer may revoke a token"), nuc.ErrAuthentication)
	}
	if err := s.journal.Revoke(r.Context(), root.ID, cred.Caller.String()); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
