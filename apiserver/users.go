// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/juju/nildb/apiserver/params"
	"github.com/juju/nildb/core/did"
	"github.com/juju/nildb/internal/nuc"
	"github.com/juju/nildb/state"
)

func (s *Server) listUserData(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	refs, err := s.st.UserData(r.Context(), cred.Caller)
	if err != nil {
		return errors.Trace(err)
	}
	out := make([]params.DataRef, len(refs))
	for i, ref := range refs {
		out[i] = params.DataRef{Collection: ref.Collection, Document: ref.Document}
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.DataRefsResponse{Data: out}))
}

func (s *Server) readUserDocument(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	vars := mux.Vars(r)
	doc, err := s.st.ReadUserDocument(r.Context(), cred.Caller, vars["collection"], vars["document"])
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.DocumentResponse{Data: doc}))
}

func (s *Server) deleteUserDocument(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	vars := mux.Vars(r)
	if err := s.st.DeleteUserDocument(r.Context(), cred.Caller, vars["collection"], vars["document"]); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) grantAccess(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.GrantAccessRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	err := s.st.GrantAccess(r.Context(), cred.Caller, req.Collection, req.Document, state.AclEntry{
		Grantee: did.DID(req.Acl.Grantee),
		Read:    req.Acl.Read,
		Write:   req.Acl.Write,
		Execute: req.Acl.Execute,
	})
	if err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) revokeAccess(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.RevokeAccessRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	grantee, err := did.Parse(req.Grantee)
	if err != nil {
		return errors.WithType(errors.Trace(err), state.ErrDataValidation)
	}
	if err := s.st.RevokeAccess(r.Context(), cred.Caller, req.Collection, req.Document, grantee); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
