// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/juju/nildb/apiserver/params"
	"github.com/juju/nildb/core/did"
	"github.com/juju/nildb/internal/nuc"
	"github.com/juju/nildb/state"
)

// defaultFindLimit bounds unpaginated finds.
const defaultFindLimit = 100

func (s *Server) createStandard(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.CreateStandardRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	ids, err := s.st.CreateStandard(r.Context(), cred.Caller, req.Collection, req.Data)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusCreated, params.CreatedResponse{Data: ids}))
}

func (s *Server) createOwned(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.CreateOwnedRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	owner, err := did.Parse(req.Owner)
	if err != nil {
		return errors.WithType(errors.Trace(err), state.ErrDataValidation)
	}
	ids, err := s.st.CreateOwned(r.Context(), cred.Caller, state.OwnedCreateArgs{
		Collection: req.Collection,
		Owner:      owner,
		Records:    req.Data,
		Acl: state.AclEntry{
			Grantee: did.DID(req.Acl.Grantee),
			Read:    req.Acl.Read,
			Write:   req.Acl.Write,
			Execute: req.Acl.Execute,
		},
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusCreated, params.CreatedResponse{Data: ids}))
}

func (s *Server) findData(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.FindRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	limit, offset := defaultFindLimit, 0
	if req.Pagination != nil {
		if req.Pagination.Limit > 0 {
			limit = req.Pagination.Limit
		}
		if req.Pagination.Offset > 0 {
			offset = req.Pagination.Offset
		}
	}
	result, err := s.st.Find(r.Context(), cred.Caller, state.FindArgs{
		Collection: req.Collection,
		Filter:     req.Filter,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return errors.Trace(err)
	}
	docs := result.Documents
	if docs == nil {
		docs = []map[string]interface{}{}
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.FindResponse{
		Data:       docs,
		Pagination: params.Pagination{Limit: limit, Offset: offset, Total: result.Total},
	}))
}

func (s *Server) updateData(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.UpdateRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	matched, updated, err := s.st.Update(r.Context(), cred.Caller, state.UpdateArgs{
		Collection: req.Collection,
		Filter:     req.Filter,
		Update:     req.Update,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.UpdateResponse{
		Data: params.UpdateResult{Matched: matched, Updated: updated},
	}))
}

func (s *Server) deleteData(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.DeleteRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	if _, err := s.st.Delete(r.Context(), cred.Caller, state.DeleteArgs{
		Collection: req.Collection,
		Filter:     req.Filter,
	}); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) flushData(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	if _, err := s.st.Flush(r.Context(), cred.Caller, mux.Vars(r)["id"]); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) tailData(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return errors.WithType(errors.Errorf("limit %q is not a number", raw), state.ErrDataValidation)
		}
		limit = parsed
	}
	docs, err := s.st.Tail(r.Context(), cred.Caller, mux.Vars(r)["id"], limit)
	if err != nil {
		return errors.Trace(err)
	}
	if docs == nil {
		docs = []map[string]interface{}{}
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.TailResponse{Data: docs}))
}
