// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package apiserver

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/errors"

	"github.com/juju/nildb/apiserver/params"
	"github.com/juju/nildb/internal/nuc"
	"github.com/juju/nildb/state"
)

func queryParam(q state.Query) params.Query {
	variables := make(map[string]params.QueryVariable)
	for name, spec := range q.Variables() {
		variables[name] = params.QueryVariable{Path: spec.Path, Optional: spec.Optional}
	}
	return params.Query{
		ID:         q.ID(),
		Name:       q.Name(),
		Collection: q.Collection(),
		Variables:  variables,
		CreatedAt:  q.CreatedAt().Format(time.RFC3339),
	}
}

func runParam(run state.QueryRun) params.QueryRun {
	out := params.QueryRun{
		ID:          run.ID(),
		Query:       run.Query(),
		Status:      string(run.Status()),
		Result:      run.Result(),
		Errors:      run.Errors(),
		RequestedAt: run.RequestedAt().Format(time.RFC3339),
	}
	if !run.CompletedAt().IsZero() {
		out.CompletedAt = run.CompletedAt().Format(time.RFC3339)
	}
	return out
}

func (s *Server) listQueries(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	queries, err := s.st.Queries(r.Context(), cred.Caller)
	if err != nil {
		return errors.Trace(err)
	}
	out := make([]params.Query, len(queries))
	for i, q := range queries {
		out[i] = queryParam(q)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.QueriesResponse{Data: out}))
}

func (s *Server) createQuery(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.CreateQueryRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	variables := make(map[string]state.VariableSpec, len(req.Variables))
	for name, v := range req.Variables {
		variables[name] = state.VariableSpec{Path: v.Path, Optional: v.Optional}
	}
	q, err := s.st.CreateQuery(r.Context(), cred.Caller, state.QueryArgs{
		ID:         req.ID,
		Name:       req.Name,
		Collection: req.Collection,
		Variables:  variables,
		Pipeline:   req.Pipeline,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusCreated, params.QueryResponse{Data: queryParam(q)}))
}

func (s *Server) readQuery(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	q, err := s.st.Query(r.Context(), cred.Caller, mux.Vars(r)["id"])
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.QueryResponse{Data: queryParam(q)}))
}

func (s *Server) deleteQuery(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	if err := s.st.RemoveQuery(r.Context(), cred.Caller, mux.Vars(r)["id"]); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// runQuery enqueues a run. A caller holding a chain delegated by the
// query's owner may run it too; the chain root carries that proof.
// Background runs return the run id immediately; synchronous runs
// execute inline and return the terminal record.
func (s *Server) runQuery(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.RunQueryRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	root := cred.Envelope.Root().Issuer
	if req.Background {
		runID, err := s.st.StartRun(r.Context(), cred.Caller, root, req.ID, req.Variables)
		if err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.RunQueryResponse{Data: runID}))
	}

	// A synchronous run is born claimed, so the background worker can
	// never take it from the handler.
	runID, err := s.st.StartClaimedRun(r.Context(), cred.Caller, root, req.ID, req.Variables)
	if err != nil {
		return errors.Trace(err)
	}
	if err := s.st.ExecuteRun(r.Context(), runID); err != nil {
		return errors.Trace(err)
	}
	run, err := s.st.Run(r.Context(), cred.Caller, runID)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.QueryRunResponse{Data: runParam(run)}))
}

func (s *Server) readRun(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	run, err := s.st.Run(r.Context(), cred.Caller, mux.Vars(r)["id"])
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.QueryRunResponse{Data: runParam(run)}))
}
