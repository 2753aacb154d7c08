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

func collectionParam(c state.Collection) params.Collection {
	return params.Collection{
		ID:        c.ID(),
		Name:      c.Name(),
		Type:      string(c.Type()),
		Schema:    c.Schema(),
		CreatedAt: c.CreatedAt().Format(time.RFC3339),
	}
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	colls, err := s.st.Collections(r.Context(), cred.Caller)
	if err != nil {
		return errors.Trace(err)
	}
	out := make([]params.Collection, len(colls))
	for i, c := range colls {
		out[i] = collectionParam(c)
		n, err := s.st.DocumentCount(r.Context(), cred.Caller, c.ID())
		if err != nil {
			return errors.Trace(err)
		}
		out[i].Count = n
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.CollectionsResponse{Data: out}))
}

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.CreateCollectionRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	c, err := s.st.CreateCollection(r.Context(), cred.Caller, state.CollectionArgs{
		ID:     req.ID,
		Name:   req.Name,
		Type:   state.CollectionType(req.Type),
		Schema: req.Schema,
	})
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusCreated, params.CollectionResponse{
		Data: collectionParam(c),
	}))
}

func (s *Server) readCollection(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	meta, err := s.st.Metadata(r.Context(), cred.Caller, mux.Vars(r)["id"])
	if err != nil {
		return errors.Trace(err)
	}
	out := params.CollectionMetadata{
		Collection: collectionParam(meta.Collection),
		Size:       meta.Size,
		Indexes:    make([]params.Index, len(meta.Indexes)),
	}
	out.Count = meta.Count
	if !meta.FirstWrite.IsZero() {
		out.FirstWrite = meta.FirstWrite.Format(time.RFC3339)
	}
	if !meta.LastWrite.IsZero() {
		out.LastWrite = meta.LastWrite.Format(time.RFC3339)
	}
	for i, index := range meta.Indexes {
		out.Indexes[i] = params.Index{Name: index.Name, Keys: index.Key, Unique: index.Unique}
	}
	return errors.Trace(sendStatusAndJSON(w, http.StatusOK, params.CollectionMetadataResponse{Data: out}))
}

func (s *Server) deleteCollection(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	if err := s.st.RemoveCollection(r.Context(), cred.Caller, mux.Vars(r)["id"]); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) createIndex(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	var req params.CreateIndexRequest
	if err := decodeBody(r, &req); err != nil {
		return errors.Trace(err)
	}
	keys := make([]state.IndexKey, len(req.Keys))
	for i, k := range req.Keys {
		keys[i] = state.IndexKey{Field: k.Field, Descending: k.Descending}
	}
	err := s.st.CreateIndex(r.Context(), cred.Caller, mux.Vars(r)["id"], state.IndexArgs{
		Name:   req.Name,
		Keys:   keys,
		Unique: req.Unique,
		TTL:    time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusCreated)
	return nil
}

func (s *Server) dropIndex(w http.ResponseWriter, r *http.Request, cred *nuc.Credential) error {
	vars := mux.Vars(r)
	if err := s.st.DropIndex(r.Context(), cred.Caller, vars["id"], vars["name"]); err != nil {
		return errors.Trace(err)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
