// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"

	"github.com/juju/nildb/core/did"
)

// Pipeline stages that reach outside the query's single collection.
// The access resolver covers one collection only, so these are
// rejected at definition time.
var forbiddenStages = set.NewStrings("$lookup", "$out", "$merge", "$unionWith")

type variableSpecDoc struct {
	Path     string `bson:"path"`
	Optional bool   `bson:"optional"`
	Type     string `bson:"type"`
}

type queryDoc struct {
	ID         string                     `bson:"_id"`
	Owner      string                     `bson:"owner"`
	Name       string                     `bson:"name"`
	Collection string                     `bson:"collection"`
	Variables  map[string]variableSpecDoc `bson:"variables"`
	Pipeline   []interface{}              `bson:"pipeline"`
	CreatedAt  time.Time                  `bson:"created-at"`
	UpdatedAt  time.Time                  `bson:"updated-at"`
}

// Query is a stored, parameterised aggregation over one collection.
type Query struct {
	doc queryDoc
}

// ID returns the query's UUID.
func (q Query) ID() string {
	return q.doc.ID
}

// Owner returns the owning builder's DID.
func (q Query) Owner() did.DID {
	return did.DID(q.doc.Owner)
}

// Name returns the query's display name.
func (q Query) Name() string {
	return q.doc.Name
}

// Collection returns the id of the collection the query runs over.
func (q Query) Collection() string {
	return q.doc.Collection
}

// Variables returns the query's declared variable specs.
func (q Query) Variables() map[string]VariableSpec {
	out := make(map[string]VariableSpec, len(q.doc.Variables))
	for name, spec := range q.doc.Variables {
		out[name] = VariableSpec{Path: spec.Path, Optional: spec.Optional, Type: spec.Type}
	}
	return out
}

// Pipeline returns a copy of the stored pipeline.
func (q Query) Pipeline() []interface{} {
	return deepCopyList(q.doc.Pipeline)
}

// CreatedAt returns the definition time.
func (q Query) CreatedAt() time.Time {
	return q.doc.CreatedAt
}

// VariableSpec declares one runtime parameter of a query: where in
// the pipeline it lands, whether it may be omitted, and the type
// recorded from the pipeline's default value at that position.
type VariableSpec struct {
	Path     string
	Optional bool
	Type     string
}

// QueryArgs name the parts of a new query. A zero ID mints a fresh
// UUID; Type on each variable spec is ignored and recorded from the
// pipeline.
type QueryArgs struct {
	ID         string
	Name       string
	Collection string
	Variables  map[string]VariableSpec
	Pipeline   []map[string]interface{}
}

// CreateQuery validates and stores a query definition. Every declared
// variable path must resolve inside the pipeline, every pipeline leaf
// must be of a representable type, and the pipeline may not reach
// beyond its own collection.
func (st *State) CreateQuery(ctx context.Context, owner did.DID, args QueryArgs) (Query, error) {
	if _, err := st.Builder(ctx, owner); errors.Is(err, errors.NotFound) {
		return Query{}, errors.WithType(errors.New("caller is not a registered builder"), ErrUnauthorized)
	} else if err != nil {
		return Query{}, errors.Trace(err)
	}
	if args.Name == "" {
		return Query{}, errors.WithType(errors.New("query name cannot be empty"), ErrDataValidation)
	}
	if _, err := st.ownedCollection(ctx, owner, args.Collection); err != nil {
		return Query{}, errors.Trace(err)
	}
	if len(args.Pipeline) == 0 {
		return Query{}, errors.WithType(errors.New("query pipeline cannot be empty"), ErrDataValidation)
	}

	pipeline := make([]interface{}, len(args.Pipeline))
	for i, stage := range args.Pipeline {
		for name := range stage {
			if forbiddenStages.Contains(name) {
				return Query{}, errors.WithType(errors.Errorf("pipeline stage %q is not permitted", name), ErrDataValidation)
			}
		}
		pipeline[i] = deepCopyValue(stage)
	}
	if err := validatePipelineLeaves(pipeline); err != nil {
		return Query{}, errors.Trace(err)
	}

	variables := make(map[string]variableSpecDoc, len(args.Variables))
	for name, spec := range args.Variables {
		leaf, found, err := lookupPipelinePath(spec.Path, pipeline)
		if err != nil {
			return Query{}, errors.Trace(err)
		}
		if !found {
			return Query{}, errors.WithType(errors.Errorf(
				"variable %q: path %q not found in pipeline", name, spec.Path), ErrVariableInjection)
		}
		variables[name] = variableSpecDoc{
			Path:     spec.Path,
			Optional: spec.Optional,
			Type:     leafType(leaf),
		}
	}

	id := args.ID
	if id == "" {
		id = utils.MustNewUUID().String()
	} else if !utils.IsValidUUIDString(id) {
		return Query{}, errors.WithType(errors.Errorf("query id %q is not a UUID", id), ErrDataValidation)
	}
	now := st.now()
	doc := queryDoc{
		ID:         id,
		Owner:      owner.String(),
		Name:       args.Name,
		Collection: args.Collection,
		Variables:  variables,
		Pipeline:   pipeline,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := st.primary.C(queriesC).Insert(ctx, doc); err != nil {
		return Query{}, errors.Trace(err)
	}
	logger.Infof("builder %s created query %q (%s)", owner, args.Name, id)
	return Query{doc: doc}, nil
}

// Queries lists the builder's queries, oldest first.
func (st *State) Queries(ctx context.Context, owner did.DID) ([]Query, error) {
	raws, err := st.primary.C(queriesC).FindAll(ctx,
		map[string]interface{}{"owner": owner.String()},
		findSort("created-at"),
	)
	if err != nil {
		return nil, errors.Trace(err)
	}
	queries := make([]Query, len(raws))
	for i, raw := range raws {
		var doc queryDoc
		if err := remarshal(raw, &doc); err != nil {
			return nil, errors.Trace(err)
		}
		queries[i] = Query{doc: doc}
	}
	return queries, nil
}

// query loads a query by id regardless of caller.
func (st *State) query(ctx context.Context, id string) (Query, error) {
	raw, err := st.primary.C(queriesC).FindOne(ctx, map[string]interface{}{"_id": id})
	if errors.Is(err, mongoDocumentNotFound) {
		return Query{}, errors.NotFoundf("query %q", id)
	} else if err != nil {
		return Query{}, errors.Trace(err)
	}
	var doc queryDoc
	if err := remarshal(raw, &doc); err != nil {
		return Query{}, errors.Trace(err)
	}
	return Query{doc: doc}, nil
}

// Query returns a query the caller owns. Missing and not-owned are
// indistinguishable.
func (st *State) Query(ctx context.Context, caller did.DID, id string) (Query, error) {
	q, err := st.query(ctx, id)
	if errors.Is(err, errors.NotFound) {
		return Query{}, errors.WithType(errors.Errorf("query %q", id), ErrResourceAccessDenied)
	} else if err != nil {
		return Query{}, errors.Trace(err)
	}
	if q.Owner() != caller {
		return Query{}, errors.WithType(errors.Errorf("query %q", id), ErrResourceAccessDenied)
	}
	return q, nil
}

// RemoveQuery deletes a query the caller owns.
func (st *State) RemoveQuery(ctx context.Context, caller did.DID, id string) error {
	if _, err := st.Query(ctx, caller, id); err != nil {
		return errors.Trace(err)
	}
	err := st.primary.C(queriesC).RemoveOne(ctx, map[string]interface{}{"_id": id})
	if err != nil && !errors.Is(err, mongoDocumentNotFound) {
		return errors.Trace(err)
	}
	return nil
}
