// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/nildb/core/did"
)

type builderDoc struct {
	ID          string    `bson:"_id"`
	Name        string    `bson:"name"`
	Collections []string  `bson:"collections"`
	CreatedAt   time.Time `bson:"created-at"`
	UpdatedAt   time.Time `bson:"updated-at"`
}

// Builder is a registered tenant of the service, identified by its
// DID. Its collections list is a back-reference maintained by the
// collection catalog.
type Builder struct {
	doc builderDoc
}

// ID returns the builder's DID.
func (b Builder) ID() did.DID {
	return did.DID(b.doc.ID)
}

// Name returns the builder's display name.
func (b Builder) Name() string {
	return b.doc.Name
}

// Collections returns the ids of the builder's collections.
func (b Builder) Collections() set.Strings {
	return set.NewStrings(b.doc.Collections...)
}

// CreatedAt returns the registration time.
func (b Builder) CreatedAt() time.Time {
	return b.doc.CreatedAt
}

// UpdatedAt returns the last profile update time.
func (b Builder) UpdatedAt() time.Time {
	return b.doc.UpdatedAt
}

// RegisterBuilder creates a builder profile for the given DID. Key
// possession has been proved at the API boundary; the catalog enforces
// only shape and uniqueness.
func (st *State) RegisterBuilder(ctx context.Context, id did.DID, name string) error {
	if err := id.Validate(); err != nil {
		return errors.WithType(errors.Trace(err), ErrDataValidation)
	}
	if name == "" {
		return errors.WithType(errors.New("builder name cannot be empty"), ErrDataValidation)
	}
	coll := st.primary.C(buildersC)
	n, err := coll.Count(ctx, map[string]interface{}{"_id": id.String()})
	if err != nil {
		return errors.Trace(err)
	}
	if n > 0 {
		return errors.WithType(errors.Errorf("builder %q already registered", id), ErrDataValidation)
	}
	now := st.now()
	doc := builderDoc{
		ID:          id.String(),
		Name:        name,
		Collections: []string{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := coll.Insert(ctx, doc); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("registered builder %q (%s)", name, id)
	return nil
}

// Builder returns the builder profile for the given DID, or a
// not-found error.
func (st *State) Builder(ctx context.Context, id did.DID) (Builder, error) {
	if b, ok := st.builders.get(id); ok {
		return b, nil
	}
	b, err := st.loadBuilder(ctx, id)
	if err != nil {
		return Builder{}, errors.Trace(err)
	}
	st.builders.put(id, b)
	return b, nil
}

func (st *State) loadBuilder(ctx context.Context, id did.DID) (Builder, error) {
	raw, err := st.primary.C(buildersC).FindOne(ctx, map[string]interface{}{"_id": id.String()})
	if errors.Is(err, mongoDocumentNotFound) {
		return Builder{}, errors.NotFoundf("builder %q", id)
	} else if err != nil {
		return Builder{}, errors.Trace(err)
	}
	var doc builderDoc
	if err := remarshal(raw, &doc); err != nil {
		return Builder{}, errors.Trace(err)
	}
	return Builder{doc: doc}, nil
}

// UpdateBuilder changes the builder's display name.
func (st *State) UpdateBuilder(ctx context.Context, id did.DID, name string) error {
	if name == "" {
		return errors.WithType(errors.New("builder name cannot be empty"), ErrDataValidation)
	}
	st.builders.taint(id)
	err := st.primary.C(buildersC).UpdateOne(ctx,
		map[string]interface{}{"_id": id.String()},
		bson.M{"$set": bson.M{"name": name, "updated-at": st.now()}},
	)
	if errors.Is(err, mongoDocumentNotFound) {
		return errors.NotFoundf("builder %q", id)
	}
	return errors.Trace(err)
}

// RemoveBuilder deletes the builder and everything it owns: its
// collections with their documents and user references, and its
// queries. Each step is idempotent, so a partial failure is repaired
// by calling again.
func (st *State) RemoveBuilder(ctx context.Context, id did.DID) error {
	st.builders.taint(id)
	colls, err := st.Collections(ctx, id)
	if err != nil {
		return errors.Trace(err)
	}
	for _, c := range colls {
		if err := st.RemoveCollection(ctx, id, c.ID()); err != nil {
			return errors.Annotatef(err, "removing collection %q", c.ID())
		}
	}
	if _, err := st.primary.C(queriesC).RemoveAll(ctx, map[string]interface{}{"owner": id.String()}); err != nil {
		return errors.Trace(err)
	}
	err = st.primary.C(buildersC).RemoveOne(ctx, map[string]interface{}{"_id": id.String()})
	if errors.Is(err, mongoDocumentNotFound) {
		return errors.NotFoundf("builder %q", id)
	} else if err != nil {
		return errors.Trace(err)
	}
	st.builders.forget(id)
	logger.Infof("removed builder %s", id)
	return nil
}

// addCollectionRef records a collection id on its owner's profile.
func (st *State) addCollectionRef(ctx context.Context, owner did.DID, collectionID string) error {
	st.builders.taint(owner)
	err := st.primary.C(buildersC).UpdateOne(ctx,
		map[string]interface{}{"_id": owner.String()},
		bson.M{
			"$addToSet": bson.M{"collections": collectionID},
			"$set":      bson.M{"updated-at": st.now()},
		},
	)
	return errors.Trace(err)
}

// removeCollectionRef drops a collection id from its owner's profile.
// Tolerates a missing builder, for cascades already in flight.
func (st *State) removeCollectionRef(ctx context.Context, owner did.DID, collectionID string) error {
	st.builders.taint(owner)
	err := st.primary.C(buildersC).UpdateOne(ctx,
		map[string]interface{}{"_id": owner.String()},
		bson.M{
			"$pull": bson.M{"collections": collectionID},
			"$set":  bson.M{"updated-at": st.now()},
		},
	)
	if errors.Is(err, mongoDocumentNotFound) {
		return nil
	}
	return errors.Trace(err)
}
