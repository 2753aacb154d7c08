// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/gojsonschema"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/utils/v4"

	"github.com/juju/nildb/core/did"
)

// CollectionType distinguishes the two document models.
type CollectionType string

const (
	// CollectionStandard: documents belong to the builder alone.
	CollectionStandard CollectionType = "standard"

	// CollectionOwned: each document has a user owner and an ACL.
	CollectionOwned CollectionType = "owned"
)

// Validate returns an error unless the type is known.
func (t CollectionType) Validate() error {
	switch t {
	case CollectionStandard, CollectionOwned:
		return nil
	}
	return errors.WithType(errors.Errorf("unknown collection type %q", t), ErrDataValidation)
}

type collectionDoc struct {
	ID        string    `bson:"_id"`
	Owner     string    `bson:"owner"`
	Name      string    `bson:"name"`
	Type      string    `bson:"type"`
	Schema    bson.M    `bson:"schema"`
	CreatedAt time.Time `bson:"created-at"`
	UpdatedAt time.Time `bson:"updated-at"`
}

// Collection is a registered document collection. Its id doubles as
// the name of the physical collection in the data database.
type Collection struct {
	doc collectionDoc
}

// ID returns the collection's UUID.
func (c Collection) ID() string {
	return c.doc.ID
}

// Owner returns the owning builder's DID.
func (c Collection) Owner() did.DID {
	return did.DID(c.doc.Owner)
}

// Name returns the collection's display name.
func (c Collection) Name() string {
	return c.doc.Name
}

// Type returns the collection's document model.
func (c Collection) Type() CollectionType {
	return CollectionType(c.doc.Type)
}

// Schema returns the JSON Schema documents are validated against.
func (c Collection) Schema() map[string]interface{} {
	return renderDoc(c.doc.Schema)
}

// CreatedAt returns the registration time.
func (c Collection) CreatedAt() time.Time {
	return c.doc.CreatedAt
}

// compiledSchema compiles the stored schema for validation.
func (c Collection) compiledSchema() (*gojsonschema.Schema, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(c.Schema()))
	if err != nil {
		return nil, errors.Annotate(err, "compiling collection schema")
	}
	return schema, nil
}

// CollectionArgs name the parts of a new collection. A zero ID mints
// a fresh UUID.
type CollectionArgs struct {
	ID     string
	Name   string
	Type   CollectionType
	Schema map[string]interface{}
}

// CreateCollection registers a collection for the calling builder and
// creates its physical backing collection.
func (st *State) CreateCollection(ctx context.Context, owner did.DID, args CollectionArgs) (Collection, error) {
	if _, err := st.Builder(ctx, owner); errors.Is(err, errors.NotFound) {
		return Collection{}, errors.WithType(errors.New("caller is not a registered builder"), ErrUnauthorized)
	} else if err != nil {
		return Collection{}, errors.Trace(err)
	}
	if args.Name == "" {
		return Collection{}, errors.WithType(errors.New("collection name cannot be empty"), ErrDataValidation)
	}
	if err := args.Type.Validate(); err != nil {
		return Collection{}, errors.Trace(err)
	}
	if len(args.Schema) == 0 {
		return Collection{}, errors.WithType(errors.New("collection schema cannot be empty"), ErrDataValidation)
	}
	if _, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(args.Schema)); err != nil {
		return Collection{}, errors.WithType(errors.Annotate(err, "invalid collection schema"), ErrDataValidation)
	}
	id := args.ID
	if id == "" {
		id = utils.MustNewUUID().String()
	} else if !utils.IsValidUUIDString(id) {
		return Collection{}, errors.WithType(errors.Errorf("collection id %q is not a UUID", id), ErrDataValidation)
	}

	coll := st.primary.C(collectionsC)
	n, err := coll.Count(ctx, map[string]interface{}{"_id": id})
	if err != nil {
		return Collection{}, errors.Trace(err)
	}
	if n > 0 {
		return Collection{}, errors.WithType(errors.Errorf("collection %q already exists", id), ErrDataValidation)
	}

	now := st.now()
	doc := collectionDoc{
		ID:        id,
		Owner:     owner.String(),
		Name:      args.Name,
		Type:      string(args.Type),
		Schema:    bson.M(args.Schema),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := coll.Insert(ctx, doc); err != nil {
		return Collection{}, errors.Trace(err)
	}
	if err := st.data.C(id).Create(ctx); err != nil {
		return Collection{}, errors.Annotate(err, "creating backing collection")
	}
	if err := st.addCollectionRef(ctx, owner, id); err != nil {
		return Collection{}, errors.Trace(err)
	}
	logger.Infof("builder %s created %s collection %q (%s)", owner, args.Type, args.Name, id)
	return Collection{doc: doc}, nil
}

// Collections lists the builder's collections, oldest first.
func (st *State) Collections(ctx context.Context, owner did.DID) ([]Collection, error) {
	raws, err := st.primary.C(collectionsC).FindAll(ctx,
		map[string]interface{}{"owner": owner.String()},
		findSort("created-at"),
	)
	if err != nil {
		return nil, errors.Trace(err)
	}
	colls := make([]Collection, len(raws))
	for i, raw := range raws {
		var doc collectionDoc
		if err := remarshal(raw, &doc); err != nil {
			return nil, errors.Trace(err)
		}
		colls[i] = Collection{doc: doc}
	}
	return colls, nil
}

// DocumentCount reports how many documents a collection the caller
// owns currently stores.
func (st *State) DocumentCount(ctx context.Context, caller did.DID, id string) (int, error) {
	if _, err := st.ownedCollection(ctx, caller, id); err != nil {
		return 0, errors.Trace(err)
	}
	n, err := st.data.C(id).Count(ctx, nil)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return n, nil
}

// collection loads a collection by id regardless of caller.
func (st *State) collection(ctx context.Context, id string) (Collection, error) {
	raw, err := st.primary.C(collectionsC).FindOne(ctx, map[string]interface{}{"_id": id})
	if errors.Is(err, mongoDocumentNotFound) {
		return Collection{}, errors.NotFoundf("collection %q", id)
	} else if err != nil {
		return Collection{}, errors.Trace(err)
	}
	var doc collectionDoc
	if err := remarshal(raw, &doc); err != nil {
		return Collection{}, errors.Trace(err)
	}
	return Collection{doc: doc}, nil
}

// ownedCollection loads a collection the caller must own. A missing
// collection and someone else's collection are indistinguishable to
// the caller.
func (st *State) ownedCollection(ctx context.Context, caller did.DID, id string) (Collection, error) {
	c, err := st.collection(ctx, id)
	if errors.Is(err, errors.NotFound) {
		return Collection{}, errors.WithType(errors.Errorf("collection %q", id), ErrResourceAccessDenied)
	} else if err != nil {
		return Collection{}, errors.Trace(err)
	}
	if c.Owner() != caller {
		return Collection{}, errors.WithType(errors.Errorf("collection %q", id), ErrResourceAccessDenied)
	}
	return c, nil
}

// CollectionMetadata pairs a collection with its storage statistics.
type CollectionMetadata struct {
	Collection

	Count      int
	Size       int64
	FirstWrite time.Time
	LastWrite  time.Time
	Indexes    []mgo.Index
}

// Metadata returns storage statistics and index state for a
// collection the caller owns.
func (st *State) Metadata(ctx context.Context, caller did.DID, id string) (CollectionMetadata, error) {
	c, err := st.ownedCollection(ctx, caller, id)
	if err != nil {
		return CollectionMetadata{}, errors.Trace(err)
	}
	backing := st.data.C(id)
	stats, err := backing.Stats(ctx)
	if err != nil {
		return CollectionMetadata{}, errors.Trace(err)
	}
	indexes, err := backing.Indexes(ctx)
	if err != nil {
		return CollectionMetadata{}, errors.Trace(err)
	}
	meta := CollectionMetadata{Collection: c, Count: stats.Count, Size: stats.Size, Indexes: indexes}
	if first, err := backing.FindAll(ctx, nil, firstWriteQuery()); err != nil {
		return CollectionMetadata{}, errors.Trace(err)
	} else if len(first) > 0 {
		meta.FirstWrite, _ = first[0]["_created"].(time.Time)
	}
	if last, err := backing.FindAll(ctx, nil, lastWriteQuery()); err != nil {
		return CollectionMetadata{}, errors.Trace(err)
	} else if len(last) > 0 {
		meta.LastWrite, _ = last[0]["_created"].(time.Time)
	}
	return meta, nil
}

// RemoveCollection deletes a collection, its documents, its user
// references and its owner back-reference, in that order so that a
// partial failure leaves only repairable secondary data behind.
func (st *State) RemoveCollection(ctx context.Context, caller did.DID, id string) error {
	c, err := st.ownedCollection(ctx, caller, id)
	if err != nil {
		return errors.Trace(err)
	}
	if c.Type() == CollectionOwned {
		if err := st.removeCollectionRefs(ctx, id); err != nil {
			return errors.Annotate(err, "removing user references")
		}
	}
	if err := st.data.C(id).Drop(ctx); err != nil && !errors.Is(err, mongoCollectionNotFound) {
		return errors.Trace(err)
	}
	err = st.primary.C(collectionsC).RemoveOne(ctx, map[string]interface{}{"_id": id})
	if err != nil && !errors.Is(err, mongoDocumentNotFound) {
		return errors.Trace(err)
	}
	if err := st.removeCollectionRef(ctx, c.Owner(), id); err != nil {
		return errors.Trace(err)
	}
	logger.Infof("builder %s removed collection %q (%s)", caller, c.Name(), id)
	return nil
}

// Index name limits, applied at the catalog boundary rather than
// relying on driver behaviour.
const (
	minIndexNameLength = 4
	maxIndexNameLength = 50
)

// IndexKey is one field of an index specification.
type IndexKey struct {
	Field      string
	Descending bool
}

// IndexArgs name the parts of a new index.
type IndexArgs struct {
	Name   string
	Keys   []IndexKey
	Unique bool
	TTL    time.Duration
}

// CreateIndex adds an index to a collection the caller owns.
func (st *State) CreateIndex(ctx context.Context, caller did.DID, id string, args IndexArgs) error {
	if _, err := st.ownedCollection(ctx, caller, id); err != nil {
		return errors.Trace(err)
	}
	if n := len(args.Name); n < minIndexNameLength || n > maxIndexNameLength {
		return errors.WithType(errors.Errorf(
			"index name must be %d to %d characters", minIndexNameLength, maxIndexNameLength), ErrDataValidation)
	}
	if len(args.Keys) == 0 {
		return errors.WithType(errors.New("index must have at least one key"), ErrDataValidation)
	}
	keys := make([]string, len(args.Keys))
	for i, k := range args.Keys {
		if k.Field == "" {
			return errors.WithType(errors.New("index key field cannot be empty"), ErrDataValidation)
		}
		if k.Descending {
			keys[i] = "-" + k.Field
		} else {
			keys[i] = k.Field
		}
	}
	index := mgo.Index{
		Name:        args.Name,
		Key:         keys,
		Unique:      args.Unique,
		ExpireAfter: args.TTL,
	}
	return errors.Trace(st.data.C(id).EnsureIndex(ctx, index))
}

// DropIndex removes a named index from a collection the caller owns.
func (st *State) DropIndex(ctx context.Context, caller did.DID, id, name string) error {
	if _, err := st.ownedCollection(ctx, caller, id); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.data.C(id).DropIndex(ctx, name))
}
