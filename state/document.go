// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/gojsonschema"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/nildb/core/coerce"
	"github.com/juju/nildb/core/did"
)

// System fields stamped onto every stored document. They are managed
// by the engine and may never be written through the update path.
const (
	idField      = "_id"
	createdField = "_created"
	updatedField = "_updated"
	ownerField   = "_owner"
	aclField     = "_acl"
)

// MaxRecordsLength bounds a single ingest batch.
const MaxRecordsLength = 10000

// Tail limits.
const (
	DefaultTailLimit = 10
	MaxTailLimit     = 100
)

var systemFields = set.NewStrings(idField, createdField, updatedField, ownerField, aclField)

// allowed update operators; everything else is rejected.
var updateOperators = set.NewStrings("$set", "$unset", "$push", "$pull", "$inc")

// validateRecords checks an ingest batch against the collection's
// schema and prepares each record for storage: _id parsed to its
// native form, timestamps stamped. No record is returned unless all
// of them pass.
func (st *State) validateRecords(c Collection, records []map[string]interface{}) ([]bson.M, error) {
	if len(records) == 0 {
		return nil, errors.WithType(errors.New("no records supplied"), ErrDataValidation)
	}
	if len(records) > MaxRecordsLength {
		return nil, errors.WithType(errors.Errorf(
			"batch of %d records exceeds the limit of %d", len(records), MaxRecordsLength), ErrDataValidation)
	}
	schema, err := c.compiledSchema()
	if err != nil {
		return nil, errors.Trace(err)
	}
	now := st.now()
	seen := set.NewStrings()
	var issues []string
	prepared := make([]bson.M, len(records))
	for i, record := range records {
		rawID, ok := record[idField].(string)
		if !ok {
			issues = append(issues, fmt.Sprintf("record %d: missing _id", i))
			continue
		}
		docID, err := uuid.Parse(rawID)
		if err != nil {
			issues = append(issues, fmt.Sprintf("record %d: _id is not a UUID", i))
			continue
		}
		if seen.Contains(rawID) {
			issues = append(issues, fmt.Sprintf("record %d: duplicate _id %s", i, rawID))
			continue
		}
		seen.Add(rawID)

		result, err := schema.Validate(gojsonschema.NewGoLoader(record))
		if err != nil {
			return nil, errors.Annotatef(err, "validating record %d", i)
		}
		if !result.Valid() {
			for _, desc := range result.Errors() {
				issues = append(issues, fmt.Sprintf("record %d: %s", i, desc))
			}
			continue
		}

		doc := make(bson.M, len(record)+2)
		for k, v := range record {
			doc[k] = v
		}
		doc[idField] = coerce.UUIDBinary(docID)
		doc[createdField] = now
		doc[updatedField] = now
		prepared[i] = doc
	}
	if len(issues) > 0 {
		return nil, errors.Trace(NewValidationError("record validation failed", issues...))
	}
	return prepared, nil
}

// CreateStandard ingests a batch of documents into a standard
// collection the caller owns. All records pass validation or none are
// written. Returns the stored document ids.
func (st *State) CreateStandard(ctx context.Context, caller did.DID, collectionID string, records []map[string]interface{}) ([]string, error) {
	c, err := st.ownedCollection(ctx, caller, collectionID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if c.Type() != CollectionStandard {
		return nil, errors.WithType(errors.Errorf("collection %q is not a standard collection", collectionID), ErrDataValidation)
	}
	prepared, err := st.validateRecords(c, records)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return st.insertPrepared(ctx, collectionID, prepared)
}

// OwnedCreateArgs name an owned-document ingest.
type OwnedCreateArgs struct {
	Collection string
	Owner      did.DID
	Records    []map[string]interface{}
	Acl        AclEntry
}

// CreateOwned ingests documents owned by an end user into an owned
// collection. The caller must be the collection owner, and the ACL
// entry it requests for itself must grant something. Each stored
// document carries the user as its owner and the caller's entry,
// normalised to full access, as its ACL; the user's data reference
// list gains one entry per document.
func (st *State) CreateOwned(ctx context.Context, caller did.DID, args OwnedCreateArgs) ([]string, error) {
	c, err := st.ownedCollection(ctx, caller, args.Collection)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if c.Type() != CollectionOwned {
		return nil, errors.WithType(errors.Errorf("collection %q is not an owned collection", args.Collection), ErrDataValidation)
	}
	if err := args.Owner.Validate(); err != nil {
		return nil, errors.WithType(errors.Trace(err), ErrDataValidation)
	}
	if !args.Acl.Read && !args.Acl.Write && !args.Acl.Execute {
		return nil, errors.WithType(errors.New("access entry grants nothing"), ErrUnauthorized)
	}
	prepared, err := st.validateRecords(c, args.Records)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ownerEntry := AclEntry{Grantee: caller, Read: true, Write: true, Execute: true}
	for _, doc := range prepared {
		doc[ownerField] = args.Owner.String()
		doc[aclField] = []interface{}{ownerEntry.asDoc()}
	}
	ids, err := st.insertPrepared(ctx, args.Collection, prepared)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := st.addUserRefs(ctx, args.Owner, args.Collection, ids); err != nil {
		return nil, errors.Annotate(err, "recording user references")
	}
	return ids, nil
}

func (st *State) insertPrepared(ctx context.Context, collectionID string, prepared []bson.M) ([]string, error) {
	docs := make([]interface{}, len(prepared))
	ids := make([]string, len(prepared))
	for i, doc := range prepared {
		docs[i] = doc
		ids[i], _ = coerce.UUIDString(doc[idField].(bson.Binary))
	}
	if err := st.data.C(collectionID).Insert(ctx, docs...); err != nil {
		return nil, errors.Trace(err)
	}
	logger.Debugf("inserted %d documents into collection %s", len(docs), collectionID)
	return ids, nil
}

// FindArgs bound and filter a read.
type FindArgs struct {
	Collection string
	Filter     map[string]interface{}
	Limit      int
	Offset     int
}

// FindResult carries one page of documents and the unpaginated total.
type FindResult struct {
	Documents []map[string]interface{}
	Total     int
}

// Find returns the documents the caller may read, filtered and
// paginated.
func (st *State) Find(ctx context.Context, caller did.DID, args FindArgs) (FindResult, error) {
	_, filter, err := st.resolveAccess(ctx, caller, args.Collection, ActionRead, args.Filter)
	if err != nil {
		return FindResult{}, errors.Trace(err)
	}
	backing := st.data.C(args.Collection)
	total, err := backing.Count(ctx, filter)
	if err != nil {
		return FindResult{}, errors.Trace(err)
	}
	raws, err := backing.FindAll(ctx, filter, findPage(args.Limit, args.Offset))
	if err != nil {
		return FindResult{}, errors.Trace(err)
	}
	docs := make([]map[string]interface{}, len(raws))
	for i, raw := range raws {
		docs[i] = renderDoc(raw)
	}
	return FindResult{Documents: docs, Total: total}, nil
}

// UpdateArgs name an access-controlled update.
type UpdateArgs struct {
	Collection string
	Filter     map[string]interface{}
	Update     map[string]interface{}
}

// Update applies a restricted update document to every document the
// caller may write that matches the filter. Returns matched and
// changed counts.
func (st *State) Update(ctx context.Context, caller did.DID, args UpdateArgs) (matched, changed int, err error) {
	if err := validateUpdate(args.Update); err != nil {
		return 0, 0, errors.Trace(err)
	}
	_, filter, err := st.resolveAccess(ctx, caller, args.Collection, ActionWrite, args.Filter)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	update := make(bson.M, len(args.Update)+1)
	for k, v := range args.Update {
		update[k] = v
	}
	setClause, _ := update["$set"].(map[string]interface{})
	if setClause == nil {
		setClause = map[string]interface{}{}
	}
	setClause[updatedField] = st.now()
	update["$set"] = setClause
	matched, changed, err = st.data.C(args.Collection).UpdateAll(ctx, filter, update)
	return matched, changed, errors.Trace(err)
}

// validateUpdate restricts an update document to the permitted
// operators over non-system fields.
func validateUpdate(update map[string]interface{}) error {
	if len(update) == 0 {
		return errors.WithType(errors.New("empty update"), ErrDataValidation)
	}
	for op, clause := range update {
		if !updateOperators.Contains(op) {
			return errors.WithType(errors.Errorf("update operator %q is not permitted", op), ErrDataValidation)
		}
		fields, ok := clause.(map[string]interface{})
		if !ok {
			return errors.WithType(errors.Errorf("%s clause must be an object", op), ErrDataValidation)
		}
		for field := range fields {
			if systemFields.Contains(field) {
				return errors.WithType(errors.Errorf("field %q cannot be updated", field), ErrDataValidation)
			}
		}
	}
	return nil
}

// DeleteArgs name a targeted delete.
type DeleteArgs struct {
	Collection string
	Filter     map[string]interface{}
}

// Delete removes every document the caller may delete that matches the
// non-empty filter, reducing user references for owned documents.
// Returns the removed count.
func (st *State) Delete(ctx context.Context, caller did.DID, args DeleteArgs) (int, error) {
	// The coercion directive is stripped before matching, so a filter
	// carrying nothing else would match every document.
	matching := 0
	for field := range args.Filter {
		if field != coerce.Directive {
			matching++
		}
	}
	if matching == 0 {
		return 0, errors.WithType(errors.New("delete requires a non-empty filter"), ErrDataValidation)
	}
	c, filter, err := st.resolveAccess(ctx, caller, args.Collection, ActionWrite, args.Filter)
	if err != nil {
		return 0, errors.Trace(err)
	}
	backing := st.data.C(args.Collection)
	if c.Type() == CollectionOwned {
		// Capture the doomed documents first so their owners'
		// references can be reduced, then remove exactly those ids:
		// a document arriving between the two keeps its reference.
		doomed, err := backing.FindAll(ctx, filter, findSort(createdField))
		if err != nil {
			return 0, errors.Trace(err)
		}
		if len(doomed) == 0 {
			return 0, nil
		}
		ids := make([]interface{}, len(doomed))
		for i, doc := range doomed {
			ids[i] = doc[idField]
		}
		removed, err := backing.RemoveAll(ctx, map[string]interface{}{
			idField: map[string]interface{}{"$in": ids},
		})
		if err != nil {
			return 0, errors.Trace(err)
		}
		if err := st.removeUserRefsForDocs(ctx, args.Collection, doomed); err != nil {
			return 0, errors.Annotate(err, "reducing user references")
		}
		return removed, nil
	}
	removed, err := backing.RemoveAll(ctx, filter)
	return removed, errors.Trace(err)
}

// Flush drops every document in a collection the caller owns.
func (st *State) Flush(ctx context.Context, caller did.DID, collectionID string) (int, error) {
	c, err := st.ownedCollection(ctx, caller, collectionID)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if c.Type() == CollectionOwned {
		if err := st.removeCollectionRefs(ctx, collectionID); err != nil {
			return 0, errors.Annotate(err, "removing user references")
		}
	}
	removed, err := st.data.C(collectionID).RemoveAll(ctx, map[string]interface{}{})
	return removed, errors.Trace(err)
}

// Tail returns the most recently written documents the caller may
// read, newest first.
func (st *State) Tail(ctx context.Context, caller did.DID, collectionID string, limit int) ([]map[string]interface{}, error) {
	if limit <= 0 {
		limit = DefaultTailLimit
	}
	if limit > MaxTailLimit {
		limit = MaxTailLimit
	}
	_, filter, err := st.resolveAccess(ctx, caller, collectionID, ActionRead, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	raws, err := st.data.C(collectionID).FindAll(ctx, filter, tailQuery(limit))
	if err != nil {
		return nil, errors.Trace(err)
	}
	docs := make([]map[string]interface{}, len(raws))
	for i, raw := range raws {
		docs[i] = renderDoc(raw)
	}
	return docs, nil
}
