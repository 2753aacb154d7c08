// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/nildb/core/coerce"
	"github.com/juju/nildb/core/did"
)

// AclEntry grants one principal a set of rights on one owned document.
type AclEntry struct {
	Grantee did.DID
	Read    bool
	Write   bool
	Execute bool
}

func (e AclEntry) asDoc() bson.M {
	return bson.M{
		"grantee": e.Grantee.String(),
		"read":    e.Read,
		"write":   e.Write,
		"execute": e.Execute,
	}
}

func aclEntryFromDoc(raw interface{}) (AclEntry, bool) {
	m, ok := raw.(bson.M)
	if !ok {
		if plain, isPlain := raw.(map[string]interface{}); isPlain {
			m = bson.M(plain)
		} else {
			return AclEntry{}, false
		}
	}
	grantee, _ := m["grantee"].(string)
	read, _ := m["read"].(bool)
	write, _ := m["write"].(bool)
	execute, _ := m["execute"].(bool)
	return AclEntry{Grantee: did.DID(grantee), Read: read, Write: write, Execute: execute}, grantee != ""
}

// ownedDocument loads an owned document the given user must own.
// Anything else, including the document not existing at all, is an
// access denial.
func (st *State) ownedDocument(ctx context.Context, user did.DID, collectionID, documentID string) (Collection, bson.M, error) {
	c, err := st.collection(ctx, collectionID)
	if errors.Is(err, errors.NotFound) {
		return Collection{}, nil, errors.WithType(errors.Errorf("collection %q", collectionID), ErrResourceAccessDenied)
	} else if err != nil {
		return Collection{}, nil, errors.Trace(err)
	}
	if c.Type() != CollectionOwned {
		return Collection{}, nil, errors.WithType(errors.Errorf("collection %q", collectionID), ErrResourceAccessDenied)
	}
	raw, err := st.data.C(collectionID).FindOne(ctx, documentFilter(documentID))
	if errors.Is(err, mongoDocumentNotFound) {
		return Collection{}, nil, errors.WithType(errors.Errorf("document %q", documentID), ErrResourceAccessDenied)
	} else if err != nil {
		return Collection{}, nil, errors.Trace(err)
	}
	if owner, _ := raw[ownerField].(string); owner != user.String() {
		return Collection{}, nil, errors.WithType(errors.Errorf("document %q", documentID), ErrResourceAccessDenied)
	}
	return c, raw, nil
}

// documentACL decodes a stored document's ACL.
func documentACL(raw bson.M) []AclEntry {
	list, _ := raw[aclField].([]interface{})
	entries := make([]AclEntry, 0, len(list))
	for _, item := range list {
		if entry, ok := aclEntryFromDoc(item); ok {
			entries = append(entries, entry)
		}
	}
	return entries
}

// GrantAccess adds or replaces an access entry on a document the
// caller owns. A grantee with an existing entry has it replaced in
// place, and the collection owner's entry may never be reduced.
func (st *State) GrantAccess(ctx context.Context, user did.DID, collectionID, documentID string, entry AclEntry) error {
	c, raw, err := st.ownedDocument(ctx, user, collectionID, documentID)
	if err != nil {
		return errors.Trace(err)
	}
	if err := entry.Grantee.Validate(); err != nil {
		return errors.WithType(errors.Trace(err), ErrDataValidation)
	}
	if entry.Grantee == c.Owner() && !(entry.Read && entry.Write && entry.Execute) {
		return errors.WithType(errors.New("the collection owner's access cannot be reduced"), ErrDataValidation)
	}
	entries := documentACL(raw)
	replaced := false
	for i, existing := range entries {
		if existing.Grantee == entry.Grantee {
			entries[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	if err := st.writeACL(ctx, collectionID, documentID, entries); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("user %s granted %s access to document %s", user, entry.Grantee, documentID)
	return nil
}

// RevokeAccess removes a grantee's entry from a document the caller
// owns. The collection owner's entry is irrevocable.
func (st *State) RevokeAccess(ctx context.Context, user did.DID, collectionID, documentID string, grantee did.DID) error {
	c, raw, err := st.ownedDocument(ctx, user, collectionID, documentID)
	if err != nil {
		return errors.Trace(err)
	}
	if grantee == c.Owner() {
		return errors.WithType(errors.New("the collection owner's access cannot be revoked"), ErrDataValidation)
	}
	entries := documentACL(raw)
	kept := make([]AclEntry, 0, len(entries))
	for _, existing := range entries {
		if existing.Grantee != grantee {
			kept = append(kept, existing)
		}
	}
	if len(kept) == len(entries) {
		return errors.WithType(errors.Errorf("no access entry for %q", grantee), ErrDataValidation)
	}
	if err := st.writeACL(ctx, collectionID, documentID, kept); err != nil {
		return errors.Trace(err)
	}
	logger.Debugf("user %s revoked %s access to document %s", user, grantee, documentID)
	return nil
}

func (st *State) writeACL(ctx context.Context, collectionID, documentID string, entries []AclEntry) error {
	docs := make([]interface{}, len(entries))
	for i, entry := range entries {
		docs[i] = entry.asDoc()
	}
	return errors.Trace(st.data.C(collectionID).UpdateOne(ctx,
		documentFilter(documentID),
		bson.M{"$set": bson.M{aclField: docs, updatedField: st.now()}},
	))
}

// documentFilter selects one document by its textual UUID.
func documentFilter(documentID string) map[string]interface{} {
	return map[string]interface{}{
		idField: documentID,
		coerce.Directive: map[string]interface{}{
			idField: "uuid",
		},
	}
}
