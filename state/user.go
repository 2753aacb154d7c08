// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/nildb/core/coerce"
	"github.com/juju/nildb/core/did"
)

// A user exists exactly as long as it owns documents: the user record
// is created with the first owned document and deleted with the last
// reference.
type userDoc struct {
	ID        string    `bson:"_id"`
	Refs      []refDoc  `bson:"refs"`
	CreatedAt time.Time `bson:"created-at"`
	UpdatedAt time.Time `bson:"updated-at"`
}

type refDoc struct {
	Collection string `bson:"collection"`
	Document   string `bson:"document"`
}

// DataRef points at one owned document.
type DataRef struct {
	Collection string
	Document   string
}

// UserExists reports whether the DID names a known user.
func (st *State) UserExists(ctx context.Context, user did.DID) (bool, error) {
	n, err := st.primary.C(usersC).Count(ctx, map[string]interface{}{"_id": user.String()})
	if err != nil {
		return false, errors.Trace(err)
	}
	return n > 0, nil
}

// UserData lists the documents the user owns.
func (st *State) UserData(ctx context.Context, user did.DID) ([]DataRef, error) {
	raw, err := st.primary.C(usersC).FindOne(ctx, map[string]interface{}{"_id": user.String()})
	if errors.Is(err, mongoDocumentNotFound) {
		return nil, errors.NotFoundf("user %q", user)
	} else if err != nil {
		return nil, errors.Trace(err)
	}
	var doc userDoc
	if err := remarshal(raw, &doc); err != nil {
		return nil, errors.Trace(err)
	}
	refs := make([]DataRef, len(doc.Refs))
	for i, ref := range doc.Refs {
		refs[i] = DataRef{Collection: ref.Collection, Document: ref.Document}
	}
	return refs, nil
}

// ReadUserDocument returns one document the user owns.
func (st *State) ReadUserDocument(ctx context.Context, user did.DID, collectionID, documentID string) (map[string]interface{}, error) {
	_, raw, err := st.ownedDocument(ctx, user, collectionID, documentID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return renderDoc(raw), nil
}

// DeleteUserDocument removes one document the user owns, and the
// user's reference to it.
func (st *State) DeleteUserDocument(ctx context.Context, user did.DID, collectionID, documentID string) error {
	if _, _, err := st.ownedDocument(ctx, user, collectionID, documentID); err != nil {
		return errors.Trace(err)
	}
	err := st.data.C(collectionID).RemoveOne(ctx, documentFilter(documentID))
	if err != nil && !errors.Is(err, mongoDocumentNotFound) {
		return errors.Trace(err)
	}
	return errors.Trace(st.removeUserRef(ctx, user, collectionID, documentID))
}

// addUserRefs records data references for freshly created owned
// documents, creating the user record if this is its first document.
func (st *State) addUserRefs(ctx context.Context, user did.DID, collectionID string, documentIDs []string) error {
	refs := make([]interface{}, len(documentIDs))
	for i, id := range documentIDs {
		refs[i] = bson.M{"collection": collectionID, "document": id}
	}
	now := st.now()
	err := st.primary.C(usersC).Upsert(ctx,
		map[string]interface{}{"_id": user.String()},
		bson.M{
			"$addToSet":    bson.M{"refs": bson.M{"$each": refs}},
			"$set":         bson.M{"updated-at": now},
			"$setOnInsert": bson.M{"created-at": now},
		},
	)
	return errors.Trace(err)
}

// removeUserRef drops one reference, deleting the user record when the
// last reference goes. Tolerates an already-missing reference so that
// delete retries converge.
func (st *State) removeUserRef(ctx context.Context, user did.DID, collectionID, documentID string) error {
	users := st.primary.C(usersC)
	err := users.UpdateOne(ctx,
		map[string]interface{}{"_id": user.String()},
		bson.M{
			"$pull": bson.M{"refs": bson.M{"collection": collectionID, "document": documentID}},
			"$set":  bson.M{"updated-at": st.now()},
		},
	)
	if errors.Is(err, mongoDocumentNotFound) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.reapEmptyUsers(ctx))
}

// removeUserRefsForDocs reduces references for a batch of deleted
// owned documents.
func (st *State) removeUserRefsForDocs(ctx context.Context, collectionID string, docs []bson.M) error {
	for _, doc := range docs {
		owner, _ := doc[ownerField].(string)
		if owner == "" {
			continue
		}
		binary, ok := doc[idField].(bson.Binary)
		if !ok {
			continue
		}
		id, ok := coerce.UUIDString(binary)
		if !ok {
			continue
		}
		if err := st.removeUserRef(ctx, did.DID(owner), collectionID, id); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// removeCollectionRefs drops every user reference into a collection,
// ahead of the collection itself being dropped.
func (st *State) removeCollectionRefs(ctx context.Context, collectionID string) error {
	_, _, err := st.primary.C(usersC).UpdateAll(ctx,
		map[string]interface{}{},
		bson.M{"$pull": bson.M{"refs": bson.M{"collection": collectionID}}},
	)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(st.reapEmptyUsers(ctx))
}

// reapEmptyUsers deletes user records whose reference list has become
// empty. A user with no documents does not exist.
func (st *State) reapEmptyUsers(ctx context.Context) error {
	_, err := st.primary.C(usersC).RemoveAll(ctx,
		map[string]interface{}{"refs": map[string]interface{}{"$size": 0}},
	)
	return errors.Trace(err)
}
