// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	"time"

	jc "github.com/juju/testing/checkers"
	"github.com/juju/utils/v4"
	gc "gopkg.in/check.v1"

	"github.com/juju/nildb/core/did"
	"github.com/juju/nildb/state"
)

type documentSuite struct {
	ConnSuite
}

var _ = gc.Suite(&documentSuite{})

func record(name string) map[string]interface{} {
	return map[string]interface{}{
		"_id":  utils.MustNewUUID().String(),
		"name": name,
	}
}

func (s *documentSuite) ingestOwned(c *gc.C, coll state.Collection, owner did.DID, names ...string) []string {
	records := make([]map[string]interface{}, len(names))
	for i, name := range names {
		records[i] = record(name)
	}
	ids, err := s.State.CreateOwned(context.Background(), s.Builder.DID(), state.OwnedCreateArgs{
		Collection: coll.ID(),
		Owner:      owner,
		Records:    records,
		Acl:        state.AclEntry{Grantee: s.Builder.DID(), Read: true},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ids, gc.HasLen, len(names))
	return ids
}

func (s *documentSuite) TestCreateStandardAndFind(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionStandard)

	first := record("alpha")
	second := record("beta")
	ids, err := s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{first, second})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ids, jc.SameContents, []string{first["_id"].(string), second["_id"].(string)})

	result, err := s.State.Find(ctx, s.Builder.DID(), state.FindArgs{
		Collection: coll.ID(),
		Filter:     map[string]interface{}{"name": "alpha"},
		Limit:      10,
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Total, gc.Equals, 1)
	c.Assert(result.Documents, gc.HasLen, 1)
	doc := result.Documents[0]
	c.Assert(doc["_id"], gc.Equals, first["_id"])
	c.Assert(doc["name"], gc.Equals, "alpha")
	c.Assert(doc["_created"], gc.Not(gc.Equals), "")
	c.Assert(doc["_created"], gc.Equals, doc["_updated"])
}

func (s *documentSuite) TestFindByID(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionStandard)
	rec := record("alpha")
	_, err := s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{rec})
	c.Assert(err, jc.ErrorIsNil)

	result, err := s.State.Find(ctx, s.Builder.DID(), state.FindArgs{
		Collection: coll.ID(),
		Filter: map[string]interface{}{
			"_id":     rec["_id"],
			"$coerce": map[string]interface{}{"_id": "uuid"},
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Total, gc.Equals, 1)
}

func (s *documentSuite) TestCreateStandardAllOrNothing(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionStandard)

	good := record("fine")
	bad := map[string]interface{}{"_id": utils.MustNewUUID().String()} // name required
	_, err := s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{good, bad})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)

	result, err := s.State.Find(ctx, s.Builder.DID(), state.FindArgs{Collection: coll.ID()})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Total, gc.Equals, 0)
}

func (s *documentSuite) TestCreateStandardBadIDs(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionStandard)

	_, err := s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{{"name": "missing-id"}})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)

	_, err = s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{{"_id": "nope", "name": "bad-id"}})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)

	dup := record("dup")
	_, err = s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{dup, dup})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)

	_, err = s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(), nil)
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)
}

func (s *documentSuite) TestCreateStandardWrongCollectionType(c *gc.C) {
	coll := s.addCollection(c, state.CollectionOwned)
	_, err := s.State.CreateStandard(context.Background(), s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{record("x")})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)
}

func (s *documentSuite) TestCreateStandardNotOwner(c *gc.C) {
	coll := s.addCollection(c, state.CollectionStandard)
	other := s.newBuilder(c, "rival")
	_, err := s.State.CreateStandard(context.Background(), other.DID(), coll.ID(),
		[]map[string]interface{}{record("x")})
	c.Assert(err, jc.ErrorIs, state.ErrResourceAccessDenied)
}

func (s *documentSuite) TestCreateOwned(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionOwned)
	user, err := did.NewKeyPair()
	c.Assert(err, jc.ErrorIsNil)

	ids := s.ingestOwned(c, coll, user.DID(), "mine")

	// The user exists now and references the document.
	exists, err := s.State.UserExists(ctx, user.DID())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(exists, jc.IsTrue)
	refs, err := s.State.UserData(ctx, user.DID())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(refs, gc.DeepEquals, []state.DataRef{{Collection: coll.ID(), Document: ids[0]}})

	// The stored document carries owner and a full-access builder entry.
	doc, err := s.State.ReadUserDocument(ctx, user.DID(), coll.ID(), ids[0])
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(doc["_owner"], gc.Equals, user.DID().String())
	acl, ok := doc["_acl"].([]interface{})
	c.Assert(ok, jc.IsTrue)
	c.Assert(acl, gc.HasLen, 1)
	entry := acl[0].(map[string]interface{})
	c.Assert(entry["grantee"], gc.Equals, s.Builder.DID().String())
	c.Assert(entry["read"], jc.IsTrue)
	c.Assert(entry["write"], jc.IsTrue)
	c.Assert(entry["execute"], jc.IsTrue)
}

func (s *documentSuite) TestCreateOwnedEmptyGrant(c *gc.C) {
	coll := s.addCollection(c, state.CollectionOwned)
	user, err := did.NewKeyPair()
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.State.CreateOwned(context.Background(), s.Builder.DID(), state.OwnedCreateArgs{
		Collection: coll.ID(),
		Owner:      user.DID(),
		Records:    []map[string]interface{}{record("x")},
		Acl:        state.AclEntry{Grantee: s.Builder.DID()},
	})
	c.Assert(err, jc.ErrorIs, state.ErrUnauthorized)
}

func (s *documentSuite) TestCreateOwnedBadOwner(c *gc.C) {
	coll := s.addCollection(c, state.CollectionOwned)
	_, err := s.State.CreateOwned(context.Background(), s.Builder.DID(), state.OwnedCreateArgs{
		Collection: coll.ID(),
		Owner:      "did:nil:short",
		Records:    []map[string]interface{}{record("x")},
		Acl:        state.AclEntry{Grantee: s.Builder.DID(), Read: true},
	})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)
}

func (s *documentSuite) TestFindOwnedScopedByACL(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionOwned)
	alice, err := did.NewKeyPair()
	c.Assert(err, jc.ErrorIsNil)
	bob, err := did.NewKeyPair()
	c.Assert(err, jc.ErrorIsNil)

	s.ingestOwned(c, coll, alice.DID(), "alice-doc")
	s.ingestOwned(c, coll, bob.DID(), "bob-doc")

	// The collection owner's entry covers every document.
	result, err := s.State.Find(ctx, s.Builder.DID(), state.FindArgs{Collection: coll.ID()})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Total, gc.Equals, 2)

	// A stranger with no entry sees nothing rather than an error.
	other := s.newBuilder(c, "rival")
	result, err = s.State.Find(ctx, other.DID(), state.FindArgs{Collection: coll.ID()})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Total, gc.Equals, 0)
}

func (s *documentSuite) TestFindGrantedReader(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionOwned)
	alice, err := did.NewKeyPair()
	c.Assert(err, jc.ErrorIsNil)
	ids := s.ingestOwned(c, coll, alice.DID(), "shared", "private")

	reader := s.newBuilder(c, "reader")
	err = s.State.GrantAccess(ctx, alice.DID(), coll.ID(), ids[0],
		state.AclEntry{Grantee: reader.DID(), Read: true})
	c.Assert(err, jc.ErrorIsNil)

	result, err := s.State.Find(ctx, reader.DID(), state.FindArgs{Collection: coll.ID()})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Total, gc.Equals, 1)
	c.Assert(result.Documents[0]["_id"], gc.Equals, ids[0])

	// Read does not imply write.
	_, _, err = s.State.Update(ctx, reader.DID(), state.UpdateArgs{
		Collection: coll.ID(),
		Filter:     map[string]interface{}{},
		Update:     map[string]interface{}{"$set": map[string]interface{}{"name": "stolen"}},
	})
	c.Assert(err, jc.ErrorIsNil)
	doc, err := s.State.ReadUserDocument(ctx, alice.DID(), coll.ID(), ids[0])
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(doc["name"], gc.Equals, "shared")
}

func (s *documentSuite) TestUpdate(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionStandard)
	rec := record("before")
	_, err := s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{rec})
	c.Assert(err, jc.ErrorIsNil)

	s.Clock.Advance(time.Second)
	matched, changed, err := s.State.Update(ctx, s.Builder.DID(), state.UpdateArgs{
		Collection: coll.ID(),
		Filter:     map[string]interface{}{"name": "before"},
		Update:     map[string]interface{}{"$set": map[string]interface{}{"name": "after"}},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(matched, gc.Equals, 1)
	c.Assert(changed, gc.Equals, 1)

	result, err := s.State.Find(ctx, s.Builder.DID(), state.FindArgs{
		Collection: coll.ID(),
		Filter:     map[string]interface{}{"name": "after"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Total, gc.Equals, 1)
	doc := result.Documents[0]
	c.Assert(doc["_updated"], gc.Not(gc.Equals), doc["_created"])
}

func (s *documentSuite) TestUpdateRestrictions(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionStandard)

	_, _, err := s.State.Update(ctx, s.Builder.DID(), state.UpdateArgs{
		Collection: coll.ID(),
		Update:     map[string]interface{}{"$rename": map[string]interface{}{"name": "title"}},
	})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)

	_, _, err = s.State.Update(ctx, s.Builder.DID(), state.UpdateArgs{
		Collection: coll.ID(),
		Update:     map[string]interface{}{"$set": map[string]interface{}{"_owner": "did:nil:evil"}},
	})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)

	_, _, err = s.State.Update(ctx, s.Builder.DID(), state.UpdateArgs{
		Collection: coll.ID(),
		Update:     map[string]interface{}{},
	})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)
}

func (s *documentSuite) TestDelete(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionStandard)
	_, err := s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{record("keep"), record("drop")})
	c.Assert(err, jc.ErrorIsNil)

	removed, err := s.State.Delete(ctx, s.Builder.DID(), state.DeleteArgs{
		Collection: coll.ID(),
		Filter:     map[string]interface{}{"name": "drop"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(removed, gc.Equals, 1)

	// An empty filter never deletes.
	_, err = s.State.Delete(ctx, s.Builder.DID(), state.DeleteArgs{Collection: coll.ID()})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)
}

func (s *documentSuite) TestDeleteCoerceOnlyFilter(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionStandard)
	_, err := s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{record("a"), record("b")})
	c.Assert(err, jc.ErrorIsNil)

	// A filter that is only a coercion directive strips to nothing and
	// would match everything; it is as empty as no filter at all.
	_, err = s.State.Delete(ctx, s.Builder.DID(), state.DeleteArgs{
		Collection: coll.ID(),
		Filter:     map[string]interface{}{"$coerce": map[string]interface{}{"_id": "uuid"}},
	})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)

	result, err := s.State.Find(ctx, s.Builder.DID(), state.FindArgs{Collection: coll.ID()})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(result.Total, gc.Equals, 2)
}

func (s *documentSuite) TestDeleteOwnedReducesReferences(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionOwned)
	user, err := did.NewKeyPair()
	c.Assert(err, jc.ErrorIsNil)
	s.ingestOwned(c, coll, user.DID(), "only")

	removed, err := s.State.Delete(ctx, s.Builder.DID(), state.DeleteArgs{
		Collection: coll.ID(),
		Filter:     map[string]interface{}{"name": "only"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(removed, gc.Equals, 1)

	// Last document gone, user gone with it.
	exists, err := s.State.UserExists(ctx, user.DID())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(exists, jc.IsFalse)
}

func (s *documentSuite) TestDeleteOwnedPartialKeepsReferences(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionOwned)
	user, err := did.NewKeyPair()
	c.Assert(err, jc.ErrorIsNil)
	ids := s.ingestOwned(c, coll, user.DID(), "drop", "keep")

	removed, err := s.State.Delete(ctx, s.Builder.DID(), state.DeleteArgs{
		Collection: coll.ID(),
		Filter:     map[string]interface{}{"name": "drop"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(removed, gc.Equals, 1)

	// Only the removed document's reference is reduced.
	refs, err := s.State.UserData(ctx, user.DID())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(refs, gc.DeepEquals, []state.DataRef{{Collection: coll.ID(), Document: ids[1]}})
}

func (s *documentSuite) TestFlush(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionOwned)
	user, err := did.NewKeyPair()
	c.Assert(err, jc.ErrorIsNil)
	s.ingestOwned(c, coll, user.DID(), "a", "b")

	removed, err := s.State.Flush(ctx, s.Builder.DID(), coll.ID())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(removed, gc.Equals, 2)

	exists, err := s.State.UserExists(ctx, user.DID())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(exists, jc.IsFalse)
}

func (s *documentSuite) TestTail(c *gc.C) {
	ctx := context.Background()
	coll := s.addCollection(c, state.CollectionStandard)
	_, err := s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{record("old")})
	c.Assert(err, jc.ErrorIsNil)
	s.Clock.Advance(time.Second)
	_, err = s.State.CreateStandard(ctx, s.Builder.DID(), coll.ID(),
		[]map[string]interface{}{record("new")})
	c.Assert(err, jc.ErrorIsNil)

	docs, err := s.State.Tail(ctx, s.Builder.DID(), coll.ID(), 1)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(docs, gc.HasLen, 1)
	c.Assert(docs[0]["name"], gc.Equals, "new")

	// Zero means the default, newest first.
	docs, err = s.State.Tail(ctx, s.Builder.DID(), coll.ID(), 0)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(docs, gc.HasLen, 2)
	c.Assert(docs[0]["name"], gc.Equals, "new")
}
