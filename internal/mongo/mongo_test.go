// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo_test

import (
	"context"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/mgo/v3"
	jujutesting "github.com/juju/mgo/v3/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/juju/nildb/core/coerce"
	"github.com/juju/nildb/internal/mongo"
)

type gatewaySuite struct {
	jujutesting.MgoSuite

	gateway *mongo.Gateway
	db      *mongo.Database
}

var _ = gc.Suite(&gatewaySuite{})

func mongoIndex(name, field string) mgo.Index {
	return mgo.Index{Name: name, Key: []string{field}}
}

func (s *gatewaySuite) SetUpTest(c *gc.C) {
	s.MgoSuite.SetUpTest(c)
	s.gateway = mongo.NewGatewayFromSession(s.Session, "niltest", clock.WallClock)
	s.db = s.gateway.Data()
}

func (s *gatewaySuite) TearDownTest(c *gc.C) {
	if s.gateway != nil {
		s.gateway.Close()
	}
	s.MgoSuite.TearDownTest(c)
}

func (s *gatewaySuite) TestDatabaseNames(c *gc.C) {
	c.Assert(s.gateway.Primary().Name(), gc.Equals, "niltest_primary")
	c.Assert(s.gateway.Data().Name(), gc.Equals, "niltest_data")
}

func (s *gatewaySuite) TestInsertAndFind(c *gc.C) {
	ctx := context.Background()
	coll := s.db.C("things")
	err := coll.Insert(ctx,
		map[string]interface{}{"_id": "a", "rank": 2},
		map[string]interface{}{"_id": "b", "rank": 1},
		map[string]interface{}{"_id": "c", "rank": 3},
	)
	c.Assert(err, jc.ErrorIsNil)

	doc, err := coll.FindOne(ctx, map[string]interface{}{"_id": "b"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(doc["rank"], gc.Equals, 1)

	docs, err := coll.FindAll(ctx, nil, mongo.FindOptions{Sort: []string{"rank"}, Limit: 2})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(docs, gc.HasLen, 2)
	c.Assert(docs[0]["_id"], gc.Equals, "b")
	c.Assert(docs[1]["_id"], gc.Equals, "a")

	n, err := coll.Count(ctx, map[string]interface{}{"rank": map[string]interface{}{"$gt": 1}})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(n, gc.Equals, 2)
}

func (s *gatewaySuite) TestFindOneMissing(c *gc.C) {
	_, err := s.db.C("things").FindOne(context.Background(), map[string]interface{}{"_id": "ghost"})
	c.Assert(err, jc.ErrorIs, mongo.ErrDocumentNotFound)
}

func (s *gatewaySuite) TestCoercedFilter(c *gc.C) {
	ctx := context.Background()
	coll := s.db.C("things")
	id := uuid.New()
	err := coll.Insert(ctx, map[string]interface{}{"_id": coerce.UUIDBinary(id)})
	c.Assert(err, jc.ErrorIsNil)

	// A textual UUID only matches through the coercion directive.
	_, err = coll.FindOne(ctx, map[string]interface{}{"_id": id.String()})
	c.Assert(err, jc.ErrorIs, mongo.ErrDocumentNotFound)

	doc, err := coll.FindOne(ctx, map[string]interface{}{
		"_id":     id.String(),
		"$coerce": map[string]interface{}{"_id": "uuid"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(doc, gc.NotNil)
}

func (s *gatewaySuite) TestUpdates(c *gc.C) {
	ctx := context.Background()
	coll := s.db.C("things")
	err := coll.Insert(ctx,
		map[string]interface{}{"_id": "a", "state": "old"},
		map[string]interface{}{"_id": "b", "state": "old"},
	)
	c.Assert(err, jc.ErrorIsNil)

	matched, changed, err := coll.UpdateAll(ctx,
		map[string]interface{}{"state": "old"},
		map[string]interface{}{"$set": map[string]interface{}{"state": "new"}},
	)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(matched, gc.Equals, 2)
	c.Assert(changed, gc.Equals, 2)

	err = coll.UpdateOne(ctx,
		map[string]interface{}{"_id": "ghost"},
		map[string]interface{}{"$set": map[string]interface{}{"state": "x"}},
	)
	c.Assert(err, jc.ErrorIs, mongo.ErrDocumentNotFound)
}

func (s *gatewaySuite) TestUpsert(c *gc.C) {
	ctx := context.Background()
	coll := s.db.C("things")
	err := coll.Upsert(ctx,
		map[string]interface{}{"_id": "a"},
		map[string]interface{}{"$set": map[string]interface{}{"n": 1}},
	)
	c.Assert(err, jc.ErrorIsNil)
	err = coll.Upsert(ctx,
		map[string]interface{}{"_id": "a"},
		map[string]interface{}{"$set": map[string]interface{}{"n": 2}},
	)
	c.Assert(err, jc.ErrorIsNil)

	n, err := coll.Count(ctx, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(n, gc.Equals, 1)
	doc, err := coll.FindOne(ctx, map[string]interface{}{"_id": "a"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(doc["n"], gc.Equals, 2)
}

func (s *gatewaySuite) TestRemove(c *gc.C) {
	ctx := context.Background()
	coll := s.db.C("things")
	err := coll.Insert(ctx,
		map[string]interface{}{"_id": "a"},
		map[string]interface{}{"_id": "b"},
	)
	c.Assert(err, jc.ErrorIsNil)

	removed, err := coll.RemoveAll(ctx, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(removed, gc.Equals, 2)

	err = coll.RemoveOne(ctx, map[string]interface{}{"_id": "a"})
	c.Assert(err, jc.ErrorIs, mongo.ErrDocumentNotFound)
}

func (s *gatewaySuite) TestCreateIsIdempotent(c *gc.C) {
	ctx := context.Background()
	coll := s.db.C("things")
	c.Assert(coll.Create(ctx), jc.ErrorIsNil)
	c.Assert(coll.Create(ctx), jc.ErrorIsNil)

	exists, err := s.db.Exists(ctx, "things")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(exists, jc.IsTrue)
}

func (s *gatewaySuite) TestMissingCollection(c *gc.C) {
	ctx := context.Background()
	coll := s.db.C("absent")

	_, err := coll.Stats(ctx)
	c.Assert(err, jc.ErrorIs, mongo.ErrCollectionNotFound)
	_, err = coll.Pipe(ctx, []interface{}{map[string]interface{}{"$count": "n"}})
	c.Assert(err, jc.ErrorIs, mongo.ErrCollectionNotFound)
	err = coll.Drop(ctx)
	c.Assert(err, jc.ErrorIs, mongo.ErrCollectionNotFound)
}

func (s *gatewaySuite) TestIndexes(c *gc.C) {
	ctx := context.Background()
	coll := s.db.C("things")
	c.Assert(coll.Create(ctx), jc.ErrorIsNil)

	err := coll.EnsureIndex(ctx, mongoIndex("by-rank", "rank"))
	c.Assert(err, jc.ErrorIsNil)

	indexes, err := coll.Indexes(ctx)
	c.Assert(err, jc.ErrorIsNil)
	found := false
	for _, index := range indexes {
		if index.Name == "by-rank" {
			found = true
		}
	}
	c.Assert(found, jc.IsTrue)

	// Same name, different key: a conflict.
	err = coll.EnsureIndex(ctx, mongoIndex("by-rank", "other"))
	c.Assert(err, jc.ErrorIs, mongo.ErrDuplicateIndex)

	c.Assert(coll.DropIndex(ctx, "by-rank"), jc.ErrorIsNil)
	err = coll.DropIndex(ctx, "by-rank")
	c.Assert(err, jc.ErrorIs, mongo.ErrIndexNotFound)
}

func (s *gatewaySuite) TestPipe(c *gc.C) {
	ctx := context.Background()
	coll := s.db.C("things")
	err := coll.Insert(ctx,
		map[string]interface{}{"_id": "a", "kind": "x"},
		map[string]interface{}{"_id": "b", "kind": "x"},
		map[string]interface{}{"_id": "c", "kind": "y"},
	)
	c.Assert(err, jc.ErrorIsNil)

	results, err := coll.Pipe(ctx, []interface{}{
		map[string]interface{}{"$match": map[string]interface{}{"kind": "x"}},
		map[string]interface{}{"$count": "total"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(results, gc.HasLen, 1)
	c.Assert(results[0]["total"], gc.Equals, 2)
}
