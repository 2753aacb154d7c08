// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package mongo is the persistence gateway: typed access to the two
// logical databases behind a nilDB deployment. The primary database
// holds the catalogs (builders, collections, queries, query runs,
// users, the revocation journal); the data database holds one physical
// collection per builder-defined collection, named by its UUID.
//
// Every filter is passed through the coercion pipeline before it
// reaches the driver, and every driver error is translated onto the
// gateway's closed error set before it escapes.
package mongo

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/retry"

	"github.com/juju/nildb/core/coerce"
)

var logger = loggo.GetLogger("nildb.mongo")

const (
	dialTimeout       = 10 * time.Second
	defaultOpTimeout  = 30 * time.Second
	transientAttempts = 2
	transientDelay    = 50 * time.Millisecond
)

// Gateway owns the connection to the store and hands out logical
// database handles.
type Gateway struct {
	session *mgo.Session
	prefix  string
	clock   clock.Clock
}

// Open dials the store and returns a connected gateway. Database
// names are derived from prefix as <prefix>_primary and <prefix>_data.
func Open(url, prefix string, clk clock.Clock) (*Gateway, error) {
	session, err := mgo.DialWithTimeout(url, dialTimeout)
	if err != nil {
		return nil, errors.Annotate(err, "dialling document store")
	}
	session.SetSocketTimeout(defaultOpTimeout)
	logger.Infof("connected to document store, database prefix %q", prefix)
	return &Gateway{session: session, prefix: prefix, clock: clk}, nil
}

// NewGatewayFromSession wraps an already dialled session. Test suites
// use this with their scratch server.
func NewGatewayFromSession(session *mgo.Session, prefix string, clk clock.Clock) *Gateway {
	return &Gateway{session: session.Copy(), prefix: prefix, clock: clk}
}

// Close releases the underlying session.
func (g *Gateway) Close() {
	g.session.Close()
}

// Primary returns the catalog database.
func (g *Gateway) Primary() *Database {
	return &Database{gateway: g, name: g.prefix + "_primary"}
}

// Data returns the per-collection document database.
func (g *Gateway) Data() *Database {
	return &Database{gateway: g, name: g.prefix + "_data"}
}

// Database is a handle on one of the two logical databases.
type Database struct {
	gateway *Gateway
	name    string
}

// Name returns the physical database name.
func (db *Database) Name() string {
	return db.name
}

// C returns a typed handle on the named collection.
func (db *Database) C(name string) *Collection {
	return &Collection{db: db, name: name}
}

// CollectionNames lists the physical collections in the database.
func (db *Database) CollectionNames(ctx context.Context) ([]string, error) {
	raw, closer := db.session(ctx)
	defer closer()
	names, err := raw.CollectionNames()
	if err != nil {
		return nil, errors.Trace(translate(err))
	}
	return names, nil
}

// Exists reports whether the named physical collection exists.
func (db *Database) Exists(ctx context.Context, name string) (bool, error) {
	names, err := db.CollectionNames(ctx)
	if err != nil {
		return false, errors.Trace(err)
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// session returns a per-operation copy of the database handle, with
// the request deadline applied as the socket timeout, and a closer.
// This is the suspension point of the whole gateway: nothing else
// blocks.
func (db *Database) session(ctx context.Context) (*mgo.Database, func()) {
	session := db.gateway.session.Copy()
	if deadline, ok := ctx.Deadline(); ok {
		remaining := deadline.Sub(db.gateway.clock.Now())
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		session.SetSocketTimeout(remaining)
	}
	return session.DB(db.name), session.Close
}

// Collection is a typed wrapper over one physical collection.
type Collection struct {
	db   *Database
	name string
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// prepare coerces a request-level filter into its native-typed form.
func prepare(filter map[string]interface{}) (bson.M, error) {
	if filter == nil {
		return bson.M{}, nil
	}
	out, err := coerce.Apply(filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return bson.M(out), nil
}

// Insert writes the given documents.
func (c *Collection) Insert(ctx context.Context, docs ...interface{}) error {
	raw, closer := c.db.session(ctx)
	defer closer()
	if err := raw.C(c.name).Insert(docs...); err != nil {
		return errors.Trace(translate(err))
	}
	return nil
}

// FindOptions bound and order a find.
type FindOptions struct {
	Sort  []string
	Limit int
	Skip  int
}

// FindAll returns every document matching filter, after coercion.
// Read-only, so known-transient failures get one implicit retry.
func (c *Collection) FindAll(ctx context.Context, filter map[string]interface{}, opts FindOptions) ([]bson.M, error) {
	sel, err := prepare(filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var docs []bson.M
	err = c.readRetry(ctx, func(raw *mgo.Database) error {
		docs = nil
		q := raw.C(c.name).Find(sel)
		if len(opts.Sort) > 0 {
			q = q.Sort(opts.Sort...)
		}
		if opts.Skip > 0 {
			q = q.Skip(opts.Skip)
		}
		if opts.Limit > 0 {
			q = q.Limit(opts.Limit)
		}
		return q.All(&docs)
	})
	if err != nil {
		return nil, errors.Trace(translate(err))
	}
	return docs, nil
}

// FindOne returns the single document matching filter, or
// ErrDocumentNotFound.
func (c *Collection) FindOne(ctx context.Context, filter map[string]interface{}) (bson.M, error) {
	sel, err := prepare(filter)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var doc bson.M
	err = c.readRetry(ctx, func(raw *mgo.Database) error {
		return raw.C(c.name).Find(sel).One(&doc)
	})
	if err != nil {
		return nil, errors.Trace(translate(err))
	}
	return doc, nil
}

// Count returns the number of documents matching filter.
func (c *Collection) Count(ctx context.Context, filter map[string]interface{}) (int, error) {
	sel, err := prepare(filter)
	if err != nil {
		return 0, errors.Trace(err)
	}
	var n int
	err = c.readRetry(ctx, func(raw *mgo.Database) error {
		var cerr error
		n, cerr = raw.C(c.name).Find(sel).Count()
		return cerr
	})
	if err != nil {
		return 0, errors.Trace(translate(err))
	}
	return n, nil
}

// UpdateAll applies update to every document matching filter and
// returns the matched and changed counts.
func (c *Collection) UpdateAll(ctx context.Context, filter map[string]interface{}, update interface{}) (matched, changed int, err error) {
	sel, err := prepare(filter)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	info, err := raw.C(c.name).UpdateAll(sel, update)
	if err != nil {
		return 0, 0, errors.Trace(translate(err))
	}
	return info.Matched, info.Updated, nil
}

// UpdateOne applies update to a single document matching filter, or
// fails with ErrDocumentNotFound.
func (c *Collection) UpdateOne(ctx context.Context, filter map[string]interface{}, update interface{}) error {
	sel, err := prepare(filter)
	if err != nil {
		return errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	if err := raw.C(c.name).Update(sel, update); err != nil {
		return errors.Trace(translate(err))
	}
	return nil
}

// Upsert applies update to the document matching filter, inserting it
// when absent.
func (c *Collection) Upsert(ctx context.Context, filter map[string]interface{}, update interface{}) error {
	sel, err := prepare(filter)
	if err != nil {
		return errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	if _, err := raw.C(c.name).Upsert(sel, update); err != nil {
		return errors.Trace(translate(err))
	}
	return nil
}

// RemoveAll deletes every document matching filter and returns the
// removed count.
func (c *Collection) RemoveAll(ctx context.Context, filter map[string]interface{}) (int, error) {
	sel, err := prepare(filter)
	if err != nil {
		return 0, errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	info, err := raw.C(c.name).RemoveAll(sel)
	if err != nil {
		return 0, errors.Trace(translate(err))
	}
	return info.Removed, nil
}

// RemoveOne deletes a single document matching filter, or fails with
// ErrDocumentNotFound.
func (c *Collection) RemoveOne(ctx context.Context, filter map[string]interface{}) error {
	sel, err := prepare(filter)
	if err != nil {
		return errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	if err := raw.C(c.name).Remove(sel); err != nil {
		return errors.Trace(translate(err))
	}
	return nil
}

// Pipe executes an aggregation pipeline against the collection.
func (c *Collection) Pipe(ctx context.Context, pipeline []interface{}) ([]bson.M, error) {
	if err := c.mustExist(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	var results []bson.M
	if err := raw.C(c.name).Pipe(pipeline).AllowDiskUse().All(&results); err != nil {
		return nil, errors.Trace(translate(err))
	}
	return results, nil
}

// Drop removes the physical collection and everything in it.
func (c *Collection) Drop(ctx context.Context) error {
	if err := c.mustExist(ctx); err != nil {
		return errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	if err := raw.C(c.name).DropCollection(); err != nil {
		return errors.Trace(translate(err))
	}
	return nil
}

// Create creates the physical collection explicitly, so that metadata
// reads on an empty collection succeed.
func (c *Collection) Create(ctx context.Context) error {
	raw, closer := c.db.session(ctx)
	defer closer()
	err := raw.Run(bson.D{{Name: "create", Value: c.name}}, nil)
	if err != nil && !isAlreadyExists(err) {
		return errors.Trace(translate(err))
	}
	return nil
}

func isAlreadyExists(err error) bool {
	qerr, ok := err.(*mgo.QueryError)
	return ok && qerr.Code == 48 // NamespaceExists
}

// EnsureIndex creates an index, translating conflicts and rejected
// specifications onto the gateway error set.
func (c *Collection) EnsureIndex(ctx context.Context, index mgo.Index) error {
	if err := c.mustExist(ctx); err != nil {
		return errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	if err := raw.C(c.name).EnsureIndex(index); err != nil {
		return errors.Trace(translateIndexCreate(err))
	}
	return nil
}

// DropIndex drops the named index.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if err := c.mustExist(ctx); err != nil {
		return errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	if err := raw.C(c.name).DropIndexName(name); err != nil {
		return errors.Trace(translateIndexDrop(err))
	}
	return nil
}

// Indexes lists the collection's indexes.
func (c *Collection) Indexes(ctx context.Context) ([]mgo.Index, error) {
	if err := c.mustExist(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	indexes, err := raw.C(c.name).Indexes()
	if err != nil {
		return nil, errors.Trace(translate(err))
	}
	return indexes, nil
}

// Stats describes the physical collection.
type Stats struct {
	Count int   `bson:"count"`
	Size  int64 `bson:"size"`
}

// Stats returns storage statistics for the collection.
func (c *Collection) Stats(ctx context.Context) (Stats, error) {
	if err := c.mustExist(ctx); err != nil {
		return Stats{}, errors.Trace(err)
	}
	raw, closer := c.db.session(ctx)
	defer closer()
	var stats Stats
	if err := raw.Run(bson.D{{Name: "collStats", Value: c.name}}, &stats); err != nil {
		return Stats{}, errors.Trace(translate(err))
	}
	return stats, nil
}

// mustExist fails with ErrCollectionNotFound unless the physical
// collection is present.
func (c *Collection) mustExist(ctx context.Context) error {
	ok, err := c.db.Exists(ctx, c.name)
	if err != nil {
		return errors.Trace(err)
	}
	if !ok {
		return errors.WithType(errors.Errorf("collection %q", c.name), ErrCollectionNotFound)
	}
	return nil
}

// readRetry runs a read-only operation, retrying once on a
// known-transient failure.
func (c *Collection) readRetry(ctx context.Context, op func(*mgo.Database) error) error {
	return retry.Call(retry.CallArgs{
		Func: func() error {
			raw, closer := c.db.session(ctx)
			defer closer()
			return op(raw)
		},
		IsFatalError: func(err error) bool {
			return !isTransient(err)
		},
		NotifyFunc: func(err error, attempt int) {
			logger.Debugf("transient failure reading %q (attempt %d): %v", c.name, attempt, err)
		},
		Attempts: transientAttempts,
		Delay:    transientDelay,
		Clock:    c.db.gateway.clock,
	})
}
