// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state is the heart of the service: the builder, collection,
// query and user catalogs, and the document engine that reads and
// writes builder data under those catalogs' rules. All catalog state
// lives in the primary database; builder documents live in the data
// database, one physical collection per registered collection.
//
// Back-references (a builder's collection list, a user's document
// list) are indexed secondary data, maintained alongside the primary
// writes without cross-document transactions. Every maintenance step
// is idempotent, so a partial failure is repaired by retrying.
package state

import (
	"context"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/mgo/v3"

	"github.com/juju/nildb/internal/mongo"
)

var logger = loggo.GetLogger("nildb.state")

// Catalog collection names in the primary database.
const (
	buildersC    = "builders"
	collectionsC = "collections"
	queriesC     = "queries"
	queryRunsC   = "queryruns"
	usersC       = "users"
)

// State exposes the service's persistent model.
type State struct {
	gateway *mongo.Gateway
	primary *mongo.Database
	data    *mongo.Database
	clock   clock.Clock

	builders *builderCache
}

// OpenArgs configure Open.
type OpenArgs struct {
	URL    string
	Prefix string
	Clock  clock.Clock
}

// Open connects to the store and prepares the catalogs.
func Open(ctx context.Context, args OpenArgs) (*State, error) {
	if args.Clock == nil {
		args.Clock = clock.WallClock
	}
	gateway, err := mongo.Open(args.URL, args.Prefix, args.Clock)
	if err != nil {
		return nil, errors.Trace(err)
	}
	st := &State{
		gateway:  gateway,
		primary:  gateway.Primary(),
		data:     gateway.Data(),
		clock:    args.Clock,
		builders: newBuilderCache(),
	}
	if err := st.ensureCatalog(ctx); err != nil {
		gateway.Close()
		return nil, errors.Trace(err)
	}
	return st, nil
}

// NewState wraps an existing gateway. Test suites use this with their
// scratch server.
func NewState(ctx context.Context, gateway *mongo.Gateway, clk clock.Clock) (*State, error) {
	st := &State{
		gateway:  gateway,
		primary:  gateway.Primary(),
		data:     gateway.Data(),
		clock:    clk,
		builders: newBuilderCache(),
	}
	if err := st.ensureCatalog(ctx); err != nil {
		return nil, errors.Trace(err)
	}
	return st, nil
}

// Close releases the store connection.
func (st *State) Close() {
	st.gateway.Close()
}

// Primary exposes the catalog database for components that keep their
// own collections there, such as the revocation journal.
func (st *State) Primary() *mongo.Database {
	return st.primary
}

// ensureCatalog creates the catalog collections and their indexes.
// Safe to run on every startup.
func (st *State) ensureCatalog(ctx context.Context) error {
	indexes := map[string][]mgo.Index{
		buildersC: nil,
		collectionsC: {
			{Key: []string{"owner"}, Name: "owner"},
		},
		queriesC: {
			{Key: []string{"owner"}, Name: "owner"},
		},
		queryRunsC: {
			{Key: []string{"status", "requested-at"}, Name: "status-requested"},
		},
		usersC: nil,
	}
	for name, specs := range indexes {
		coll := st.primary.C(name)
		if err := coll.Create(ctx); err != nil {
			return errors.Annotatef(err, "creating catalog collection %q", name)
		}
		for _, spec := range specs {
			err := coll.EnsureIndex(ctx, spec)
			if err != nil && !errors.Is(err, mongo.ErrDuplicateIndex) {
				return errors.Annotatef(err, "indexing catalog collection %q", name)
			}
		}
	}
	return nil
}

func (st *State) now() time.Time {
	return st.clock.Now().UTC()
}
