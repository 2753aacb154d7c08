// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package nuc

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/nildb/internal/mongo"
)

const revocationsC = "revocations"

// DefaultRevocationTTL bounds how stale a cached revocation verdict
// may be. A freshly revoked chain is refused everywhere within this
// window.
const DefaultRevocationTTL = 30 * time.Second

// RevocationJournal records revoked chain roots and answers revocation
// checks with a short-lived in-process cache in front of the store.
type RevocationJournal struct {
	coll  *mongo.Collection
	clock clock.Clock
	ttl   time.Duration

	// cache maps token id to revocationEntry. Reads take no lock.
	cache sync.Map
}

type revocationEntry struct {
	revoked bool
	checked time.Time
}

type revocationDoc struct {
	ID        string    `bson:"_id"`
	RevokedBy string    `bson:"revoked-by"`
	RevokedAt time.Time `bson:"revoked-at"`
}

// NewRevocationJournal returns a journal backed by the primary
// database. A zero ttl selects DefaultRevocationTTL.
func NewRevocationJournal(primary *mongo.Database, clk clock.Clock, ttl time.Duration) *RevocationJournal {
	if ttl <= 0 {
		ttl = DefaultRevocationTTL
	}
	return &RevocationJournal{coll: primary.C(revocationsC), clock: clk, ttl: ttl}
}

// IsRevoked reports whether the token id has been revoked, consulting
// the store at most once per TTL window per id.
func (j *RevocationJournal) IsRevoked(ctx context.Context, id string) (bool, error) {
	now := j.clock.Now()
	if cached, ok := j.cache.Load(id); ok {
		entry := cached.(revocationEntry)
		if entry.revoked || now.Sub(entry.checked) < j.ttl {
			return entry.revoked, nil
		}
	}
	revoked := true
	_, err := j.coll.FindOne(ctx, map[string]interface{}{"_id": id})
	if errors.Is(err, mongo.ErrDocumentNotFound) {
		revoked = false
	} else if err != nil {
		return false, errors.Trace(err)
	}
	j.cache.Store(id, revocationEntry{revoked: revoked, checked: now})
	return revoked, nil
}

// Revoke records the token id as revoked. Revoking an already revoked
// id succeeds.
func (j *RevocationJournal) Revoke(ctx context.Context, id string, by string) error {
	doc := revocationDoc{ID: id, RevokedBy: by, RevokedAt: j.clock.Now().UTC()}
	if err := j.coll.Insert(ctx, doc); err != nil {
		// A duplicate insert means someone already revoked it, which
		// is the state we want.
		n, cerr := j.coll.Count(ctx, map[string]interface{}{"_id": id})
		if cerr != nil || n == 0 {
			return errors.Trace(err)
		}
	}
	j.cache.Store(id, revocationEntry{revoked: true, checked: j.clock.Now()})
	logger.Infof("revoked token %q", id)
	return nil
}
