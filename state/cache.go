// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"sync"

	"github.com/juju/nildb/core/did"
)

// builderCache memoises builder catalog reads. Writers taint an entry
// before writing, which bumps the generation; a get only succeeds when
// the cached entry carries the current generation, so a stale read
// racing a write can never repopulate the cache with old data.
type builderCache struct {
	mu          sync.Mutex
	generations map[did.DID]uint64
	entries     map[did.DID]builderCacheEntry
}

type builderCacheEntry struct {
	builder    Builder
	generation uint64
}

func newBuilderCache() *builderCache {
	return &builderCache{
		generations: make(map[did.DID]uint64),
		entries:     make(map[did.DID]builderCacheEntry),
	}
}

func (c *builderCache) get(id did.DID) (Builder, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[id]
	if !ok || entry.generation != c.generations[id] {
		return Builder{}, false
	}
	return entry.builder, true
}

func (c *builderCache) put(id did.DID, b Builder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = builderCacheEntry{builder: b, generation: c.generations[id]}
}

func (c *builderCache) taint(id did.DID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[id]++
	delete(c.entries, id)
}

func (c *builderCache) forget(id did.DID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	delete(c.generations, id)
}
