// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package vnodefs

import (
	"time"

	"github.com/fusebridge/vnode/internal/clock"
)

// NameCache stands in for the host VFS name cache: the dispatcher
// consults it before issuing a LOOKUP RPC and purges entries rather than
// mutating them in place.
type NameCache interface {
	// Lookup reports a cached result for (parent, name): found=false means
	// a miss (fall through to RPC); found=true with negative=true means a
	// cached "does not exist".
	Lookup(parent NodeID, name string) (node NodeID, found bool, negative bool)

	// Enter records a positive entry with the given TTL.
	Enter(parent NodeID, name string, node NodeID, ttl time.Duration)

	// EnterNegative records a negative entry with the given TTL, which is
	// configured independently of the positive one.
	EnterNegative(parent NodeID, name string, ttl time.Duration)

	// Purge removes any entry for (parent, name).
	Purge(parent NodeID, name string)

	// PurgeNode removes every entry naming node as parent or as target,
	// used on reclaim and on type-mismatch detection.
	PurgeNode(node NodeID)
}

type nameCacheEntry struct {
	node     NodeID
	negative bool
	deadline time.Time
}

// TTLNameCache is an in-memory NameCache keyed by (parent, name). It is
// intentionally simple: a map plus a monotonic clock, since only
// positive/negative/no-cache semantics are required, not a specific data
// structure.
type TTLNameCache struct {
	clock   clock.Clock
	entries map[nameCacheKey]nameCacheEntry
}

type nameCacheKey struct {
	parent NodeID
	name   string
}

// NewTTLNameCache returns an empty cache driven by clk.
func NewTTLNameCache(clk clock.Clock) *TTLNameCache {
	return &TTLNameCache{clock: clk, entries: make(map[nameCacheKey]nameCacheEntry)}
}

func (c *TTLNameCache) Lookup(parent NodeID, name string) (NodeID, bool, bool) {
	e, ok := c.entries[nameCacheKey{parent, name}]
	if !ok || c.clock.Now().After(e.deadline) {
		return 0, false, false
	}
	return e.node, true, e.negative
}

func (c *TTLNameCache) Enter(parent NodeID, name string, node NodeID, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.entries[nameCacheKey{parent, name}] = nameCacheEntry{
		node:     node,
		deadline: c.clock.Now().Add(ttl),
	}
}

func (c *TTLNameCache) EnterNegative(parent NodeID, name string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.entries[nameCacheKey{parent, name}] = nameCacheEntry{
		negative: true,
		deadline: c.clock.Now().Add(ttl),
	}
}

func (c *TTLNameCache) Purge(parent NodeID, name string) {
	delete(c.entries, nameCacheKey{parent, name})
}

func (c *TTLNameCache) PurgeNode(node NodeID) {
	for k, e := range c.entries {
		if k.parent == node || e.node == node {
			delete(c.entries, k)
		}
	}
}
