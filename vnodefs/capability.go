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
	"sync"

	"github.com/fusebridge/vnode/protocol"
)

// CapabilitySet is the per-mount set of optional daemon operations.
// "Not implemented" is modeled as data rather than threading ENOSYS back
// through every caller: once an op is cleared, handlers short-circuit to
// ENOTSUP without a round trip.
//
// Bits are only ever cleared, never set, within a mount's lifetime.
type CapabilitySet struct {
	mu      sync.Mutex
	cleared map[protocol.Opcode]bool
}

// NewCapabilitySet returns a capability set with every optional op assumed
// implemented until proven otherwise.
func NewCapabilitySet() *CapabilitySet {
	return &CapabilitySet{cleared: make(map[protocol.Opcode]bool)}
}

// Implemented returns true unless op has previously been cleared. Ops that
// protocol.OptionalOps does not list are always considered implemented;
// clearing them would be a protocol violation, not a capability downgrade.
func (c *CapabilitySet) Implemented(op protocol.Opcode) bool {
	if !protocol.OptionalOps[op] {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.cleared[op]
}

// Clear records that op returned ENOSYS and must never be retried at the
// daemon again. Monotonic: clearing an already-cleared op is a no-op.
func (c *CapabilitySet) Clear(op protocol.Opcode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cleared == nil {
		c.cleared = make(map[protocol.Opcode]bool)
	}
	c.cleared[op] = true
}

// IsCleared reports whether op has been cleared, for testing and metrics.
func (c *CapabilitySet) IsCleared(op protocol.Opcode) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cleared[op]
}
