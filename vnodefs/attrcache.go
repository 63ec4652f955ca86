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

	"github.com/fusebridge/vnode/protocol"
)

// AttrCache is the per-vnode cached stat with monotonic-clock expiry. An
// entry is fresh until the deadline the daemon's valid-interval set;
// metadata-changing writes invalidate by zeroing the deadline.
type AttrCache struct {
	attr     protocol.Attr
	deadline time.Time
	valid    bool
}

// Load copies the cached attributes out, reporting whether they are fresh
// as of now (now <= deadline). A zero deadline (never cached, or
// invalidated) is never fresh.
func (c *AttrCache) Load(now time.Time) (protocol.Attr, bool) {
	if !c.valid || now.After(c.deadline) {
		return protocol.Attr{}, false
	}
	return c.attr, true
}

// Cache stores fresh attributes with a deadline of now+reply.ValidInterval.
func (c *AttrCache) Cache(reply protocol.AttrReply, now time.Time) {
	c.attr = reply.Attr
	c.deadline = now.Add(reply.ValidInterval)
	c.valid = true
}

// Invalidate zeroes the deadline so the next Load reports a miss.
func (c *AttrCache) Invalidate() {
	c.deadline = time.Time{}
	c.valid = false
}
