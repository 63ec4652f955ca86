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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fusebridge/vnode/protocol"
)

func TestAttrCache_MissBeforeFirstCache(t *testing.T) {
	var c AttrCache
	_, fresh := c.Load(time.Now())
	assert.False(t, fresh)
}

func TestAttrCache_FreshWithinValidInterval(t *testing.T) {
	var c AttrCache
	now := time.Unix(1000, 0)
	c.Cache(protocol.AttrReply{Attr: protocol.Attr{Size: 42}, ValidInterval: time.Second}, now)

	attr, fresh := c.Load(now.Add(500 * time.Millisecond))
	assert.True(t, fresh)
	assert.EqualValues(t, 42, attr.Size)
}

func TestAttrCache_StaleAfterDeadline(t *testing.T) {
	var c AttrCache
	now := time.Unix(1000, 0)
	c.Cache(protocol.AttrReply{Attr: protocol.Attr{Size: 42}, ValidInterval: time.Second}, now)

	_, fresh := c.Load(now.Add(2 * time.Second))
	assert.False(t, fresh)
}

func TestAttrCache_InvalidateForcesMiss(t *testing.T) {
	var c AttrCache
	now := time.Unix(1000, 0)
	c.Cache(protocol.AttrReply{Attr: protocol.Attr{Size: 42}, ValidInterval: time.Hour}, now)
	c.Invalidate()

	_, fresh := c.Load(now)
	assert.False(t, fresh)
}
