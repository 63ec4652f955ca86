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

	"github.com/fusebridge/vnode/internal/clock"
)

func TestTTLNameCache_PositiveHitThenExpiry(t *testing.T) {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	c := NewTTLNameCache(clk)

	c.Enter(1, "a", 2, time.Second)
	node, found, negative := c.Lookup(1, "a")
	assert.True(t, found)
	assert.False(t, negative)
	assert.EqualValues(t, 2, node)

	clk.AdvanceTime(2 * time.Second)
	_, found, _ = c.Lookup(1, "a")
	assert.False(t, found)
}

func TestTTLNameCache_NegativeEntry(t *testing.T) {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	c := NewTTLNameCache(clk)

	c.EnterNegative(1, "missing", 5*time.Second)
	_, found, negative := c.Lookup(1, "missing")
	assert.True(t, found)
	assert.True(t, negative)
}

func TestTTLNameCache_PurgeNode(t *testing.T) {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	c := NewTTLNameCache(clk)

	c.Enter(1, "a", 2, time.Minute)
	c.Enter(2, "b", 3, time.Minute) // 2 is both a name-cache parent...
	c.PurgeNode(2)

	_, found, _ := c.Lookup(1, "a")
	assert.False(t, found, "entry naming the purged node as target must be gone")
	_, found, _ = c.Lookup(2, "b")
	assert.False(t, found, "entry naming the purged node as parent must be gone")
}

func TestTTLNameCache_ZeroTTLNeverEnters(t *testing.T) {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	c := NewTTLNameCache(clk)

	c.Enter(1, "a", 2, 0)
	_, found, _ := c.Lookup(1, "a")
	assert.False(t, found)
}
