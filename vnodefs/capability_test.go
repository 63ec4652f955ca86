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

	"github.com/stretchr/testify/assert"

	"github.com/fusebridge/vnode/protocol"
)

func TestCapabilitySet_MandatoryOpsAlwaysImplemented(t *testing.T) {
	c := NewCapabilitySet()
	assert.True(t, c.Implemented(protocol.OpLookup))
	c.Clear(protocol.OpLookup) // not an optional op; clearing it is a no-op for Implemented
	assert.True(t, c.Implemented(protocol.OpLookup))
}

func TestCapabilitySet_ClearIsMonotonic(t *testing.T) {
	c := NewCapabilitySet()
	assert.True(t, c.Implemented(protocol.OpCreate))

	c.Clear(protocol.OpCreate)
	assert.False(t, c.Implemented(protocol.OpCreate))
	assert.True(t, c.IsCleared(protocol.OpCreate))

	c.Clear(protocol.OpCreate) // idempotent
	assert.False(t, c.Implemented(protocol.OpCreate))
}

func TestCapabilitySet_IndependentPerOpcode(t *testing.T) {
	c := NewCapabilitySet()
	c.Clear(protocol.OpFsync)
	assert.False(t, c.Implemented(protocol.OpFsync))
	assert.True(t, c.Implemented(protocol.OpFsyncdir))
}
