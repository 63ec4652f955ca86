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
	"github.com/fusebridge/vnode/protocol"
)

// NodeFlags is the per-node flag set named in the data model (direct-I/O
// enabled, times-dirty, revoked). Revoked is set once by forced unmount
// and read by the node's own cleanup path (handle release, reclaim) to
// decide whether sending the daemon an RPC is still meaningful.
type NodeFlags struct {
	DirectIO   bool
	TimesDirty bool
	Revoked    bool
}

// Node is the per-inode state the mount keeps, keyed by NodeID: the weak
// parent reference, cached size and attributes, the file-handle table,
// and the lookup count owed to the daemon.
//
// All fields are guarded by the mount's single big lock; Node itself
// holds no mutex.
type Node struct {
	ID NodeID

	// Parent is a weak reference: only the identifier is retained here. The
	// parent vnode itself is resolved on demand via the mount's node
	// registry, so that a child never keeps its parent alive by ownership.
	Parent NodeID

	// IsDir records the node's type, used to choose OPEN vs OPENDIR and
	// FSYNC vs FSYNCDIR opcodes.
	IsDir bool

	// Size is authoritative only under direct I/O (Flags.DirectIO); under
	// buffered I/O the host's unified buffer cache is authoritative and
	// this field is advisory.
	Size uint64

	Attr AttrCache

	Handles HandleTable

	// LookupCount tracks how many unforgiven LOOKUP replies the daemon
	// still believes the kernel holds for this node. While nonzero, ID is
	// valid at the daemon; a FORGET with the exact count must be sent
	// before the identifier may be reused.
	LookupCount uint64

	Flags NodeFlags
}

// NodeID is an alias kept local to vnodefs so call sites read naturally;
// it is identical to protocol.NodeID.
type NodeID = protocol.NodeID

// newNode allocates bookkeeping state for a freshly interned node. The
// caller is responsible for setting LookupCount (normally to 1, for the
// LOOKUP/CREATE/MKDIR/etc. reply that produced it).
func newNode(id NodeID, parent NodeID, isDir bool) *Node {
	return &Node{
		ID:     id,
		Parent: parent,
		IsDir:  isDir,
	}
}

// IncrementLookupCount records one more unforgiven LOOKUP reply.
func (n *Node) IncrementLookupCount() {
	n.LookupCount++
}

// DecrementLookupCount records count forgiven replies, panicking if more
// are forgiven than were ever issued. Returns true if the count reached
// zero.
func (n *Node) DecrementLookupCount(count uint64) (zero bool) {
	if count > n.LookupCount {
		panic("vnodefs: forget count exceeds lookup count")
	}
	n.LookupCount -= count
	return n.LookupCount == 0
}
