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
	"context"

	"golang.org/x/sys/unix"

	"github.com/fusebridge/vnode/protocol"
)

// Remove is the VFS "remove" entry point; at the vnode-op layer it is the
// same daemon-facing operation as Unlink. Kept as a distinct method so
// the upward VFS table has a slot per host entry point.
func (m *Mount) Remove(ctx context.Context, parent protocol.NodeID, name string, creds protocol.Credentials) error {
	return m.Unlink(ctx, parent, name, creds)
}

// Mmap preflights authorization for the mode mmap's protection bits imply
// and, if granted, obtains a handle of that mode, so a denial never costs
// an OPEN that is immediately undone.
func (m *Mount) Mmap(ctx context.Context, id protocol.NodeID, writable, readable bool, check AuthCheck, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		return o.err()
	}

	node, ok := m.findNode(id)
	if !ok {
		return unix.EINVAL
	}

	mode := XlateFromMmapProt(writable, readable)
	if !node.Handles.Preflight(creds, mode, check) {
		return unix.EACCES
	}

	token := m.Suspend()
	_, _, err := node.Handles.Get(ctx, m, node, mode, creds)
	token.Resume()
	return err
}

// Mnomap releases the handle a prior Mmap obtained for the given mode.
func (m *Mount) Mnomap(ctx context.Context, id protocol.NodeID, writable, readable bool, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if m.IsDead() {
		if id == protocol.RootNodeID {
			return nil
		}
		return unix.ENXIO
	}

	node, ok := m.findNode(id)
	if !ok {
		return unix.EINVAL
	}

	mode := XlateFromMmapProt(writable, readable)
	token := m.Suspend()
	err := node.Handles.Put(ctx, m, node, mode, creds)
	token.Resume()
	return err
}

// Inactive is the VFS hint that a vnode's reference count dropped to zero
// but it has not yet been reclaimed; the daemon bridge has no per-mode
// idle work to do here beyond what Close already performed, so it is a
// no-op that never sends an RPC. The dead-mount short-circuit still
// applies so a caller can rely on the common prologue's semantics.
func (m *Mount) Inactive(ctx context.Context, id protocol.NodeID, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		if o == outcomeDeadRoot {
			return nil
		}
		return o.err()
	}
	return nil
}

// PathconfRequest names which pathconf variable the VFS is asking about.
type PathconfRequest int

const (
	PathconfLinkMax PathconfRequest = iota
	PathconfNameMax
	PathconfPathMax
	PathconfChownRestricted
	PathconfNoTrunc
	PathconfNameCharsMax
	PathconfCaseSensitive
	PathconfCasePreserving
	PathconfTerminalDevice
)

// HostPathMax is the host's own PATH_MAX, independent of anything the
// daemon negotiates; it is not a protocol maximum like NameMax.
const HostPathMax = 1024

// Pathconf answers a pathconf(2) query. It never round-trips to the
// daemon: every value it reports is either a protocol maximum or a host
// convention.
func (m *Mount) Pathconf(req PathconfRequest) (int64, error) {
	switch req {
	case PathconfLinkMax:
		return protocol.LinkMax, nil
	case PathconfNameMax:
		return protocol.NameMax, nil
	case PathconfPathMax:
		return HostPathMax, nil
	case PathconfChownRestricted:
		return protocol.ChownRestricted, nil
	case PathconfNoTrunc:
		return protocol.NoTrunc, nil
	case PathconfNameCharsMax:
		return protocol.NameCharsMax, nil
	case PathconfCaseSensitive:
		return protocol.CaseSensitive, nil
	case PathconfCasePreserving:
		return protocol.CasePreserving, nil
	case PathconfTerminalDevice:
		return 0, unix.EINVAL
	default:
		return 0, unix.EINVAL
	}
}

// Allocate is not a daemon-backed operation for this protocol family.
func (m *Mount) Allocate(ctx context.Context, id protocol.NodeID, off, length int64, creds protocol.Credentials) error {
	return unix.ENOTSUP
}

// BlkToOff, BlockMap, and OffToBlk are the block-mapping entry points a
// block-device-backed filesystem would use to translate logical blocks to
// physical offsets. There is no physical block layout behind the daemon,
// so all three report "operation not supported" without attempting an
// RPC: there is no daemon round trip for a capability bit to downgrade.
func (m *Mount) BlkToOff(id protocol.NodeID, blk int64) (int64, error) {
	return 0, unix.ENOTSUP
}

func (m *Mount) BlockMap(id protocol.NodeID, off int64) (int64, error) {
	return 0, unix.ENOTSUP
}

func (m *Mount) OffToBlk(id protocol.NodeID, off int64) (int64, error) {
	return 0, unix.ENOTSUP
}
