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
	"os"

	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
)

// AuthCheck consults the host authorization layer for read and/or write
// rights before a handle is opened, so that memory-mapping can avoid an
// OPEN it would immediately have to undo. Authorization itself belongs to
// the host VFS; callers supply the check.
type AuthCheck func(creds protocol.Credentials, wantRead, wantWrite bool) bool

// Mode is one of the three file-handle slots a node may hold open.
type Mode int

const (
	ModeRead Mode = iota
	ModeWrite
	ModeReadWrite
	modeCount
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeReadWrite:
		return "read-write"
	default:
		return "invalid"
	}
}

// handleSlot is one entry of the per-node three-element table.
type handleSlot struct {
	handle    protocol.HandleID
	openCount uint32
	flags     uint32
	valid     bool
}

// HandleTable is the per-vnode three-slot table of open handles, one slot
// per access mode, with open/close coalescing: repeat opens of the same
// mode share the slot's handle and bump its count.
type HandleTable struct {
	slots [modeCount]handleSlot

	// Directory-only buffered readdir state: the window of entries the
	// last READDIR returned, its logical offset, and the daemon's
	// continuation token.
	dirEntries       []DirEntry
	dirEntriesOffset int64
	dirContinuation  string
}

// DirEntry is one buffered directory entry.
type DirEntry struct {
	Name   string
	Node   NodeID
	Offset int64
	IsDir  bool
}

// Get returns a valid handle for mode, opening one at the daemon if the
// slot is currently empty. On ENOENT from OPEN, the caller's name-cache
// entry for this vnode should be purged; this function only reports the
// error, leaving the purge to the dispatcher since the handle table does
// not know about the name-lookup bridge. The returned bool reports the
// daemon's purge-UBC bit from a fresh OPEN reply; it is always false on a
// coalesced open against an already-valid slot, since no new reply was
// received to carry the bit.
func (ht *HandleTable) Get(ctx context.Context, m *Mount, node *Node, mode Mode, creds protocol.Credentials) (protocol.HandleID, bool, error) {
	slot := &ht.slots[mode]
	if slot.valid {
		slot.openCount++
		return slot.handle, false, nil
	}

	op := protocol.OpOpen
	if node.IsDir {
		op = protocol.OpOpendir
	}

	t := transport.Init(m.Dispatcher(), op, node.ID, creds)
	defer t.Drop()
	t.Request().Flags = fflagsForMode(mode)

	reply, err := t.DispatchAndWait(ctx)
	if err != nil {
		return 0, false, err
	}

	slot.handle = reply.Open.Handle
	slot.flags = reply.Open.Flags
	slot.openCount = 1
	slot.valid = true

	if reply.Open.DirectIO {
		node.Flags.DirectIO = true
	}

	if m.metrics != nil {
		m.metrics.Opens.WithLabelValues(mode.String()).Inc()
	}

	return slot.handle, reply.Open.PurgeUBC, nil
}

// Put decrements the slot's open-count, releasing the handle at the daemon
// on the 1->0 transition. A put on an already-invalid slot is a no-op
// returning success.
func (ht *HandleTable) Put(ctx context.Context, m *Mount, node *Node, mode Mode, creds protocol.Credentials) error {
	slot := &ht.slots[mode]
	if !slot.valid {
		return nil
	}

	slot.openCount--
	if slot.openCount > 0 {
		return nil
	}

	op := protocol.OpRelease
	if node.IsDir {
		op = protocol.OpReleasedir
	}

	t := transport.Init(m.Dispatcher(), op, node.ID, creds)
	defer t.Drop()
	t.Request().Handle = slot.handle

	_, err := t.DispatchAndWait(ctx)
	*slot = handleSlot{}
	if m.metrics != nil {
		m.metrics.Releases.WithLabelValues(mode.String()).Inc()
	}
	return err
}

// Preflight checks authorization for the rights mode implies before Get
// would attempt an OPEN, so that a denied mmap never causes an OPEN that
// is immediately undone.
func (ht *HandleTable) Preflight(creds protocol.Credentials, mode Mode, check AuthCheck) bool {
	if check == nil {
		return true
	}
	wantRead := mode == ModeRead || mode == ModeReadWrite
	wantWrite := mode == ModeWrite || mode == ModeReadWrite
	return check(creds, wantRead, wantWrite)
}

// Valid reports whether mode currently has an open handle, and returns it.
func (ht *HandleTable) Valid(mode Mode) (protocol.HandleID, bool) {
	slot := &ht.slots[mode]
	return slot.handle, slot.valid
}

// Install directly populates a slot, used by create's CREATE-and-open fast
// path where the returned handle is installed before the impending OPEN
// would otherwise have allocated one.
func (ht *HandleTable) Install(mode Mode, handle protocol.HandleID, flags uint32) {
	ht.slots[mode] = handleSlot{handle: handle, flags: flags, openCount: 1, valid: true}
}

// ReleaseAll releases every valid slot, used by reclaim. RPCs are elided
// entirely for a revoked node: forced unmount has already made them
// pointless.
func (ht *HandleTable) ReleaseAll(ctx context.Context, mnt *Mount, node *Node, creds protocol.Credentials) {
	for mo := Mode(0); mo < modeCount; mo++ {
		slot := &ht.slots[mo]
		if !slot.valid {
			continue
		}
		if !node.Flags.Revoked {
			op := protocol.OpRelease
			if node.IsDir {
				op = protocol.OpReleasedir
			}
			t := transport.Init(mnt.Dispatcher(), op, node.ID, creds)
			t.Request().Handle = slot.handle
			_, _ = t.DispatchAndWait(ctx)
			t.Drop()
			if mnt.metrics != nil {
				mnt.metrics.Releases.WithLabelValues(mo.String()).Inc()
			}
		}
		*slot = handleSlot{}
	}
}

// AnyValid reports whether at least one slot is currently open, used by
// fsync to skip a vnode with no open handle without sending an RPC.
func (ht *HandleTable) AnyValid() bool {
	for m := Mode(0); m < modeCount; m++ {
		if ht.slots[m].valid {
			return true
		}
	}
	return false
}

// ForEachValid iterates the valid slots, used by fsync.
func (ht *HandleTable) ForEachValid(fn func(mode Mode, handle protocol.HandleID)) {
	for m := Mode(0); m < modeCount; m++ {
		if slot := &ht.slots[m]; slot.valid {
			fn(m, slot.handle)
		}
	}
}

// XlateFromFflags maps host open(2) flags to one of the three modes. Zero
// fflags map to read-only.
func XlateFromFflags(fflags uint32) Mode {
	switch fflags & 0x3 {
	case uint32(os.O_WRONLY) & 0x3:
		return ModeWrite
	case uint32(os.O_RDWR) & 0x3:
		return ModeReadWrite
	default:
		return ModeRead
	}
}

// XlateFromMmapProt maps host mmap protection bits to one of the three
// modes.
func XlateFromMmapProt(writable, readable bool) Mode {
	switch {
	case writable && readable:
		return ModeReadWrite
	case writable:
		return ModeWrite
	default:
		return ModeRead
	}
}

func fflagsForMode(mode Mode) uint32 {
	switch mode {
	case ModeWrite:
		return uint32(os.O_WRONLY)
	case ModeReadWrite:
		return uint32(os.O_RDWR)
	default:
		return uint32(os.O_RDONLY)
	}
}
