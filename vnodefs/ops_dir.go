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
	"github.com/fusebridge/vnode/transport"
)

// Mkdir creates a child directory, interning and caching its attributes on
// success, the same MKDIR-then-intern shape as Create's fallback path.
func (m *Mount) Mkdir(ctx context.Context, parent protocol.NodeID, name string, mode uint32, creds protocol.Credentials) (*Node, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(parent, creds); o != outcomeProceed {
		return nil, o.err()
	}
	if m.opts.ReadOnly {
		return nil, unix.EROFS
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpMkdir, parent, creds)
	t.Request().Name = name
	t.Request().Flags = mode
	reply, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err != nil {
		return nil, err
	}

	child := m.internNode(reply.Entry.Node, parent, true)
	child.Attr.Cache(protocol.AttrReply{Attr: reply.Entry.Attr, ValidInterval: reply.Entry.AttrValid}, m.clock.Now())
	if !m.opts.NameCacheDisabled {
		m.nameCache.Enter(parent, name, child.ID, m.opts.PositiveTTL)
	}
	return child, nil
}

// Rmdir removes a child directory, purging both the parent/name entry and
// any cache entries naming the removed node as a parent, since stale
// children of a removed directory must not resurface from the cache.
func (m *Mount) Rmdir(ctx context.Context, parent protocol.NodeID, name string, target protocol.NodeID, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if o := m.prologue(parent, creds); o != outcomeProceed {
		return o.err()
	}
	if m.opts.ReadOnly {
		return unix.EROFS
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpRmdir, parent, creds)
	t.Request().Name = name
	_, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err != nil {
		return err
	}

	m.nameCache.Purge(parent, name)
	m.nameCache.PurgeNode(target)
	return nil
}

// OpenDir obtains a directory handle and resets the buffered-readdir
// state for a fresh enumeration.
func (m *Mount) OpenDir(ctx context.Context, id protocol.NodeID, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		return o.err()
	}

	node, ok := m.findNode(id)
	if !ok || !node.IsDir {
		return unix.ENOTDIR
	}

	token := m.Suspend()
	_, _, err := node.Handles.Get(ctx, m, node, ModeRead, creds)
	token.Resume()
	if err != nil {
		return err
	}

	node.Handles.dirEntries = nil
	node.Handles.dirEntriesOffset = 0
	node.Handles.dirContinuation = ""
	return nil
}

// ReadDir serves entries from the buffered readdir window, refilling the
// buffer with a READDIR RPC when the caller's offset runs past what is
// currently held. Offset 0 is rewinddir; a seek before the start of the
// buffered window is EINVAL.
func (m *Mount) ReadDir(ctx context.Context, id protocol.NodeID, offset int64, count int, creds protocol.Credentials) ([]DirEntry, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		return nil, o.err()
	}

	node, ok := m.findNode(id)
	if !ok || !node.IsDir {
		return nil, unix.ENOTDIR
	}

	ht := &node.Handles
	switch {
	case offset == 0:
		// rewinddir: always restart the buffered window from the beginning,
		// even if offset 0 still happens to fall inside it.
		ht.dirEntries = nil
		ht.dirEntriesOffset = 0
		ht.dirContinuation = ""
	case offset < ht.dirEntriesOffset:
		return nil, unix.EINVAL
	}

	if offset < ht.dirEntriesOffset || offset >= ht.dirEntriesOffset+int64(len(ht.dirEntries)) {
		handle, ok := ht.Valid(ModeRead)
		if !ok {
			return nil, unix.EBADF
		}

		token := m.Suspend()
		t := transport.Init(m.disp, protocol.OpReaddir, id, creds)
		t.Request().Handle = handle
		t.Request().Offset = offset
		reply, err := t.DispatchAndWait(ctx)
		t.Drop()
		token.Resume()
		if err != nil {
			return nil, err
		}

		entries, cont := decodeDirEntries(reply)
		ht.dirEntries = entries
		ht.dirEntriesOffset = offset
		ht.dirContinuation = cont
	}

	start := int(offset - ht.dirEntriesOffset)
	if start < 0 || start > len(ht.dirEntries) {
		return nil, nil
	}
	end := start + count
	if end > len(ht.dirEntries) {
		end = len(ht.dirEntries)
	}
	return ht.dirEntries[start:end], nil
}

// decodeDirEntries pulls the buffered directory page out of a READDIR
// reply. The wire-level encoding of directory pages is the transport's
// concern; reply.Raw carries the already-decoded slice a transport
// implementation produced, and this function is the single seam it plugs
// into.
func decodeDirEntries(reply *transport.Reply) ([]DirEntry, string) {
	if entries, ok := reply.Raw.([]DirEntry); ok {
		return entries, ""
	}
	return nil, ""
}

// ReleaseDir releases a directory handle, clearing the buffered-readdir
// window so a stale buffer is never served under a handle reused for a
// different open.
func (m *Mount) ReleaseDir(ctx context.Context, id protocol.NodeID, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	switch m.prologue(id, creds) {
	case outcomeDeadRoot:
		return nil
	case outcomeDeadNonRoot:
		if m.metrics != nil {
			m.metrics.DeadShortCircuits.Inc()
		}
		return unix.ENXIO
	case outcomeUninitialized:
		return unix.EBADF
	case outcomeDenied:
		return unix.EACCES
	}

	node, ok := m.findNode(id)
	if !ok {
		return unix.EINVAL
	}

	token := m.Suspend()
	err := node.Handles.Put(ctx, m, node, ModeRead, creds)
	token.Resume()

	node.Handles.dirEntries = nil
	node.Handles.dirEntriesOffset = 0
	node.Handles.dirContinuation = ""
	return err
}

// Fsyncdir behaves identically to Fsync for directory vnodes; the
// dispatcher picks FSYNC vs FSYNCDIR by Node.IsDir, so this is a thin
// alias kept for callers that dispatch on the VFS directory-sync entry
// point specifically.
func (m *Mount) Fsyncdir(ctx context.Context, id protocol.NodeID, creds protocol.Credentials) error {
	return m.Fsync(ctx, id, creds)
}
