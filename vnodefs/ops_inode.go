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

	"golang.org/x/sys/unix"

	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
)

// Access always permits symlinks and the dead root; everything else
// round-trips to the daemon.
func (m *Mount) Access(ctx context.Context, node protocol.NodeID, mask uint32, isSymlink bool, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if isSymlink {
		return nil
	}

	switch m.prologue(node, creds) {
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

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpGetattr, node, creds)
	t.Request().Flags = mask
	_, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()
	return err
}

// fabricatedDeadRootAttr is what getattr returns for the root vnode when
// the mount is dead or the daemon is unreachable: a stat owned by the
// daemon's credentials with mode 0700, so unmount can still traverse it.
func (m *Mount) fabricatedDeadRootAttr() protocol.Attr {
	return protocol.Attr{
		Mode:  os.ModeDir | 0700,
		UID:   m.daemonCreds.UID,
		GID:   m.daemonCreds.GID,
		Nlink: 1,
	}
}

// GetAttr returns cached attributes without an RPC while they are fresh;
// a miss dispatches GETATTR and refreshes the cache.
func (m *Mount) GetAttr(ctx context.Context, id protocol.NodeID, creds protocol.Credentials) (protocol.Attr, error) {
	m.lock()
	defer m.unlock()

	switch m.prologue(id, creds) {
	case outcomeDeadRoot:
		return m.fabricatedDeadRootAttr(), nil
	case outcomeDeadNonRoot:
		if m.metrics != nil {
			m.metrics.DeadShortCircuits.Inc()
		}
		return protocol.Attr{}, unix.ENXIO
	case outcomeUninitialized:
		return protocol.Attr{}, unix.EBADF
	case outcomeDenied:
		return protocol.Attr{}, unix.EACCES
	}

	node, ok := m.findNode(id)
	if !ok {
		return protocol.Attr{}, unix.EINVAL
	}

	if attr, fresh := node.Attr.Load(m.clock.Now()); fresh {
		if m.metrics != nil {
			m.metrics.AttrCacheHits.Inc()
		}
		return attr, nil
	}
	if m.metrics != nil {
		m.metrics.AttrCacheMisses.Inc()
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpGetattr, id, creds)
	reply, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err != nil {
		if err == unix.ENOTCONN && id == protocol.RootNodeID {
			return m.fabricatedDeadRootAttr(), nil
		}
		if err == unix.ENOENT {
			m.nameCache.PurgeNode(id)
		}
		return protocol.Attr{}, err
	}

	if reply.Attr.Attr.Mode.IsDir() != node.IsDir {
		m.nameCache.PurgeNode(id)
		return protocol.Attr{}, unix.EIO
	}

	node.Attr.Cache(*reply.Attr, m.clock.Now())
	if node.Flags.DirectIO {
		node.Size = reply.Attr.Attr.Size
	}

	return reply.Attr.Attr, nil
}

// SetAttrRequest carries the dirty fields a setattr call wants to change;
// nil means "leave unchanged".
type SetAttrRequest struct {
	Size  *uint64
	Mode  *os.FileMode
	Atime *int64
	Mtime *int64
	UID   *uint32
	GID   *uint32
}

// SetAttr encodes the dirty fields into a single request. It rejects
// size-change on directories and writes on read-only mounts, purges the
// name cache and asks for a retry on type change, and on success
// refreshes the cached size for a size change.
func (m *Mount) SetAttr(ctx context.Context, id protocol.NodeID, req SetAttrRequest, creds protocol.Credentials) (protocol.Attr, error) {
	m.lock()
	defer m.unlock()

	switch m.prologue(id, creds) {
	case outcomeDeadRoot, outcomeDeadNonRoot:
		if m.metrics != nil {
			m.metrics.DeadShortCircuits.Inc()
		}
		return protocol.Attr{}, unix.ENXIO
	case outcomeUninitialized:
		return protocol.Attr{}, unix.EBADF
	case outcomeDenied:
		return protocol.Attr{}, unix.EACCES
	}

	node, ok := m.findNode(id)
	if !ok {
		return protocol.Attr{}, unix.EINVAL
	}

	if m.opts.ReadOnly {
		return protocol.Attr{}, unix.EROFS
	}
	if req.Size != nil && node.IsDir {
		return protocol.Attr{}, unix.EISDIR
	}

	dirty := protocol.Attr{}
	if req.Size != nil {
		dirty.Size = *req.Size
	}
	if req.Mode != nil {
		dirty.Mode = *req.Mode
	}
	if req.UID != nil {
		dirty.UID = *req.UID
	}
	if req.GID != nil {
		dirty.GID = *req.GID
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpSetattr, id, creds)
	t.Request().Dirty = dirty
	reply, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err != nil {
		return protocol.Attr{}, err
	}

	wasDir := node.IsDir
	nowDir := reply.Attr.Attr.Mode.IsDir()
	if wasDir != nowDir {
		m.nameCache.PurgeNode(id)
		return protocol.Attr{}, unix.EAGAIN // "try-again": type change detected
	}

	node.Attr.Cache(*reply.Attr, m.clock.Now())
	if req.Size != nil {
		node.Size = reply.Attr.Attr.Size
	}

	return reply.Attr.Attr, nil
}

// Reclaim releases all valid handles, forgives the node's lookup count
// with a single FORGET if nonzero, drops the node from the live-node
// table, and purges the name cache. It is best-effort and never fails
// back to the VFS.
func (m *Mount) Reclaim(ctx context.Context, id protocol.NodeID, creds protocol.Credentials) {
	m.lock()
	defer m.unlock()

	node, ok := m.findNode(id)
	if !ok {
		return
	}

	if node.Flags.TimesDirty && !node.Flags.Revoked {
		token := m.Suspend()
		t := transport.Init(m.disp, protocol.OpSetattr, id, creds)
		now := m.clock.Now()
		t.Request().Dirty = protocol.Attr{Mtime: now, Atime: now}
		_, _ = t.DispatchAndWait(ctx)
		t.Drop()
		token.Resume()
		node.Flags.TimesDirty = false
	}

	node.Handles.ReleaseAll(ctx, m, node, creds)

	if node.LookupCount > 0 && !node.Flags.Revoked {
		token := m.Suspend()
		t := transport.Init(m.disp, protocol.OpForget, id, creds)
		t.Request().Size = node.LookupCount
		_, _ = t.DispatchAndWait(ctx)
		t.Drop()
		token.Resume()
		if m.metrics != nil {
			m.metrics.ForgetsEmitted.Add(float64(node.LookupCount))
		}
	}

	m.removeNode(id)
	m.nameCache.PurgeNode(id)
}
