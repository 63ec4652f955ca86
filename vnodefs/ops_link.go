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
	"strings"

	"golang.org/x/sys/unix"

	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
)

// Symlink creates a symbolic link, interning the new node the same way
// Mkdir and Create's MKNOD fallback do.
func (m *Mount) Symlink(ctx context.Context, parent protocol.NodeID, name, target string, creds protocol.Credentials) (*Node, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(parent, creds); o != outcomeProceed {
		return nil, o.err()
	}
	if m.opts.ReadOnly {
		return nil, unix.EROFS
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpSymlink, parent, creds)
	t.Request().Name = name
	t.Request().Data = []byte(target)
	reply, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err != nil {
		return nil, err
	}

	child := m.internNode(reply.Entry.Node, parent, false)
	child.Attr.Cache(protocol.AttrReply{Attr: reply.Entry.Attr, ValidInterval: reply.Entry.AttrValid}, m.clock.Now())
	if !m.opts.NameCacheDisabled {
		m.nameCache.Enter(parent, name, child.ID, m.opts.PositiveTTL)
	}
	return child, nil
}

// Readlink returns a symlink's target text.
func (m *Mount) Readlink(ctx context.Context, id protocol.NodeID, creds protocol.Credentials) (string, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		return "", o.err()
	}

	// READLINK has no payload to build, so the one-shot helper suffices.
	token := m.Suspend()
	reply, cleanup, err := transport.SimplePutGet(ctx, m.disp, protocol.OpReadlink, id, creds)
	var target string
	if err == nil {
		target = string(reply.Data)
	}
	cleanup()
	token.Resume()
	if err != nil {
		return "", err
	}
	return target, nil
}

// Link creates a new directory entry pointing at an existing node
// (a hard link), incrementing the target's lookup count on success since
// the daemon now reports one more unforgiven reference to it.
func (m *Mount) Link(ctx context.Context, parent protocol.NodeID, name string, target protocol.NodeID, creds protocol.Credentials) (*Node, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(parent, creds); o != outcomeProceed {
		return nil, o.err()
	}
	if m.opts.ReadOnly {
		return nil, unix.EROFS
	}

	targetNode, ok := m.findNode(target)
	if !ok {
		return nil, unix.EINVAL
	}
	if targetNode.IsDir {
		return nil, unix.EPERM
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpLink, parent, creds)
	t.Request().Name = name
	t.Request().Offset = int64(target)
	reply, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err != nil {
		return nil, err
	}

	targetNode.IncrementLookupCount()
	if m.metrics != nil {
		m.metrics.LookupReplies.Inc()
	}
	targetNode.Attr.Cache(protocol.AttrReply{Attr: reply.Entry.Attr, ValidInterval: reply.Entry.AttrValid}, m.clock.Now())
	if !m.opts.NameCacheDisabled {
		m.nameCache.Enter(parent, name, targetNode.ID, m.opts.PositiveTTL)
	}
	return targetNode, nil
}

// Unlink removes a directory entry, purging the name-cache entry on
// success and entering a negative entry so a racing lookup does not
// immediately re-resolve the name at the daemon.
func (m *Mount) Unlink(ctx context.Context, parent protocol.NodeID, name string, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if o := m.prologue(parent, creds); o != outcomeProceed {
		return o.err()
	}
	if m.opts.ReadOnly {
		return unix.EROFS
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpUnlink, parent, creds)
	t.Request().Name = name
	_, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err != nil {
		return err
	}

	if !m.opts.NameCacheDisabled {
		m.nameCache.EnterNegative(parent, name, m.opts.NegativeTTL)
	} else {
		m.nameCache.Purge(parent, name)
	}
	return nil
}

// Rename moves or renames a directory entry, purging the name cache at
// both the source and destination locations regardless of outcome, since
// a failed rename can still have invalidated one side at the daemon
// (e.g. a partial rename observed by a concurrent lookup). On success it
// invalidates the attribute caches of both parent directories (their
// mtimes changed) and, if a distinct vnode previously lived at the
// destination name, purges that vnode's own name-cache entries too.
func (m *Mount) Rename(ctx context.Context, oldParent protocol.NodeID, oldName string, newParent protocol.NodeID, newName string, existingTarget protocol.NodeID, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if o := m.prologue(oldParent, creds); o != outcomeProceed {
		return o.err()
	}
	if m.opts.ReadOnly {
		return unix.EROFS
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpRename, oldParent, creds)
	t.Request().Name = oldName
	t.Request().Offset = int64(newParent)
	t.Request().Data = []byte(newName)
	_, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	m.nameCache.Purge(oldParent, oldName)
	m.nameCache.Purge(newParent, newName)

	if err == nil {
		if d1, ok := m.findNode(oldParent); ok {
			d1.Attr.Invalidate()
		}
		if d2, ok := m.findNode(newParent); ok {
			d2.Attr.Invalidate()
		}
		if existingTarget != 0 && existingTarget != oldParent && existingTarget != newParent {
			m.nameCache.PurgeNode(existingTarget)
		}
	}

	return err
}

// Exchange atomically swaps the contents of two existing files
// (BSD exchangedata semantics). The daemon is never asked to swap a name
// with itself: if either name resolves to the same (parent, name) pair,
// the call is rejected with EINVAL before any RPC is attempted. Per the
// resolved open question on hidden-prefix exchanges, when the mount sets
// HideAppleDouble a name on either side that matches the Apple-Double
// hidden prefix is rejected the same way, since that name is never
// supposed to be independently addressable.
func (m *Mount) Exchange(ctx context.Context, parent1 protocol.NodeID, name1 string, parent2 protocol.NodeID, name2 string, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if !m.capSet.Implemented(protocol.OpExchange) {
		return unix.ENOTSUP
	}

	if o := m.prologue(parent1, creds); o != outcomeProceed {
		return o.err()
	}
	if m.opts.ReadOnly {
		return unix.EROFS
	}
	if parent1 == parent2 && name1 == name2 {
		return unix.EINVAL
	}
	if m.opts.HideAppleDouble && (strings.HasPrefix(name1, appleDoubleHiddenPrefix) || strings.HasPrefix(name2, appleDoubleHiddenPrefix)) {
		return unix.EINVAL
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpExchange, parent1, creds)
	t.Request().Name = name1
	t.Request().Offset = int64(parent2)
	t.Request().Data = []byte(name2)
	_, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err == unix.ENOSYS {
		m.capSet.Clear(protocol.OpExchange)
		if m.metrics != nil {
			m.metrics.CapabilityCleared.WithLabelValues(protocol.OpExchange.String()).Inc()
		}
		return unix.ENOTSUP
	}
	if err != nil {
		return err
	}

	m.nameCache.Purge(parent1, name1)
	m.nameCache.Purge(parent2, name2)
	return nil
}
