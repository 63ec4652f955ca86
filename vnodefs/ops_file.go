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

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
)

// Open obtains a handle of the fflags-derived mode. A direct-I/O reply
// invalidates the UBC, disables caching for this vnode, and clears the
// mount-wide nosyncwrites flag; a purge-UBC reply flushes the UBC and
// invalidates the cached attributes.
func (m *Mount) Open(ctx context.Context, id protocol.NodeID, fflags uint32, ubc UBC, creds protocol.Credentials) (Mode, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		if o == outcomeDeadRoot || o == outcomeDeadNonRoot {
			if m.metrics != nil {
				m.metrics.DeadShortCircuits.Inc()
			}
		}
		return 0, o.err()
	}

	node, ok := m.findNode(id)
	if !ok {
		return 0, unix.EINVAL
	}

	mode := XlateFromFflags(fflags)

	token := m.Suspend()
	_, purgeUBC, err := node.Handles.Get(ctx, m, node, mode, creds)
	token.Resume()

	if err != nil {
		if err == unix.ENOENT {
			m.nameCache.PurgeNode(id)
		}
		return 0, err
	}

	if node.Flags.DirectIO {
		if ubc != nil {
			ubc.Invalidate(id)
		}
		m.nosyncwrites.Store(false)
	} else if purgeUBC && ubc != nil {
		if err := ubc.Flush(id); err != nil {
			return 0, err
		}
		node.Attr.Invalidate()
	}

	return mode, nil
}

// UBC is the host's unified buffer cache, reduced to the surface the
// dispatcher drives: invalidate, flush, and read/write through cached
// pages. The real UBC belongs to the host VFS; tests supply a double for
// the buffered read/write path.
type UBC interface {
	Invalidate(node protocol.NodeID)
	Flush(node protocol.NodeID) error
	Read(node protocol.NodeID, size uint64, cachedSize uint64, p []byte, off int64) (int, error)
	Write(node protocol.NodeID, p []byte, off int64) (int, error)
	SetSize(node protocol.NodeID, size uint64)
	Dirty(node protocol.NodeID) bool
}

// Close pushes dirty blocks if sync-on-close is enabled, sends FLUSH when
// the daemon implements it, then decrements the handle, releasing on zero.
// IO_NDELAY (the vclean path) short-circuits to success and suppresses
// FLUSH even for dirty files, because vclean will reclaim and flush
// separately.
func (m *Mount) Close(ctx context.Context, id protocol.NodeID, mode Mode, ioNdelay bool, ubc UBC, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if ioNdelay {
		return nil
	}

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

	if handle, valid := node.Handles.Valid(mode); valid {
		if ubc != nil && ubc.Dirty(id) && m.opts.SyncOnClose {
			token := m.Suspend()
			err := ubc.Flush(id)
			token.Resume()
			if err != nil {
				return err
			}
		}

		if m.capSet.Implemented(protocol.OpFlush) {
			token := m.Suspend()
			t := transport.Init(m.disp, protocol.OpFlush, id, creds)
			t.Request().Handle = handle
			_, err := t.DispatchAndWait(ctx)
			t.Drop()
			token.Resume()
			if err == unix.ENOSYS {
				m.capSet.Clear(protocol.OpFlush)
				if m.metrics != nil {
					m.metrics.CapabilityCleared.WithLabelValues(protocol.OpFlush.String()).Inc()
				}
			} else if err != nil {
				return err
			}
		}
	}

	token := m.Suspend()
	err := node.Handles.Put(ctx, m, node, mode, creds)
	token.Resume()
	return err
}

// Create tries CREATE-and-open in one round trip; on ENOSYS it clears the
// capability bit for the remainder of the mount's lifetime and retries as
// MKNOD alone. The fallback does not itself open the file: the imminent
// vnode-level Open call sends OPEN for whatever mode the caller actually
// requested. On the fast path's success, the returned handle is installed
// in the read-write slot with open-count 1, to be claimed by the impending
// OPEN. If the node identifier CREATE returns collides with a live node of
// a different type, that is treated as a failed post-create vnode
// allocation and the daemon's accounting is compensated with an
// asynchronous RELEASE+FORGET rather than left leaked.
func (m *Mount) Create(ctx context.Context, parent protocol.NodeID, name string, mode uint32, creds protocol.Credentials) (*Node, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(parent, creds); o != outcomeProceed {
		return nil, o.err()
	}
	if m.opts.ReadOnly {
		return nil, unix.EROFS
	}

	if m.capSet.Implemented(protocol.OpCreate) {
		token := m.Suspend()
		t := transport.Init(m.disp, protocol.OpCreate, parent, creds)
		t.Request().Name = name
		t.Request().Flags = mode
		reply, err := t.DispatchAndWait(ctx)
		t.Drop()
		token.Resume()

		if err == nil {
			if existing, alreadyLive := m.findNode(reply.Entry.Node); alreadyLive && existing.IsDir {
				m.compensateFailedCreate(ctx, reply.Entry.Node, reply.Open.Handle, creds)
				return nil, unix.EIO
			}
			child := m.internNode(reply.Entry.Node, parent, false)
			child.Attr.Cache(protocol.AttrReply{Attr: reply.Entry.Attr, ValidInterval: reply.Entry.AttrValid}, m.clock.Now())
			child.Handles.Install(ModeReadWrite, reply.Open.Handle, reply.Open.Flags)
			if !m.opts.NameCacheDisabled {
				m.nameCache.Enter(parent, name, child.ID, m.opts.PositiveTTL)
			}
			return child, nil
		}
		if err == unix.ENOSYS {
			m.capSet.Clear(protocol.OpCreate)
			if m.metrics != nil {
				m.metrics.CapabilityCleared.WithLabelValues(protocol.OpCreate.String()).Inc()
			}
		} else {
			return nil, err
		}
	}

	// Fallback: MKNOD alone. The impending vnode-level Open call performs
	// the actual OPEN RPC for whichever mode the caller requested.
	return m.mknodLocked(ctx, parent, name, mode, creds)
}

// Mknod creates a filesystem node without opening it, the primitive that
// also serves as Create's fallback when the daemon does not implement
// CREATE-and-open.
func (m *Mount) Mknod(ctx context.Context, parent protocol.NodeID, name string, mode uint32, creds protocol.Credentials) (*Node, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(parent, creds); o != outcomeProceed {
		return nil, o.err()
	}
	if m.opts.ReadOnly {
		return nil, unix.EROFS
	}
	return m.mknodLocked(ctx, parent, name, mode, creds)
}

// mknodLocked sends MKNOD and interns the resulting child. Caller holds
// the big lock and has already run the prologue and read-only checks.
func (m *Mount) mknodLocked(ctx context.Context, parent protocol.NodeID, name string, mode uint32, creds protocol.Credentials) (*Node, error) {
	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpMknod, parent, creds)
	t.Request().Name = name
	t.Request().Flags = mode
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

// compensateFailedCreate sends RELEASE and FORGET asynchronously, in
// parallel, so the daemon is not leaked state when a post-create vnode
// allocation fails. It is fire-and-forget: a failed compensation must not
// itself fail the op that triggered it, so errors are only logged.
func (m *Mount) compensateFailedCreate(ctx context.Context, node protocol.NodeID, handle protocol.HandleID, creds protocol.Credentials) {
	go func() {
		var g errgroup.Group
		g.Go(func() error {
			t := transport.Init(m.disp, protocol.OpRelease, node, creds)
			t.Request().Handle = handle
			_, err := t.DispatchAndWait(ctx)
			t.Drop()
			return err
		})
		g.Go(func() error {
			t := transport.Init(m.disp, protocol.OpForget, node, creds)
			t.Request().Size = 1
			_, err := t.DispatchAndWait(ctx)
			t.Drop()
			return err
		})
		if err := g.Wait(); err != nil && m.log != nil {
			m.log.Warn("compensating create failure", "node", node, "err", err)
		}
	}()
}

// Read serves the buffered path by delegating to the host cluster layer
// (ubc) with the cached file size, and the direct path by looping over
// READ RPCs bounded by the negotiated I/O size, falling back from a
// missing read-only handle to the read-write handle.
func (m *Mount) Read(ctx context.Context, id protocol.NodeID, p []byte, off int64, ubc UBC, creds protocol.Credentials) (int, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		return 0, o.err()
	}

	node, ok := m.findNode(id)
	if !ok {
		return 0, unix.EINVAL
	}

	if !node.Flags.DirectIO {
		token := m.Suspend()
		n, err := ubc.Read(id, node.Size, node.Size, p, off)
		token.Resume()
		return n, err
	}

	handle, ok := node.Handles.Valid(ModeRead)
	if !ok {
		handle, ok = node.Handles.Valid(ModeReadWrite)
	}
	if !ok {
		return 0, unix.EBADF
	}

	total := 0
	for total < len(p) {
		chunk := p[total:]
		if uint64(len(chunk)) > uint64(m.ioSize) && m.ioSize > 0 {
			chunk = chunk[:m.ioSize]
		}

		token := m.Suspend()
		t := transport.Init(m.disp, protocol.OpRead, id, creds)
		t.Request().Handle = handle
		t.Request().Offset = off + int64(total)
		t.Request().Size = uint64(len(chunk))
		reply, err := t.DispatchAndWait(ctx)
		t.Drop()
		token.Resume()

		if err != nil {
			return total, err
		}
		n := copy(chunk, reply.Data)
		total += n
		if n < len(chunk) {
			break // short read: EOF
		}
	}

	return total, nil
}

// Write is the mutating twin of Read. Writes extend the cached file size
// and UBC size on success; on error with unit semantics, the original
// offset and residual are restored by the caller using the returned
// count.
func (m *Mount) Write(ctx context.Context, id protocol.NodeID, p []byte, off int64, ubc UBC, creds protocol.Credentials) (int, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		return 0, o.err()
	}
	if m.opts.ReadOnly {
		return 0, unix.EROFS
	}

	node, ok := m.findNode(id)
	if !ok {
		return 0, unix.EINVAL
	}

	if !node.Flags.DirectIO {
		token := m.Suspend()
		n, err := ubc.Write(id, p, off)
		token.Resume()
		if err == nil {
			newSize := uint64(off) + uint64(n)
			if newSize > node.Size {
				node.Size = newSize
				ubc.SetSize(id, newSize)
			}
			node.Flags.TimesDirty = true
		}
		return n, err
	}

	handle, ok := node.Handles.Valid(ModeWrite)
	if !ok {
		handle, ok = node.Handles.Valid(ModeReadWrite)
	}
	if !ok {
		return 0, unix.EBADF
	}

	total := 0
	for total < len(p) {
		chunk := p[total:]
		if uint64(len(chunk)) > uint64(m.ioSize) && m.ioSize > 0 {
			chunk = chunk[:m.ioSize]
		}

		token := m.Suspend()
		t := transport.Init(m.disp, protocol.OpWrite, id, creds)
		t.Request().Handle = handle
		t.Request().Offset = off + int64(total)
		t.Request().Data = chunk
		_, err := t.DispatchAndWait(ctx)
		t.Drop()
		token.Resume()

		if err != nil {
			return total, err
		}
		total += len(chunk)
	}

	newSize := uint64(off) + uint64(total)
	if newSize > node.Size {
		node.Size = newSize
		if ubc != nil {
			ubc.SetSize(id, newSize)
		}
	}
	node.Flags.TimesDirty = true

	return total, nil
}

// Fsync iterates the valid handles, issuing FSYNC (FSYNCDIR for
// directories). ENOSYS with nosyncwrites disabled is silently downgraded
// to success rather than clearing the capability permanently, since a
// daemon may implement FSYNC for some handle types and not others in ways
// this layer cannot distinguish without the capability bit flapping.
func (m *Mount) Fsync(ctx context.Context, id protocol.NodeID, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		return o.err()
	}

	node, ok := m.findNode(id)
	if !ok {
		return unix.EINVAL
	}

	op := protocol.OpFsync
	if node.IsDir {
		op = protocol.OpFsyncdir
	}

	if !m.capSet.Implemented(op) {
		return unix.ENOTSUP
	}
	if !node.Handles.AnyValid() {
		return nil
	}

	var firstErr error
	node.Handles.ForEachValid(func(mode Mode, handle protocol.HandleID) {
		if firstErr != nil {
			return
		}

		token := m.Suspend()
		t := transport.Init(m.disp, op, id, creds)
		t.Request().Handle = handle
		_, err := t.DispatchAndWait(ctx)
		t.Drop()
		token.Resume()

		if err == unix.ENOSYS {
			if !m.nosyncwrites.Load() {
				err = nil
			} else {
				m.capSet.Clear(op)
				if m.metrics != nil {
					m.metrics.CapabilityCleared.WithLabelValues(op.String()).Inc()
				}
				err = unix.ENOTSUP
			}
		}
		firstErr = err
	})

	return firstErr
}

// Pagein fails for dead or direct-I/O vnodes, otherwise delegating to the
// host cluster layer with the cached file size.
func (m *Mount) Pagein(ctx context.Context, id protocol.NodeID, ubc UBC, p []byte, off int64, creds protocol.Credentials) (int, error) {
	m.lock()
	defer m.unlock()

	if m.IsDead() {
		return 0, unix.ENOTSUP
	}
	node, ok := m.findNode(id)
	if !ok || node.Flags.DirectIO {
		return 0, unix.ENOTSUP
	}

	token := m.Suspend()
	n, err := ubc.Read(id, node.Size, node.Size, p, off)
	token.Resume()
	return n, err
}

// Pageout is the write twin of Pagein.
func (m *Mount) Pageout(ctx context.Context, id protocol.NodeID, ubc UBC, p []byte, off int64, creds protocol.Credentials) (int, error) {
	m.lock()
	defer m.unlock()

	if m.IsDead() {
		return 0, unix.ENOTSUP
	}
	node, ok := m.findNode(id)
	if !ok || node.Flags.DirectIO {
		return 0, unix.ENOTSUP
	}

	token := m.Suspend()
	n, err := ubc.Write(id, p, off)
	token.Resume()
	return n, err
}

// Strategy errors the buffer synchronously on a dead filesystem and
// otherwise delegates to Read/Write. It must not hold the big lock
// itself: the delegated call acquires it.
func (m *Mount) Strategy(ctx context.Context, id protocol.NodeID, ubc UBC, p []byte, off int64, write bool, creds protocol.Credentials) (int, error) {
	if m.IsDead() {
		return 0, unix.ENXIO
	}
	if write {
		return m.Write(ctx, id, p, off, ubc, creds)
	}
	return m.Read(ctx, id, p, off, ubc, creds)
}

// Select always reports ready.
func (m *Mount) Select() int {
	return 1
}
