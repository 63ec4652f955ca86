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

// reservedXattr reports whether name falls in the host-reserved namespace
// a mount may choose to hide from the daemon entirely.
func (m *Mount) reservedXattr(name string) bool {
	if m.opts.AllowReservedXattr || m.opts.XattrReservedPrefix == "" {
		return false
	}
	return strings.HasPrefix(name, m.opts.XattrReservedPrefix)
}

func (m *Mount) xattrGuard(id protocol.NodeID, name string, op protocol.Opcode, creds protocol.Credentials) error {
	if o := m.prologue(id, creds); o != outcomeProceed {
		return o.err()
	}
	if name == "" {
		return unix.EINVAL
	}
	if m.opts.AutoXattr {
		return unix.ENOTSUP
	}
	if m.reservedXattr(name) {
		return unix.EPERM
	}
	if !m.capSet.Implemented(op) {
		return unix.ENOTSUP
	}
	return nil
}

func (m *Mount) clearXattrCap(op protocol.Opcode) {
	m.capSet.Clear(op)
	if m.metrics != nil {
		m.metrics.CapabilityCleared.WithLabelValues(op.String()).Inc()
	}
}

// GetXattr reads an extended attribute's value. A zero-length buf requests
// a size-only probe: the ticket is killed so the daemon's (possibly large)
// value is discarded without ever being copied into caller memory, and the
// reported size comes back through reply.Size instead. If the caller's buf
// turns out too small for an actual (non-probe) value, the ticket is killed
// too before ERANGE is returned, since the value was dispatched but must
// never be copied into undersized caller memory.
func (m *Mount) GetXattr(ctx context.Context, id protocol.NodeID, name string, buf []byte, creds protocol.Credentials) (int, error) {
	m.lock()
	defer m.unlock()

	if err := m.xattrGuard(id, name, protocol.OpGetxattr, creds); err != nil {
		return 0, err
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpGetxattr, id, creds)
	t.Request().Name = name
	t.Request().Size = uint64(len(buf))
	probe := len(buf) == 0
	if probe {
		t.Kill()
	}
	reply, err := t.DispatchAndWait(ctx)
	if err == nil && !probe && len(reply.Data) > len(buf) {
		t.Kill()
	}
	t.Drop()
	token.Resume()

	if err == unix.ENOSYS {
		m.clearXattrCap(protocol.OpGetxattr)
		return 0, unix.ENOTSUP
	}
	if err != nil {
		return 0, err
	}
	if probe {
		return int(reply.Size), nil
	}
	if len(reply.Data) > len(buf) {
		return 0, unix.ERANGE
	}
	return copy(buf, reply.Data), nil
}

// SetXattr writes an extended attribute's value.
func (m *Mount) SetXattr(ctx context.Context, id protocol.NodeID, name string, value []byte, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if err := m.xattrGuard(id, name, protocol.OpSetxattr, creds); err != nil {
		return err
	}
	if m.opts.ReadOnly {
		return unix.EROFS
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpSetxattr, id, creds)
	t.Request().Name = name
	t.Request().Data = value
	_, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err == unix.ENOSYS {
		m.clearXattrCap(protocol.OpSetxattr)
		return unix.ENOTSUP
	}
	return err
}

// ListXattr lists the names of a node's extended attributes, newline-
// separated in reply.Data the same way GetXattr's value is opaque bytes;
// a zero-length buf is a size-only probe, same discipline as GetXattr.
func (m *Mount) ListXattr(ctx context.Context, id protocol.NodeID, buf []byte, creds protocol.Credentials) (int, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		return 0, o.err()
	}
	if m.opts.AutoXattr {
		return 0, nil
	}
	if !m.capSet.Implemented(protocol.OpListxattr) {
		return 0, unix.ENOTSUP
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpListxattr, id, creds)
	t.Request().Size = uint64(len(buf))
	probe := len(buf) == 0
	if probe {
		t.Kill()
	}
	reply, err := t.DispatchAndWait(ctx)
	if err == nil && !probe && len(reply.Data) > len(buf) {
		t.Kill()
	}
	t.Drop()
	token.Resume()

	if err == unix.ENOSYS {
		m.clearXattrCap(protocol.OpListxattr)
		return 0, unix.ENOTSUP
	}
	if err != nil {
		return 0, err
	}
	if probe {
		return int(reply.Size), nil
	}
	if len(reply.Data) > len(buf) {
		return 0, unix.ERANGE
	}
	return copy(buf, reply.Data), nil
}

// RemoveXattr deletes an extended attribute.
func (m *Mount) RemoveXattr(ctx context.Context, id protocol.NodeID, name string, creds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	if err := m.xattrGuard(id, name, protocol.OpRemovexattr, creds); err != nil {
		return err
	}
	if m.opts.ReadOnly {
		return unix.EROFS
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpRemovexattr, id, creds)
	t.Request().Name = name
	_, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err == unix.ENOSYS {
		m.clearXattrCap(protocol.OpRemovexattr)
		return unix.ENOTSUP
	}
	return err
}
