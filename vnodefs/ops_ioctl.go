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

// BSD-style ioctl direction bits, encoded in the command word's high bits
// the same way sys/ioccom.h packs IOC_IN and IOC_OUT. A command may carry
// both bits (read-write), either alone, or neither (no data phase).
const (
	iocOut = 1 << 30
	iocIn  = 1 << 31
)

func iocWantsOut(cmd uint32) bool { return cmd&iocOut != 0 }
func iocWantsIn(cmd uint32) bool  { return cmd&iocIn != 0 }

// Ioctl issues a device-control request. The direction test is AND-based:
// both direction bits may be set on the same command, in which case the
// in buffer is sent and an out buffer is returned, rather than one
// direction winning over the other.
func (m *Mount) Ioctl(ctx context.Context, id protocol.NodeID, cmd uint32, in []byte, outLen int, creds protocol.Credentials) ([]byte, error) {
	m.lock()
	defer m.unlock()

	if o := m.prologue(id, creds); o != outcomeProceed {
		return nil, o.err()
	}
	if !m.capSet.Implemented(protocol.OpIoctl) {
		return nil, unix.ENOTSUP
	}

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpIoctl, id, creds)
	t.Request().Flags = cmd
	if iocWantsIn(cmd) {
		t.Request().Data = in
	}
	if iocWantsOut(cmd) {
		t.Request().Size = uint64(outLen)
	}
	reply, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err == unix.ENOSYS {
		m.capSet.Clear(protocol.OpIoctl)
		if m.metrics != nil {
			m.metrics.CapabilityCleared.WithLabelValues(protocol.OpIoctl.String()).Inc()
		}
		return nil, unix.ENOTSUP
	}
	if err != nil {
		return nil, err
	}
	if !iocWantsOut(cmd) {
		return nil, nil
	}
	if len(reply.Data) > outLen {
		return nil, unix.ERANGE
	}
	return reply.Data, nil
}
