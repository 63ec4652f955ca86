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

	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
)

// Init performs the INIT handshake with the daemon, negotiating the
// block and I/O sizes the dispatcher will use to chunk Read/Write RPCs
// and transitioning the mount from Uninitialized to Live. Until this
// completes, only the daemon itself or the superuser may touch the root
// node (enforced by prologue).
func (m *Mount) Init(ctx context.Context, daemonCreds protocol.Credentials) error {
	m.lock()
	defer m.unlock()

	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpInit, protocol.RootNodeID, daemonCreds)
	reply, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err != nil {
		return err
	}

	m.CompleteInit(*reply.Init, daemonCreds)
	return nil
}
