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
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/fusebridge/vnode/daemontest"
	"github.com/fusebridge/vnode/internal/clock"
	"github.com/fusebridge/vnode/internal/metrics"
	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
)

// newTestMount builds a mount that has already completed its INIT
// handshake, which is the state nearly every test wants. Tests probing
// the pre-INIT guard construct a raw NewMount instead.
func newTestMount(d *daemontest.Daemon, opts MountOptions) *Mount {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	m := NewMount(d, opts, clk, slog.Default(), metrics.NoopSet())
	m.CompleteInit(protocol.InitReply{BlockSize: 4096, IOSize: 65536}, protocol.Credentials{})
	return m
}

func TestMount_RootInternedWithLookupCountOne(t *testing.T) {
	d := daemontest.New()
	m := newTestMount(d, DefaultMountOptions())

	root, ok := m.findNode(protocol.RootNodeID)
	assert.True(t, ok)
	assert.EqualValues(t, 1, root.LookupCount)
}

func TestMount_DeadMountShortCircuitsGetAttrOnNonRoot(t *testing.T) {
	d := daemontest.New()
	m := newTestMount(d, DefaultMountOptions())

	child := m.internNode(2, protocol.RootNodeID, false)
	_ = child
	m.MarkDead()

	_, err := m.GetAttr(context.Background(), 2, protocol.Credentials{})
	assert.Equal(t, unix.ENXIO, err)
	assert.Zero(t, d.CallCount(protocol.OpGetattr), "a dead non-root getattr must send no RPC")
}

func TestMount_DeadMountFabricatesRootAttr(t *testing.T) {
	d := daemontest.New()
	m := newTestMount(d, DefaultMountOptions())
	m.MarkDead()

	attr, err := m.GetAttr(context.Background(), protocol.RootNodeID, protocol.Credentials{})
	assert.NoError(t, err)
	assert.True(t, attr.Mode.IsDir())
}

func newUninitializedTestMount(d *daemontest.Daemon, opts MountOptions) *Mount {
	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	return NewMount(d, opts, clk, slog.Default(), metrics.NoopSet())
}

func TestMount_PreInitGuardBlocksOrdinaryUserAtRoot(t *testing.T) {
	d := daemontest.New()
	m := newUninitializedTestMount(d, DefaultMountOptions())
	// Not yet initialized: non-superuser, non-daemon credentials must be
	// rejected even for the root node.
	_, err := m.GetAttr(context.Background(), protocol.RootNodeID, protocol.Credentials{UID: 1000})
	assert.Equal(t, unix.EBADF, err)
}

func TestMount_PreInitGuardAllowsSuperuserAtRoot(t *testing.T) {
	d := daemontest.New()
	d.On(protocol.OpGetattr, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		return &transport.Reply{Attr: &protocol.AttrReply{Attr: protocol.Attr{Mode: os.ModeDir | 0700}}}, nil
	})
	m := newUninitializedTestMount(d, DefaultMountOptions())

	_, err := m.GetAttr(context.Background(), protocol.RootNodeID, protocol.Credentials{UID: 0})
	assert.NoError(t, err)
}
