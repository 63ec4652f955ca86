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

// End-to-end scenarios driving full op sequences against the scripted
// fake daemon, complementing the per-component unit tests.
package vnodefs

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fusebridge/vnode/daemontest"
	"github.com/fusebridge/vnode/internal/clock"
	"github.com/fusebridge/vnode/internal/metrics"
	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
)

// Create on a daemon without CREATE support falls back to MKNOD, and the
// subsequent open/write/close sequence sends exactly one OPEN, one WRITE,
// one FLUSH, and one RELEASE.
func TestCreateFallsBackToMknodThenOpenWriteClose(t *testing.T) {
	d := daemontest.New()
	d.On(protocol.OpCreate, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		return nil, protocol.ENOSYS
	})
	d.On(protocol.OpMknod, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		return &transport.Reply{Entry: &protocol.EntryReply{Node: 2, Attr: protocol.Attr{Mode: 0644}}}, nil
	})
	d.On(protocol.OpOpen, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		return &transport.Reply{Open: &protocol.OpenReply{Handle: 5, DirectIO: true}}, nil
	})
	d.On(protocol.OpWrite, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		assert.EqualValues(t, 8, len(req.Data))
		return &transport.Reply{}, nil
	})
	d.On(protocol.OpFlush, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		return &transport.Reply{}, nil
	})
	d.On(protocol.OpRelease, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		return &transport.Reply{}, nil
	})

	m := newTestMount(d, DefaultMountOptions())
	ctx := context.Background()
	creds := protocol.Credentials{}

	child, err := m.Create(ctx, protocol.RootNodeID, "f", 0644, creds)
	require.NoError(t, err)

	mode, err := m.Open(ctx, child.ID, uint32(os.O_WRONLY), nil, creds)
	require.NoError(t, err)
	require.Equal(t, ModeWrite, mode)

	n, err := m.Write(ctx, child.ID, []byte("12345678"), 0, nil, creds)
	require.NoError(t, err)
	require.Equal(t, 8, n)

	require.NoError(t, m.Close(ctx, child.ID, mode, false, nil, creds))

	assert.Equal(t, 1, d.CallCount(protocol.OpCreate))
	assert.Equal(t, 1, d.CallCount(protocol.OpMknod))
	assert.Equal(t, 1, d.CallCount(protocol.OpOpen))
	assert.Equal(t, 1, d.CallCount(protocol.OpWrite))
	assert.Equal(t, 1, d.CallCount(protocol.OpFlush))
	assert.Equal(t, 1, d.CallCount(protocol.OpRelease))
	assert.True(t, m.Capabilities().IsCleared(protocol.OpCreate))
}

// Two lookups of the same name within the positive TTL send exactly one
// LOOKUP; a third after expiry sends a second.
func TestLookupCachingSendsOneRPCWithinTTL(t *testing.T) {
	d := daemontest.New()
	d.On(protocol.OpLookup, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		return &transport.Reply{Entry: &protocol.EntryReply{Node: 2, Attr: protocol.Attr{Mode: 0644}}}, nil
	})

	clk := clock.NewSimulatedClock(time.Unix(0, 0))
	m := NewMount(d, MountOptions{PositiveTTL: time.Second}, clk, slog.Default(), metrics.NoopSet())
	m.CompleteInit(protocol.InitReply{BlockSize: 4096, IOSize: 65536}, protocol.Credentials{})

	ctx := context.Background()
	creds := protocol.Credentials{}

	_, _, err := m.Lookup(ctx, protocol.RootNodeID, "b", IntentLookup, true, creds)
	require.NoError(t, err)
	_, _, err = m.Lookup(ctx, protocol.RootNodeID, "b", IntentLookup, true, creds)
	require.NoError(t, err)
	assert.Equal(t, 1, d.CallCount(protocol.OpLookup), "two stats within the TTL must send exactly one LOOKUP")

	clk.AdvanceTime(2 * time.Second)
	_, _, err = m.Lookup(ctx, protocol.RootNodeID, "b", IntentLookup, true, creds)
	require.NoError(t, err)
	assert.Equal(t, 2, d.CallCount(protocol.OpLookup), "a stat after the TTL expired must send a second LOOKUP")
}

// A size-only xattr probe reports the daemon's size without copying the
// value; a reply larger than the caller's buffer is ERANGE.
func TestXattrSizeProbeAndOversizedReply(t *testing.T) {
	d := daemontest.New()
	d.On(protocol.OpGetxattr, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		if req.Size == 0 {
			return &transport.Reply{Data: make([]byte, 0), Size: 2 * 1024 * 1024}, nil
		}
		return &transport.Reply{Data: make([]byte, 2*1024*1024)}, nil
	})

	m := newTestMount(d, DefaultMountOptions())
	ctx := context.Background()
	creds := protocol.Credentials{}

	node := m.internNode(2, protocol.RootNodeID, false)
	_ = node

	n, err := m.GetXattr(ctx, 2, "user.big", nil, creds)
	require.NoError(t, err)
	assert.EqualValues(t, 2*1024*1024, n, "a size-only probe must report the daemon's actual reported size")

	buf := make([]byte, 1024*1024)
	_, err = m.GetXattr(ctx, 2, "user.big", buf, creds)
	assert.Equal(t, unix.ERANGE, err, "a reply larger than the caller's buffer must return ERANGE")
}

func TestRenameAcrossDirectoriesInvalidatesBothParents(t *testing.T) {
	d := daemontest.New()
	d.On(protocol.OpRename, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		return &transport.Reply{}, nil
	})

	m := newTestMount(d, DefaultMountOptions())
	ctx := context.Background()
	creds := protocol.Credentials{}

	d1 := m.internNode(2, protocol.RootNodeID, true)
	d2 := m.internNode(3, protocol.RootNodeID, true)
	oldTarget := m.internNode(4, d2.ID, false) // "b" already exists under d2, distinct vnode

	d1.Attr.Cache(protocol.AttrReply{Attr: protocol.Attr{Mode: os.ModeDir | 0755}, ValidInterval: time.Hour}, m.clock.Now())
	d2.Attr.Cache(protocol.AttrReply{Attr: protocol.Attr{Mode: os.ModeDir | 0755}, ValidInterval: time.Hour}, m.clock.Now())

	m.nameCache.Enter(d1.ID, "a", 5, time.Hour)
	m.nameCache.Enter(d2.ID, "b", oldTarget.ID, time.Hour)
	m.nameCache.Enter(oldTarget.ID, "child-of-b", 6, time.Hour)

	require.NoError(t, m.Rename(ctx, d1.ID, "a", d2.ID, "b", oldTarget.ID, creds))

	_, attrFresh := d1.Attr.Load(m.clock.Now())
	assert.False(t, attrFresh, "source directory's attributes must be invalidated")
	_, attrFresh = d2.Attr.Load(m.clock.Now())
	assert.False(t, attrFresh, "destination directory's attributes must be invalidated")

	_, found, _ := m.nameCache.Lookup(d1.ID, "a")
	assert.False(t, found)
	_, found, _ = m.nameCache.Lookup(d2.ID, "b")
	assert.False(t, found)
	_, found, _ = m.nameCache.Lookup(oldTarget.ID, "child-of-b")
	assert.False(t, found, "the replaced target's own name-cache entries must be purged")
}

// A reader blocked in an RPC observes ENXIO when the mount is forced
// down mid-flight, and the subsequent reclaim sends no RPCs.
func TestForcedUnmountReleasesBlockedReader(t *testing.T) {
	d := daemontest.New()
	unblock := make(chan struct{})
	d.On(protocol.OpRead, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		<-unblock
		return nil, transport.ErrDead
	})

	m := newTestMount(d, DefaultMountOptions())
	ctx := context.Background()
	creds := protocol.Credentials{}

	node := m.internNode(2, protocol.RootNodeID, false)
	node.Flags.DirectIO = true
	node.Handles.Install(ModeRead, 9, 0)

	var wg sync.WaitGroup
	var readErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, readErr = m.Read(ctx, node.ID, make([]byte, 16), 0, nil, creds)
	}()

	// Give the reader a chance to block inside the RPC with the big lock
	// released, then force the unmount and unblock the reply.
	time.Sleep(10 * time.Millisecond)
	m.ForceUnmount(context.Background())
	close(unblock)
	wg.Wait()

	assert.Equal(t, unix.ENXIO, readErr, "a ticket released during forced unmount surfaces ENXIO to its waiter")

	m.Reclaim(ctx, node.ID, creds)
	assert.Equal(t, 0, d.CallCount(protocol.OpRelease), "reclaim after forced unmount must elide RPCs")
	assert.Equal(t, 0, d.CallCount(protocol.OpForget), "reclaim after forced unmount must elide RPCs")
	_, valid := node.Handles.Valid(ModeRead)
	assert.False(t, valid, "the handle table must end empty")
}

func TestGetAttrTypeChangePurgesNameCacheAndFailsEIO(t *testing.T) {
	d := daemontest.New()
	d.On(protocol.OpGetattr, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		// The daemon now reports a regular file where a directory used to be.
		return &transport.Reply{Attr: &protocol.AttrReply{Attr: protocol.Attr{Mode: 0644}}}, nil
	})

	m := newTestMount(d, DefaultMountOptions())
	ctx := context.Background()
	creds := protocol.Credentials{}

	dir := m.internNode(2, protocol.RootNodeID, true)
	m.nameCache.Enter(protocol.RootNodeID, "was-a-dir", dir.ID, time.Hour)

	_, err := m.GetAttr(ctx, dir.ID, creds)
	assert.Equal(t, unix.EIO, err)

	_, found, _ := m.nameCache.Lookup(protocol.RootNodeID, "was-a-dir")
	assert.False(t, found, "the name cache must be purged on a detected type change")
}
