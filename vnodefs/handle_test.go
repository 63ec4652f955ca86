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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fusebridge/vnode/daemontest"
	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
)

func TestHandleTable_OpenCoalescingAndRelease(t *testing.T) {
	d := daemontest.New()
	d.On(protocol.OpOpen, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		return &transport.Reply{Open: &protocol.OpenReply{Handle: 7}}, nil
	})
	d.On(protocol.OpRelease, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		return &transport.Reply{}, nil
	})

	m := newTestMount(d, DefaultMountOptions())
	ctx := context.Background()
	creds := protocol.Credentials{}
	node := m.internNode(2, protocol.RootNodeID, false)

	// Two opens of the same mode share the slot and send one OPEN.
	_, err := m.Open(ctx, node.ID, 0, nil, creds)
	require.NoError(t, err)
	_, err = m.Open(ctx, node.ID, 0, nil, creds)
	require.NoError(t, err)
	assert.Equal(t, 1, d.CallCount(protocol.OpOpen))

	handle, valid := node.Handles.Valid(ModeRead)
	assert.True(t, valid)
	assert.EqualValues(t, 7, handle)

	// RELEASE only on the last close.
	require.NoError(t, m.Close(ctx, node.ID, ModeRead, false, nil, creds))
	assert.Equal(t, 0, d.CallCount(protocol.OpRelease))
	require.NoError(t, m.Close(ctx, node.ID, ModeRead, false, nil, creds))
	assert.Equal(t, 1, d.CallCount(protocol.OpRelease))

	_, valid = node.Handles.Valid(ModeRead)
	assert.False(t, valid)

	// Over the whole lifetime, opens sent == releases sent.
	assert.Equal(t, d.CallCount(protocol.OpOpen), d.CallCount(protocol.OpRelease))
}

func TestHandleTable_CloseOnEmptySlotIsNoop(t *testing.T) {
	d := daemontest.New()
	m := newTestMount(d, DefaultMountOptions())
	node := m.internNode(2, protocol.RootNodeID, false)

	require.NoError(t, m.Close(context.Background(), node.ID, ModeWrite, false, nil, protocol.Credentials{}))
	assert.Equal(t, 0, d.CallCount(protocol.OpRelease))
}

func TestHandleTable_DistinctModesOpenDistinctHandles(t *testing.T) {
	d := daemontest.New()
	next := protocol.HandleID(10)
	d.On(protocol.OpOpen, func(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
		next++
		return &transport.Reply{Open: &protocol.OpenReply{Handle: next}}, nil
	})

	m := newTestMount(d, DefaultMountOptions())
	ctx := context.Background()
	creds := protocol.Credentials{}
	node := m.internNode(2, protocol.RootNodeID, false)

	_, err := m.Open(ctx, node.ID, uint32(os.O_RDONLY), nil, creds)
	require.NoError(t, err)
	_, err = m.Open(ctx, node.ID, uint32(os.O_WRONLY), nil, creds)
	require.NoError(t, err)
	assert.Equal(t, 2, d.CallCount(protocol.OpOpen))

	rd, _ := node.Handles.Valid(ModeRead)
	wr, _ := node.Handles.Valid(ModeWrite)
	assert.NotEqual(t, rd, wr)
}

func TestXlateFromFflags(t *testing.T) {
	cases := []struct {
		fflags uint32
		want   Mode
	}{
		{0, ModeRead}, // zero fflags fall back to read-only
		{uint32(os.O_RDONLY), ModeRead},
		{uint32(os.O_WRONLY), ModeWrite},
		{uint32(os.O_RDWR), ModeReadWrite},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, XlateFromFflags(c.fflags), "fflags %#x", c.fflags)
	}
}

func TestXlateFromMmapProt(t *testing.T) {
	assert.Equal(t, ModeRead, XlateFromMmapProt(false, true))
	assert.Equal(t, ModeWrite, XlateFromMmapProt(true, false))
	assert.Equal(t, ModeReadWrite, XlateFromMmapProt(true, true))
	assert.Equal(t, ModeRead, XlateFromMmapProt(false, false))
}
