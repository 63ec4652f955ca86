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

package transport

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/fusebridge/vnode/protocol"
)

type funcDispatcher func(ctx context.Context, req *Request) (*Reply, error)

func (f funcDispatcher) Do(ctx context.Context, req *Request) (*Reply, error) {
	return f(ctx, req)
}

func TestTicket_DispatchAndWaitReturnsReply(t *testing.T) {
	disp := funcDispatcher(func(ctx context.Context, req *Request) (*Reply, error) {
		assert.Equal(t, protocol.OpGetattr, req.Opcode)
		assert.NotEqual(t, [16]byte{}, [16]byte(req.ID), "every request carries a correlation id")
		return &Reply{Data: []byte("hi")}, nil
	})

	tk := Init(disp, protocol.OpGetattr, protocol.RootNodeID, protocol.Credentials{})
	defer tk.Drop()

	reply, err := tk.DispatchAndWait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), reply.Data)
}

func TestTicket_KilledReplyDiscardsBodyKeepsSize(t *testing.T) {
	disp := funcDispatcher(func(ctx context.Context, req *Request) (*Reply, error) {
		return &Reply{Data: make([]byte, 1<<20), Size: 1 << 21}, nil
	})

	tk := Init(disp, protocol.OpGetxattr, 2, protocol.Credentials{})
	defer tk.Drop()
	tk.Kill()

	reply, err := tk.DispatchAndWait(context.Background())
	require.NoError(t, err)
	assert.Nil(t, reply.Data, "a killed ticket's reply body is discarded without a user copy")
	assert.EqualValues(t, 1<<21, reply.Size)
}

func TestTicket_DropAfterFailedWaitIsSafe(t *testing.T) {
	disp := funcDispatcher(func(ctx context.Context, req *Request) (*Reply, error) {
		return nil, unix.EIO
	})

	tk := Init(disp, protocol.OpRead, 2, protocol.Credentials{})
	_, err := tk.DispatchAndWait(context.Background())
	assert.Equal(t, unix.EIO, err)
	tk.Drop()
}

func TestTicket_DropBeforeDispatchIsSafe(t *testing.T) {
	tk := Init(funcDispatcher(nil), protocol.OpRead, 2, protocol.Credentials{})
	tk.Drop()
}

func TestTicket_SecondDropPanics(t *testing.T) {
	tk := Init(funcDispatcher(nil), protocol.OpRead, 2, protocol.Credentials{})
	tk.Drop()
	assert.Panics(t, func() { tk.Drop() })
}

func TestTicket_SecondDispatchPanics(t *testing.T) {
	disp := funcDispatcher(func(ctx context.Context, req *Request) (*Reply, error) {
		return &Reply{}, nil
	})
	tk := Init(disp, protocol.OpRead, 2, protocol.Credentials{})
	defer tk.Drop()

	_, err := tk.DispatchAndWait(context.Background())
	require.NoError(t, err)
	assert.Panics(t, func() { tk.DispatchAndWait(context.Background()) })
}

func TestSimplePutGet(t *testing.T) {
	disp := funcDispatcher(func(ctx context.Context, req *Request) (*Reply, error) {
		return &Reply{Data: []byte("target")}, nil
	})

	reply, cleanup, err := SimplePutGet(context.Background(), disp, protocol.OpReadlink, 2, protocol.Credentials{})
	require.NoError(t, err)
	assert.Equal(t, []byte("target"), reply.Data)
	cleanup()
}
