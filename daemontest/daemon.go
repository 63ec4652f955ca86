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

// Package daemontest is an in-memory fake of the userspace daemon, used
// to drive the dispatcher end to end without a real kernel or transport:
// a small, entirely synchronous stand-in that lets tests assert on
// exactly which RPCs were sent.
package daemontest

import (
	"context"
	"sync"

	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
)

// Call records one RPC observed by the fake daemon, for assertions on
// call sequencing (capability downgrade order, RPC counts for caching
// scenarios, etc).
type Call struct {
	Opcode protocol.Opcode
	Node   protocol.NodeID
	Name   string
}

// Handler answers one opcode. Returning (nil, unix.ENOSYS) models an
// optional op the daemon does not implement.
type Handler func(ctx context.Context, req *transport.Request) (*transport.Reply, error)

// Daemon is a scriptable transport.Dispatcher: register a Handler per
// opcode, then inspect Calls after exercising a Mount against it.
type Daemon struct {
	mu       sync.Mutex
	handlers map[protocol.Opcode]Handler
	Calls    []Call
	dead     bool
}

func New() *Daemon {
	return &Daemon{handlers: make(map[protocol.Opcode]Handler)}
}

// On registers h as the handler for op, replacing any previous one.
func (d *Daemon) On(op protocol.Opcode, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[op] = h
}

// Kill makes every subsequent Do call return transport.ErrDead, modeling
// daemon loss out from under an in-flight ticket.
func (d *Daemon) Kill() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dead = true
}

func (d *Daemon) Do(ctx context.Context, req *transport.Request) (*transport.Reply, error) {
	d.mu.Lock()
	if d.dead {
		d.mu.Unlock()
		return nil, transport.ErrDead
	}
	h, ok := d.handlers[req.Opcode]
	d.Calls = append(d.Calls, Call{Opcode: req.Opcode, Node: req.Node, Name: req.Name})
	d.mu.Unlock()

	if !ok {
		return nil, protocol.ENOSYS
	}
	return h(ctx, req)
}

// CallCount returns how many times op was observed.
func (d *Daemon) CallCount(op protocol.Opcode) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.Calls {
		if c.Opcode == op {
			n++
		}
	}
	return n
}
