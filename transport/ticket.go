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

// Package transport implements the ticket lifecycle helper: a scoped
// resource pairing one in-flight request with its reply slot and
// completion signal. A Ticket is owned by the dispatching vnode-op
// handler and represents a single request outbound to the daemon.
package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/fusebridge/vnode/protocol"
)

// ErrDead is returned by a dispatcher when the mount has been marked dead
// (forced unmount or daemon loss) and no RPC will be attempted. It is
// unix.ENXIO itself, not a wrapped sentinel, so that it propagates
// straight through a vnode-op handler as a plain syscall.Errno without a
// translation step at every call site.
var ErrDead error = unix.ENXIO

// Reply is the borrowed reply buffer a ticket exposes after a successful
// dispatch-and-wait. It is only valid between DispatchAndWait returning and
// the ticket's Drop.
type Reply struct {
	Opcode protocol.Opcode
	Attr   *protocol.AttrReply
	Entry  *protocol.EntryReply
	Open   *protocol.OpenReply
	Init   *protocol.InitReply
	Data   []byte
	// Size carries a reply's reported size independent of Data, for
	// probes that ask a daemon "how big would the value be" without
	// wanting the value copied back.
	Size uint64
	Raw  any
}

// Dispatcher is what a concrete transport/daemon pair must implement. It
// serializes a request, enqueues it for the daemon, blocks until a reply
// or error is delivered, and returns the reply. Implementations must be
// safe for concurrent use by many callers on many nodes, and must not
// hold any per-mount lock while blocked here: callers drop the big lock
// around the wait.
type Dispatcher interface {
	Do(ctx context.Context, req *Request) (*Reply, error)
}

// Request is the outbound half of an RPC.
type Request struct {
	ID     uuid.UUID
	Opcode protocol.Opcode
	Node   protocol.NodeID
	Creds  protocol.Credentials
	Handle protocol.HandleID
	Name   string
	Offset int64
	Size   uint64
	Attr   *protocol.Attr
	Dirty  protocol.Attr
	Flags  uint32
	Data   []byte
}

// state is the lifecycle of a single ticket.
type state int

const (
	stateInit state = iota
	stateWaiting
	stateDone
	stateDropped
)

// Ticket owns a request and, once dispatched, a borrowed reply. Exactly one
// Drop must be called per ticket; the helper guarantees that Drop is always
// safe, including after a failed or never-started wait, and that the reply
// buffer is retained after a successful wait only until Drop, at which
// point it is released (or, if the ticket was marked killed, discarded
// without ever being copied to the caller).
type Ticket struct {
	mu     sync.Mutex
	disp   Dispatcher
	req    *Request
	reply  *Reply
	st     state
	killed bool
}

// Init creates a ticket bound to the given dispatcher. The payload size
// is implicit in the Request struct's fields; wire encoding is the
// concrete dispatcher's concern.
func Init(disp Dispatcher, op protocol.Opcode, node protocol.NodeID, creds protocol.Credentials) *Ticket {
	return &Ticket{
		disp: disp,
		req: &Request{
			ID:     uuid.New(),
			Opcode: op,
			Node:   node,
			Creds:  creds,
		},
		st: stateInit,
	}
}

// Request returns the mutable request so the caller can fill in payload
// fields before dispatching.
func (t *Ticket) Request() *Request {
	return t.req
}

// Kill marks the ticket so that, once the wait completes, the reply body
// is freed promptly without being exposed to the caller. Used for
// oversized extended-attribute probes where only the size is wanted.
func (t *Ticket) Kill() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.killed = true
}

// DispatchAndWait sends the request and blocks for a reply. On success it
// returns a reply borrowed from the ticket; the caller must not retain it
// past Drop. The big per-mount lock must be released by the caller around
// this call; DispatchAndWait itself does not know about that lock.
func (t *Ticket) DispatchAndWait(ctx context.Context) (*Reply, error) {
	t.mu.Lock()
	if t.st != stateInit {
		t.mu.Unlock()
		panic("transport: DispatchAndWait called twice on one ticket")
	}
	t.st = stateWaiting
	req := t.req
	t.mu.Unlock()

	reply, err := t.disp.Do(ctx, req)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.st = stateDone
	if err != nil {
		return nil, err
	}

	if t.killed {
		// Reply body freed promptly without a user copy; metadata such
		// as a probe's reported Size is still surfaced to the caller.
		reply.Data = nil
		t.reply = reply
		return reply, nil
	}

	t.reply = reply
	return reply, nil
}

// Drop releases the ticket. Safe to call exactly once, from any state,
// including before DispatchAndWait or after a failed wait. A second Drop
// panics: ticket ownership is exclusive to the caller from creation until
// the single Drop.
func (t *Ticket) Drop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.st == stateDropped {
		panic("transport: ticket dropped twice")
	}
	t.st = stateDropped
	t.reply = nil
}

// SimplePutGet performs Init, DispatchAndWait, and arranges for Drop on the
// caller's behalf via the returned cleanup func, for the common case of a
// request with no payload to build incrementally.
func SimplePutGet(ctx context.Context, disp Dispatcher, op protocol.Opcode, node protocol.NodeID, creds protocol.Credentials) (reply *Reply, cleanup func(), err error) {
	t := Init(disp, op, node, creds)
	reply, err = t.DispatchAndWait(ctx)
	cleanup = t.Drop
	return reply, cleanup, err
}
