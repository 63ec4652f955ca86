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

// Package vnodefs is the vnode-op dispatch engine: the mapping between
// kernel vnodes and protocol node identifiers, the per-vnode file-handle
// table, the attribute cache, the name-lookup cache interaction, and the
// dispatcher that translates each VFS entry point into daemon RPCs and
// back.
package vnodefs

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/fusebridge/vnode/internal/clock"
	"github.com/fusebridge/vnode/internal/metrics"
	"github.com/fusebridge/vnode/protocol"
	"github.com/fusebridge/vnode/transport"
)

// MountOptions configures mount-wide policy. It is the Go-level settling
// point for what cfg.Config parses from flags/YAML in cmd/mountvnode.
type MountOptions struct {
	ReadOnly bool

	// NameCacheDisabled skips the host name cache entirely: every lookup
	// round-trips to the daemon.
	NameCacheDisabled bool

	// HideAppleDouble rejects "._"-prefixed names at lookup when set.
	HideAppleDouble bool

	PositiveTTL time.Duration
	NegativeTTL time.Duration

	// SyncOnClose pushes dirty blocks synchronously on close when true.
	SyncOnClose bool

	// AutoXattr short-circuits all xattr RPCs, used by mounts whose
	// daemon declares it manages extended attributes out of band.
	AutoXattr bool

	// XattrReservedPrefix is the host-reserved xattr namespace prefix
	// (e.g. "system."); AllowReservedXattr opts back into allowing it.
	XattrReservedPrefix string
	AllowReservedXattr  bool

	// BlanketDenial, if set, fails every op for credentials it rejects,
	// before any RPC is attempted.
	BlanketDenial func(protocol.Credentials) bool
}

// DefaultMountOptions returns sane defaults: sync-on-close enabled, a
// one-second positive TTL, a five-second negative TTL.
func DefaultMountOptions() MountOptions {
	return MountOptions{
		SyncOnClose: true,
		PositiveTTL: time.Second,
		NegativeTTL: 5 * time.Second,
	}
}

// Mount aggregates the mount-level state: the capability bitset, block/IO
// sizes, daemon credentials, dead-flag, and the table of live nodes. It
// also owns the single big per-mount lock that every vnode op holds
// across its body, released around any call that may block on userspace
// or the UBC.
type Mount struct {
	mu sync.Mutex // the big lock

	disp        transport.Dispatcher
	nodes       map[protocol.NodeID]*Node
	root        *Node
	nameCache   NameCache
	clock       clock.Clock
	log         *slog.Logger
	metrics     *metrics.Set
	opts        MountOptions
	capSet      *CapabilitySet
	daemonCreds protocol.Credentials
	blockSize   uint32
	ioSize      uint32

	dead         atomic.Bool
	initialized  atomic.Bool
	nosyncwrites atomic.Bool
}

// NewMount constructs a mount with an empty node table and a freshly
// interned root node. The root starts with a lookup count of 1 so it is
// never reclaimed by a spurious forget.
func NewMount(disp transport.Dispatcher, opts MountOptions, clk clock.Clock, log *slog.Logger, m *metrics.Set) *Mount {
	mnt := &Mount{
		disp:      disp,
		nodes:     make(map[protocol.NodeID]*Node),
		nameCache: NewTTLNameCache(clk),
		clock:     clk,
		log:       log,
		metrics:   m,
		opts:      opts,
		capSet:    NewCapabilitySet(),
	}

	root := newNode(protocol.RootNodeID, protocol.RootNodeID, true)
	root.IncrementLookupCount()
	mnt.nodes[protocol.RootNodeID] = root
	mnt.root = root

	return mnt
}

// SuspendToken is a scoped guard over releasing the big lock around a
// blocking call. Acquired by Mount.Suspend, it must be Resumed on every
// exit path (typically via defer). The lock must be dropped around the
// transport wait, uiomove, and cluster I/O: the daemon may re-enter the
// filesystem (e.g. for paging), and holding the lock across its reply
// would deadlock the mount.
type SuspendToken struct {
	m *Mount
}

// Suspend releases the big lock, returning a token that must be Resumed
// before the handler accesses any mount-guarded state again.
func (m *Mount) Suspend() *SuspendToken {
	m.mu.Unlock()
	return &SuspendToken{m: m}
}

// Resume reacquires the big lock. Safe to call via defer even on an error
// path between the blocking call and the handler's return.
func (s *SuspendToken) Resume() {
	s.m.mu.Lock()
}

// lock acquires the big lock at handler entry.
func (m *Mount) lock() {
	m.mu.Lock()
}

func (m *Mount) unlock() {
	m.mu.Unlock()
}

// MarkDead transitions the mount to Dead: every op short-circuits, reclaim
// still runs but elides RPCs, and any ticket currently waiting should
// observe ErrDead from its dispatcher.
func (m *Mount) MarkDead() {
	m.dead.Store(true)
}

func (m *Mount) IsDead() bool {
	return m.dead.Load()
}

// CompleteInit finishes the INIT handshake, transitioning the mount from
// Uninitialized to Live.
func (m *Mount) CompleteInit(reply protocol.InitReply, daemonCreds protocol.Credentials) {
	m.blockSize = reply.BlockSize
	m.ioSize = reply.IOSize
	m.daemonCreds = daemonCreds
	m.initialized.Store(true)
}

func (m *Mount) IsInitialized() bool {
	return m.initialized.Load()
}

func (m *Mount) Capabilities() *CapabilitySet {
	return m.capSet
}

func (m *Mount) Dispatcher() transport.Dispatcher {
	return m.disp
}

func (m *Mount) Clock() clock.Clock {
	return m.clock
}

func (m *Mount) Options() MountOptions {
	return m.opts
}

// prologueOutcome is the result of the common prologue every handler runs
// before doing anything else.
type prologueOutcome int

const (
	outcomeProceed prologueOutcome = iota
	outcomeDeadNonRoot
	outcomeDeadRoot
	outcomeUninitialized
	outcomeDenied
)

// prologue is the shared handler entry check: dead-mount short-circuit
// (with a root exception), the pre-INIT guard (root access by the daemon
// itself or the superuser is allowed through), and the blanket-denial
// authorization check.
func (m *Mount) prologue(node protocol.NodeID, creds protocol.Credentials) prologueOutcome {
	if m.IsDead() {
		if node == protocol.RootNodeID {
			return outcomeDeadRoot
		}
		return outcomeDeadNonRoot
	}

	if !m.IsInitialized() {
		isDaemon := creds == m.daemonCreds
		isSuperuser := creds.UID == 0
		if node == protocol.RootNodeID && (isDaemon || isSuperuser) {
			return outcomeProceed
		}
		return outcomeUninitialized
	}

	if m.opts.BlanketDenial != nil && m.opts.BlanketDenial(creds) {
		return outcomeDenied
	}

	return outcomeProceed
}

func (o prologueOutcome) err() error {
	switch o {
	case outcomeDeadNonRoot:
		return unix.ENXIO
	case outcomeUninitialized:
		return unix.EBADF
	case outcomeDenied:
		return unix.EACCES
	default:
		return nil
	}
}

// findNode returns the live node for id, if any.
func (m *Mount) findNode(id protocol.NodeID) (*Node, bool) {
	n, ok := m.nodes[id]
	return n, ok
}

// internNode finds or creates a node for id, incrementing its lookup count
// by one unforgiven entry-bearing reply (LOOKUP, CREATE, MKDIR, ...).
func (m *Mount) internNode(id protocol.NodeID, parent protocol.NodeID, isDir bool) *Node {
	n, ok := m.nodes[id]
	if !ok {
		n = newNode(id, parent, isDir)
		m.nodes[id] = n
	}
	n.IncrementLookupCount()
	if m.metrics != nil {
		m.metrics.LookupReplies.Inc()
	}
	return n
}

// removeNode drops id from the live-node table, used by reclaim once the
// node's lookup count has been forgiven.
func (m *Mount) removeNode(id protocol.NodeID) {
	delete(m.nodes, id)
}

// forEachNode enumerates every live node, used for forced-unmount mass
// revocation. Enumeration order is not load-bearing, so a plain map
// suffices over an ordered tree.
func (m *Mount) forEachNode(fn func(*Node)) {
	for _, n := range m.nodes {
		fn(n)
	}
}


// ForceUnmount marks the mount dead and revokes every node. New
// dispatches short-circuit off the mount-wide dead flag (see prologue);
// the per-node Revoked flag is what a node's own cleanup path
// (handle release, reclaim) consults to skip an RPC that forced unmount
// has already made pointless. It does not itself send any RPC.
func (m *Mount) ForceUnmount(ctx context.Context) {
	m.lock()
	defer m.unlock()
	m.MarkDead()
	m.forEachNode(func(n *Node) {
		n.Flags.Revoked = true
	})
}
