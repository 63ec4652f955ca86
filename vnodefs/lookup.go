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

// Intent is the purpose the VFS gave for a lookup.
type Intent int

const (
	IntentLookup Intent = iota
	IntentCreate
	IntentDelete
	IntentRename
)

func (i Intent) mutating() bool {
	return i == IntentCreate || i == IntentDelete || i == IntentRename
}

// LookupStatus distinguishes an ordinary hit from the "just-return"
// status a negative lookup produces at the last component under a
// create/rename intent: the name is absent but the parent is usable.
type LookupStatus int

const (
	LookupFound LookupStatus = iota
	LookupNegative
	LookupJustReturn
)

const appleDoubleHiddenPrefix = "._"

// Lookup is the name-lookup bridge: dvp + name + intent + last-component
// flag, consulting dot/dotdot short-circuits, the host name cache, and
// finally a LOOKUP RPC.
func (m *Mount) Lookup(ctx context.Context, dvp protocol.NodeID, name string, intent Intent, lastComponent bool, creds protocol.Credentials) (node *Node, status LookupStatus, err error) {
	m.lock()
	defer m.unlock()

	switch o := m.prologue(dvp, creds); o {
	case outcomeDeadRoot, outcomeDeadNonRoot:
		// A lookup must produce a vnode, so even the dead root has nothing
		// useful to return here.
		if m.metrics != nil {
			m.metrics.DeadShortCircuits.Inc()
		}
		return nil, LookupNegative, unix.ENXIO
	case outcomeProceed:
	default:
		return nil, LookupNegative, o.err()
	}

	// Protocol name-length limit.
	if len(name) > protocol.NameMax {
		return nil, LookupNegative, unix.ENAMETOOLONG
	}

	// Daemon-hidden Apple-Double convention, opt-in per mount.
	if m.opts.HideAppleDouble && strings.HasPrefix(name, appleDoubleHiddenPrefix) {
		return nil, LookupNegative, unix.ENOENT
	}

	// No RPC is worth attempting on a read-only mount for a mutating
	// intent at the last component.
	if lastComponent && intent.mutating() && m.opts.ReadOnly {
		return nil, LookupNegative, unix.EROFS
	}

	// Dot/dotdot short-circuits. A delete intent on "." resolves to dvp
	// itself, which the dot branch already returns.
	if name == "." {
		if n, ok := m.findNode(dvp); ok {
			return n, LookupFound, nil
		}
		return nil, LookupNegative, unix.ENOENT
	}
	if name == ".." {
		parentVP, ok := m.findNode(dvp)
		if !ok {
			return nil, LookupNegative, unix.ENOENT
		}
		if n, ok := m.findNode(parentVP.Parent); ok {
			return n, LookupFound, nil
		}
		// Weak reference is gone; reconstitute via GETATTR on the
		// recorded parent identifier.
		return m.lookupParentByGetattr(ctx, parentVP.Parent, creds)
	}

	// Consult the host name cache, unless disabled.
	if !m.opts.NameCacheDisabled {
		if cachedID, found, negative := m.nameCache.Lookup(dvp, name); found {
			if negative {
				if lastComponent && (intent == IntentCreate || intent == IntentRename) {
					return nil, LookupJustReturn, nil
				}
				return nil, LookupNegative, unix.ENOENT
			}
			if n, ok := m.findNode(cachedID); ok {
				return n, LookupFound, nil
			}
			// Cache referenced a node we no longer track; fall through to
			// an RPC rather than trusting a stale positive entry.
		}
	}

	// Miss: LOOKUP RPC.
	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpLookup, dvp, creds)
	t.Request().Name = name
	reply, rpcErr := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if rpcErr != nil {
		return nil, LookupNegative, rpcErr
	}

	if reply.Entry.Node == 0 {
		// Negative: the child does not exist. No lookup count accrues, so
		// the reply counter is not bumped either.
		if !m.opts.NameCacheDisabled {
			m.nameCache.EnterNegative(dvp, name, m.opts.NegativeTTL)
		}
		if lastComponent && (intent == IntentCreate || intent == IntentRename) {
			return nil, LookupJustReturn, nil
		}
		return nil, LookupNegative, unix.ENOENT
	}

	if reply.Entry.Node == protocol.RootNodeID {
		// A daemon must never hand back the root identifier from a child
		// lookup; this is a protocol violation.
		return nil, LookupNegative, unix.EIO
	}

	wantDir := reply.Entry.Attr.Mode.IsDir()
	existing, alreadyLive := m.findNode(reply.Entry.Node)
	if alreadyLive && existing.IsDir != wantDir {
		m.nameCache.PurgeNode(reply.Entry.Node)
		return nil, LookupNegative, unix.EIO
	}

	child := m.internNode(reply.Entry.Node, dvp, wantDir)
	if child.Parent == child.ID {
		// Reconstituted by lookupParentByGetattr with itself as parent;
		// this LOOKUP supplies the real one.
		child.Parent = dvp
	}
	child.Attr.Cache(protocol.AttrReply{Attr: reply.Entry.Attr, ValidInterval: reply.Entry.AttrValid}, m.clock.Now())

	if !m.opts.NameCacheDisabled {
		m.nameCache.Enter(dvp, name, child.ID, m.opts.PositiveTTL)
	}

	return child, LookupFound, nil
}

// lookupParentByGetattr reissues a GETATTR on a parent whose weak vnode
// reference has been reclaimed.
func (m *Mount) lookupParentByGetattr(ctx context.Context, parent protocol.NodeID, creds protocol.Credentials) (*Node, LookupStatus, error) {
	token := m.Suspend()
	t := transport.Init(m.disp, protocol.OpGetattr, parent, creds)
	reply, err := t.DispatchAndWait(ctx)
	t.Drop()
	token.Resume()

	if err != nil {
		return nil, LookupNegative, err
	}

	// The grandparent identifier is not conveyed by a GETATTR reply in
	// this protocol; the reconstituted node is re-parented to itself until
	// a fresh LOOKUP supplies the real parent.
	n := m.internNode(parent, parent, reply.Attr.Attr.Mode.IsDir())
	n.Attr.Cache(*reply.Attr, m.clock.Now())
	return n, LookupFound, nil
}
