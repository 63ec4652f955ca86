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

// Package protocol defines the Go-level shapes exchanged between the
// vnode-op dispatcher and the out-of-kernel daemon. The wire byte layout
// is the transport's contract; only opcodes, request/reply structs, and
// the identifiers the dispatcher must reason about are defined here.
package protocol

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// NodeID is the 64-bit identifier by which the daemon names an inode. It is
// unique within a mount for as long as the node's lookup count is nonzero.
type NodeID uint64

// RootNodeID is the reserved identifier for the mount's root node.
const RootNodeID NodeID = 1

// HandleID is an opaque 64-bit handle assigned by the daemon to an open
// file or directory.
type HandleID uint64

// Opcode enumerates the RPCs the dispatcher may send to the daemon. Payload
// layouts beyond the Go structs below are the transport's concern.
type Opcode uint32

const (
	OpLookup Opcode = iota + 1
	OpForget
	OpGetattr
	OpSetattr
	OpReadlink
	OpSymlink
	OpMknod
	OpMkdir
	OpUnlink
	OpRmdir
	OpRename
	OpLink
	OpOpen
	OpRead
	OpWrite
	OpRelease
	OpFsync
	OpFlush
	OpInit
	OpOpendir
	OpReaddir
	OpReleasedir
	OpFsyncdir
	OpGetxattr
	OpSetxattr
	OpListxattr
	OpRemovexattr
	OpCreate
	OpIoctl
	OpExchange
)

func (op Opcode) String() string {
	switch op {
	case OpLookup:
		return "LOOKUP"
	case OpForget:
		return "FORGET"
	case OpGetattr:
		return "GETATTR"
	case OpSetattr:
		return "SETATTR"
	case OpReadlink:
		return "READLINK"
	case OpSymlink:
		return "SYMLINK"
	case OpMknod:
		return "MKNOD"
	case OpMkdir:
		return "MKDIR"
	case OpUnlink:
		return "UNLINK"
	case OpRmdir:
		return "RMDIR"
	case OpRename:
		return "RENAME"
	case OpLink:
		return "LINK"
	case OpOpen:
		return "OPEN"
	case OpRead:
		return "READ"
	case OpWrite:
		return "WRITE"
	case OpRelease:
		return "RELEASE"
	case OpFsync:
		return "FSYNC"
	case OpFlush:
		return "FLUSH"
	case OpInit:
		return "INIT"
	case OpOpendir:
		return "OPENDIR"
	case OpReaddir:
		return "READDIR"
	case OpReleasedir:
		return "RELEASEDIR"
	case OpFsyncdir:
		return "FSYNCDIR"
	case OpGetxattr:
		return "GETXATTR"
	case OpSetxattr:
		return "SETXATTR"
	case OpListxattr:
		return "LISTXATTR"
	case OpRemovexattr:
		return "REMOVEXATTR"
	case OpCreate:
		return "CREATE"
	case OpIoctl:
		return "IOCTL"
	case OpExchange:
		return "EXCHANGE"
	default:
		return "UNKNOWN"
	}
}

// OptionalOps is the set of opcodes the capability table may downgrade to
// "unimplemented" on ENOSYS. All other opcodes are mandatory: a daemon that
// returns ENOSYS for them is a protocol violation.
var OptionalOps = map[Opcode]bool{
	OpFlush:       true,
	OpFsync:       true,
	OpFsyncdir:    true,
	OpCreate:      true,
	OpExchange:    true,
	OpGetxattr:    true,
	OpSetxattr:    true,
	OpListxattr:   true,
	OpRemovexattr: true,
	OpIoctl:       true,
}

// Credentials identifies the requesting user for an RPC, mirroring the
// kernel's struct ucred / vfs_context_t.
type Credentials struct {
	UID uint32
	GID uint32
	PID uint32
}

// Attr is the attribute payload returned by GETATTR, LOOKUP, SETATTR, and
// CREATE replies.
type Attr struct {
	Size      uint64
	Blocks    uint64
	Atime     time.Time
	Mtime     time.Time
	Ctime     time.Time
	Mode      os.FileMode
	UID       uint32
	GID       uint32
	Nlink     uint32
	BlockSize uint32
}

// AttrReply is the reply to a GETATTR/SETATTR RPC.
type AttrReply struct {
	Attr          Attr
	ValidInterval time.Duration
}

// EntryReply is the reply to a LOOKUP, MKDIR, MKNOD, SYMLINK, LINK, or
// CREATE RPC: it names a child node and carries its attributes.
type EntryReply struct {
	Node       NodeID
	Generation uint64
	Attr       Attr
	AttrValid  time.Duration
	EntryValid time.Duration
}

// OpenReply is the reply to an OPEN/OPENDIR/CREATE RPC.
type OpenReply struct {
	Handle    HandleID
	Flags     uint32
	DirectIO  bool
	PurgeUBC  bool
	KeepCache bool
}

// InitReply is the reply to the mount-establishing INIT RPC.
type InitReply struct {
	BlockSize uint32
	IOSize    uint32
}

// Errno aliases used by the dispatcher so that it never hand-rolls errno
// values.
const (
	EIO          = unix.EIO
	ENOENT       = unix.ENOENT
	ENOSYS       = unix.ENOSYS
	ENOTSUP      = unix.ENOTSUP
	ENOTCONN     = unix.ENOTCONN
	ENXIO        = unix.ENXIO
	EROFS        = unix.EROFS
	EACCES       = unix.EACCES
	EPERM        = unix.EPERM
	EAGAIN       = unix.EAGAIN
	EINTR        = unix.EINTR
	EISDIR       = unix.EISDIR
	ENOTDIR      = unix.ENOTDIR
	EEXIST       = unix.EEXIST
	EXDEV        = unix.EXDEV
	EMLINK       = unix.EMLINK
	EFBIG        = unix.EFBIG
	ENAMETOOLONG = unix.ENAMETOOLONG
	ERANGE       = unix.ERANGE
	E2BIG        = unix.E2BIG
	EINVAL       = unix.EINVAL
	EBADF        = unix.EBADF
)

// Pathconf constants observable by userspace.
const (
	NameMax         = 255
	LinkMax         = 32767
	ChownRestricted = 1
	NoTrunc         = 0
	NameCharsMax    = 255
	CaseSensitive   = 1
	CasePreserving  = 1
)
