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

// Package fusekernel mirrors the wire layout of the Linux in-kernel FUSE
// protocol: the fixed-size headers and per-opcode structs that cross
// /dev/fuse, bit-exact with include/uapi/linux/fuse.h. Nothing in this
// package talks to the kernel directly; it is pure data definitions,
// consumed by internal/pipeline and internal/handlers via unsafe casts
// over registered buffer memory.
package fusekernel

import "unsafe"

// Opcode identifies the operation carried by an InHeader.
type Opcode uint32

// Opcodes this server understands plus enough of the kernel's numbering to
// classify requests it intentionally replies -ENOSYS to.
const (
	OpLookup      Opcode = 1
	OpForget      Opcode = 2
	OpGetattr     Opcode = 3
	OpSetattr     Opcode = 4
	OpReadlink    Opcode = 5
	OpSymlink     Opcode = 6
	OpMknod       Opcode = 8
	OpMkdir       Opcode = 9
	OpUnlink      Opcode = 10
	OpRmdir       Opcode = 11
	OpRename      Opcode = 12
	OpLink        Opcode = 13
	OpOpen        Opcode = 14
	OpRead        Opcode = 15
	OpWrite       Opcode = 16
	OpStatfs      Opcode = 17
	OpRelease     Opcode = 18
	OpFsync       Opcode = 20
	OpSetxattr    Opcode = 21
	OpGetxattr    Opcode = 22
	OpListxattr   Opcode = 23
	OpRemovexattr Opcode = 24
	OpFlush       Opcode = 25
	OpInit        Opcode = 26
	OpOpendir     Opcode = 27
	OpReaddir     Opcode = 28
	OpReleasedir  Opcode = 29
	OpFsyncdir    Opcode = 30
	OpGetlk       Opcode = 31
	OpSetlk       Opcode = 32
	OpSetlkw      Opcode = 33
	OpAccess      Opcode = 34
	OpCreate      Opcode = 35
	OpInterrupt   Opcode = 36
	OpBmap        Opcode = 37
	OpDestroy     Opcode = 38
	OpIoctl       Opcode = 39
	OpPoll        Opcode = 40
	OpBatchForget Opcode = 42
	OpFallocate   Opcode = 43
	OpReaddirplus Opcode = 44
	OpRename2     Opcode = 45
	OpLseek       Opcode = 46
)

// InitFlags are negotiated at FUSE_INIT; see fuse.txt in the kernel tree.
type InitFlags uint32

const (
	InitAsyncRead         InitFlags = 1 << 0
	InitPosixLocks        InitFlags = 1 << 1
	InitFileOps           InitFlags = 1 << 2
	InitAtomicOTrunc      InitFlags = 1 << 3
	InitExportSupport     InitFlags = 1 << 4
	InitBigWrites         InitFlags = 1 << 5
	InitDontMask          InitFlags = 1 << 6
	InitSpliceWrite       InitFlags = 1 << 7
	InitSpliceMove        InitFlags = 1 << 8
	InitSpliceRead        InitFlags = 1 << 9
	InitFlockLocks        InitFlags = 1 << 10
	InitHasIoctlDir       InitFlags = 1 << 11
	InitAutoInvalData     InitFlags = 1 << 12
	InitDoReaddirplus     InitFlags = 1 << 13
	InitReaddirplusAuto   InitFlags = 1 << 14
	InitAsyncDIO          InitFlags = 1 << 15
	InitWritebackCache    InitFlags = 1 << 16
	InitNoOpenSupport     InitFlags = 1 << 17
	InitParallelDirops    InitFlags = 1 << 18
	InitHandleKillpriv    InitFlags = 1 << 19
	InitPosixACL          InitFlags = 1 << 20
	InitAbortError        InitFlags = 1 << 21
	InitMaxPages          InitFlags = 1 << 22
	InitCacheSymlinks     InitFlags = 1 << 23
	InitNoOpendirSupport  InitFlags = 1 << 24
	InitExplicitInvalData InitFlags = 1 << 25
)

// RequiredInitFlags is the set of kernel features fuseuring insists on
// having available. Per spec.md §6, if the running kernel cannot grant any
// one of these, the process must refuse to serve and exit with code 8.
const RequiredInitFlags = InitAsyncRead | InitParallelDirops | InitAutoInvalData |
	InitHandleKillpriv | InitAsyncDIO | InitHasIoctlDir | InitAtomicOTrunc |
	InitSpliceRead | InitSpliceWrite | InitMaxPages | InitWritebackCache |
	InitExportSupport | InitSpliceMove | InitBigWrites

// FOpenFlags are returned from OPEN/OPENDIR to steer kernel-side caching.
type FOpenFlags uint32

const (
	FOpenDirectIO   FOpenFlags = 1 << 0
	FOpenKeepCache  FOpenFlags = 1 << 1
	FOpenNonseek    FOpenFlags = 1 << 2
	FOpenCacheDir   FOpenFlags = 1 << 3
	FOpenStream     FOpenFlags = 1 << 4
)

// SetattrValid bits mark which fields of SetattrIn are meaningful.
type SetattrValid uint32

const (
	FattrMode      SetattrValid = 1 << 0
	FattrUID       SetattrValid = 1 << 1
	FattrGID       SetattrValid = 1 << 2
	FattrSize      SetattrValid = 1 << 3
	FattrAtime     SetattrValid = 1 << 4
	FattrMtime     SetattrValid = 1 << 5
	FattrFh        SetattrValid = 1 << 6
	FattrAtimeNow  SetattrValid = 1 << 7
	FattrMtimeNow  SetattrValid = 1 << 8
	FattrLockOwner SetattrValid = 1 << 9
	FattrCtime     SetattrValid = 1 << 10
)

// GetattrFlags bits for GetattrIn.
const GetattrFh uint32 = 1 << 0

// S_IFMT family constants, reused verbatim from the kernel's <bits/stat.h>
// numbering so modes round-trip through the wire untouched.
const (
	SIFMT  = 0170000
	SIFDIR = 0040000
	SIFREG = 0100000
)

// Protocol is a (major, minor) FUSE kernel protocol version pair.
type Protocol struct {
	Major uint32
	Minor uint32
}

// LT reports whether p is strictly older than o.
func (p Protocol) LT(o Protocol) bool {
	if p.Major != o.Major {
		return p.Major < o.Major
	}
	return p.Minor < o.Minor
}

const (
	ProtoVersionMinMajor = 7
	ProtoVersionMinMinor = 8
	ProtoVersionMaxMajor = 7
	ProtoVersionMaxMinor = 31
)

////////////////////////////////////////////////////////////////////////
// Wire structs
//
// Field order and widths below are load-bearing: they are cast directly
// over bytes read from /dev/fuse via unsafe.Pointer, so they must match
// the kernel's struct layout byte for byte. Every struct here orders its
// fields (8-, 4- and, in InitOut, paired 2-byte fields) so that natural C
// alignment already holds, so no manual padding tricks are needed on
// amd64/arm64.
////////////////////////////////////////////////////////////////////////

// InHeader precedes every request from the kernel.
type InHeader struct {
	Len     uint32
	Opcode  uint32
	Unique  uint64
	NodeID  uint64
	UID     uint32
	GID     uint32
	PID     uint32
	Padding uint32
}

const InHeaderSize = unsafe.Sizeof(InHeader{})

// OutHeader precedes every reply sent to the kernel.
type OutHeader struct {
	Len    uint32
	Error  int32
	Unique uint64
}

const OutHeaderSize = unsafe.Sizeof(OutHeader{})

// Attr is struct fuse_attr.
type Attr struct {
	Ino       uint64
	Size      uint64
	Blocks    uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Nlink     uint32
	UID       uint32
	GID       uint32
	Rdev      uint32
	Blksize   uint32
	Padding   uint32
}

// EntryOut is the reply body for LOOKUP (and would-be MKDIR/CREATE, unused
// here since this server never creates inodes).
type EntryOut struct {
	Nodeid         uint64
	Generation     uint64
	EntryValid     uint64
	AttrValid      uint64
	EntryValidNsec uint32
	AttrValidNsec  uint32
	Attr           Attr
}

const EntryOutSize = unsafe.Sizeof(EntryOut{})

// AttrOut is the reply body for GETATTR/SETATTR.
type AttrOut struct {
	AttrValid     uint64
	AttrValidNsec uint32
	Padding       uint32
	Attr          Attr
}

const AttrOutSize = unsafe.Sizeof(AttrOut{})

// OpenOut is the reply body for OPEN/OPENDIR.
type OpenOut struct {
	Fh        uint64
	OpenFlags uint32
	Padding   uint32
}

const OpenOutSize = unsafe.Sizeof(OpenOut{})

// WriteOut is the reply body for WRITE.
type WriteOut struct {
	Size    uint32
	Padding uint32
}

const WriteOutSize = unsafe.Sizeof(WriteOut{})

// InitIn is the request body for FUSE_INIT.
type InitIn struct {
	Major        uint32
	Minor        uint32
	MaxReadahead uint32
	Flags        uint32
}

// InitOut is the reply body for FUSE_INIT.
type InitOut struct {
	Major                uint32
	Minor                uint32
	MaxReadahead         uint32
	Flags                uint32
	MaxBackground        uint16
	CongestionThreshold  uint16
	MaxWrite             uint32
	TimeGran             uint32
	MaxPages             uint16
	Padding              uint16
	Unused               [8]uint32
}

const InitOutSize = unsafe.Sizeof(InitOut{})

// GetattrIn is the request body for GETATTR.
type GetattrIn struct {
	GetattrFlags uint32
	Dummy        uint32
	Fh           uint64
}

const GetattrInSize = unsafe.Sizeof(GetattrIn{})

// SetattrIn is the request body for SETATTR.
type SetattrIn struct {
	Valid     uint32
	Padding   uint32
	Fh        uint64
	Size      uint64
	LockOwner uint64
	Atime     uint64
	Mtime     uint64
	Ctime     uint64
	AtimeNsec uint32
	MtimeNsec uint32
	CtimeNsec uint32
	Mode      uint32
	Unused4   uint32
	UID       uint32
	GID       uint32
	Unused5   uint32
}

const SetattrInSize = unsafe.Sizeof(SetattrIn{})

// OpenIn is the request body for OPEN/OPENDIR.
type OpenIn struct {
	Flags   uint32
	Unused  uint32
}

const OpenInSize = unsafe.Sizeof(OpenIn{})

// ReadIn is the request body for READ/READDIR.
type ReadIn struct {
	Fh        uint64
	Offset    uint64
	Size      uint32
	ReadFlags uint32
	LockOwner uint64
	Flags     uint32
	Padding   uint32
}

const ReadInSize = unsafe.Sizeof(ReadIn{})

// WriteIn is the request body for WRITE.
type WriteIn struct {
	Fh         uint64
	Offset     uint64
	Size       uint32
	WriteFlags uint32
	LockOwner  uint64
	Flags      uint32
	Padding    uint32
}

const WriteInSize = unsafe.Sizeof(WriteIn{})

// ReleaseIn is the request body for RELEASE/RELEASEDIR.
type ReleaseIn struct {
	Fh           uint64
	Flags        uint32
	ReleaseFlags uint32
	LockOwner    uint64
}

const ReleaseInSize = unsafe.Sizeof(ReleaseIn{})

// Dirent is struct fuse_dirent, followed in the wire format by Namelen
// bytes of name and padding up to DirentAlign. See internal/handlers's
// dirent writer, grounded on fuseutil.WriteDirent in the teacher repo.
type Dirent struct {
	Ino     uint64
	Off     uint64
	Namelen uint32
	Type    uint32
}

const (
	DirentSize  = unsafe.Sizeof(Dirent{})
	DirentAlign = 8
)

// DirentType encodes the Linux d_type nibble from a mode's file-type bits.
func DirentType(mode uint32) uint32 {
	return (mode & SIFMT) >> 12
}
