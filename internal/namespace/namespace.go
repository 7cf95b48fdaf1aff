// Package namespace holds fuseuring's fixed, read-only inode table:
// spec.md §3 fixes the namespace at two real inodes (1 = root directory,
// 3 = the single regular file "volume") plus two numbers (2, 4) that are
// reserved but never resolve to anything. Nothing here is mutable at
// runtime — there is no mkdir, no rename, no unlink — so this package's
// only job is producing fuse_attr/entry/attr replies: attribute
// timestamps come from a timeutil Clock, the way samples/memfs wires a
// Clock into inode attribute construction in the teacher repo, and the
// entry/attribute expiration is the fixed AttrTimeout.
package namespace

import (
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/uroni/fuseuring/internal/fusekernel"
)

const (
	// RootInode is the fixed inode number of the mount's root directory,
	// returned by LOOKUP/GETATTR against the directory itself.
	RootInode = 1
	// VolumeInode is the fixed inode number of the single regular file
	// exposed by this filesystem, returned by LOOKUP("volume") and by
	// GETATTR/SETATTR against it.
	VolumeInode = 3
	// VolumeName is the only name LOOKUP in the root directory accepts.
	VolumeName = "volume"

	// The three dirent-only inode numbers below are what READDIR reports
	// in each entry's ino field per spec.md §3/§4.6. They are a separate
	// numbering from RootInode/VolumeInode: "." and ".." both resolve to
	// the root directory's real attributes via GETATTR, but their
	// READDIR-reported ino values are fixed placeholders (".." reports 3,
	// which happens to equal VolumeInode) — d_ino in a dirent is advisory
	// only and need not match the nodeid LOOKUP would return.
	DotDirentInode    = 2
	DotDotDirentInode = 3
	VolumeDirentInode = 4
)

// AttrTimeout is how long the kernel may cache attributes/entries before
// re-validating, per spec.md §4.6 ("entry/attribute expiration fixed at
// one hour").
const AttrTimeout = time.Hour

// Table answers LOOKUP/GETATTR queries against the fixed namespace. It
// holds no mutable state beyond the backing file's size, which is fixed
// for the lifetime of the process (set once from the CLI's
// backing-size-bytes argument).
type Table struct {
	clock       timeutil.Clock
	volumeSize  uint64
	rootMode    uint32
	volumeMode  uint32
}

// New builds a Table for a backing file of volumeSize bytes.
func New(clock timeutil.Clock, volumeSize uint64) *Table {
	return &Table{
		clock:      clock,
		volumeSize: volumeSize,
		rootMode:   fusekernel.SIFDIR | 0777,
		volumeMode: fusekernel.SIFREG | 0777,
	}
}

// Lookup resolves name within the root directory. Per the REDESIGN FLAG
// in SPEC_FULL.md §4, any name other than VolumeName returns ok=false
// (callers reply -ENOENT), reversing the teacher-library-era behavior of
// silently falling back to the root inode.
func (t *Table) Lookup(parent uint64, name string) (ino uint64, ok bool) {
	if parent != RootInode {
		return 0, false
	}
	if name != VolumeName {
		return 0, false
	}
	return VolumeInode, true
}

// Attr builds the fuse_attr for ino. ok is false for any inode outside
// {RootInode, VolumeInode}.
func (t *Table) Attr(ino uint64) (attr fusekernel.Attr, ok bool) {
	now := t.clock.Now()
	sec := uint64(now.Unix())
	nsec := uint32(now.Nanosecond())

	switch ino {
	case RootInode:
		return fusekernel.Attr{
			Ino:       RootInode,
			Mode:      t.rootMode,
			Nlink:     2,
			Atime:     sec,
			Mtime:     sec,
			Ctime:     sec,
			AtimeNsec: nsec,
			MtimeNsec: nsec,
			CtimeNsec: nsec,
			Blksize:   4096,
		}, true
	case VolumeInode:
		return fusekernel.Attr{
			Ino:       VolumeInode,
			Size:      t.volumeSize,
			Blocks:    (t.volumeSize + 511) / 512,
			Mode:      t.volumeMode,
			Nlink:     1,
			Atime:     sec,
			Mtime:     sec,
			Ctime:     sec,
			AtimeNsec: nsec,
			MtimeNsec: nsec,
			CtimeNsec: nsec,
			Blksize:   4096,
		}, true
	default:
		return fusekernel.Attr{}, false
	}
}

// ExpirationNsec splits AttrTimeout into the (sec, nsec) pair the wire
// EntryOut/AttrOut structs want.
func (t *Table) ExpirationNsec() (sec uint64, nsec uint32) {
	return uint64(AttrTimeout / time.Second), 0
}

// IsDir reports whether ino is the root directory.
func (t *Table) IsDir(ino uint64) bool { return ino == RootInode }

// VolumeSize returns the fixed size of the backing volume in bytes.
func (t *Table) VolumeSize() uint64 { return t.volumeSize }
