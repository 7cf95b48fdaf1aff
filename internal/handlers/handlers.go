// Package handlers implements the per-opcode semantics of C6, dispatched
// from internal/pipeline's R4 phase. Each handler receives the parsed
// *pipeline.Request and returns a pipeline.Reply, matching spec.md §4.6
// exactly except where a REDESIGN FLAG overrides it.
package handlers

import (
	"encoding/binary"
	"unsafe"

	"github.com/uroni/fuseuring/internal/fusekernel"
	"github.com/uroni/fuseuring/internal/namespace"
	"github.com/uroni/fuseuring/internal/pipeline"
)

// ENOENT and friends, spelled out the way the teacher's errors.go
// documents FUSE errno conventions: negative, because that's the sign
// convention the wire protocol itself uses in fuse_out_header.error.
const (
	ENOENT int32 = -2
	EACCES int32 = -13
	EINVAL int32 = -22
	ENOSYS int32 = -38
)

// Table binds the fixed namespace to a set of pipeline.Handler functions
// keyed by opcode, built once at startup in cmd/fuseuring.
type Table struct {
	ns *namespace.Table
}

// New builds a handler Table over the given fixed namespace.
func New(ns *namespace.Table) *Table {
	return &Table{ns: ns}
}

// Dispatch returns the pipeline.Handler for op, or (nil, false) if this
// server replies -ENOSYS to it without ever constructing a Handler.
func (t *Table) Dispatch(op fusekernel.Opcode) (pipeline.Handler, bool) {
	switch op {
	case fusekernel.OpLookup:
		return t.lookup, true
	case fusekernel.OpGetattr:
		return t.getattr, true
	case fusekernel.OpSetattr:
		return t.setattr, true
	case fusekernel.OpOpendir:
		return t.opendir, true
	case fusekernel.OpOpen:
		return t.open, true
	case fusekernel.OpReleasedir:
		return t.release, true
	case fusekernel.OpRelease:
		return t.release, true
	case fusekernel.OpReaddir:
		return t.readdir, true
	case fusekernel.OpRead:
		return t.read, true
	case fusekernel.OpWrite:
		return t.write, true
	default:
		return nil, false
	}
}

// lookup resolves Request.Name within the root directory. Per the
// REDESIGN FLAG in SPEC_FULL.md §4, an unknown name is -ENOENT, not a
// silent fallback to the root inode.
func (t *Table) lookup(req *pipeline.Request) pipeline.Reply {
	ino, ok := t.ns.Lookup(req.Header.NodeID, req.Name)
	if !ok {
		return pipeline.Reply{Errno: ENOENT}
	}
	attr, _ := t.ns.Attr(ino)
	sec, nsec := t.ns.ExpirationNsec()

	out := fusekernel.EntryOut{
		Nodeid:         ino,
		EntryValid:     sec,
		AttrValid:      sec,
		EntryValidNsec: nsec,
		AttrValidNsec:  nsec,
		Attr:           attr,
	}
	return pipeline.Reply{Payload: structBytes(&out)}
}

// effectiveNodeID returns the node id a GETATTR/SETATTR request should
// actually resolve against: when the request carries a file handle
// (GETATTR_FH / FATTR_FH), that handle is authoritative over the
// request header's nodeid, per spec.md §4.6. This server's OPEN/OPENDIR
// hand back the opened node id as the file handle (see open/opendir
// below), so the two always agree here, but honoring the flag (instead
// of silently ignoring it) is what makes that equivalence an explicit
// contract rather than an accident.
func effectiveNodeID(headerNodeID uint64, fhFlagSet bool, fh uint64) uint64 {
	if fhFlagSet {
		return fh
	}
	return headerNodeID
}

func (t *Table) getattr(req *pipeline.Request) pipeline.Reply {
	nodeID := req.Header.NodeID
	if len(req.Body) >= int(fusekernel.GetattrInSize) {
		in := castGetattrIn(req.Body)
		nodeID = effectiveNodeID(req.Header.NodeID, in.GetattrFlags&fusekernel.GetattrFh != 0, in.Fh)
	}

	attr, ok := t.ns.Attr(nodeID)
	if !ok {
		return pipeline.Reply{Errno: ENOENT}
	}
	sec, nsec := t.ns.ExpirationNsec()
	out := fusekernel.AttrOut{
		AttrValid:     sec,
		AttrValidNsec: nsec,
		Attr:          attr,
	}
	return pipeline.Reply{Payload: structBytes(&out)}
}

// setattr acknowledges any combination of requested fields without
// persisting them: spec.md §4.6 documents this as a deliberate quirk of
// the two-inode design (no attribute persistence is a stated Non-goal).
// A size-change request against the volume inode still replies success,
// matching spec.md's documented behavior exactly (DESIGN.md's decided
// Open Questions record this).
func (t *Table) setattr(req *pipeline.Request) pipeline.Reply {
	nodeID := req.Header.NodeID
	if len(req.Body) >= int(fusekernel.SetattrInSize) {
		in := castSetattrIn(req.Body)
		nodeID = effectiveNodeID(req.Header.NodeID, fusekernel.SetattrValid(in.Valid)&fusekernel.FattrFh != 0, in.Fh)
	}

	attr, ok := t.ns.Attr(nodeID)
	if !ok {
		return pipeline.Reply{Errno: ENOENT}
	}
	sec, nsec := t.ns.ExpirationNsec()
	out := fusekernel.AttrOut{
		AttrValid:     sec,
		AttrValidNsec: nsec,
		Attr:          attr,
	}
	return pipeline.Reply{Payload: structBytes(&out)}
}

// opendir rejects anything but the root inode; the root is the only
// directory in this namespace. The returned file handle is the opened
// node id itself, so a later GETATTR_FH/FATTR_FH can recover it.
func (t *Table) opendir(req *pipeline.Request) pipeline.Reply {
	if !t.ns.IsDir(req.Header.NodeID) {
		return pipeline.Reply{Errno: EINVAL}
	}
	out := fusekernel.OpenOut{Fh: req.Header.NodeID}
	return pipeline.Reply{Payload: structBytes(&out)}
}

// open allows opening the volume inode for read or write; FOPEN_KEEP_CACHE
// is not set since this server has no invalidation story beyond the
// kernel's own page cache lifetime.
func (t *Table) open(req *pipeline.Request) pipeline.Reply {
	if req.Header.NodeID != namespace.VolumeInode {
		return pipeline.Reply{Errno: EACCES}
	}
	out := fusekernel.OpenOut{Fh: req.Header.NodeID}
	return pipeline.Reply{Payload: structBytes(&out)}
}

// release/releasedir have no per-handle state to free in this server, so
// both just acknowledge.
func (t *Table) release(req *pipeline.Request) pipeline.Reply {
	return pipeline.Reply{}
}

// readdir emits "." and ".." plus the single "volume" entry. Their ino
// fields are the fixed dirent placeholders spec.md §3/§4.6 document (2,
// 3, 4), a numbering separate from the real nodeids LOOKUP/GETATTR use
// (".." reports 3, which is also the volume's nodeid), since a dirent's
// d_ino is advisory only. Dirent wire encoding is grounded on
// fuseutil.WriteDirent in the teacher repo: fixed 24-byte header, name
// bytes, then zero-pad to FUSE_DIRENT_ALIGN.
func (t *Table) readdir(req *pipeline.Request) pipeline.Reply {
	if !t.ns.IsDir(req.Header.NodeID) {
		return pipeline.Reply{Errno: EINVAL}
	}

	type entry struct {
		ino  uint64
		typ  uint32
		name string
	}
	entries := []entry{
		{namespace.DotDirentInode, fusekernel.DirentType(fusekernel.SIFDIR | 0777), "."},
		{namespace.DotDotDirentInode, fusekernel.DirentType(fusekernel.SIFDIR | 0777), ".."},
		{namespace.VolumeDirentInode, fusekernel.DirentType(fusekernel.SIFREG | 0777), namespace.VolumeName},
	}

	var buf []byte
	for i, e := range entries {
		buf = appendDirent(buf, e.ino, uint64(i+1), e.typ, e.name)
	}
	return pipeline.Reply{Payload: buf}
}

func appendDirent(buf []byte, ino, off uint64, typ uint32, name string) []byte {
	const headerSize = int(unsafe.Sizeof(fusekernel.Dirent{}))
	pad := 0
	if r := len(name) % fusekernel.DirentAlign; r != 0 {
		pad = fusekernel.DirentAlign - r
	}

	start := len(buf)
	buf = append(buf, make([]byte, headerSize+len(name)+pad)...)

	binary.LittleEndian.PutUint64(buf[start:], ino)
	binary.LittleEndian.PutUint64(buf[start+8:], off)
	binary.LittleEndian.PutUint32(buf[start+16:], uint32(len(name)))
	binary.LittleEndian.PutUint32(buf[start+20:], typ)
	copy(buf[start+headerSize:], name)
	return buf
}

// read clamps (offset, size) to the volume's fixed bounds and hands the
// result back as a DataOut reply: internal/pipeline's R5Read then
// splices those exact bytes from the backing fixed file straight to
// /dev/fuse, never through this process's memory.
func (t *Table) read(req *pipeline.Request) pipeline.Reply {
	in := castReadIn(req.Body)
	if req.Header.NodeID != namespace.VolumeInode {
		return pipeline.Reply{Errno: EACCES}
	}
	size := t.ns.VolumeSize()
	if in.Offset >= size {
		return pipeline.Reply{Direction: pipeline.DataOut} // EOF: zero-length success reply
	}
	n := uint64(in.Size)
	if in.Offset+n > size {
		n = size - in.Offset
	}
	return pipeline.Reply{Direction: pipeline.DataOut, DataOffset: in.Offset, DataLength: uint32(n)}
}

// write clamps (offset, size) to the volume's fixed bounds and hands the
// result back as a DataIn reply: internal/pipeline's R5Write splices
// those exact bytes from /dev/fuse straight into the backing fixed file
// before this handler's WriteOut payload goes out (no sparse growth:
// SPEC_FULL.md's Non-goals exclude directory/file mutation, but the
// volume's own bytes are still writable, matching spec.md's "regular
// file" semantics).
func (t *Table) write(req *pipeline.Request) pipeline.Reply {
	in := castWriteIn(req.Body)
	if req.Header.NodeID != namespace.VolumeInode {
		return pipeline.Reply{Errno: EACCES}
	}
	size := t.ns.VolumeSize()
	if in.Offset >= size {
		return pipeline.Reply{Payload: structBytes(&fusekernel.WriteOut{Size: 0})}
	}
	n := in.Size
	if in.Offset+uint64(n) > size {
		n = uint32(size - in.Offset)
	}
	return pipeline.Reply{
		Direction:  pipeline.DataIn,
		DataOffset: in.Offset,
		DataLength: n,
		Payload:    structBytes(&fusekernel.WriteOut{Size: n}),
	}
}

// structBytes returns a byte view over v's memory, copied out so the
// caller can safely hand it off as a reply payload after v goes out of
// scope.
func structBytes[T any](v *T) []byte {
	n := int(unsafe.Sizeof(*v))
	src := unsafe.Slice((*byte)(unsafe.Pointer(v)), n)
	dst := make([]byte, n)
	copy(dst, src)
	return dst
}

func castReadIn(b []byte) *fusekernel.ReadIn {
	return (*fusekernel.ReadIn)(unsafe.Pointer(&b[0]))
}

func castWriteIn(b []byte) *fusekernel.WriteIn {
	return (*fusekernel.WriteIn)(unsafe.Pointer(&b[0]))
}

func castGetattrIn(b []byte) *fusekernel.GetattrIn {
	return (*fusekernel.GetattrIn)(unsafe.Pointer(&b[0]))
}

func castSetattrIn(b []byte) *fusekernel.SetattrIn {
	return (*fusekernel.SetattrIn)(unsafe.Pointer(&b[0]))
}
