package handlers

import (
	"testing"
	"unsafe"

	"github.com/jacobsa/timeutil"
	"github.com/kylelemons/godebug/pretty"

	"github.com/uroni/fuseuring/internal/fusekernel"
	"github.com/uroni/fuseuring/internal/namespace"
	"github.com/uroni/fuseuring/internal/pipeline"
)

func newTable() *Table {
	return New(namespace.New(timeutil.RealClock(), 8192))
}

func TestLookupKnownName(t *testing.T) {
	tbl := newTable()
	req := &pipeline.Request{
		Header: fusekernel.InHeader{NodeID: namespace.RootInode},
		Name:   namespace.VolumeName,
	}

	reply := tbl.lookup(req)
	if reply.Errno != 0 {
		t.Fatalf("lookup(volume) errno = %d, want 0", reply.Errno)
	}
	if len(reply.Payload) != int(fusekernel.EntryOutSize) {
		t.Fatalf("lookup payload len = %d, want %d", len(reply.Payload), fusekernel.EntryOutSize)
	}
}

func TestLookupUnknownNameIsENOENT(t *testing.T) {
	tbl := newTable()
	req := &pipeline.Request{
		Header: fusekernel.InHeader{NodeID: namespace.RootInode},
		Name:   "does-not-exist",
	}

	reply := tbl.lookup(req)
	if reply.Errno != ENOENT {
		t.Errorf("lookup(unknown) errno = %d, want %d", reply.Errno, ENOENT)
	}
	if reply.Payload != nil {
		t.Errorf("lookup(unknown) payload = %v, want nil", reply.Payload)
	}
}

func TestGetattrRoot(t *testing.T) {
	tbl := newTable()
	req := &pipeline.Request{Header: fusekernel.InHeader{NodeID: namespace.RootInode}}

	reply := tbl.getattr(req)
	if reply.Errno != 0 {
		t.Fatalf("getattr(root) errno = %d, want 0", reply.Errno)
	}
	if len(reply.Payload) != int(fusekernel.AttrOutSize) {
		t.Errorf("getattr payload len = %d, want %d", len(reply.Payload), fusekernel.AttrOutSize)
	}
}

func TestGetattrHonorsFileHandleFlag(t *testing.T) {
	tbl := newTable()
	// NodeID points at the volume; the GETATTR_FH body claims the root
	// via Fh instead. The fh should win.
	body := make([]byte, fusekernel.GetattrInSize)
	*(*fusekernel.GetattrIn)(unsafe.Pointer(&body[0])) = fusekernel.GetattrIn{
		GetattrFlags: fusekernel.GetattrFh,
		Fh:           namespace.RootInode,
	}
	req := &pipeline.Request{
		Header: fusekernel.InHeader{NodeID: namespace.VolumeInode},
		Body:   body,
	}

	reply := tbl.getattr(req)
	if reply.Errno != 0 {
		t.Fatalf("getattr errno = %d, want 0", reply.Errno)
	}
	attr := (*fusekernel.AttrOut)(unsafe.Pointer(&reply.Payload[0])).Attr
	if attr.Ino != namespace.RootInode {
		t.Errorf("getattr with GETATTR_FH returned ino %d, want %d (the fh, not NodeID)", attr.Ino, namespace.RootInode)
	}
}

func TestOpenReturnsNodeIDAsFileHandle(t *testing.T) {
	tbl := newTable()
	req := &pipeline.Request{Header: fusekernel.InHeader{NodeID: namespace.VolumeInode}}

	reply := tbl.open(req)
	if reply.Errno != 0 {
		t.Fatalf("open errno = %d, want 0", reply.Errno)
	}
	out := (*fusekernel.OpenOut)(unsafe.Pointer(&reply.Payload[0]))
	if out.Fh != namespace.VolumeInode {
		t.Errorf("open Fh = %d, want %d (NodeID echoed back as the handle)", out.Fh, namespace.VolumeInode)
	}
}

func TestOpendirRejectsNonDirectory(t *testing.T) {
	tbl := newTable()
	req := &pipeline.Request{Header: fusekernel.InHeader{NodeID: namespace.VolumeInode}}

	if reply := tbl.opendir(req); reply.Errno != EINVAL {
		t.Errorf("opendir(volume) errno = %d, want %d", reply.Errno, EINVAL)
	}
}

func TestOpenRejectsDirectory(t *testing.T) {
	tbl := newTable()
	req := &pipeline.Request{Header: fusekernel.InHeader{NodeID: namespace.RootInode}}

	if reply := tbl.open(req); reply.Errno != EACCES {
		t.Errorf("open(root) errno = %d, want %d", reply.Errno, EACCES)
	}
}

func TestReaddirListsFixedEntries(t *testing.T) {
	tbl := newTable()
	req := &pipeline.Request{Header: fusekernel.InHeader{NodeID: namespace.RootInode}}

	reply := tbl.readdir(req)
	if reply.Errno != 0 {
		t.Fatalf("readdir errno = %d, want 0", reply.Errno)
	}

	names, inos := decodeDirents(t, reply.Payload)
	wantNames := []string{".", "..", namespace.VolumeName}
	if diff := pretty.Compare(names, wantNames); diff != "" {
		t.Errorf("readdir entry names mismatch (-got +want):\n%s", diff)
	}
	wantInos := []uint64{namespace.DotDirentInode, namespace.DotDotDirentInode, namespace.VolumeDirentInode}
	if diff := pretty.Compare(inos, wantInos); diff != "" {
		t.Errorf("readdir entry ino mismatch (-got +want):\n%s", diff)
	}
}

func decodeDirents(t *testing.T, buf []byte) (names []string, inos []uint64) {
	t.Helper()
	off := 0
	const headerSize = 24 // Ino(8) + Off(8) + Namelen(4) + Type(4)
	for off < len(buf) {
		if off+headerSize > len(buf) {
			t.Fatalf("dirent header truncated at offset %d", off)
		}
		ino := le64(buf[off:])
		namelen := int(le32(buf[off+16:]))
		start := off + headerSize
		if start+namelen > len(buf) {
			t.Fatalf("dirent name truncated at offset %d", off)
		}
		names = append(names, string(buf[start:start+namelen]))
		inos = append(inos, ino)

		pad := 0
		if r := namelen % fusekernel.DirentAlign; r != 0 {
			pad = fusekernel.DirentAlign - r
		}
		off = start + namelen + pad
	}
	return names, inos
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	return uint64(le32(b)) | uint64(le32(b[4:]))<<32
}

func TestReadClampsToVolumeSize(t *testing.T) {
	tbl := newTable()
	req := &pipeline.Request{
		Header: fusekernel.InHeader{NodeID: namespace.VolumeInode},
		Body:   readInBytes(8000, 4096),
	}

	reply := tbl.read(req)
	if reply.Errno != 0 {
		t.Fatalf("read errno = %d, want 0", reply.Errno)
	}
	if reply.Direction != pipeline.DataOut {
		t.Fatalf("read Direction = %v, want DataOut", reply.Direction)
	}
	if reply.DataLength != 192 { // 8192 - 8000
		t.Errorf("read clamped length = %d, want 192", reply.DataLength)
	}
	if reply.DataOffset != 8000 {
		t.Errorf("read offset = %d, want 8000", reply.DataOffset)
	}
}

func TestWriteClampsToVolumeSize(t *testing.T) {
	tbl := newTable()
	req := &pipeline.Request{
		Header: fusekernel.InHeader{NodeID: namespace.VolumeInode},
		Body:   writeInBytes(8000, 4096),
	}

	reply := tbl.write(req)
	if reply.Errno != 0 {
		t.Fatalf("write errno = %d, want 0", reply.Errno)
	}
	if reply.Direction != pipeline.DataIn {
		t.Fatalf("write Direction = %v, want DataIn", reply.Direction)
	}
	if reply.DataLength != 192 {
		t.Errorf("write clamped length = %d, want 192", reply.DataLength)
	}
	out := (*fusekernel.WriteOut)(unsafe.Pointer(&reply.Payload[0]))
	if out.Size != 192 {
		t.Errorf("write_out.Size = %d, want 192", out.Size)
	}
}

func readInBytes(offset uint64, size uint32) []byte {
	in := fusekernel.ReadIn{Offset: offset, Size: size}
	b := make([]byte, fusekernel.ReadInSize)
	*(*fusekernel.ReadIn)(unsafe.Pointer(&b[0])) = in
	return b
}

func writeInBytes(offset uint64, size uint32) []byte {
	in := fusekernel.WriteIn{Offset: offset, Size: size}
	b := make([]byte, fusekernel.WriteInSize)
	*(*fusekernel.WriteIn)(unsafe.Pointer(&b[0])) = in
	return b
}
