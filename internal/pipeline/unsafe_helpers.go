package pipeline

import (
	"unsafe"

	"github.com/uroni/fuseuring/internal/fusekernel"
)

// uintptrOf returns the address of a byte slice's backing array, for use
// as an SQE's Addr field pointing io_uring at userspace memory.
func uintptrOf(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// castInHeader reinterprets the start of buf as a fuse_in_header without
// copying, the same pointer-punning trick as the teacher's
// internal/buffer package uses for OutMessage.OutHeader.
func castInHeader(buf []byte) *fusekernel.InHeader {
	return (*fusekernel.InHeader)(unsafe.Pointer(&buf[0]))
}

// writeOutHeader writes h into the start of buf via the same punning.
func writeOutHeader(buf []byte, h *fusekernel.OutHeader) {
	*(*fusekernel.OutHeader)(unsafe.Pointer(&buf[0])) = *h
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
