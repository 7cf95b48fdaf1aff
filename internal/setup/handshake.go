package setup

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/uroni/fuseuring/internal/fusekernel"
)

// InitResult carries what the FUSE_INIT handshake negotiated.
// cmd/fuseuring only logs it; buffer and ring sizes do not depend on it.
type InitResult struct {
	Proto        fusekernel.Protocol
	MaxWrite     uint32
	MaxPages     uint16
	GrantedFlags fusekernel.InitFlags
}

// Handshake performs the FUSE_INIT request/reply exchange over devFuse
// directly (not through the ring — this happens once, before the ring
// is even handling steady-state traffic, the same ordering the original
// C++ service follows per SPEC_FULL.md §5). It fails if the kernel
// cannot grant fusekernel.RequiredInitFlags.
func Handshake(devFuse *os.File, maxBackground uint32) (*InitResult, error) {
	buf := make([]byte, 4096)
	n, err := devFuse.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read INIT request: %w", err)
	}
	if n < int(fusekernel.InHeaderSize) {
		return nil, fmt.Errorf("short INIT request: %d bytes", n)
	}

	in := (*fusekernel.InHeader)(unsafe.Pointer(&buf[0]))
	if fusekernel.Opcode(in.Opcode) != fusekernel.OpInit {
		return nil, fmt.Errorf("expected FUSE_INIT, got opcode %d", in.Opcode)
	}

	body := (*fusekernel.InitIn)(unsafe.Pointer(&buf[fusekernel.InHeaderSize]))
	proto := fusekernel.Protocol{Major: body.Major, Minor: body.Minor}

	granted := fusekernel.InitFlags(body.Flags) & fusekernel.RequiredInitFlags
	if granted != fusekernel.RequiredInitFlags {
		missing := fusekernel.RequiredInitFlags &^ granted
		return nil, fmt.Errorf("kernel did not grant required init flags, missing=0x%x", missing)
	}

	// MaxPages is the negotiated limit; MaxWrite is derived from it (each
	// page backs one page-sized chunk of the write), not the other way
	// around, per spec.md §5's handshake.
	const maxPages = 256
	maxWrite := uint32(maxPages) * 4096
	out := fusekernel.InitOut{
		Major:               fusekernel.ProtoVersionMaxMajor,
		Minor:               fusekernel.ProtoVersionMaxMinor,
		MaxReadahead:        body.MaxReadahead,
		Flags:               uint32(granted),
		MaxBackground:       uint16(maxBackground),
		CongestionThreshold: uint16(maxBackground * 3 / 4),
		MaxWrite:            maxWrite,
		TimeGran:            1,
		MaxPages:            maxPages,
	}

	reply := make([]byte, fusekernel.OutHeaderSize+fusekernel.InitOutSize)
	outHdr := (*fusekernel.OutHeader)(unsafe.Pointer(&reply[0]))
	*outHdr = fusekernel.OutHeader{
		Len:    uint32(len(reply)),
		Unique: in.Unique,
	}
	*(*fusekernel.InitOut)(unsafe.Pointer(&reply[fusekernel.OutHeaderSize])) = out

	if _, err := devFuse.Write(reply); err != nil {
		return nil, fmt.Errorf("write INIT reply: %w", err)
	}

	return &InitResult{
		Proto:        proto,
		MaxWrite:     maxWrite,
		MaxPages:     out.MaxPages,
		GrantedFlags: granted,
	}, nil
}
