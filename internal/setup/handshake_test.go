package setup

import (
	"os"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/uroni/fuseuring/internal/fusekernel"
)

// socketpairFiles returns two *os.File wrapping a connected AF_UNIX
// socketpair, standing in for /dev/fuse: Handshake treats its argument
// as a plain bidirectional file, and a socketpair is the simplest real
// descriptor that supports both ends read/writing without a kernel FUSE
// mount.
func socketpairFiles(t *testing.T) (devFuse, kernel *os.File) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	devFuse = os.NewFile(uintptr(fds[0]), "devfuse-fake")
	kernel = os.NewFile(uintptr(fds[1]), "kernel-fake")
	t.Cleanup(func() {
		devFuse.Close()
		kernel.Close()
	})
	return devFuse, kernel
}

func TestHandshakeDerivesMaxWriteFromMaxPages(t *testing.T) {
	devFuse, kernel := socketpairFiles(t)

	reqBuf := make([]byte, fusekernel.InHeaderSize+unsafe.Sizeof(fusekernel.InitIn{}))
	*(*fusekernel.InHeader)(unsafe.Pointer(&reqBuf[0])) = fusekernel.InHeader{
		Len:    uint32(len(reqBuf)),
		Opcode: uint32(fusekernel.OpInit),
		Unique: 7,
	}
	*(*fusekernel.InitIn)(unsafe.Pointer(&reqBuf[fusekernel.InHeaderSize])) = fusekernel.InitIn{
		Major:        fusekernel.ProtoVersionMaxMajor,
		Minor:        fusekernel.ProtoVersionMaxMinor,
		MaxReadahead: 131072,
		Flags:        uint32(fusekernel.RequiredInitFlags),
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := kernel.Write(reqBuf)
		writeErr <- err
	}()

	result, err := Handshake(devFuse, 16)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("writing INIT request: %v", err)
	}

	if result.MaxPages != 256 {
		t.Errorf("MaxPages = %d, want 256", result.MaxPages)
	}
	if want := uint32(256) * 4096; result.MaxWrite != want {
		t.Errorf("MaxWrite = %d, want %d (MaxPages*4096)", result.MaxWrite, want)
	}

	replyBuf := make([]byte, fusekernel.OutHeaderSize+fusekernel.InitOutSize)
	if _, err := kernel.Read(replyBuf); err != nil {
		t.Fatalf("reading INIT reply: %v", err)
	}
	outHdr := (*fusekernel.OutHeader)(unsafe.Pointer(&replyBuf[0]))
	if outHdr.Unique != 7 {
		t.Errorf("reply Unique = %d, want 7", outHdr.Unique)
	}
	out := (*fusekernel.InitOut)(unsafe.Pointer(&replyBuf[fusekernel.OutHeaderSize]))
	if out.MaxPages != 256 {
		t.Errorf("wire InitOut.MaxPages = %d, want 256", out.MaxPages)
	}
	if out.MaxWrite != uint32(256)*4096 {
		t.Errorf("wire InitOut.MaxWrite = %d, want %d", out.MaxWrite, uint32(256)*4096)
	}
}

func TestHandshakeRejectsMissingRequiredFlags(t *testing.T) {
	devFuse, kernel := socketpairFiles(t)

	reqBuf := make([]byte, fusekernel.InHeaderSize+unsafe.Sizeof(fusekernel.InitIn{}))
	*(*fusekernel.InHeader)(unsafe.Pointer(&reqBuf[0])) = fusekernel.InHeader{
		Len:    uint32(len(reqBuf)),
		Opcode: uint32(fusekernel.OpInit),
		Unique: 1,
	}
	*(*fusekernel.InitIn)(unsafe.Pointer(&reqBuf[fusekernel.InHeaderSize])) = fusekernel.InitIn{
		Major: fusekernel.ProtoVersionMaxMajor,
		Minor: fusekernel.ProtoVersionMaxMinor,
		Flags: 0, // grants nothing
	}

	go kernel.Write(reqBuf)

	if _, err := Handshake(devFuse, 16); err == nil {
		t.Error("Handshake should fail when the kernel grants none of RequiredInitFlags")
	}
}
