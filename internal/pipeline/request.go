package pipeline

import (
	"fmt"

	"github.com/uroni/fuseuring/internal/fusekernel"
	"github.com/uroni/fuseuring/internal/ioslot"
	"github.com/uroni/fuseuring/internal/task"
	"github.com/uroni/fuseuring/internal/uring"
)

// errnoInval is -EINVAL, used internally by R3 to fail a request locally
// (a successful reply carrying a negative errno) without pulling in
// internal/handlers's errno table and creating an import cycle.
const errnoInval int32 = -22

// maxLookupNameBytes bounds the heap-buffer fallback R3 uses when a
// LOOKUP name doesn't fit inside the header buffer's prefetch window.
// Linux's NAME_MAX is 255; this leaves headroom for the occasional
// filesystem that negotiates something larger.
const maxLookupNameBytes = 1024

// DataDirection says which way (if any) a handler's reply needs a
// zero-copy splice leg beyond the generic scratch-buffer reply: READ
// splices backing-file bytes out to the kernel, WRITE splices kernel
// bytes in to the backing file. Both still get a normal OutHeader
// (+ small payload, for WRITE) through the scratch-buffer path; Direction
// only governs the extra data leg.
type DataDirection int

const (
	NoData DataDirection = iota
	DataOut
	DataIn
)

// Reply is what a Handler hands back to R4/R5: a small payload to append
// after the OutHeader (nil for a bare-errno reply), an errno (0 for
// success), and — for READ/WRITE only — the backing-file (offset,
// length) describing the zero-copy data leg.
type Reply struct {
	Payload []byte
	Errno   int32

	Direction  DataDirection
	DataOffset uint64
	DataLength uint32
}

// Handler resolves one opcode once its request body is fully parsed.
type Handler func(req *Request) Reply

// Ring is the subset of *uring.Ring the pipeline needs; declared as an
// interface so internal/pipeline's tests can swap in a fake ring rather
// than requiring a real io_uring instance, the way the ublk runner keeps
// its queue logic separate from the raw ioctl calls.
type Ring interface {
	AcquireSQE() *uring.SQE
	Submit(minComplete uint32, wait bool) (int, error)
}

// Request carries one FUSE request through R1..R5. One Request is
// created per slot checkout and discarded at StateDone.
type Request struct {
	Slot   *ioslot.Slot
	Engine *task.Engine
	Ring   Ring

	DevFuseFixedIdx int32
	BackingFixedIdx int32

	State State

	Header  fusekernel.InHeader
	Body    []byte // fixed-size body bytes following the header, if any
	Name    string // populated for LOOKUP
	nextTag uint64

	// headerBytes is how many bytes R1 actually read into HeaderBuf,
	// which may exceed sizeof(fuse_in_header)+fixedBodySize when the
	// kernel's single read happened to also pick up a LOOKUP name.
	headerBytes int
}

// userDataTag packs this request's slot index and a small sequence
// number into the 64-bit user_data field so multiple concurrently
// in-flight SQEs issued by the same request each get a distinct tag to
// await via Engine.AwaitTag(s): high 32 bits are the slot index, low 32
// bits are a per-request monotonic counter.
func (r *Request) userDataTag() uint64 {
	r.nextTag++
	return uint64(r.Slot.Index)<<32 | uint64(r.nextTag)
}

// acquireSQE reserves one SQE, spinning through the engine's
// flush-then-spin policy (spec.md §4.2) when the submission queue is
// momentarily full.
func (r *Request) acquireSQE() (*uring.SQE, error) {
	sqe := r.Ring.AcquireSQE()
	for sqe == nil {
		if _, err := r.Ring.Submit(0, false); err != nil {
			return nil, err
		}
		r.Engine.AwaitSQE()
		sqe = r.Ring.AcquireSQE()
	}
	return sqe, nil
}

// spliceFixedInToPipe issues a splice SQE from the registered fixed file
// fixedSrc into pipeFd, at off (ignored by callers for which off doesn't
// apply, e.g. /dev/fuse). extraFlags carries IOSQE_IO_LINK when this SQE
// must complete before a following one starts.
func (r *Request) spliceFixedInToPipe(fixedSrc, pipeFd int32, off uint64, n uint32, extraFlags uint8) (uint64, error) {
	sqe, err := r.acquireSQE()
	if err != nil {
		return 0, err
	}
	tag := r.userDataTag()
	sqe.Opcode = uring.OpSplice
	sqe.SpliceFdIn = fixedSrc
	sqe.Addr = off       // splice_off_in: offset in fixedSrc
	sqe.Off = ^uint64(0) // off_out: none on the pipe side
	sqe.Fd = pipeFd
	sqe.Len = n
	sqe.OpcodeFlags = uring.SpliceFFixedFdIn
	sqe.Flags = extraFlags
	sqe.UserData = tag
	return tag, nil
}

// splicePipeToFixedOut issues a splice SQE from pipeFd into the
// registered fixed file fixedDst, at off.
func (r *Request) splicePipeToFixedOut(pipeFd, fixedDst int32, off uint64, n uint32, extraFlags uint8) (uint64, error) {
	sqe, err := r.acquireSQE()
	if err != nil {
		return 0, err
	}
	tag := r.userDataTag()
	sqe.Opcode = uring.OpSplice
	sqe.SpliceFdIn = pipeFd
	sqe.Addr = ^uint64(0) // splice_off_in: none on the pipe side
	sqe.Off = off
	sqe.Fd = fixedDst
	sqe.Len = n
	sqe.Flags = extraFlags | uring.SqeFixedFile
	sqe.UserData = tag
	return tag, nil
}

// readMore issues a single plain read SQE from the slot's pipe into buf,
// awaits it, and returns the byte count. Used by R1/R3's short-read and
// heap-fallback loops, where the destination isn't necessarily a
// registered fixed buffer (a heap-allocated LOOKUP-name buffer, in R3's
// fallback case) so read_fixed doesn't apply.
func (r *Request) readMore(buf []byte) (int, error) {
	sqe, err := r.acquireSQE()
	if err != nil {
		return 0, err
	}
	tag := r.userDataTag()
	sqe.Opcode = uring.OpRead
	sqe.Fd = int32(r.Slot.PipeRead)
	sqe.Addr = uintptrOf(buf)
	sqe.Len = uint32(len(buf))
	sqe.UserData = tag

	if _, err := r.Ring.Submit(1, true); err != nil {
		return 0, fmt.Errorf("readMore submit: %w", err)
	}
	cqe := r.Engine.AwaitTag(tag)
	if cqe.Res < 0 {
		return 0, fmt.Errorf("readMore: res=%d", cqe.Res)
	}
	return int(cqe.Res), nil
}

// R1 performs the header splice-in: a linked splice from /dev/fuse into
// the slot's pipe followed by a read_fixed of the pipe into the slot's
// registered HeaderBuf, mirroring spec.md §4.5's "linked splice+read for
// the header." Both CQE results are checked against spec.md §4.5's R1
// error policy: a negative splice result or read result is fatal; a
// short (but non-negative, non-zero) read is completed with additional
// plain reads rather than treated as fatal.
func (r *Request) R1(maxHeader uint32) error {
	spliceTag, err := r.spliceFixedInToPipe(r.DevFuseFixedIdx, int32(r.Slot.PipeWrite), 0, maxHeader, uring.SqeIOLink)
	if err != nil {
		return fmt.Errorf("R1 splice: %w", err)
	}

	readSQE, err := r.acquireSQE()
	if err != nil {
		return fmt.Errorf("R1 read: %w", err)
	}
	readTag := r.userDataTag()
	readSQE.Opcode = uring.OpReadFixed
	readSQE.Fd = int32(r.Slot.PipeRead)
	readSQE.Addr = uintptrOf(r.Slot.HeaderBuf)
	readSQE.Len = maxHeader
	readSQE.BufIndex = r.Slot.HeaderBufIndex()
	readSQE.UserData = readTag

	if _, err := r.Ring.Submit(2, true); err != nil {
		return fmt.Errorf("R1 submit linked pair: %w", err)
	}

	cqes := r.Engine.AwaitTags([]uint64{spliceTag, readTag})
	rbytes, initRead := cqes[0].Res, cqes[1].Res

	if rbytes < 0 {
		return fmt.Errorf("R1: splice-in failed, res=%d", rbytes)
	}
	if initRead < 0 {
		return fmt.Errorf("R1: header read failed, res=%d", initRead)
	}

	total := int(initRead)
	for total < int(fusekernel.InHeaderSize) {
		if total == 0 {
			return fmt.Errorf("R1: header read returned 0 bytes")
		}
		n, err := r.readMore(r.Slot.HeaderBuf[total:])
		if err != nil {
			return fmt.Errorf("R1: short-read completion: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("R1: header read stalled at %d/%d bytes", total, fusekernel.InHeaderSize)
		}
		total += n
	}

	r.Header = *castInHeader(r.Slot.HeaderBuf)
	r.headerBytes = total
	r.State = StateHeaderParsed
	return nil
}

// R2 classifies the parsed header against the opcode table.
func (r *Request) R2() (shape payloadShape, supported bool) {
	return Classify(fusekernel.Opcode(r.Header.Opcode))
}

// R3 acquires whatever payload the opcode needs beyond the header: for
// fixed-body opcodes this is a byte-slice view into HeaderBuf right past
// the header, checked against the bytes R1 actually read in (a mismatch
// fails the request locally with -EINVAL, per spec.md §4.5's "unless the
// row allows trailing data, the request fails locally"). For LOOKUP it
// additionally resolves the NUL-terminated name, falling back to extra
// pipe reads into a heap buffer if the name didn't fit the prefetch
// window. For WRITE, R3 does nothing beyond exposing the fixed body: the
// write payload itself never enters user memory (SkipsPayloadAcquisition).
func (r *Request) R3(shape payloadShape) (localErrno int32, err error) {
	off := int(fusekernel.InHeaderSize)
	end := off + shape.fixedBodySize
	if end > len(r.Slot.HeaderBuf) {
		return 0, fmt.Errorf("R3: fixed body overruns header buffer")
	}
	r.Body = r.Slot.HeaderBuf[off:end]

	if shape.skipPayload {
		r.State = StatePayloadReady
		return 0, nil
	}

	if !shape.variable {
		if got, want := r.headerBytes-off, shape.fixedBodySize; got != want {
			return errnoInval, nil
		}
		r.State = StatePayloadReady
		return 0, nil
	}

	// LOOKUP: fast path first — the name (plus its NUL) usually arrived
	// in the same prefetch read that picked up the header.
	if nul := indexByte(r.Slot.HeaderBuf[end:r.headerBytes], 0); nul >= 0 {
		r.Name = string(r.Slot.HeaderBuf[end : end+nul])
		r.State = StatePayloadReady
		return 0, nil
	}

	// Slow path: fall back to a heap buffer and keep reading from the
	// pipe until the NUL terminator shows up.
	name := append([]byte(nil), r.Slot.HeaderBuf[end:r.headerBytes]...)
	for {
		if len(name) > maxLookupNameBytes {
			return 0, fmt.Errorf("R3: LOOKUP name exceeds %d bytes with no NUL terminator", maxLookupNameBytes)
		}
		chunk := make([]byte, 256)
		n, err := r.readMore(chunk)
		if err != nil {
			return 0, fmt.Errorf("R3: LOOKUP name fallback read: %w", err)
		}
		if n == 0 {
			return 0, fmt.Errorf("R3: LOOKUP name fallback read stalled")
		}
		if nul := indexByte(chunk[:n], 0); nul >= 0 {
			name = append(name, chunk[:nul]...)
			r.Name = string(name)
			r.State = StatePayloadReady
			return 0, nil
		}
		name = append(name, chunk[:n]...)
	}
}

// R4 dispatches to h and records the reply.
func (r *Request) R4(h Handler) Reply {
	return h(r)
}

// R5 writes the reply header (+ small payload) back out to /dev/fuse:
// a write_fixed from the slot's registered scratch buffer into its own
// pipe, linked to a splice from that pipe into /dev/fuse, both awaited.
// Composing the OutHeader is grounded on the teacher's internal/buffer
// OutMessage type: a fixed-capacity buffer with the header at a known
// offset so the whole reply is one contiguous write.
func (r *Request) R5(payload []byte, errno int32) error {
	total := int(fusekernel.OutHeaderSize) + len(payload)
	if total > len(r.Slot.ScratchBuf) {
		return fmt.Errorf("R5: reply too large for scratch buffer (%d > %d)", total, len(r.Slot.ScratchBuf))
	}

	out := fusekernel.OutHeader{Len: uint32(total), Error: errno, Unique: r.Header.Unique}
	writeOutHeader(r.Slot.ScratchBuf, &out)
	copy(r.Slot.ScratchBuf[fusekernel.OutHeaderSize:], payload)

	if err := r.writeReply(total); err != nil {
		return err
	}
	r.State = StateDone
	return nil
}

// writeReply moves the first n bytes of the scratch buffer back to the
// kernel.
func (r *Request) writeReply(n int) error {
	writeSQE, err := r.acquireSQE()
	if err != nil {
		return fmt.Errorf("R5 write_fixed: %w", err)
	}
	writeTag := r.userDataTag()
	writeSQE.Opcode = uring.OpWriteFixed
	writeSQE.Fd = int32(r.Slot.PipeWrite)
	writeSQE.Addr = uintptrOf(r.Slot.ScratchBuf)
	writeSQE.Len = uint32(n)
	writeSQE.BufIndex = r.Slot.ScratchBufIndex()
	writeSQE.Flags = uring.SqeIOLink
	writeSQE.UserData = writeTag

	spliceTag, err := r.splicePipeToFixedOut(int32(r.Slot.PipeRead), r.DevFuseFixedIdx, 0, uint32(n), 0)
	if err != nil {
		return fmt.Errorf("R5 splice-out: %w", err)
	}

	if _, err := r.Ring.Submit(2, true); err != nil {
		return fmt.Errorf("R5 submit: %w", err)
	}

	cqes := r.Engine.AwaitTags([]uint64{writeTag, spliceTag})
	if cqes[0].Res < 0 {
		return fmt.Errorf("R5: write_fixed failed, res=%d", cqes[0].Res)
	}
	if cqes[1].Res < 0 {
		return fmt.Errorf("R5: splice-out failed, res=%d", cqes[1].Res)
	}
	return nil
}

// R5Read completes a READ request: the OutHeader goes out via the
// generic scratch path above, then length bytes are spliced directly
// from the backing volume to /dev/fuse — the zero-copy composite
// spec.md §1/§4.6 describes as the entire point of this server. Data
// never touches process memory.
func (r *Request) R5Read(errno int32, offset uint64, length uint32) error {
	if errno != 0 || length == 0 {
		return r.R5(nil, errno)
	}

	total := int(fusekernel.OutHeaderSize) + int(length)
	out := fusekernel.OutHeader{Len: uint32(total), Unique: r.Header.Unique}
	writeOutHeader(r.Slot.ScratchBuf, &out)
	if err := r.writeReply(int(fusekernel.OutHeaderSize)); err != nil {
		return err
	}

	inTag, err := r.spliceFixedInToPipe(r.BackingFixedIdx, int32(r.Slot.PipeWrite), offset, length, uring.SqeIOLink)
	if err != nil {
		return fmt.Errorf("R5Read splice backing->pipe: %w", err)
	}
	outTag, err := r.splicePipeToFixedOut(int32(r.Slot.PipeRead), r.DevFuseFixedIdx, 0, length, 0)
	if err != nil {
		return fmt.Errorf("R5Read splice pipe->fuse: %w", err)
	}
	if _, err := r.Ring.Submit(2, true); err != nil {
		return fmt.Errorf("R5Read submit data pair: %w", err)
	}
	cqes := r.Engine.AwaitTags([]uint64{inTag, outTag})
	if cqes[0].Res < 0 {
		return fmt.Errorf("R5Read: splice backing->pipe failed, res=%d", cqes[0].Res)
	}
	if cqes[1].Res < 0 {
		return fmt.Errorf("R5Read: splice pipe->fuse failed, res=%d", cqes[1].Res)
	}

	r.State = StateDone
	return nil
}

// R5Write moves a WRITE request's data from the kernel to the backing
// file — splice(/dev/fuse(fixed) -> pipe) linked to splice(pipe ->
// backing(fixed) at offset) — before the generic scratch-buffer reply
// (the fuse_write_out payload) goes out. Like R5Read, the bytes never
// enter process memory.
func (r *Request) R5Write(payload []byte, errno int32, offset uint64, length uint32) error {
	if errno == 0 && length > 0 {
		inTag, err := r.spliceFixedInToPipe(r.DevFuseFixedIdx, int32(r.Slot.PipeWrite), 0, length, uring.SqeIOLink)
		if err != nil {
			return fmt.Errorf("R5Write splice fuse->pipe: %w", err)
		}
		outTag, err := r.splicePipeToFixedOut(int32(r.Slot.PipeRead), r.BackingFixedIdx, offset, length, 0)
		if err != nil {
			return fmt.Errorf("R5Write splice pipe->backing: %w", err)
		}
		if _, err := r.Ring.Submit(2, true); err != nil {
			return fmt.Errorf("R5Write submit data pair: %w", err)
		}
		cqes := r.Engine.AwaitTags([]uint64{inTag, outTag})
		if cqes[0].Res < 0 {
			return fmt.Errorf("R5Write: splice fuse->pipe failed, res=%d", cqes[0].Res)
		}
		if cqes[1].Res < 0 {
			return fmt.Errorf("R5Write: splice pipe->backing failed, res=%d", cqes[1].Res)
		}
	}

	return r.R5(payload, errno)
}
