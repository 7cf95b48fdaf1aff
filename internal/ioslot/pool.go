// Package ioslot implements the per-request scratch-buffer pool (C3):
// spec.md's FuseIo bundle (a pipe pair, a header buffer, a scratch
// buffer, and fixed-buffer indices) kept in a LIFO pool with exactly one
// slot checked out per in-flight request. Exhausting the pool is not an
// error condition — internal/session only starts new request tasks while
// the pool is non-empty, so the pool size is the hard cap on concurrency.
//
// Grounded on the teacher's internal/buffer package (fixed-capacity,
// pre-sized scratch buffers reused across requests instead of
// allocating per message) and on jacobsa/syncutil's invariant-checked
// guarded state, used here to guard the free-slot list.
package ioslot

import (
	"fmt"

	"github.com/jacobsa/syncutil"
	"golang.org/x/sys/unix"
)

// HeaderBufSize must be large enough for a fuse_in_header plus the
// largest fixed-size request body that can follow it (fuse_setattr_in,
// 88 bytes, is the largest among the opcodes this server handles).
const HeaderBufSize = 40 + 88 // InHeaderSize + SetattrInSize, kept as literals

// ScratchBufSize is the size of each slot's reply buffer (OutHeader plus
// a non-data reply body). READ/WRITE data is spliced and never passes
// through it, so it does not track the max_write advertised at FUSE_INIT.
const ScratchBufSize = 128 * 1024

// Slot is one FuseIo bundle: everything a single in-flight request needs
// that must not be shared with any other concurrently in-flight request.
type Slot struct {
	// Index is this slot's position in the pool's backing array. The
	// ring's fixed-buffer indices for this slot's HeaderBuf/ScratchBuf
	// are derived from it (HeaderBufIndex/ScratchBufIndex), matching the
	// layout BufferIovecs registers with RegisterFixedBuffers.
	Index int

	// PipeRead/PipeWrite are the two ends of a dedicated pipe used for
	// splice round-tripping payload data between /dev/fuse and the
	// backing file without copying through userspace.
	PipeRead, PipeWrite int

	HeaderBuf  []byte
	ScratchBuf []byte
}

func newSlot(index int) *Slot {
	return &Slot{
		Index:      index,
		HeaderBuf:  make([]byte, HeaderBufSize),
		ScratchBuf: make([]byte, ScratchBufSize),
	}
}

// HeaderBufIndex is this slot's registered fixed-buffer index for
// HeaderBuf, per BufferIovecs' 2N/2N+1 layout.
func (s *Slot) HeaderBufIndex() uint16 { return uint16(2 * s.Index) }

// ScratchBufIndex is this slot's registered fixed-buffer index for
// ScratchBuf.
func (s *Slot) ScratchBufIndex() uint16 { return uint16(2*s.Index + 1) }

// Pool is the LIFO pool of Slots. The embedded invariant mutex serializes
// Acquire, Release and Len: internal/session's loop calls Len/Acquire
// while request-task goroutines call Release when they finish.
type Pool struct {
	mu    syncutil.InvariantMutex
	max   int
	slots []*Slot // GUARDED_BY(mu)
	all   []*Slot // fixed at New, indexed by Slot.Index, never mutated after
}

// New creates a pool with n slots, matching the CLI's
// fuse-max-background argument (spec.md §6).
func New(n int) *Pool {
	p := &Pool{max: n, slots: make([]*Slot, n), all: make([]*Slot, n)}
	for i := range p.slots {
		p.slots[i] = newSlot(i)
		p.all[i] = p.slots[i]
	}
	p.mu = syncutil.NewInvariantMutex(p.checkInvariants)
	return p
}

// BufferIovecs describes every slot's HeaderBuf and ScratchBuf, in a
// fixed 2N/2N+1 layout (header, then scratch, per slot index), for
// registration with Ring.RegisterFixedBuffers at startup. Slot buffers
// are allocated once here and never reallocated, so the returned iovecs
// stay valid for the pool's entire lifetime — this is what lets
// internal/pipeline address them by index with read_fixed/write_fixed
// instead of raw read/write, per spec.md §4's fixed-I/O invariant.
func (p *Pool) BufferIovecs() []unix.Iovec {
	iovecs := make([]unix.Iovec, 0, len(p.all)*2)
	for _, s := range p.all {
		iovecs = append(iovecs,
			unix.Iovec{Base: &s.HeaderBuf[0], Len: uint64(len(s.HeaderBuf))},
			unix.Iovec{Base: &s.ScratchBuf[0], Len: uint64(len(s.ScratchBuf))},
		)
	}
	return iovecs
}

func (p *Pool) checkInvariants() {
	if len(p.slots) > p.max {
		panic(fmt.Sprintf("slot pool grew beyond its configured size %d", p.max))
	}
}

// Acquire pops one slot off the pool, or returns nil if empty.
func (p *Pool) Acquire() *Slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	if n == 0 {
		return nil
	}
	s := p.slots[n-1]
	p.slots = p.slots[:n-1]
	return s
}

// Release pushes a slot back onto the pool. Callers must have finished
// all I/O against the slot's buffers and pipe before calling this —
// spec.md's pipeline state machine releases on its Done transition,
// after the reply has been fully written.
func (p *Pool) Release(s *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slots = append(p.slots, s)
}

// Len reports how many slots are currently available. Used by
// internal/session's loop to decide whether to spawn another request
// task.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
