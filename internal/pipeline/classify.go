// Package pipeline drives a single request through the five phases
// spec.md §4.5 names: R1 (splice-in + header prefetch), R2 (classify),
// R3 (payload buffer acquisition), R4 (dispatch), R5 (reply). Each
// in-flight request is one body started with task.Spawn on
// internal/task's Engine, carrying a *Request state record whose State
// field moves Spliced -> HeaderParsed -> PayloadReady -> Done. StateReplied
// is defined but never assigned: R5/R5Read set StateDone as soon as the
// reply is written.
//
// Grounded on github.com/ehrlich-b/go-ublk's per-tag Runner: that queue
// runner faces the identical shape of problem (the kernel hands back a
// fixed in-flight unit of work over a ring; the handler must carry it
// through a small state machine and hand it back before the slot can be
// reused), which is why each phase is a method on Request that records
// its outcome in an explicit State field; internal/session calls the
// phases in order.
package pipeline

import (
	"github.com/uroni/fuseuring/internal/fusekernel"
)

// State names where a Request sits in the five-phase pipeline.
type State int

const (
	StateSpliced State = iota
	StateHeaderParsed
	StatePayloadReady
	StateReplied
	StateDone
)

// payloadShape describes, for one opcode, how much fixed-size request
// body follows the fuse_in_header and whether the opcode carries a
// variable-length payload beyond that (LOOKUP's name string, WRITE's
// data) that R3 must acquire from the header buffer/pipe rather
// than treat as a fixed-size slice.
type payloadShape struct {
	fixedBodySize int
	variable      bool

	// skipPayload marks opcodes whose variable-length payload must never
	// be acquired by R3 at all: WRITE's request data is spliced straight
	// from /dev/fuse to the backing file without ever passing through
	// process memory, per spec.md §4.5 ("For WRITE, R3 is skipped: the
	// write payload never enters user memory").
	skipPayload bool
}

// classify is the opcode -> payload-size table R2 consults. Opcodes not
// present here are replied to with -ENOSYS without ever reaching R3.
var classify = map[fusekernel.Opcode]payloadShape{
	fusekernel.OpInit:       {fixedBodySize: 16},
	fusekernel.OpLookup:     {fixedBodySize: 0, variable: true}, // name string
	fusekernel.OpGetattr:    {fixedBodySize: int(fusekernel.GetattrInSize)},
	fusekernel.OpSetattr:    {fixedBodySize: int(fusekernel.SetattrInSize)},
	fusekernel.OpOpendir:    {fixedBodySize: int(fusekernel.OpenInSize)},
	fusekernel.OpOpen:       {fixedBodySize: int(fusekernel.OpenInSize)},
	fusekernel.OpReleasedir: {fixedBodySize: int(fusekernel.ReleaseInSize)},
	fusekernel.OpRelease:    {fixedBodySize: int(fusekernel.ReleaseInSize)},
	fusekernel.OpReaddir:    {fixedBodySize: int(fusekernel.ReadInSize)},
	fusekernel.OpRead:       {fixedBodySize: int(fusekernel.ReadInSize)},
	fusekernel.OpWrite:      {fixedBodySize: int(fusekernel.WriteInSize), variable: true, skipPayload: true},
}

// Classify reports the payload shape for opcode and whether this server
// handles it at all.
func Classify(op fusekernel.Opcode) (shape payloadShape, supported bool) {
	shape, supported = classify[op]
	return
}

// FixedBodySize is how many bytes of fixed-layout request body follow
// the fuse_in_header for op; 0 if op carries no fixed body (e.g. LOOKUP,
// whose only payload is a NUL-terminated name string).
func (s payloadShape) FixedBodySize() int { return s.fixedBodySize }

// HasVariablePayload reports whether op carries payload beyond its fixed
// body (LOOKUP's name string, or WRITE's data) that R3 must acquire
// separately from the header buffer, unless SkipsPayloadAcquisition.
func (s payloadShape) HasVariablePayload() bool { return s.variable }

// SkipsPayloadAcquisition reports whether R3 must do nothing at all for
// this opcode's variable payload (WRITE only).
func (s payloadShape) SkipsPayloadAcquisition() bool { return s.skipPayload }
