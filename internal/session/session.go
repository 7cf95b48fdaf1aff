// Package session implements C4, the FUSE request loop: while the slot
// pool has capacity, spawn one detached request task per slot; drive the
// ring with a flush-and-block followed by a completion drain; stop on
// the first fatal task return code. Grounded on the teacher's
// Connection/Server split (server.go spawns one goroutine per inbound
// message; this repo's analogue spawns one task per pooled slot instead)
// and on go-ublk's Runner, whose FETCH/COMMIT_AND_FETCH loop is the
// closest pack analogue to "submit, block for at least one completion,
// drain, repeat."
package session

import (
	"fmt"

	"github.com/uroni/fuseuring/internal/diag"
	"github.com/uroni/fuseuring/internal/fusekernel"
	"github.com/uroni/fuseuring/internal/handlers"
	"github.com/uroni/fuseuring/internal/ioslot"
	"github.com/uroni/fuseuring/internal/pipeline"
	"github.com/uroni/fuseuring/internal/task"
	"github.com/uroni/fuseuring/internal/uring"
)

func opcodeOf(req *pipeline.Request) fusekernel.Opcode {
	return fusekernel.Opcode(req.Header.Opcode)
}

// Session owns one ring, one slot pool, and the engine coordinating
// tasks against them. cmd/fuseuring constructs a single Session.
type Session struct {
	Ring     *uring.Ring
	Pool     *ioslot.Pool
	Engine   *task.Engine
	Handlers *handlers.Table

	DevFuseFixedIdx int32
	BackingFixedIdx int32
	MaxHeaderSize   uint32

	lastRC chan error
}

// New constructs a Session ready for Run.
func New(ring *uring.Ring, pool *ioslot.Pool, h *handlers.Table, devFuseFixedIdx, backingFixedIdx int32, maxHeaderSize uint32) *Session {
	return &Session{
		Ring:            ring,
		Pool:            pool,
		Engine:          task.NewEngine(),
		Handlers:        h,
		DevFuseFixedIdx: devFuseFixedIdx,
		BackingFixedIdx: backingFixedIdx,
		MaxHeaderSize:   maxHeaderSize,
		lastRC:          make(chan error, 1),
	}
}

// Run drives the loop until a task reports a fatal error, returning that
// error (wrapped as *task.FatalError) to the caller. The caller
// (cmd/fuseuring) maps it to one of internal/diag's stage exit codes.
func (s *Session) Run() error {
	for {
		for s.Pool.Len() > 0 {
			slot := s.Pool.Acquire()
			if slot == nil {
				break
			}
			s.spawnRequest(slot)
		}

		if _, err := s.Ring.Submit(1, true); err != nil {
			return &task.FatalError{Stage: diag.StageSubmitFailure, Err: err}
		}

		cqes := make([]uring.CQE, 32)
		for {
			n := s.Ring.Drain(cqes)
			if n == 0 {
				break
			}
			for i := 0; i < n; i++ {
				s.Engine.Route(cqes[i])
			}
		}
		for s.Engine.SignalSQESlot() {
			// Wake every task parked on a submission slot; each re-checks
			// AcquireSQE itself, so over-waking is harmless.
		}

		if fe := s.Engine.TakeFatal(); fe != nil {
			return fe
		}

		select {
		case err := <-s.lastRC:
			if err != nil {
				return err
			}
		default:
		}
	}
}

func (s *Session) spawnRequest(slot *ioslot.Slot) {
	task.Spawn(s.Engine, func(e *task.Engine) {
		defer s.Pool.Release(slot)

		req := &pipeline.Request{
			Slot:            slot,
			Engine:          e,
			Ring:            s.Ring,
			DevFuseFixedIdx: s.DevFuseFixedIdx,
			BackingFixedIdx: s.BackingFixedIdx,
		}

		if err := req.R1(s.MaxHeaderSize); err != nil {
			s.fail(diag.StageHeaderSplice, fmt.Errorf("R1: %w", err))
			return
		}

		shape, supported := req.R2()
		if !supported {
			diag.Debugf("unique=%d opcode=%d: unsupported, replying ENOSYS",
				req.Header.Unique, req.Header.Opcode)
			if err := req.R5(nil, -38); err != nil {
				s.fail(diag.StageReplyWrite, fmt.Errorf("R5: %w", err))
			}
			return
		}

		localErrno, err := req.R3(shape)
		if err != nil {
			s.fail(diag.StagePayloadSplice, fmt.Errorf("R3: %w", err))
			return
		}
		if localErrno != 0 {
			if err := req.R5(nil, localErrno); err != nil {
				s.fail(diag.StageReplyWrite, fmt.Errorf("R5: %w", err))
			}
			return
		}

		h, ok := s.Handlers.Dispatch(opcodeOf(req))
		if !ok {
			if err := req.R5(nil, -38); err != nil {
				s.fail(diag.StageReplyWrite, fmt.Errorf("R5: %w", err))
			}
			return
		}

		reply := req.R4(h)
		diag.Debugf("unique=%d opcode=%d errno=%d", req.Header.Unique, req.Header.Opcode, reply.Errno)

		var replyErr error
		switch reply.Direction {
		case pipeline.DataOut:
			replyErr = req.R5Read(reply.Errno, reply.DataOffset, reply.DataLength)
		case pipeline.DataIn:
			replyErr = req.R5Write(reply.Payload, reply.Errno, reply.DataOffset, reply.DataLength)
		default:
			replyErr = req.R5(reply.Payload, reply.Errno)
		}
		if replyErr != nil {
			s.fail(diag.StageReplyWrite, fmt.Errorf("R5: %w", replyErr))
		}
	})
}

// fail records a fatal condition tagged with the pipeline stage that
// produced it, per spec.md §7's "exit code documenting the stage."  Only
// the first reported failure wins; later calls are dropped since the
// session is already tearing down.
func (s *Session) fail(stage int, err error) {
	select {
	case s.lastRC <- &task.FatalError{Stage: stage, Err: err}:
	default:
	}
}
