// Package task implements the cooperative, single-threaded task runtime
// described by spec.md §4.2. A Task is a goroutine that never runs
// concurrently with the engine loop's own ring manipulation: it blocks on
// a channel at each of its three permitted suspension points and is only
// ever woken back up from the engine goroutine's Route/SignalSQESlot
// calls. This is the idiomatic-Go stand-in for the original's stackless
// C++ coroutines — channels plus goroutines take the place of a hand
// rolled coroutine frame, the way github.com/ehrlich-b/go-ublk's Runner
// drives per-tag state machines from a single completion loop.
package task

import (
	"fmt"

	"github.com/uroni/fuseuring/internal/uring"
)

// State is a Task's lifecycle stage.
type State int

const (
	StateInit State = iota
	// StateRunning means the task's goroutine currently holds control.
	StateRunning
	// StateSuspended means the task is blocked at one of the three
	// suspension points, waiting for the engine to wake it.
	StateSuspended
	// StateDetached means nobody will ever await this task's result; the
	// engine reclaims it instead of resuming it further.
	StateDetached
	// StateDone means the task produced a result (or fatal error) and
	// its goroutine has exited.
	StateDone
)

// SuspendKind names which of the three permitted suspension points a
// task is parked at.
type SuspendKind int

const (
	// SuspendSQE: awaiting a free submission-queue slot.
	SuspendSQE SuspendKind = iota
	// SuspendCompletion: awaiting one or more ring completions as a group.
	SuspendCompletion
	// SuspendChild: awaiting a child task's result.
	SuspendChild
)

// FatalError marks an out-of-protocol condition that must end the
// session, per spec.md §7. Stage identifies which of the documented
// 1..19 fatal stages produced it; internal/diag owns the stage constants.
type FatalError struct {
	Stage int
	Err   error
}

func (f *FatalError) Error() string {
	return fmt.Sprintf("fatal stage %d: %v", f.Stage, f.Err)
}

func (f *FatalError) Unwrap() error { return f.Err }

// Task is a suspendable unit of work producing a value of type T. Tasks
// are created via NewTask, completed via Finish and awaited via Await;
// Spawn starts a body on its own goroutine without creating a Task. That
// goroutine does no ring I/O of its own — it always routes through the
// *Engine passed to its body, which serializes access to the ring.
type Task[T any] struct {
	state  State
	result T
	err    error
	done   chan struct{}
}

// Engine is the single-goroutine coordinator a Task's body uses to reach
// the three suspension points. internal/session owns the one Engine for
// a ring and drives it from the request loop; nothing else may call its
// Route/SignalSQESlot methods concurrently with that loop. AwaitSQE/
// AwaitTag/AwaitTags are called from request-task goroutines and may run
// concurrently with each other and with the loop, guarded by mu.
type Engine struct {
	mu chan struct{} // binary semaphore guarding tagWaiters

	resumeSQE chan chan *sqeToken

	tagWaiters map[uint64]chan uring.CQE

	fatal chan *FatalError
}

// sqeToken is handed back across the SuspendSQE channel once a slot is
// available; internal/pipeline uses it only as a readiness signal, the
// actual *uring.SQE comes from the ring directly since only the engine
// goroutine touches ring memory.
type sqeToken struct{}

// NewEngine constructs an Engine. internal/session creates exactly one
// per ring.
func NewEngine() *Engine {
	e := &Engine{
		mu:         make(chan struct{}, 1),
		resumeSQE:  make(chan chan *sqeToken),
		tagWaiters: make(map[uint64]chan uring.CQE),
		fatal:      make(chan *FatalError, 1),
	}
	e.mu <- struct{}{}
	return e
}

func (e *Engine) lock()   { <-e.mu }
func (e *Engine) unlock() { e.mu <- struct{}{} }

// Spawn starts fn on its own goroutine as a detached task: spec.md's
// request loop never awaits individual requests, it only counts how many
// slots are in flight, so Spawn does not return a handle the caller must
// join. fn receives e so it can reach AwaitSQE/AwaitTag(s). A panic
// escaping fn is not allowed to vanish: it is converted into a
// *FatalError and reported to the engine, which Run surfaces the same
// way any other fatal condition ends the session (spec.md §4.4/§7 — a
// fatal task failure ends the loop, it never limps on silently).
func Spawn(e *Engine, fn func(e *Engine)) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				e.reportFatal(&FatalError{
					Stage: 16, // diag.StageDispatchPanic, kept numeric to avoid an import cycle with diag
					Err:   fmt.Errorf("panic in request task: %v", r),
				})
			}
		}()
		fn(e)
	}()
}

// reportFatal records err as the engine's fatal condition, if one isn't
// already pending. Only the first fatal report wins; internal/session's
// Run drains this channel once per loop iteration.
func (e *Engine) reportFatal(err *FatalError) {
	select {
	case e.fatal <- err:
	default:
	}
}

// TakeFatal returns a pending fatal condition reported by a panicking
// task, if any, non-blockingly.
func (e *Engine) TakeFatal() *FatalError {
	select {
	case err := <-e.fatal:
		return err
	default:
		return nil
	}
}

// AwaitSQE blocks the calling task's goroutine until the engine signals a
// submission-queue slot is believed free. Ring.AcquireSQE (called by
// internal/pipeline) still does the real reservation and can still return nil under
// race with other tasks, in which case the caller loops: spec.md's
// "flush-then-spin" policy, not a hard guarantee from this call alone.
func (e *Engine) AwaitSQE() {
	reply := make(chan *sqeToken)
	e.resumeSQE <- reply
	<-reply
}

// SignalSQESlot wakes exactly one task parked in AwaitSQE. Called by the
// engine loop (internal/session) after each Submit and Drain.
func (e *Engine) SignalSQESlot() bool {
	select {
	case reply := <-e.resumeSQE:
		reply <- &sqeToken{}
		return true
	default:
		return false
	}
}

// AwaitTag blocks until a completion carrying this exact user_data value
// has been routed to it, and returns that CQE (with its Res field
// intact, unlike the old batch-delivery API this replaces).
func (e *Engine) AwaitTag(tag uint64) uring.CQE {
	return e.AwaitTags([]uint64{tag})[0]
}

// AwaitTags blocks until a completion has arrived for every tag in tags,
// implementing spec.md §4.2's "await N completions as a group"
// suspension point. Results are returned in the same order as tags.
func (e *Engine) AwaitTags(tags []uint64) []uring.CQE {
	chans := make([]chan uring.CQE, len(tags))

	e.lock()
	for i, t := range tags {
		ch := make(chan uring.CQE, 1)
		chans[i] = ch
		e.tagWaiters[t] = ch
	}
	e.unlock()

	out := make([]uring.CQE, len(tags))
	for i, ch := range chans {
		out[i] = <-ch
	}
	return out
}

// Route delivers each CQE to its registered tag waiter, if one is
// currently parked for it. Called by the engine loop (internal/session)
// once per drained completion, after Ring.Drain. A CQE with no
// registered waiter is dropped silently — that's expected for any SQE a
// caller chose not to await (none currently exist, but Route doesn't
// assume otherwise).
func (e *Engine) Route(c uring.CQE) {
	e.lock()
	ch, ok := e.tagWaiters[c.UserData]
	if ok {
		delete(e.tagWaiters, c.UserData)
	}
	e.unlock()

	if ok {
		ch <- c
	}
}

// Await blocks the calling goroutine until child produces a result,
// implementing the third suspension point (await a child task). Unlike
// the ring-bound suspension points this needs no Engine participation:
// the child's own goroutine closes done when finished.
func Await[T any](child *Task[T]) (T, error) {
	<-child.done
	return child.result, child.err
}

// NewTask constructs a Task in StateInit; body must call Finish exactly
// once on the returned handle when it has a result.
func NewTask[T any]() *Task[T] {
	return &Task[T]{state: StateInit, done: make(chan struct{})}
}

// Finish records a task's result and transitions it to StateDone,
// unblocking anyone parked in Await on it.
func (t *Task[T]) Finish(result T, err error) {
	t.result = result
	t.err = err
	t.state = StateDone
	close(t.done)
}

// Detach marks a task Detached: nobody will Await it. It only changes
// the reported State (a later Finish still sets StateDone); the task's
// memory is reclaimed by the garbage collector like any other value. The
// request loop does not use Task values: it starts request bodies with
// Spawn.
func (t *Task[T]) Detach() { t.state = StateDetached }

// State reports the task's current lifecycle stage.
func (t *Task[T]) State() State { return t.state }
