package diag

// Fatal stage codes, passed to os.Exit by cmd/fuseuring/main.go when a
// *task.FatalError unwinds out of internal/session.Run. Per spec.md §7,
// fatal (out-of-protocol) conditions set last_rc and tear the whole
// session down; there is no retry, the process is meant to be restarted
// by its supervisor. Usage errors are reported separately with exit
// code 101 and never go through this table.
//
// Not every stage below is reported by a caller: cmd/fuseuring reports a
// fallocate failure as StageBackingFileOpen and every Handshake failure
// as StageInitRead; internal/session reports every R1 failure as
// StageHeaderSplice and every R3 failure as StagePayloadSplice.
// StageCloneThread and StageDrainFailure are not reported anywhere.
const (
	// Stage 0 is unused: when the four positional CLI arguments fail
	// validation, internal/setup.ExitOnUsageError exits 101 directly.
	_ = iota

	// StageBackingFileOpen: the backing file could not be opened/created.
	StageBackingFileOpen
	// StageBackingFileAllocate: go-fallocate failed to size the backing
	// file to the requested byte count.
	StageBackingFileAllocate
	// StageDevFuseOpen: /dev/fuse could not be opened.
	StageDevFuseOpen
	// StageMount: the mount(2) syscall establishing the fuse mount failed.
	StageMount
	// StageRingSetup: io_uring_setup failed.
	StageRingSetup
	// StageRegisterFiles: IORING_REGISTER_FILES failed.
	StageRegisterFiles
	// StageRegisterBuffers: IORING_REGISTER_BUFFERS failed.
	StageRegisterBuffers
	// StageInitWrite: writing the FUSE_INIT reply failed.
	StageInitWrite
	// StageInitRead: reading the FUSE_INIT request failed or was short.
	StageInitRead
	// StageInitUnsupported: the kernel could not grant
	// fusekernel.RequiredInitFlags.
	StageInitUnsupported
	// StageCloneThread: FUSE_DEV_IOC_CLONE failed for a worker thread.
	StageCloneThread
	// StageHeaderSplice: the R1 linked splice-in for a request header
	// returned a negative result.
	StageHeaderSplice
	// StageHeaderShort: a header read returned fewer than
	// sizeof(fuse_in_header) bytes and could not be completed by
	// further reads.
	StageHeaderShort
	// StagePayloadSplice: the R3 payload splice returned a fatal result.
	StagePayloadSplice
	// StagePayloadShort: a payload read loop could not complete within
	// the bounds the classify table promised.
	StagePayloadShort
	// StageDispatchPanic: an opcode handler panicked instead of
	// returning an errno.
	StageDispatchPanic
	// StageReplyWrite: writing a reply back through /dev/fuse failed
	// (any negative write or splice result, ENOENT included).
	StageReplyWrite
	// StageSubmitFailure: io_uring_enter itself returned an error
	// (distinct from an individual SQE's CQE carrying a negative Res).
	StageSubmitFailure
	// StageDrainFailure: the completion-routing invariant was violated
	// (a CQE's user_data did not match any outstanding waiter).
	StageDrainFailure
)

// UsageExitCode is returned by the process when CLI argument validation
// fails, per spec.md §6.
const UsageExitCode = 101
