// Command fuseuring mounts a zero-copy, two-inode FUSE filesystem backed
// by a single file, served over io_uring. See SPEC_FULL.md for the full
// design; this file only wires internal/setup's startup sequence to
// internal/session's request loop, the way the teacher's sample mount
// commands (samples/mount_hello, samples/mount_memfs) wire a
// fuse.FileSystem into fuse.Mount and then block on
// MountedFileSystem.Join.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/jacobsa/timeutil"

	"github.com/uroni/fuseuring/internal/diag"
	"github.com/uroni/fuseuring/internal/handlers"
	"github.com/uroni/fuseuring/internal/ioslot"
	"github.com/uroni/fuseuring/internal/namespace"
	"github.com/uroni/fuseuring/internal/session"
	"github.com/uroni/fuseuring/internal/setup"
	"github.com/uroni/fuseuring/internal/task"
	"github.com/uroni/fuseuring/internal/uring"
)

func main() {
	flag.Parse()

	cfg, err := setup.ParseArgs(flag.Args())
	if err != nil {
		setup.ExitOnUsageError(err)
		// ExitOnUsageError always calls os.Exit for a usage error; this
		// path is only reached for a non-usage parse error, which
		// ParseArgs never actually returns, but fail closed regardless.
		fmt.Fprintln(os.Stderr, err)
		os.Exit(setup.UsageExitCode)
	}

	if err := run(cfg); err != nil {
		stage := 1
		var fe *task.FatalError
		if asFatal(err, &fe) {
			stage = fe.Stage
		}
		diag.Errorf("fatal: %v", err)
		os.Exit(stage)
	}
}

func asFatal(err error, out **task.FatalError) bool {
	fe, ok := err.(*task.FatalError)
	if !ok {
		return false
	}
	*out = fe
	return true
}

func run(cfg *setup.Config) error {
	backing, err := setup.OpenBacking(cfg.BackingFile, cfg.BackingSize)
	if err != nil {
		return &task.FatalError{Stage: diag.StageBackingFileOpen, Err: err}
	}
	defer backing.Close()

	devFuse, err := setup.OpenDevFuse()
	if err != nil {
		return &task.FatalError{Stage: diag.StageDevFuseOpen, Err: err}
	}
	defer devFuse.Close()

	if err := setup.Mount(cfg.MountPoint, devFuse); err != nil {
		return &task.FatalError{Stage: diag.StageMount, Err: err}
	}
	defer setup.Unmount(cfg.MountPoint)

	initResult, err := setup.Handshake(devFuse, cfg.MaxBackground)
	if err != nil {
		return &task.FatalError{Stage: diag.StageInitRead, Err: err}
	}
	diag.Debugf("negotiated FUSE protocol %d.%d, max_write=%d",
		initResult.Proto.Major, initResult.Proto.Minor, initResult.MaxWrite)

	ring, err := uring.New(cfg.MaxBackground*2, 0)
	if err != nil {
		return &task.FatalError{Stage: diag.StageRingSetup, Err: err}
	}
	defer ring.Close()

	fixedFiles := []int32{int32(devFuse.Fd()), int32(backing.Fd())}
	if err := ring.RegisterFixedFiles(fixedFiles); err != nil {
		return &task.FatalError{Stage: diag.StageRegisterFiles, Err: err}
	}

	pool := ioslot.New(int(cfg.MaxBackground))
	if err := ring.RegisterFixedBuffers(pool.BufferIovecs()); err != nil {
		return &task.FatalError{Stage: diag.StageRegisterBuffers, Err: err}
	}

	ns := namespace.New(timeutil.RealClock(), cfg.BackingSize)
	h := handlers.New(ns)

	sess := session.New(ring, pool, h, 0 /* devFuse fixed idx */, 1, /* backing fixed idx */
		uint32(ioslot.HeaderBufSize))

	return sess.Run()
}
