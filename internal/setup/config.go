// Package setup implements fuseuring's command-line surface and
// one-time session bring-up: argument parsing, backing-file sizing,
// the mount(2) call, the FUSE_INIT handshake, and per-thread
// FUSE_DEV_IOC_CLONE fan-out. Grounded on the teacher's MountConfig
// (mounted_file_system.go), which likewise collects a handful of
// CLI-level knobs into one struct validated in a single place before
// any session work begins.
package setup

import (
	"fmt"
	"os"
	"strconv"

	"github.com/uroni/fuseuring/internal/diag"
)

// Config is fuseuring's validated command line: spec.md §6's four
// positional arguments. There are no thread-count or max-in-flight
// flags; the only flag is internal/diag's -fuseuring.debug, which is not
// part of Config.
type Config struct {
	BackingFile     string
	MountPoint      string
	BackingSize     uint64
	MaxBackground   uint32
}

// ParseArgs validates argv (excluding argv[0]) against spec.md §6's
// "four positional arguments, exit code 101 on usage error" contract.
// Unlike the teacher's flag-based MountConfig, fuseuring's CLI has no
// optional flags of its own beyond internal/diag's -fuseuring.debug,
// which the standard flag package already parsed out by the time argv
// reaches here.
func ParseArgs(argv []string) (*Config, error) {
	if len(argv) != 4 {
		return nil, usageErr("expected 4 positional arguments: <backing-file> <mount-point> <backing-size-bytes> <fuse-max-background>, got %d", len(argv))
	}

	size, err := strconv.ParseUint(argv[2], 10, 64)
	if err != nil || size == 0 {
		return nil, usageErr("backing-size-bytes must be a positive integer, got %q", argv[2])
	}

	maxBg, err := strconv.ParseUint(argv[3], 10, 32)
	if err != nil || maxBg == 0 {
		return nil, usageErr("fuse-max-background must be a positive integer, got %q", argv[3])
	}

	return &Config{
		BackingFile:   argv[0],
		MountPoint:    argv[1],
		BackingSize:   size,
		MaxBackground: uint32(maxBg),
	}, nil
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

func usageErr(format string, args ...any) error {
	return &usageError{msg: fmt.Sprintf(format, args...)}
}

// ExitOnUsageError prints err to stderr and exits with
// diag.UsageExitCode if err came from ParseArgs, matching spec.md §6
// exactly. It does nothing (returns) for any other error, leaving fatal
// runtime errors to cmd/fuseuring's stage-code mapping instead.
func ExitOnUsageError(err error) {
	var ue *usageError
	if u, ok := err.(*usageError); ok {
		ue = u
	}
	if ue == nil {
		return
	}
	diag.Errorf("usage: %v", ue)
	fmt.Fprintf(os.Stderr, "fuseuring: %v\n", ue)
	os.Exit(diag.UsageExitCode)
}
