package setup

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// OpenDevFuse opens the primary /dev/fuse handle the FUSE_INIT handshake
// runs over. CloneRegistry.CloneThread can clone further handles from
// it.
func OpenDevFuse() (*os.File, error) {
	f, err := os.OpenFile("/dev/fuse", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/fuse: %w", err)
	}
	return f, nil
}

// Mount performs the mount(2) syscall associating mountPoint with the
// already-open /dev/fuse handle devFuse. The data string format
// ("fd=N,rootmode=...,user_id=...,group_id=...") is the kernel FUSE ABI's
// own mount option convention, not something sourced from the teacher
// (which delegates this entirely to bazil.org/fuse on Linux); fuseuring
// performs it directly since it owns the /dev/fuse fd end to end.
func Mount(mountPoint string, devFuse *os.File) error {
	uid := os.Getuid()
	gid := os.Getgid()

	data := fmt.Sprintf("fd=%d,rootmode=40755,user_id=%d,group_id=%d", devFuse.Fd(), uid, gid)

	err := unix.Mount("fuseuring", mountPoint, "fuse", 0, data)
	if err != nil {
		return fmt.Errorf("mount(%q): %w", mountPoint, err)
	}
	return nil
}

// Unmount issues umount2(2) against mountPoint, used both for clean
// shutdown and to unwind a failed startup.
func Unmount(mountPoint string) error {
	return unix.Unmount(mountPoint, unix.MNT_DETACH)
}
