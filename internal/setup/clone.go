package setup

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/jacobsa/syncutil"
)

// FUSE_DEV_IOC_CLONE's ioctl number, from the kernel's fuse.h: _IOR(229, 0, uint32).
const fuseDevIocClone = 0x8004e500

// CloneRegistry tracks which thread index owns which cloned /dev/fuse
// handle. Its map is guarded the way samples/memfs guards its inode
// table, with syncutil.InvariantMutex, so CloneThread may be called from
// several goroutines. cmd/fuseuring runs a single session and does not
// call CloneThread.
type CloneRegistry struct {
	mu      syncutil.InvariantMutex
	clones  map[int]*os.File // GUARDED_BY(mu)
}

// NewCloneRegistry constructs an empty registry.
func NewCloneRegistry() *CloneRegistry {
	r := &CloneRegistry{clones: make(map[int]*os.File)}
	r.mu = syncutil.NewInvariantMutex(r.checkInvariants)
	return r
}

func (r *CloneRegistry) checkInvariants() {
	for idx, f := range r.clones {
		if f == nil {
			panic(fmt.Sprintf("clone registry has nil handle for thread %d", idx))
		}
	}
}

// CloneThread performs FUSE_DEV_IOC_CLONE against primary to obtain a
// fresh /dev/fuse handle that shares the same FUSE connection, per
// spec.md §5's "each thread opens its own /dev/fuse handle cloned from
// the primary." The clone is registered under threadIndex.
func (r *CloneRegistry) CloneThread(primary *os.File, threadIndex int) (*os.File, error) {
	clone, err := os.OpenFile("/dev/fuse", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/fuse for clone: %w", err)
	}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, clone.Fd(), uintptr(fuseDevIocClone), uintptr(primary.Fd()))
	if errno != 0 {
		clone.Close()
		return nil, fmt.Errorf("FUSE_DEV_IOC_CLONE: %w", errno)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.clones[threadIndex] = clone

	return clone, nil
}

// Get returns the cloned handle registered for threadIndex, if any.
func (r *CloneRegistry) Get(threadIndex int) (*os.File, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.clones[threadIndex]
	return f, ok
}

// Len reports how many threads have cloned a handle so far.
func (r *CloneRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clones)
}
