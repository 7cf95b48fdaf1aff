package setup

import (
	"fmt"
	"os"

	fallocate "github.com/detailyang/go-fallocate"

	"github.com/uroni/fuseuring/internal/diag"
)

// OpenBacking opens (creating if necessary) the backing file at path and
// preallocates it to size bytes using go-fallocate, matching spec.md
// §6's "backing-size-bytes" argument: the volume inode's fixed Size is
// this value for the lifetime of the process.
func OpenBacking(path string, size uint64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open backing file %q: %w", path, err)
	}

	if err := fallocate.Fallocate(f, 0, int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("fallocate backing file to %d bytes: %w", size, err)
	}

	diag.Debugf("backing file %q sized to %d bytes", path, size)
	return f, nil
}
