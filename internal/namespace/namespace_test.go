package namespace

import (
	"testing"

	"github.com/jacobsa/timeutil"
)

func TestLookupKnownName(t *testing.T) {
	table := New(timeutil.RealClock(), 1024)

	ino, ok := table.Lookup(RootInode, VolumeName)
	if !ok {
		t.Fatalf("Lookup(%q) in root: ok = false, want true", VolumeName)
	}
	if ino != VolumeInode {
		t.Errorf("Lookup(%q) = %d, want %d", VolumeName, ino, VolumeInode)
	}
}

func TestLookupUnknownNameIsRejected(t *testing.T) {
	table := New(timeutil.RealClock(), 1024)

	if _, ok := table.Lookup(RootInode, "nonexistent"); ok {
		t.Errorf("Lookup(nonexistent) = ok, want rejected (REDESIGN FLAG: unknown names are -ENOENT, not the root fallback)")
	}
}

func TestLookupOutsideRootIsRejected(t *testing.T) {
	table := New(timeutil.RealClock(), 1024)

	if _, ok := table.Lookup(VolumeInode, VolumeName); ok {
		t.Errorf("Lookup under a non-directory parent should never succeed")
	}
}

func TestAttrSizes(t *testing.T) {
	const size = 4096
	table := New(timeutil.RealClock(), size)

	rootAttr, ok := table.Attr(RootInode)
	if !ok {
		t.Fatalf("Attr(root) not found")
	}
	if rootAttr.Mode&SIFMTMask() == 0 {
		t.Errorf("root attr mode has no S_IFMT bits set: %o", rootAttr.Mode)
	}

	volAttr, ok := table.Attr(VolumeInode)
	if !ok {
		t.Fatalf("Attr(volume) not found")
	}
	if volAttr.Size != size {
		t.Errorf("volume attr size = %d, want %d", volAttr.Size, size)
	}

	if _, ok := table.Attr(2); ok {
		t.Errorf("Attr(2) should not resolve: inode 2 is a reserved placeholder")
	}

	if got := rootAttr.Mode &^ SIFMTMask(); got != 0777 {
		t.Errorf("root attr permission bits = %o, want 0777", got)
	}
	if got := volAttr.Mode &^ SIFMTMask(); got != 0777 {
		t.Errorf("volume attr permission bits = %o, want 0777", got)
	}
}

// SIFMTMask exists only for this test's readability; production code
// masks against fusekernel.SIFMT directly.
func SIFMTMask() uint32 { return 0170000 }
