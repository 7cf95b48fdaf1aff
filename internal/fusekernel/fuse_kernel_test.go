package fusekernel

import (
	"testing"
	"unsafe"
)

func TestHeaderSizes(t *testing.T) {
	// These sizes are load-bearing: pipeline code casts raw bytes read
	// off /dev/fuse directly onto these types. A accidental field
	// addition here would silently desync wire offsets.
	cases := []struct {
		name string
		got  uintptr
		want uintptr
	}{
		{"InHeader", unsafe.Sizeof(InHeader{}), 40},
		{"OutHeader", unsafe.Sizeof(OutHeader{}), 16},
		{"Attr", unsafe.Sizeof(Attr{}), 88},
		{"EntryOut", unsafe.Sizeof(EntryOut{}), 128},
		{"AttrOut", unsafe.Sizeof(AttrOut{}), 104},
		{"OpenOut", unsafe.Sizeof(OpenOut{}), 16},
		{"WriteOut", unsafe.Sizeof(WriteOut{}), 8},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if c.got != c.want {
				t.Errorf("sizeof(%s) = %d, want %d", c.name, c.got, c.want)
			}
		})
	}
}

func TestDirentType(t *testing.T) {
	if got := DirentType(SIFDIR | 0755); got != 4 {
		t.Errorf("DirentType(dir) = %d, want 4 (DT_DIR)", got)
	}
	if got := DirentType(SIFREG | 0644); got != 8 {
		t.Errorf("DirentType(reg) = %d, want 8 (DT_REG)", got)
	}
}

func TestRequiredInitFlagsIsSubsetOfDefinedBits(t *testing.T) {
	all := InitAsyncRead | InitPosixLocks | InitFileOps | InitAtomicOTrunc |
		InitExportSupport | InitBigWrites | InitDontMask | InitSpliceWrite |
		InitSpliceMove | InitSpliceRead | InitFlockLocks | InitHasIoctlDir |
		InitAutoInvalData | InitDoReaddirplus | InitReaddirplusAuto |
		InitAsyncDIO | InitWritebackCache | InitNoOpenSupport |
		InitParallelDirops | InitHandleKillpriv | InitPosixACL |
		InitAbortError | InitMaxPages | InitCacheSymlinks |
		InitNoOpendirSupport | InitExplicitInvalData

	if RequiredInitFlags&^all != 0 {
		t.Errorf("RequiredInitFlags contains bits outside the known flag set: 0x%x", RequiredInitFlags&^all)
	}
}
