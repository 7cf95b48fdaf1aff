package uring

import (
	"testing"
	"unsafe"
)

func TestSQESizeIsStable(t *testing.T) {
	// io_uring_sqe is a fixed-size kernel ABI struct; this guards against
	// an accidental field addition silently shifting the mmap'd SQE
	// array's stride.
	const want = 64
	if got := unsafe.Sizeof(SQE{}); got != want {
		t.Errorf("sizeof(SQE) = %d, want %d", got, want)
	}
}

func TestOpcodeValuesMatchKernelNumbering(t *testing.T) {
	cases := map[string]struct {
		got, want Op
	}{
		"NOP":        {OpNop, 0},
		"READ_FIXED": {OpReadFixed, 4},
		"WRITE_FIXED": {OpWriteFixed, 5},
		"READ":       {OpRead, 22},
		"WRITE":      {OpWrite, 23},
		"SPLICE":     {OpSplice, 30},
	}
	for name, c := range cases {
		if c.got != c.want {
			t.Errorf("%s opcode = %d, want %d", name, c.got, c.want)
		}
	}
}
