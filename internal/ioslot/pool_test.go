package ioslot

import "testing"

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := New(2)

	if got := p.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	s1 := p.Acquire()
	if s1 == nil {
		t.Fatal("Acquire() returned nil with slots available")
	}
	if got := p.Len(); got != 1 {
		t.Errorf("Len() after one Acquire = %d, want 1", got)
	}

	s2 := p.Acquire()
	if s2 == nil {
		t.Fatal("Acquire() returned nil with one slot remaining")
	}

	if p.Acquire() != nil {
		t.Error("Acquire() on empty pool should return nil, not a slot")
	}

	p.Release(s1)
	if got := p.Len(); got != 1 {
		t.Errorf("Len() after Release = %d, want 1", got)
	}

	if s3 := p.Acquire(); s3 != s1 {
		t.Error("Acquire() after Release did not return the LIFO-released slot")
	}
}

func TestSlotBuffersAreFixedSize(t *testing.T) {
	p := New(1)
	s := p.Acquire()

	if len(s.HeaderBuf) != HeaderBufSize {
		t.Errorf("HeaderBuf len = %d, want %d", len(s.HeaderBuf), HeaderBufSize)
	}
	if len(s.ScratchBuf) != ScratchBufSize {
		t.Errorf("ScratchBuf len = %d, want %d", len(s.ScratchBuf), ScratchBufSize)
	}
}

func TestBufferIndicesAreDisjointPerSlot(t *testing.T) {
	p := New(3)
	for _, s := range p.all {
		if s.ScratchBufIndex() != s.HeaderBufIndex()+1 {
			t.Errorf("slot %d: ScratchBufIndex=%d, want HeaderBufIndex+1=%d",
				s.Index, s.ScratchBufIndex(), s.HeaderBufIndex()+1)
		}
	}
	seen := map[uint16]bool{}
	for _, s := range p.all {
		for _, idx := range []uint16{s.HeaderBufIndex(), s.ScratchBufIndex()} {
			if seen[idx] {
				t.Fatalf("buffer index %d reused across slots", idx)
			}
			seen[idx] = true
		}
	}
}

func TestBufferIovecsMatchSlotBuffers(t *testing.T) {
	p := New(2)
	iovecs := p.BufferIovecs()

	if got, want := len(iovecs), 4; got != want {
		t.Fatalf("BufferIovecs() len = %d, want %d", got, want)
	}
	for _, s := range p.all {
		hdr := iovecs[s.HeaderBufIndex()]
		if hdr.Len != uint64(len(s.HeaderBuf)) || hdr.Base != &s.HeaderBuf[0] {
			t.Errorf("slot %d: header iovec does not describe HeaderBuf", s.Index)
		}
		scr := iovecs[s.ScratchBufIndex()]
		if scr.Len != uint64(len(s.ScratchBuf)) || scr.Base != &s.ScratchBuf[0] {
			t.Errorf("slot %d: scratch iovec does not describe ScratchBuf", s.Index)
		}
	}
}
