package bufferpool

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

type memSource struct {
	mu      sync.Mutex
	pages   map[uint64]map[uint32][]byte
	flushed int
}

func newMemSource() *memSource {
	return &memSource{pages: map[uint64]map[uint32][]byte{}}
}

func (s *memSource) put(volumeID uint64, addr uint32, b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pages[volumeID] == nil {
		s.pages[volumeID] = map[uint32][]byte{}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	s.pages[volumeID][addr] = cp
}

func (s *memSource) ReadPage(volumeID uint64, addr uint32, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.pages[volumeID][addr]; ok {
		copy(buf, b)
	}
	return nil
}

func (s *memSource) FlushPage(volumeID uint64, addr uint32, buf []byte, dirtyAt uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushed++
	cp := make([]byte, len(buf))
	copy(cp, buf)
	if s.pages[volumeID] == nil {
		s.pages[volumeID] = map[uint32][]byte{}
	}
	s.pages[volumeID][addr] = cp
	return nil
}

func TestPoolGetLoadsAndCachesOnMiss(t *testing.T) {
	src := newMemSource()
	src.put(1, 5, bytes.Repeat([]byte{0x42}, 64))
	p := New(OptFrameCount(4), OptPageSize(64), OptClaimTimeout(time.Second))

	c, err := p.Get(1, 5, false, src)
	if err != nil {
		t.Fatal(err)
	}
	if c.Bytes()[0] != 0x42 {
		t.Fatalf("got %x, want 0x42 first byte", c.Bytes()[0])
	}
	c.Release()
}

func TestPoolWriterClaimExcludesReader(t *testing.T) {
	src := newMemSource()
	p := New(OptFrameCount(4), OptPageSize(16), OptClaimTimeout(50*time.Millisecond))

	w, err := p.Get(1, 1, true, src)
	if err != nil {
		t.Fatal(err)
	}
	copy(w.Bytes(), []byte("hello-world-12345"))
	w.MarkDirty(10)

	done := make(chan struct{})
	go func() {
		_, err := p.Get(1, 1, false, src)
		if err == nil {
			t.Error("expected timeout while writer claim held")
		}
		close(done)
	}()
	<-done
	w.Release()
}

func TestPoolEvictsLRUAndFlushesDirty(t *testing.T) {
	src := newMemSource()
	p := New(OptFrameCount(2), OptPageSize(8), OptClaimTimeout(time.Second))

	c1, _ := p.Get(1, 1, true, src)
	copy(c1.Bytes(), []byte("aaaaaaaa"))
	c1.MarkDirty(1)
	c1.ReleaseTouched()

	c2, _ := p.Get(1, 2, true, src)
	copy(c2.Bytes(), []byte("bbbbbbbb"))
	c2.MarkDirty(2)
	c2.ReleaseTouched()

	// Touch order is page 1 then page 2, so page 1 is the older one;
	// fetching a third page should evict it.
	c3, err := p.Get(1, 3, true, src)
	if err != nil {
		t.Fatal(err)
	}
	copy(c3.Bytes(), []byte("cccccccc"))
	c3.ReleaseTouched()

	src.mu.Lock()
	flushed := src.flushed
	src.mu.Unlock()
	if flushed == 0 {
		t.Fatal("expected the evicted dirty frame to be flushed")
	}
}

func TestPoolInvalidateForcesReload(t *testing.T) {
	src := newMemSource()
	src.put(9, 1, []byte("原始データ12"))
	p := New(OptFrameCount(4), OptPageSize(16), OptClaimTimeout(time.Second))

	c, _ := p.Get(9, 1, false, src)
	c.Release()

	p.Invalidate(9)

	c2, err := p.Get(9, 1, false, src)
	if err != nil {
		t.Fatal(err)
	}
	c2.Release()
}

func TestPoolForgetDropsStaleFrame(t *testing.T) {
	src := newMemSource()
	src.put(1, 7, []byte("old-page"))
	p := New(OptFrameCount(4), OptPageSize(8), OptClaimTimeout(time.Second))

	c, err := p.Get(1, 7, false, src)
	if err != nil {
		t.Fatal(err)
	}
	c.Release()

	// The page is freed and rewritten out of band; the cache must not
	// serve the old image afterward.
	src.put(1, 7, []byte("new-page"))
	p.Forget(1, 7)

	c2, err := p.Get(1, 7, false, src)
	if err != nil {
		t.Fatal(err)
	}
	defer c2.Release()
	if !bytes.Equal(c2.Bytes(), []byte("new-page")) {
		t.Fatalf("got %q after Forget, want the reloaded image", c2.Bytes())
	}
}

func TestSelectDirtyBuffersOrderedByAddress(t *testing.T) {
	src := newMemSource()
	p := New(OptFrameCount(8), OptPageSize(8), OptClaimTimeout(time.Second))

	for _, addr := range []uint32{5, 1, 3} {
		c, err := p.Get(1, addr, true, src)
		if err != nil {
			t.Fatal(err)
		}
		c.MarkDirty(uint64(addr))
		c.ReleaseTouched()
	}

	dirty := p.SelectDirtyBuffers()
	if len(dirty) != 3 {
		t.Fatalf("got %d dirty buffers, want 3", len(dirty))
	}
	for i := 1; i < len(dirty); i++ {
		if dirty[i-1].Address > dirty[i].Address {
			t.Fatalf("dirty buffers not ascending: %v", dirty)
		}
	}
}
