package bufferpool

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/spaolacci/murmur3"
)

// Source lets a Pool load a page's bytes on a cache miss and write a dirty
// frame's bytes back on eviction/flush. The caller (the engine's journal
// manager + volume) implements Source so that FlushPage can honor the
// write-ahead-log invariant: journal the image before writing the volume.
type Source interface {
	ReadPage(volumeID uint64, addr uint32, buf []byte) error
	FlushPage(volumeID uint64, addr uint32, buf []byte, dirtyAt uint64) error
}

// ErrPoolExhausted is returned by Get when no victim frame could be found
// (every frame is currently claimed), or when each of its attempts lost
// the frame it selected to a concurrent Get.
type ErrPoolExhausted struct{}

func (ErrPoolExhausted) Error() string { return "buffer pool exhausted" }

// ErrClaimTimeout is returned by Get when a claim could not be acquired
// within the pool's configured timeout.
type ErrClaimTimeout struct{}

func (ErrClaimTimeout) Error() string { return "timeout acquiring buffer claim" }

type frame struct {
	lock     *claimLock
	volumeID uint64
	addr     uint32
	valid    bool
	dirty    bool
	dirtyAt  uint64
	touched  int64
	buf      []byte
}

type frameKey struct {
	volumeID uint64
	addr     uint32
}

func (k frameKey) hash() uint32 {
	var b [12]byte
	b[0] = byte(k.volumeID >> 56)
	b[1] = byte(k.volumeID >> 48)
	b[2] = byte(k.volumeID >> 40)
	b[3] = byte(k.volumeID >> 32)
	b[4] = byte(k.volumeID >> 24)
	b[5] = byte(k.volumeID >> 16)
	b[6] = byte(k.volumeID >> 8)
	b[7] = byte(k.volumeID)
	b[8] = byte(k.addr >> 24)
	b[9] = byte(k.addr >> 16)
	b[10] = byte(k.addr >> 8)
	b[11] = byte(k.addr)
	return murmur3.Sum32(b[:])
}

// Pool is a fixed-size set of page frames shared by every volume the
// engine has open, indexed by a murmur3-hashed (volume id, page address)
// open-addressed table.
type Pool struct {
	cfg    *config
	mu     sync.Mutex
	frames []*frame
	table  []int32 // frame index + 1; 0 means empty slot
	touch  int64
}

// New builds a Pool; opts are the same Opt* functions as OptFrameCount etc.
func New(opts ...func(*config)) *Pool {
	cfg := resolveConfig(opts...)
	p := &Pool{cfg: cfg}
	p.frames = make([]*frame, cfg.frameCount)
	for i := range p.frames {
		p.frames[i] = &frame{lock: newClaimLock(), buf: make([]byte, cfg.pageSize)}
	}
	tableSize := nextPow2(cfg.frameCount * 2)
	p.table = make([]int32, tableSize)
	return p
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (p *Pool) tableLookup(k frameKey) (slot int, frameIdx int, found bool) {
	mask := uint32(len(p.table) - 1)
	h := k.hash() & mask
	for i := uint32(0); i < uint32(len(p.table)); i++ {
		slot := int((h + i) & mask)
		fi := p.table[slot]
		if fi == 0 {
			return slot, -1, false
		}
		f := p.frames[fi-1]
		if f.valid && f.volumeID == k.volumeID && f.addr == k.addr {
			return slot, int(fi - 1), true
		}
	}
	return -1, -1, false
}

func (p *Pool) tableInsert(k frameKey, frameIdx int) {
	mask := uint32(len(p.table) - 1)
	h := k.hash() & mask
	for i := uint32(0); i < uint32(len(p.table)); i++ {
		slot := int((h + i) & mask)
		if p.table[slot] == 0 {
			p.table[slot] = int32(frameIdx + 1)
			return
		}
	}
}

func (p *Pool) tableRemove(slot int) {
	if slot < 0 {
		return
	}
	p.table[slot] = 0
	// Re-insert the open-addressing run after the hole so later lookups
	// that probed past it still find their entries.
	mask := uint32(len(p.table) - 1)
	i := uint32(slot)
	for {
		i = (i + 1) & mask
		fi := p.table[i]
		if fi == 0 {
			return
		}
		p.table[i] = 0
		f := p.frames[fi-1]
		p.tableInsert(frameKey{f.volumeID, f.addr}, int(fi-1))
	}
}

// Claim is a held claim on one frame's bytes, returned by Get.
type Claim struct {
	pool   *Pool
	frame  *frame
	writer bool
}

// Bytes returns the claimed page's in-memory bytes. Valid until Release.
func (c *Claim) Bytes() []byte { return c.frame.buf }

// MarkDirty flags the frame dirty as of modification timestamp ts (the
// earliest such timestamp since the last flush is retained, since that is
// what determines whether a checkpoint must wait on it).
func (c *Claim) MarkDirty(ts uint64) {
	if !c.frame.dirty {
		c.frame.dirtyAt = ts
	}
	c.frame.dirty = true
}

// Valid reports whether the frame still holds the page this Claim was
// issued for (false after a concurrent Invalidate of its volume).
func (c *Claim) Valid() bool { return c.frame.valid }

// Release drops the claim without updating LRU order.
func (c *Claim) Release() { c.frame.lock.release(c.writer) }

// ReleaseTouched drops the claim and moves the frame to the most-recently-
// used end of the eviction order.
func (c *Claim) ReleaseTouched() {
	c.frame.touched = atomic.AddInt64(&c.pool.touch, 1)
	c.frame.lock.release(c.writer)
}

// Get returns a claimed frame for (volumeID, addr), loading it via src on
// a miss. writer selects an exclusive vs. shared claim.
func (p *Pool) Get(volumeID uint64, addr uint32, writer bool, src Source) (*Claim, error) {
	key := frameKey{volumeID, addr}
	for attempt := 0; attempt < 4; attempt++ {
		p.mu.Lock()
		_, fi, found := p.tableLookup(key)
		if found {
			f := p.frames[fi]
			p.mu.Unlock()
			if !f.lock.acquire(writer, p.cfg.claimTimeout) {
				return nil, ErrClaimTimeout{}
			}
			if f.valid && f.volumeID == volumeID && f.addr == addr {
				return &Claim{pool: p, frame: f, writer: writer}, nil
			}
			// Raced with an eviction/invalidate; retry lookup.
			f.lock.release(writer)
			continue
		}

		victimIdx, _, ok := p.selectVictimLocked()
		if !ok {
			p.mu.Unlock()
			return nil, ErrPoolExhausted{}
		}
		f := p.frames[victimIdx]
		wasValid, oldVolumeID, oldAddr := f.valid, f.volumeID, f.addr
		p.mu.Unlock()

		if !f.lock.acquire(true, p.cfg.claimTimeout) {
			return nil, ErrClaimTimeout{}
		}

		p.mu.Lock()
		_, _, loaded := p.tableLookup(key)
		if loaded || f.valid != wasValid || f.volumeID != oldVolumeID || f.addr != oldAddr {
			// The frame changed hands, or another Get loaded the page,
			// between selection and acquire; retry from the lookup.
			p.mu.Unlock()
			f.lock.release(true)
			continue
		}
		p.mu.Unlock()

		if f.dirty {
			if err := src.FlushPage(f.volumeID, f.addr, f.buf, f.dirtyAt); err != nil {
				f.lock.release(true)
				return nil, err
			}
			f.dirty = false
		}
		if err := src.ReadPage(volumeID, addr, f.buf); err != nil {
			f.lock.release(true)
			return nil, err
		}
		p.mu.Lock()
		if slot, _, found := p.tableLookup(frameKey{oldVolumeID, oldAddr}); wasValid && found {
			p.tableRemove(slot)
		}
		f.volumeID, f.addr, f.valid = volumeID, addr, true
		p.tableInsert(key, victimIdx)
		p.mu.Unlock()

		if !writer {
			f.lock.release(true)
			if !f.lock.acquire(false, p.cfg.claimTimeout) {
				return nil, ErrClaimTimeout{}
			}
		}
		return &Claim{pool: p, frame: f, writer: writer}, nil
	}
	return nil, ErrPoolExhausted{}
}

// selectVictimLocked picks the first unclaimed invalid frame, else the
// least-recently-touched unclaimed valid frame; whether a frame is dirty
// plays no part (Get flushes a dirty victim). Must be called with p.mu
// held; returns (frameIndex, tableSlot, ok).
func (p *Pool) selectVictimLocked() (int, int, bool) {
	bestIdx := -1
	bestTouched := int64(1) << 62
	bestSlot := -1
	for i, f := range p.frames {
		f.lock.mu.Lock()
		claimed := f.lock.writer || f.lock.readers > 0
		f.lock.mu.Unlock()
		if claimed {
			continue
		}
		if !f.valid {
			return i, -1, true
		}
		if f.touched < bestTouched {
			slot, _, found := p.tableLookup(frameKey{f.volumeID, f.addr})
			if found {
				bestIdx, bestTouched, bestSlot = i, f.touched, slot
			}
		}
	}
	if bestIdx < 0 {
		return 0, 0, false
	}
	return bestIdx, bestSlot, true
}

// Forget drops any cached frame for (volumeID, addr) without writing it
// back. Callers use it when a page is returned to its volume's garbage
// chain, so a later reallocation of the same address can never read the
// freed page's stale image out of the cache.
func (p *Pool) Forget(volumeID uint64, addr uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, fi, found := p.tableLookup(frameKey{volumeID, addr})
	if !found {
		return
	}
	p.frames[fi].valid = false
	p.frames[fi].dirty = false
	p.tableRemove(slot)
}

// Invalidate marks every frame belonging to volumeID as invalid; a holder
// of an existing Claim must check Valid() and, if false, re-acquire via
// Get.
func (p *Pool) Invalidate(volumeID uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for slot, fi := range p.table {
		if fi == 0 {
			continue
		}
		f := p.frames[fi-1]
		if f.volumeID == volumeID {
			f.valid = false
			p.table[slot] = 0
		}
	}
}

// DirtyBuffer is one entry returned by SelectDirtyBuffers.
type DirtyBuffer struct {
	VolumeID uint64
	Address  uint32
	Bytes    []byte
	DirtyAt  uint64
}

// SelectDirtyBuffers returns up to frameCount/2 dirty buffers in ascending
// page-address order, for sequential-write flushing.
func (p *Pool) SelectDirtyBuffers() []DirtyBuffer {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []DirtyBuffer
	for _, f := range p.frames {
		if f.valid && f.dirty {
			out = append(out, DirtyBuffer{f.volumeID, f.addr, f.buf, f.dirtyAt})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VolumeID != out[j].VolumeID {
			return out[i].VolumeID < out[j].VolumeID
		}
		return out[i].Address < out[j].Address
	})
	max := len(p.frames) / 2
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// Flush guarantees every buffer dirty at or before timestamp has been
// handed to src.FlushPage. Each pass collects every valid frame dirty at
// or before timestamp, and Flush keeps passing until one finds none.
func (p *Pool) Flush(timestamp uint64, src Source) error {
	for {
		progressed := false
		p.mu.Lock()
		var due []DirtyBuffer
		for _, f := range p.frames {
			if f.valid && f.dirty && f.dirtyAt <= timestamp {
				due = append(due, DirtyBuffer{f.volumeID, f.addr, f.buf, f.dirtyAt})
			}
		}
		p.mu.Unlock()
		for _, db := range due {
			if err := src.FlushPage(db.VolumeID, db.Address, db.Bytes, db.DirtyAt); err != nil {
				return err
			}
			p.markClean(db.VolumeID, db.Address)
			progressed = true
		}
		if !progressed {
			return nil
		}
	}
}

func (p *Pool) markClean(volumeID uint64, addr uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, fi, found := p.tableLookup(frameKey{volumeID, addr})
	if found {
		p.frames[fi].dirty = false
	}
}
