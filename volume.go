package voltree

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// volumeSignature identifies a voltree volume file, written at the start
// of page 0.
var volumeSignature = [16]byte{'V', 'O', 'L', 'T', 'R', 'E', 'E', ' ', 'v', '1', ' ', ' ', ' ', ' ', ' ', ' '}

const volumeFormatVersion = 1

// headPageGarbage, headPageDirectory and similar page addresses are
// fixed by convention: page 0 is the head page, page 1 is the primordial
// garbage-chain page, pages 2..N are allocated on demand.
const (
	headPageAddress    = 0
	garbagePageAddress = 1
	firstFreeAddress   = 2
)

// VolumeStats is a volume's allocation and I/O counters, surfaced
// read-only via Volume.Stats().
type VolumeStats struct {
	PagesAllocated int64
	PagesFree      int64
	PagesRead      int64
	PagesWritten   int64
}

// Volume is a named, fixed-page-size file holding zero or more B+-trees
// and the directory tree mapping tree name to tree root page address.
type Volume struct {
	mu sync.Mutex

	file *os.File
	spec *VolumeSpec

	ID               uint64
	Name             string
	PageSize         int
	CreatedAt        uint64
	NextAvailable    uint32
	ExtendedPages    int64
	MaximumPages     int64
	DirectoryRoot    uint32
	garbageHead      uint32
	stats            VolumeStats
	readOnly         bool
	removeOnClose    bool

	// journalHook, when set by an owning Engine, is called with every
	// page's address/timestamp/bytes immediately before they are written
	// to the volume file, so that no page write can reach its volume slot
	// ahead of its journal image (the write-ahead-log invariant). A
	// Volume opened standalone (outside an Engine, as the tests in this
	// package do) leaves it nil and simply skips journaling.
	journalHook func(addr uint32, ts uint64, buf []byte) error
}

// SetJournalHook wires v's page writes through fn before they reach the
// volume file. An Engine calls this once per opened Volume, binding fn to
// its JournalManager.WritePage so every page write -- whether from a
// buffer-pool flush or a direct allocation like a split's new sibling --
// satisfies the WAL invariant.
func (v *Volume) SetJournalHook(fn func(addr uint32, ts uint64, buf []byte) error) {
	v.mu.Lock()
	v.journalHook = fn
	v.mu.Unlock()
}

// CreateVolume creates a new volume file from spec and returns it opened
// for use. id must be unique within the owning Engine.
func CreateVolume(spec *VolumeSpec, id uint64, now uint64) (*Volume, error) {
	if spec.CreateOnly {
		if _, err := os.Stat(spec.Path); err == nil {
			return nil, errorf(KindInvalidVolumeSpec, "volume %q already exists", spec.Path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(spec.Path), 0777); err != nil {
		return nil, err
	}
	f, err := osCreate(spec.Path)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errorf(KindInvalidVolumeSpec, "volume %q is locked by another process: %v", spec.Path, err)
	}
	v := &Volume{
		file:          f,
		spec:          spec,
		ID:            id,
		Name:          spec.Name,
		PageSize:      spec.PageSize,
		CreatedAt:     now,
		NextAvailable: firstFreeAddress,
		MaximumPages:  spec.MaximumPages,
		removeOnClose: spec.Temporary,
	}
	garbage := NewPage(v.PageSize, garbagePageAddress, PageTypeGarbage)
	if err := v.writeRawPage(garbage); err != nil {
		f.Close()
		return nil, err
	}
	if err := v.writeHeaderLocked(); err != nil {
		f.Close()
		return nil, err
	}
	return v, nil
}

// OpenVolume opens an existing volume file and validates its header.
func OpenVolume(spec *VolumeSpec) (*Volume, error) {
	flag := os.O_RDWR
	if spec.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(spec.Path, flag, 0666)
	if err != nil {
		return nil, err
	}
	lockFlag := unix.LOCK_EX
	if spec.ReadOnly {
		lockFlag = unix.LOCK_SH
	}
	if err := unix.Flock(int(f.Fd()), lockFlag|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errorf(KindInvalidVolumeSpec, "volume %q is locked by another process: %v", spec.Path, err)
	}
	v := &Volume{file: f, spec: spec, readOnly: spec.ReadOnly, removeOnClose: spec.Temporary}
	if err := v.readHeaderLocked(); err != nil {
		f.Close()
		return nil, err
	}
	return v, nil
}

// headerLayout (page 0): signature[16], version uint32, id uint64,
// pageSize uint32, createTime uint64, nextAvailablePage uint32,
// extendedPageCount uint64, maximumPages uint64, directoryRoot uint32,
// garbageHead uint32.
func (v *Volume) writeHeaderLocked() error {
	buf := make([]byte, v.PageSize)
	copy(buf, volumeSignature[:])
	off := 16
	binary.BigEndian.PutUint32(buf[off:], volumeFormatVersion)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], v.ID)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(v.PageSize))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], v.CreatedAt)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], v.NextAvailable)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(v.ExtendedPages))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], uint64(v.MaximumPages))
	off += 8
	binary.BigEndian.PutUint32(buf[off:], v.DirectoryRoot)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], v.garbageHead)
	_, err := v.file.WriteAt(buf, 0)
	return err
}

func (v *Volume) readHeaderLocked() error {
	// Page size is not yet known, so first peek at a generously sized
	// buffer covering the largest supported page size's header region.
	probe := make([]byte, 128)
	if _, err := v.file.ReadAt(probe, 0); err != nil {
		return errorf(KindCorruptVolume, "volume %q: cannot read header: %v", v.spec.Path, err)
	}
	if string(probe[:8]) != string(volumeSignature[:8]) {
		return errorf(KindCorruptVolume, "volume %q: bad signature", v.spec.Path)
	}
	off := 16
	version := binary.BigEndian.Uint32(probe[off:])
	if version != volumeFormatVersion {
		return errorf(KindCorruptVolume, "volume %q: unsupported version %d", v.spec.Path, version)
	}
	off += 4
	v.ID = binary.BigEndian.Uint64(probe[off:])
	off += 8
	v.PageSize = int(binary.BigEndian.Uint32(probe[off:]))
	if !isSupportedPageSize(v.PageSize) {
		return errorf(KindCorruptVolume, "volume %q: invalid page size %d", v.spec.Path, v.PageSize)
	}
	off += 4
	v.CreatedAt = binary.BigEndian.Uint64(probe[off:])
	off += 8
	v.NextAvailable = binary.BigEndian.Uint32(probe[off:])
	off += 4
	v.ExtendedPages = int64(binary.BigEndian.Uint64(probe[off:]))
	off += 8
	v.MaximumPages = int64(binary.BigEndian.Uint64(probe[off:]))
	off += 8
	v.DirectoryRoot = binary.BigEndian.Uint32(probe[off:])
	off += 4
	v.garbageHead = binary.BigEndian.Uint32(probe[off:])
	v.Name = v.spec.Name
	return nil
}

func (v *Volume) pageOffset(addr uint32) int64 { return int64(addr) * int64(v.PageSize) }

// writeRawPage writes p to its own address, routing through journalHook
// first if one is set (the WAL invariant). Callers must hold v.mu.
func (v *Volume) writeRawPage(p *Page) error {
	return v.writeBytesLocked(p.Address, p.Timestamp, p.Encode())
}

func (v *Volume) writeBytesLocked(addr uint32, ts uint64, buf []byte) error {
	if v.readOnly {
		return errorf(KindCorruptVolume, "volume %q is read-only", v.Name)
	}
	if v.journalHook != nil {
		if err := v.journalHook(addr, ts, buf); err != nil {
			return err
		}
	}
	_, err := v.file.WriteAt(buf, v.pageOffset(addr))
	if err == nil {
		v.stats.PagesWritten++
	}
	return err
}

// WriteBytesAt writes an already-encoded page image to addr, journaling it
// first via journalHook exactly as writeRawPage does. This is the path a
// buffer pool eviction/flush uses, where only the encoded bytes (not a
// decoded *Page) are in hand.
func (v *Volume) WriteBytesAt(addr uint32, ts uint64, buf []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.writeBytesLocked(addr, ts, buf)
}

// readBytesAtLocked reads the raw page image at addr. Callers that
// already hold v.mu (AllocNewPage, walking the garbage chain) call this
// directly or through ReadPage, which takes no lock itself; callers
// outside the lock use ReadBytesAt.
func (v *Volume) readBytesAtLocked(addr uint32) ([]byte, error) {
	buf := make([]byte, v.PageSize)
	if _, err := v.file.ReadAt(buf, v.pageOffset(addr)); err != nil {
		return nil, errorf(KindCorruptVolume, "volume %q: read page %d: %v", v.Name, addr, err)
	}
	v.stats.PagesRead++
	return buf, nil
}

// ReadPage reads and decodes the page at addr.
func (v *Volume) ReadPage(addr uint32) (*Page, error) {
	buf, err := v.readBytesAtLocked(addr)
	if err != nil {
		return nil, err
	}
	return DecodePage(buf)
}

// ReadBytesAt returns the raw, still-encoded page image at addr without
// decoding it. Backup uses this to copy a volume's pages into a backup
// container verbatim, in ascending address order.
func (v *Volume) ReadBytesAt(addr uint32) ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.readBytesAtLocked(addr)
}

// Spec returns the VolumeSpec the volume was opened or created with, for
// Backup's manifest entry.
func (v *Volume) Spec() *VolumeSpec { return v.spec }

// CopyTo writes every page currently in use (address 0 through
// NextAvailable-1, the head page and garbage-chain page included) to w
// in ascending address order. Backup calls this directly against the
// live file rather than routing through the buffer pool, mirroring how
// Sync already bypasses it for durability.
func (v *Volume) CopyTo(w io.Writer) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	buf := make([]byte, v.PageSize)
	for addr := uint32(0); addr < v.NextAvailable; addr++ {
		if _, err := v.file.ReadAt(buf, v.pageOffset(addr)); err != nil {
			return errorf(KindCorruptVolume, "volume %q: backup read page %d: %v", v.Name, addr, err)
		}
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

// WritePage writes p to its own slot in the volume file, journaling p's
// image first through journalHook when one is set (the WAL invariant).
func (v *Volume) WritePage(p *Page) error { v.mu.Lock(); defer v.mu.Unlock(); return v.writeRawPage(p) }

// AllocNewPage returns the address of a newly allocated page: the head of
// the garbage chain if non-empty, else an extension of the file if below
// MaximumPages, else ErrVolumeFull.
func (v *Volume) AllocNewPage() (uint32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.garbageHead != 0 {
		gp, err := v.ReadPage(v.garbageHead)
		if err != nil {
			return 0, err
		}
		addr := v.garbageHead
		v.garbageHead = gp.RightSibling // garbage chain links via RightSibling
		v.stats.PagesFree--
		if err := v.writeHeaderLocked(); err != nil {
			return 0, err
		}
		return addr, nil
	}
	if int64(v.NextAvailable) >= v.MaximumPages {
		return 0, ErrVolumeFull
	}
	addr := v.NextAvailable
	v.NextAvailable++
	if int64(v.NextAvailable) > v.ExtendedPages {
		v.ExtendedPages = int64(v.NextAvailable)
	}
	v.stats.PagesAllocated++
	if err := v.writeHeaderLocked(); err != nil {
		return 0, err
	}
	return addr, nil
}

// FreePage returns addr to the garbage chain, to be handed out again by a
// future AllocNewPage. now stamps the garbage image so the journal's
// per-page timestamps stay non-decreasing across the page's lives.
func (v *Volume) FreePage(addr uint32, now uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	gp := NewPage(v.PageSize, addr, PageTypeGarbage)
	gp.RightSibling = v.garbageHead
	gp.Timestamp = now
	if err := v.writeRawPage(gp); err != nil {
		return err
	}
	v.garbageHead = addr
	v.stats.PagesFree++
	return v.writeHeaderLocked()
}

// SetDirectoryRoot persists the directory tree's root page address.
func (v *Volume) SetDirectoryRoot(addr uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.DirectoryRoot = addr
	return v.writeHeaderLocked()
}

// Stats returns a snapshot of the volume's allocation counters.
func (v *Volume) Stats() VolumeStats { v.mu.Lock(); defer v.mu.Unlock(); return v.stats }

// Sync durably flushes the volume file (used by checkpoint).
func (v *Volume) Sync() error { return unix.Fdatasync(int(v.file.Fd())) }

// Close releases the volume's file handle (and its advisory lock).
func (v *Volume) Close() error {
	err := v.file.Close()
	if v.removeOnClose {
		os.Remove(v.spec.Path)
	}
	return err
}
