package journal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spaolacci/murmur3"
	"golang.org/x/sys/unix"
	"gopkg.in/gholt/brimutil.v1"
)

// Manager owns the current journal file and the in-memory bookkeeping
// needed to enforce the WAL invariant, assign handles, and drive
// checkpoint/rollover. One Manager serves one engine.
//
// The journal has exactly one append path guarded by mu -- unlike a
// design that fans a single logical writer out across a pool of buffers
// and a dedicated checksummer goroutine per worker for many concurrent
// fire-and-forget writers, a single brimutil.NewMultiCoreChecksummedWriter
// sitting directly on the file is enough here.
type Manager struct {
	mu     sync.Mutex
	dir    string
	prefix string
	cfg    *config

	generation uint64
	file       *os.File
	writer     brimutil.ChecksummedWriter
	offset     int64
	baseAddr   Address

	pageMap map[pageKey]pageEntry
	liveTx  map[uint64]txState

	volumeHandles    map[uint32]BindVolume
	volumeByName     map[string]uint32
	nextVolumeHandle uint32

	treeHandles    map[uint32]BindTree
	treeByKey      map[treeKey]uint32
	nextTreeHandle uint32
}

type treeKey struct {
	volumeHandle uint32
	name         string
}

type txState int

const (
	txActive txState = iota
	txCommitted
	txAborted
)

// Open creates a fresh journal (no existing files matching prefix in
// dir) ready to accept records. Recovery (reopening an existing
// journal) is Recover, not Open.
func Open(dir, prefix string, opts ...func(*config)) (*Manager, error) {
	cfg := resolveConfig(opts...)
	m := &Manager{
		dir:              dir,
		prefix:           prefix,
		cfg:              cfg,
		pageMap:          map[pageKey]pageEntry{},
		liveTx:           map[uint64]txState{},
		volumeHandles:    map[uint32]BindVolume{},
		volumeByName:     map[string]uint32{},
		treeHandles:      map[uint32]BindTree{},
		treeByKey:        map[treeKey]uint32{},
		nextVolumeHandle: 1,
		nextTreeHandle:   1,
	}
	if err := m.openGeneration(0, Address{}); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) fileName(generation uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s.%012d", m.prefix, generation))
}

// GenerationFileName returns the on-disk path of the given generation's
// journal file, matching the "<prefix>.NNNNNNNNNNNN" pattern. Exported
// for Backup, which copies the tail of the journal into the backup
// container without needing its own copy of the naming scheme.
func (m *Manager) GenerationFileName(generation uint64) string { return m.fileName(generation) }

func (m *Manager) openGeneration(generation uint64, base Address) error {
	name := m.fileName(generation)
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	m.file = f
	m.writer = brimutil.NewMultiCoreChecksummedWriter(f, m.cfg.checksumInterval, murmur3.New32, m.cfg.workers)
	m.generation = generation
	m.offset = 0
	m.baseAddr = base

	live := make([]uint64, 0, len(m.liveTx))
	for ts, st := range m.liveTx {
		if st == txActive {
			live = append(live, ts)
		}
	}
	hdr := FileHeader{
		Prefix:     m.prefix,
		BlockSize:  m.cfg.blockSize,
		Generation: generation,
		BaseAddr:   base,
		LiveTx:     live,
	}
	_, err = m.appendLocked(hdr)
	return err
}

// appendLocked writes rec as [type byte][uvarint length][payload] and
// returns its address. Caller must hold mu.
func (m *Manager) appendLocked(rec Record) (Address, error) {
	payload := rec.encodePayload()
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(payload)))

	addr := Address{Generation: m.generation, Offset: m.offset}
	if _, err := m.writer.Write([]byte{byte(rec.Type())}); err != nil {
		return addr, err
	}
	if _, err := m.writer.Write(lenBuf[:n]); err != nil {
		return addr, err
	}
	if len(payload) > 0 {
		if _, err := m.writer.Write(payload); err != nil {
			return addr, err
		}
	}
	written := int64(1 + n + len(payload))
	m.offset += written
	return addr, nil
}

func (m *Manager) syncLocked() error {
	return unix.Fdatasync(int(m.file.Fd()))
}

// VolumeHandle returns the engine-local handle bound to (name, id),
// assigning and journaling one (an IV record) on first use.
func (m *Manager) VolumeHandle(name string, id uint64) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.volumeByName[name]; ok {
		return h, nil
	}
	h := m.nextVolumeHandle
	m.nextVolumeHandle++
	if _, err := m.appendLocked(BindVolume{Handle: h, Name: name, ID: id}); err != nil {
		return 0, err
	}
	m.volumeHandles[h] = BindVolume{Handle: h, Name: name, ID: id}
	m.volumeByName[name] = h
	return h, nil
}

// TreeHandle returns the handle bound to (volumeHandle, treeName),
// assigning and journaling one (an IT record) on first use.
func (m *Manager) TreeHandle(volumeHandle uint32, treeName string) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := treeKey{volumeHandle: volumeHandle, name: treeName}
	if h, ok := m.treeByKey[key]; ok {
		return h, nil
	}
	h := m.nextTreeHandle
	m.nextTreeHandle++
	if _, err := m.appendLocked(BindTree{Handle: h, VolumeHandle: volumeHandle, TreeName: treeName}); err != nil {
		return 0, err
	}
	m.treeHandles[h] = BindTree{Handle: h, VolumeHandle: volumeHandle, TreeName: treeName}
	m.treeByKey[key] = h
	return h, nil
}

// WritePage journals addr's image at ts before the caller is allowed to
// write it to its volume slot (the WAL invariant). It rejects a ts that
// would regress the page's recorded timestamp: per-page timestamps in
// the journal's page map must be monotonically non-decreasing.
func (m *Manager) WritePage(volumeHandle uint32, addr uint32, ts uint64, buf []byte) (Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pageKey{volumeHandle: volumeHandle, addr: addr}
	if prev, ok := m.pageMap[key]; ok && ts < prev.ts {
		return Address{}, ErrNonMonotonicPageMap
	}
	journalAddr, err := m.appendLocked(PageImage{
		VolumeHandle:  volumeHandle,
		Address:       addr,
		Timestamp:     ts,
		LeftHalfSize:  0,
		RightHalfSize: uint32(len(buf)),
		Bytes:         buf,
	})
	if err != nil {
		return journalAddr, err
	}
	m.pageMap[key] = pageEntry{ts: ts, addr: journalAddr}
	m.maybeRolloverLocked()
	return journalAddr, nil
}

// BeginTx journals a TS record and marks ts active.
func (m *Manager) BeginTx(ts uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.liveTx[ts] = txActive
	_, err := m.appendLocked(TxStart{TS: ts})
	return err
}

// CommitTx journals a TC record. A duplicate commit for an already
// committed ts is a no-op.
func (m *Manager) CommitTx(ts, tc uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.liveTx[ts] == txCommitted {
		return nil
	}
	if _, err := m.appendLocked(TxCommit{TS: ts, TC: tc}); err != nil {
		return err
	}
	m.liveTx[ts] = txCommitted
	return nil
}

// RollbackTx journals a TX record and marks ts aborted. When the
// journal is configured for synchronous rollback (the default) this
// fsyncs before returning, so a crash can never observe the TX record as
// absent while some later-flushed page still reflects the aborted
// transaction's write.
func (m *Manager) RollbackTx(ts uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.appendLocked(TxRollback{TS: ts}); err != nil {
		return err
	}
	m.liveTx[ts] = txAborted
	if m.cfg.syncRollback {
		return m.syncLocked()
	}
	return nil
}

// StoreRecord journals an SR record.
func (m *Manager) StoreRecord(ts uint64, treeHandle uint32, key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.appendLocked(Store{TS: ts, TreeHandle: treeHandle, Key: key, Value: value})
	return err
}

// DeleteRangeRecord journals a DR record.
func (m *Manager) DeleteRangeRecord(ts uint64, treeHandle uint32, key1, key2 []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.appendLocked(DeleteRange{TS: ts, TreeHandle: treeHandle, Key1: key1, Key2: key2})
	return err
}

// RemoveTreeRecord journals a DT record.
func (m *Manager) RemoveTreeRecord(ts uint64, treeHandle uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.appendLocked(RemoveTree{TS: ts, TreeHandle: treeHandle})
	return err
}

// Checkpoint journals a CP record naming ts and baseAddr, then advances
// the manager's notion of the earliest address still needed. The caller
// is responsible for having already
// flushed every buffer dirty at or before ts to its volume file — the
// page images are already durable in the journal by the WAL invariant,
// so Checkpoint itself only needs to record the bound.
func (m *Manager) Checkpoint(ts uint64, baseAddr Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.appendLocked(Checkpoint{TS: ts, BaseAddr: baseAddr}); err != nil {
		return err
	}
	m.baseAddr = baseAddr
	return m.syncLocked()
}

// PrunedTransactions lets the cleanup/pruning subsystem tell the
// journal which aborted transactions have had every page effect pruned
// and so no longer need to survive into a future rollover's live-
// transaction map. Omitting this filter leaves stale entries in the
// live-transaction map, which can surface as spurious "missing journal
// file" errors during a later recovery.
func (m *Manager) PrunedTransactions(done ...uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ts := range done {
		delete(m.liveTx, ts)
	}
}

func (m *Manager) maybeRolloverLocked() {
	if m.offset < m.cfg.blockSize {
		return
	}
	next := m.generation + 1
	base := Address{Generation: next, Offset: 0}
	if err := m.writer.Close(); err != nil {
		return
	}
	_ = m.openGeneration(next, base)
}

// Rollover forces a new journal file regardless of the current file's
// size, for callers (e.g. an explicit checkpoint boundary) that want to
// start a fresh generation immediately.
func (m *Manager) Rollover() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.syncLocked(); err != nil {
		return err
	}
	if err := m.writer.Close(); err != nil {
		return err
	}
	return m.openGeneration(m.generation+1, m.baseAddr)
}

// Close flushes and closes the current journal file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.syncLocked(); err != nil {
		return err
	}
	return m.writer.Close()
}

// CurrentAddress returns the address the next appended record would
// receive.
func (m *Manager) CurrentAddress() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Address{Generation: m.generation, Offset: m.offset}
}

// BaseAddress returns the earliest journal address still needed for
// recovery (the address of the last Checkpoint call, or the journal's
// start if none has happened yet). Backup uses this to decide which
// generation files form the tail of the journal required to replay any
// still-live transactions.
func (m *Manager) BaseAddress() Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baseAddr
}

// Dir and Prefix expose the on-disk location of the journal's generation
// files so Backup can find them without duplicating Manager's naming
// scheme.
func (m *Manager) Dir() string    { return m.dir }
func (m *Manager) Prefix() string { return m.prefix }
