package voltree

import (
	"sort"
	"sync"
	"time"

	"github.com/brimstore/voltree/bufferpool"
	"github.com/brimstore/voltree/journal"
	"github.com/brimstore/voltree/txnindex"
)

// Engine is the single first-class value a caller opens to use voltree:
// one shared buffer pool, journal manager, transaction index, accumulator
// directory, and cleanup manager, plus every Volume and Tree opened
// through it. Nothing in this package keeps process-global state outside
// an Engine -- two Engines in the same process never interfere.
type Engine struct {
	cfg     *Config
	pool    *bufferpool.Pool
	jm      *journal.Manager
	txIndex *txnindex.Index
	accum   *AccumulatorDirectory
	cleanup *CleanupManager
	clock   *TimestampAllocator

	pendingRecovery  *journal.RecoveryResult
	pendingMutations []journal.Mutation
	storesByHandle   map[uint32]*MVVStore

	mu           sync.Mutex
	volumes      map[string]*Volume // by Volume.Name
	volumesByID  map[uint64]*Volume
	nextVolumeID uint64
	dirTrees     map[string]*Tree // volume name -> its directory tree
	stores       map[string]map[string]*MVVStore
	treeHandles  map[string]map[string]uint32 // volume name -> tree name -> journal tree handle
	volHandles   map[string]uint32            // volume name -> journal volume handle
	closed       bool

	stopCheckpoint chan struct{}
	wg             sync.WaitGroup
}

// treeDescriptor is what the directory tree stores for one named tree:
// its root page, level, and split/join policy, so OpenVolume can rebuild
// a *Tree for every name it finds without the caller repeating policy
// choices.
type treeDescriptor struct {
	rootAddr  uint32
	rootLevel uint8
	split     SplitPolicy
	join      JoinPolicy
}

func encodeTreeDescriptor(d treeDescriptor) []byte {
	b := make([]byte, 7)
	b[0] = byte(d.rootAddr >> 24)
	b[1] = byte(d.rootAddr >> 16)
	b[2] = byte(d.rootAddr >> 8)
	b[3] = byte(d.rootAddr)
	b[4] = d.rootLevel
	b[5] = byte(d.split.Kind)
	b[6] = byte(d.join.Kind)
	return b
}

func decodeTreeDescriptor(b []byte) treeDescriptor {
	addr := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	return treeDescriptor{
		rootAddr:  addr,
		rootLevel: b[4],
		split:     SplitPolicy{Kind: SplitPolicyKind(b[5])},
		join:      JoinPolicy{Kind: JoinPolicyKind(b[6])},
	}
}

// NewEngine opens or recovers the journal at cfg.JournalPath and builds a
// ready-to-use Engine. A nil cfg uses NewConfig()'s defaults. Volumes
// themselves are opened afterward with OpenVolume -- an Engine does not
// guess which volume files a caller wants without being told, and is
// instead handed its paths explicitly rather than scanning for them.
func NewEngine(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	jm, res, err := journal.Recover(cfg.JournalPath, "journal",
		journal.OptBlockSize(int64(cfg.JournalBlockSize)),
		journal.OptSyncRollback(cfg.SyncRollback),
	)
	if err != nil {
		return nil, err
	}

	clock := NewTimestampAllocator(0)
	txIndex := txnindex.New(
		txnindex.OptBuckets(cfg.TransactionIndexBuckets),
		txnindex.OptWWLockTimeout(cfg.WriteWriteTimeout),
		txnindex.OptActiveCacheInterval(cfg.ActiveCacheInterval),
	)
	// Re-seat every transaction the journal recorded as committed so that
	// MVV versions still carrying its ts remain visible; anything left
	// active with no TC at crash time is left unregistered -- an aborted
	// transaction must not be recovered, and no Status means
	// ix.Visible never reports it visible.
	for ts, tc := range res.Committed {
		txIndex.Begin(ts)
		_ = txIndex.Commit(ts, tc)
		clock.Bump(ts)
		clock.Bump(tc)
	}
	for _, mut := range res.Mutations {
		clock.Bump(mut.TS)
	}
	if res.Checkpointed {
		clock.Bump(res.CheckpointTS)
	}

	e := &Engine{
		cfg:              cfg,
		pool:             bufferpool.New(bufferpool.OptFrameCount(cfg.BufferFrameCount), bufferpool.OptPageSize(cfg.PageSize), bufferpool.OptClaimTimeout(cfg.ClaimTimeout)),
		jm:               jm,
		txIndex:          txIndex,
		accum:            NewAccumulatorDirectory(),
		cleanup:          NewCleanupManager(4*cfg.BufferFrameCount, cfg.LogWarning),
		clock:            clock,
		pendingRecovery:  res,
		pendingMutations: res.Mutations,
		storesByHandle:   map[uint32]*MVVStore{},
		volumes:          map[string]*Volume{},
		volumesByID:      map[uint64]*Volume{},
		dirTrees:         map[string]*Tree{},
		stores:           map[string]map[string]*MVVStore{},
		treeHandles:      map[string]map[string]uint32{},
		volHandles:       map[string]uint32{},
		nextVolumeID:     1,
		stopCheckpoint:   make(chan struct{}),
	}
	e.cleanup.Start()
	e.wg.Add(2)
	go e.checkpointLoop()
	go e.cleanupTickLoop()
	return e, nil
}

// OpenVolume opens (or creates, per spec.Create/.CreateOnly) a volume,
// binds it to the journal, replays any page images the journal recovered
// for it, and rebuilds a *Tree for every name already in its directory
// tree.
func (e *Engine) OpenVolume(spec *VolumeSpec) (*Volume, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrFatal
	}
	if v, ok := e.volumes[spec.Name]; ok {
		e.mu.Unlock()
		return v, nil
	}

	var vol *Volume
	var err error
	if spec.CreateOnly || (spec.Create && !fileExists(spec.Path)) {
		id := e.nextVolumeID
		e.nextVolumeID++
		e.mu.Unlock()
		vol, err = CreateVolume(spec, id, e.clock.Next())
	} else {
		e.mu.Unlock()
		vol, err = OpenVolume(spec)
	}
	if err != nil {
		return nil, err
	}

	// Replay recovered page images for this volume before wiring the
	// journal hook, so the replay itself is not re-journaled.
	vh, err := e.jm.VolumeHandle(vol.Name, vol.ID)
	if err != nil {
		vol.Close()
		return nil, err
	}
	if e.pendingRecovery != nil {
		for key, pr := range e.pendingRecovery.Pages {
			if key.VolumeHandle() != vh {
				continue
			}
			if err := vol.WriteBytesAt(key.Addr(), pr.Timestamp, pr.Bytes); err != nil {
				vol.Close()
				return nil, err
			}
		}
	}
	vol.SetJournalHook(func(addr uint32, ts uint64, buf []byte) error {
		_, err := e.jm.WritePage(vh, addr, ts, buf)
		return err
	})

	e.mu.Lock()
	if vol.ID >= e.nextVolumeID {
		e.nextVolumeID = vol.ID + 1
	}
	e.volumes[spec.Name] = vol
	e.volumesByID[vol.ID] = vol
	e.volHandles[spec.Name] = vh
	e.stores[spec.Name] = map[string]*MVVStore{}
	e.treeHandles[spec.Name] = map[string]uint32{}
	e.mu.Unlock()

	// The directory tree and the data trees it names do their page I/O
	// outside e.mu: a cache miss or flush on a data tree routes back
	// through engineSource, which takes e.mu itself.
	dirTree, err := e.openOrCreateDirTree(vol)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.dirTrees[spec.Name] = dirTree
	e.mu.Unlock()

	cur, err := dirTree.NewCursor(Before(), DirGT, nil)
	if err != nil {
		return nil, err
	}
	for {
		k, v, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		desc := decodeTreeDescriptor(v)
		tr := OpenTree(vol, e.pool, string(k), desc.rootAddr, desc.rootLevel, desc.split, desc.join)
		th, err := e.jm.TreeHandle(vh, string(k))
		if err != nil {
			return nil, err
		}
		tr.SetSource(e.sourceFor())
		tr.SetRootChangeHook(e.persistTreeRoot(dirTree, string(k), desc.split, desc.join))
		store := NewMVVStore(tr, e.txIndex)
		e.mu.Lock()
		e.stores[spec.Name][string(k)] = store
		e.treeHandles[spec.Name][string(k)] = th
		e.storesByHandle[th] = store
		e.mu.Unlock()
	}

	if err := e.replayPendingMutations(); err != nil {
		return nil, err
	}

	return vol, nil
}

// replayPendingMutations applies every recovered SR/DR/DT record whose
// transaction committed before the crash and whose tree handle has now
// been resolved to an open store. A committed transaction's physical
// page writes are only durable once a checkpoint or eviction has flushed
// them; a crash before that point leaves the volume holding the
// pre-write page image, so the logical mutation has to be replayed
// here to bring the tree back to what the commit already promised the
// caller. Mutations whose tree hasn't been opened yet are left pending
// for the next OpenVolume call.
func (e *Engine) replayPendingMutations() error {
	e.mu.Lock()
	if len(e.pendingMutations) == 0 {
		e.mu.Unlock()
		return nil
	}
	muts := e.pendingMutations
	committed := e.pendingRecovery.Committed
	e.mu.Unlock()

	steps := map[uint64]uint16{}
	var remaining []journal.Mutation
	for _, mut := range muts {
		// Tree removal is not transactional; a DT record applies
		// regardless of any commit outcome.
		if mut.Kind == journal.RecDT {
			if volName, treeName, found := e.namesForHandle(mut.TreeHandle); found {
				if err := e.removeTree(volName, treeName, false); err != nil {
					return err
				}
			}
			continue
		}
		if _, ok := committed[mut.TS]; !ok {
			continue
		}
		store, ok := e.lookupStoreByHandle(mut.TreeHandle)
		if !ok {
			store, ok = e.ensureTreeForHandle(mut.TreeHandle)
		}
		if !ok {
			remaining = append(remaining, mut)
			continue
		}
		steps[mut.TS]++
		if err := replayMutation(store, mut, steps[mut.TS], e.clock.Next()); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.pendingMutations = remaining
	e.mu.Unlock()
	return nil
}

func (e *Engine) lookupStoreByHandle(th uint32) (*MVVStore, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.storesByHandle[th]
	return s, ok
}

// ensureTreeForHandle re-creates a tree that a recovered mutation needs
// but the directory tree no longer (or not yet) names -- either it was
// created after the last flush, or a DT earlier in the journal removed it
// and a later re-create's directory entry was lost with the crash. The
// journal's IT binding supplies the name; policies fall back to defaults
// since the lost descriptor carried them.
func (e *Engine) ensureTreeForHandle(th uint32) (*MVVStore, bool) {
	if e.pendingRecovery == nil {
		return nil, false
	}
	bt, ok := e.pendingRecovery.Trees[th]
	if !ok {
		return nil, false
	}
	e.mu.Lock()
	var volName string
	for name, h := range e.volHandles {
		if h == bt.VolumeHandle {
			volName = name
			break
		}
	}
	e.mu.Unlock()
	if volName == "" {
		return nil, false
	}
	if err := e.CreateTree(volName, bt.TreeName, SplitPolicy{Kind: SplitNice}, JoinPolicy{Kind: JoinEvenBias}); err != nil {
		return nil, false
	}
	return e.lookupStoreByHandle(th)
}

// replayMutation applies one recovered mutation to store exactly as the
// original transaction would have through Txn.Store/Txn.Remove: the
// mutation's own ts is the writer timestamp, while the page modification
// stamp comes from the post-recovery clock so per-page journal
// timestamps never regress.
func replayMutation(store *MVVStore, mut journal.Mutation, step uint16, now uint64) error {
	switch mut.Kind {
	case journal.RecSR:
		return store.Put(Key(mut.Key1), mut.Value, mut.TS, step, now)
	case journal.RecDR:
		return store.DeleteRange(Key(mut.Key1), Key(mut.Key2), mut.TS, now)
	}
	return nil
}

func (e *Engine) namesForHandle(th uint32) (volumeName, treeName string, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for vn, m := range e.treeHandles {
		for tn, h := range m {
			if h == th {
				return vn, tn, true
			}
		}
	}
	return "", "", false
}

func fileExists(path string) bool {
	f, err := osOpenReadWriter(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func (e *Engine) openOrCreateDirTree(vol *Volume) (*Tree, error) {
	var tr *Tree
	if vol.DirectoryRoot != 0 {
		tr = OpenTree(vol, e.pool, "__directory__", vol.DirectoryRoot, 0, SplitPolicy{Kind: SplitNice}, JoinPolicy{Kind: JoinEvenBias})
	} else {
		var err error
		tr, err = CreateTree(vol, e.pool, "__directory__", SplitPolicy{Kind: SplitNice}, JoinPolicy{Kind: JoinEvenBias}, e.clock.Next())
		if err != nil {
			return nil, err
		}
		addr, _ := tr.RootAddress()
		if err := vol.SetDirectoryRoot(addr); err != nil {
			return nil, err
		}
	}
	tr.SetRootChangeHook(func(addr uint32, _ uint8) error {
		return vol.SetDirectoryRoot(addr)
	})
	return tr, nil
}

// persistTreeRoot keeps a tree's directory entry pointing at its current
// root across root splits, so a clean close and reopen never descends
// from a stale root.
func (e *Engine) persistTreeRoot(dirTree *Tree, treeName string, split SplitPolicy, join JoinPolicy) func(addr uint32, level uint8) error {
	return func(addr uint32, level uint8) error {
		desc := treeDescriptor{rootAddr: addr, rootLevel: level, split: split, join: join}
		return dirTree.Store(BuildKey([]byte(treeName)), encodeTreeDescriptor(desc), e.clock.Next())
	}
}

// sourceFor returns the bufferpool.Source every Tree uses: the pool
// already keys frames by (volumeID, addr), so one Source per Engine
// covers every volume it has open, matching Pool.Flush's single-source
// contract.
func (e *Engine) sourceFor() bufferpool.Source { return engineSource{e} }

// engineSource adapts an Engine to bufferpool.Source by dispatching on
// the volumeID bufferpool already carries in every call, so one instance
// serves every open Volume.
type engineSource struct{ e *Engine }

func (s engineSource) volumeByID(id uint64) (*Volume, bool) {
	s.e.mu.Lock()
	defer s.e.mu.Unlock()
	v, ok := s.e.volumesByID[id]
	return v, ok
}

func (s engineSource) ReadPage(volumeID uint64, addr uint32, buf []byte) error {
	v, ok := s.volumeByID(volumeID)
	if !ok {
		return errorf(KindCorruptVolume, "engine: no open volume with id %d", volumeID)
	}
	p, err := v.ReadPage(addr)
	if err != nil {
		return err
	}
	copy(buf, p.Encode())
	return nil
}

func (s engineSource) FlushPage(volumeID uint64, addr uint32, buf []byte, dirtyAt uint64) error {
	v, ok := s.volumeByID(volumeID)
	if !ok {
		return errorf(KindCorruptVolume, "engine: no open volume with id %d", volumeID)
	}
	return v.WriteBytesAt(addr, dirtyAt, buf)
}

// CreateTree allocates a new named tree inside an already-open volume and
// records it in that volume's directory tree.
func (e *Engine) CreateTree(volumeName, treeName string, split SplitPolicy, join JoinPolicy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	vol, ok := e.volumes[volumeName]
	if !ok {
		return ErrTreeNotFound
	}
	if _, exists := e.stores[volumeName][treeName]; exists {
		return errorf(KindInvalidKey, "tree %q already exists in volume %q", treeName, volumeName)
	}
	now := e.clock.Next()
	tr, err := CreateTree(vol, e.pool, treeName, split, join, now)
	if err != nil {
		return err
	}
	tr.SetSource(e.sourceFor())
	addr, level := tr.RootAddress()
	dirTree := e.dirTrees[volumeName]
	desc := treeDescriptor{rootAddr: addr, rootLevel: level, split: split, join: join}
	if err := dirTree.Store(BuildKey([]byte(treeName)), encodeTreeDescriptor(desc), now); err != nil {
		return err
	}
	tr.SetRootChangeHook(e.persistTreeRoot(dirTree, treeName, split, join))
	th, err := e.jm.TreeHandle(e.volHandles[volumeName], treeName)
	if err != nil {
		return err
	}
	store := NewMVVStore(tr, e.txIndex)
	e.stores[volumeName][treeName] = store
	e.treeHandles[volumeName][treeName] = th
	e.storesByHandle[th] = store
	return nil
}

// RemoveTree drops treeName from volumeName entirely: a DT record is
// journaled, the directory-tree entry naming it is removed, every page it
// owned (long-record chains included) goes back to the volume's garbage
// chain, and its accumulator slots are released -- all in one pass, so no
// bookkeeping row outlives the tree.
func (e *Engine) RemoveTree(volumeName, treeName string) error {
	return e.removeTree(volumeName, treeName, true)
}

func (e *Engine) removeTree(volumeName, treeName string, journalIt bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrFatal
	}
	store, ok := e.stores[volumeName][treeName]
	if !ok {
		e.mu.Unlock()
		return ErrTreeNotFound
	}
	th := e.treeHandles[volumeName][treeName]
	dirTree := e.dirTrees[volumeName]
	delete(e.stores[volumeName], treeName)
	delete(e.treeHandles[volumeName], treeName)
	delete(e.storesByHandle, th)
	e.mu.Unlock()

	now := e.clock.Next()
	if journalIt {
		if err := e.jm.RemoveTreeRecord(now, th); err != nil {
			return err
		}
	}
	if _, err := dirTree.Remove(BuildKey([]byte(treeName)), now); err != nil {
		return err
	}
	if err := store.tree.FreeAllPages(now); err != nil {
		return err
	}
	e.accum.RemoveTree(volumeName + "/" + treeName)
	return nil
}

func (e *Engine) storeFor(volumeName, treeName string) (*MVVStore, uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	trees, ok := e.stores[volumeName]
	if !ok {
		return nil, 0, ErrTreeNotFound
	}
	s, ok := trees[treeName]
	if !ok {
		return nil, 0, ErrTreeNotFound
	}
	return s, e.treeHandles[volumeName][treeName], nil
}

// Accumulator returns (creating on first use) the accumulator at
// (kind, index) for treeName, qualified by volumeName so trees of the
// same name in different volumes get independent slots.
func (e *Engine) Accumulator(volumeName, treeName string, kind AccumulatorKind, index int) (*Accumulator, error) {
	return e.accum.Get(volumeName+"/"+treeName, kind, index)
}

// Checkpoint flushes every buffer dirty at or before a freshly allocated
// checkpoint timestamp and records a CP journal entry marking the
// durable prefix.
func (e *Engine) Checkpoint() error {
	ts := e.clock.Next()
	if err := e.pool.Flush(ts, e.sourceFor()); err != nil {
		return err
	}
	e.mu.Lock()
	vols := make([]*Volume, 0, len(e.volumes))
	for _, v := range e.volumes {
		vols = append(vols, v)
	}
	e.mu.Unlock()
	for _, v := range vols {
		if err := v.Sync(); err != nil {
			return err
		}
	}
	return e.jm.Checkpoint(ts, e.jm.CurrentAddress())
}

func (e *Engine) checkpointLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.CheckpointInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stopCheckpoint:
			return
		case <-t.C:
			if err := e.Checkpoint(); err != nil {
				e.cfg.LogError("checkpoint: %v", err)
			}
		}
	}
}

// cleanupTickLoop is the deferred-work heartbeat: every CleanupInterval
// it refreshes the transaction index's cached floors and feeds each open
// tree's pending underfull pages into the cleanup queue as deferred join
// attempts.
func (e *Engine) cleanupTickLoop() {
	defer e.wg.Done()
	t := time.NewTicker(e.cfg.CleanupInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stopCheckpoint:
			return
		case <-t.C:
			e.txIndex.RefreshFloors()
			e.scheduleDeferredJoins()
		}
	}
}

func (e *Engine) scheduleDeferredJoins() {
	e.mu.Lock()
	stores := make([]*MVVStore, 0, len(e.storesByHandle))
	for _, s := range e.storesByHandle {
		stores = append(stores, s)
	}
	e.mu.Unlock()
	for _, s := range stores {
		tree := s.tree
		for {
			addr, ok := tree.PopRebalanceCandidate()
			if !ok {
				break
			}
			rebalanceAddr := addr
			e.cleanup.Enqueue(CleanupAction{
				Kind:     "deferred-join",
				Priority: PriorityNormal,
				Run: func() error {
					_, err := tree.TryJoin(rebalanceAddr, e.clock.Next())
					return err
				},
			})
		}
	}
}

// schedulePostAbortPrune queues collapse of every MVV version the aborted
// transaction ts wrote, then tells the journal the transaction no longer
// needs to survive a rollover's live-transaction map. Skipping the second
// step leaves stale entries in the map, which surface as spurious
// missing-journal-file errors at a later recovery.
func (e *Engine) schedulePostAbortPrune(ts uint64, written []writtenRange) {
	if len(written) == 0 {
		e.jm.PrunedTransactions(ts)
		return
	}
	e.cleanup.Enqueue(CleanupAction{
		Kind:     "prune-aborted",
		Priority: PriorityHigh,
		Run: func() error {
			for _, wr := range written {
				store, _, err := e.storeFor(wr.volumeName, wr.treeName)
				if err != nil {
					continue
				}
				keys := []Key{wr.lo}
				if wr.hi != nil {
					keys, err = collectKeysInRange(store.tree, wr.lo, wr.hi)
					if err != nil {
						return err
					}
				}
				for _, k := range keys {
					if err := store.Prune(k, e.clock.Next()); err != nil {
						return err
					}
				}
			}
			e.jm.PrunedTransactions(ts)
			return nil
		},
	})
}

func collectKeysInRange(t *Tree, lo, hi Key) ([]Key, error) {
	cur, err := t.NewCursor(lo, DirGTEQ, nil)
	if err != nil {
		return nil, err
	}
	var keys []Key
	for {
		k, _, ok, err := cur.Next()
		if err != nil {
			return nil, err
		}
		if !ok || Compare(k, hi) >= 0 {
			return keys, nil
		}
		keys = append(keys, append(Key(nil), k...))
	}
}

// Close stops background workers, checkpoints once more, and closes
// every open volume and the journal.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.stopCheckpoint)
	e.wg.Wait()
	e.cleanup.Close()

	err := e.Checkpoint()
	e.mu.Lock()
	for _, v := range e.volumes {
		if cerr := v.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	e.mu.Unlock()
	if jerr := e.jm.Close(); jerr != nil && err == nil {
		err = jerr
	}
	return err
}

// Fatal marks the engine permanently unusable: once something has
// corrupted shared state beyond safe repair, every subsequent call
// should fail fast instead of risking further damage.
func (e *Engine) Fatal() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

// VolumeNames lists every volume currently open on e, for the `dump` and
// `stat` CLI tasks which enumerate what an engine is currently holding
// without the caller already knowing the names.
func (e *Engine) VolumeNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.volumes))
	for name := range e.volumes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Volume returns the open *Volume by name, for read-only inspection
// (dump/stat).
func (e *Engine) Volume(name string) (*Volume, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.volumes[name]
	return v, ok
}

// TreeNames lists every tree open in volumeName.
func (e *Engine) TreeNames(volumeName string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	trees := e.stores[volumeName]
	names := make([]string, 0, len(trees))
	for name := range trees {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CleanupStats exposes the cleanup queue's depth and drop counter for
// `stat`.
func (e *Engine) CleanupStats() (queueLength int, dropped int64) {
	return e.cleanup.QueueLength(), e.cleanup.DroppedCount()
}
