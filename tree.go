package voltree

import (
	"encoding/binary"
	"sync"

	"github.com/brimstore/voltree/bufferpool"
)

// volumeSource adapts a Volume's raw page I/O to bufferpool.Source. It
// lives in the root package (not bufferpool) specifically so it can reach
// Volume's unexported file handle directly, keeping bufferpool itself
// ignorant of the concrete type it is really caching for.
type volumeSource struct{ v *Volume }

func (s volumeSource) ReadPage(_ uint64, addr uint32, buf []byte) error {
	s.v.mu.Lock()
	defer s.v.mu.Unlock()
	if _, err := s.v.file.ReadAt(buf, s.v.pageOffset(addr)); err != nil {
		return errorf(KindCorruptVolume, "volume %q: read page %d: %v", s.v.Name, addr, err)
	}
	s.v.stats.PagesRead++
	return nil
}

func (s volumeSource) FlushPage(_ uint64, addr uint32, buf []byte, dirtyAt uint64) error {
	return s.v.WriteBytesAt(addr, dirtyAt, buf)
}

// maxKeySize and maxInlineValueSize bound what Store will place directly
// in a key block vs. spill to a long record chain. The bounds keep the
// largest possible entry comfortably under half a page's capacity, which
// guarantees every overfull page has at least one legal split point.
func maxKeySize(pageSize int) int { return pageSize / 8 }

func maxInlineValueSize(pageSize int) int { return pageSize / 4 }

func encodeChildAddr(addr uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, addr)
	return b
}

func decodeChildAddr(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// Direction is the traversal order Cursor.Next advances in.
type Direction int

const (
	DirGT Direction = iota
	DirGTEQ
	DirLT
	DirLTEQ
	DirEQ
)

// KeyFilter lets a Cursor skip keys without stopping traversal.
type KeyFilter func(k Key) bool

type ancestorRef struct {
	addr     uint32
	childIdx int
}

// Tree is a single B+-tree within a Volume: a root page address, a shared
// buffer pool claim, and the split/join policies governing its pages. It
// knows nothing about transactions or MVV encoding -- Store/Fetch/Remove
// move opaque bytes; the engine's MVV layer wraps a Tree to add snapshot
// visibility.
type Tree struct {
	mu     sync.RWMutex
	volume *Volume
	pool   *bufferpool.Pool
	source bufferpool.Source

	// onRootChange, when set, is invoked after a root split moves the
	// tree's root so the owner can persist the new root address (the
	// engine rewrites the directory-tree entry; the directory tree itself
	// rewrites the volume header).
	onRootChange func(addr uint32, level uint8) error

	Name        string
	rootAddr    uint32
	rootLevel   uint8
	SplitPolicy SplitPolicy
	JoinPolicy  JoinPolicy

	// Sequence detection only ever consults the immediately preceding
	// insert, so a single (leaf, index) pair is tracked; an insert on any
	// other leaf resets the run.
	lastInsertMu   sync.Mutex
	lastInsertLeaf uint32
	lastInsertIdx  int

	rebalanceMu      sync.Mutex
	rebalancePending map[uint32]bool
}

// CreateTree allocates a fresh, empty leaf page as the root of a new
// tree, stamped with now.
func CreateTree(volume *Volume, pool *bufferpool.Pool, name string, split SplitPolicy, join JoinPolicy, now uint64) (*Tree, error) {
	addr, err := volume.AllocNewPage()
	if err != nil {
		return nil, err
	}
	pool.Forget(volume.ID, addr)
	leaf := NewPage(volume.PageSize, addr, PageTypeData)
	leaf.Timestamp = now
	if err := volume.WritePage(leaf); err != nil {
		return nil, err
	}
	return newTree(volume, pool, name, addr, 0, split, join), nil
}

// OpenTree wraps an existing root page address as a Tree handle.
func OpenTree(volume *Volume, pool *bufferpool.Pool, name string, rootAddr uint32, rootLevel uint8, split SplitPolicy, join JoinPolicy) *Tree {
	return newTree(volume, pool, name, rootAddr, rootLevel, split, join)
}

func newTree(volume *Volume, pool *bufferpool.Pool, name string, rootAddr uint32, rootLevel uint8, split SplitPolicy, join JoinPolicy) *Tree {
	return &Tree{
		volume: volume, pool: pool, source: volumeSource{volume},
		Name: name, rootAddr: rootAddr, rootLevel: rootLevel,
		SplitPolicy: split, JoinPolicy: join,
	}
}

// SetSource overrides the bufferpool.Source a Tree's page claims resolve
// misses and flushes through. An owning Engine calls this right after
// CreateTree/OpenTree to route flushes through its JournalManager instead
// of the bare volumeSource every standalone Tree uses by default.
func (t *Tree) SetSource(src bufferpool.Source) { t.source = src }

// SetRootChangeHook registers fn to be called with the new root address
// and level after every root split.
func (t *Tree) SetRootChangeHook(fn func(addr uint32, level uint8) error) { t.onRootChange = fn }

// RootAddress is the tree's current root page address, persisted by the
// caller into the volume's directory tree.
func (t *Tree) RootAddress() (uint32, uint8) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootAddr, t.rootLevel
}

func (t *Tree) currentRoot() (uint32, uint8) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rootAddr, t.rootLevel
}

func (t *Tree) setRoot(addr uint32, level uint8) {
	t.mu.Lock()
	t.rootAddr, t.rootLevel = addr, level
	t.mu.Unlock()
}

// allocPage allocates a fresh page address for the tree. The address may
// have had a previous life on the garbage chain, so any cached frame for
// it is dropped before the caller writes the new page's image.
func (t *Tree) allocPage() (uint32, error) {
	addr, err := t.volume.AllocNewPage()
	if err != nil {
		return 0, err
	}
	t.pool.Forget(t.volume.ID, addr)
	return addr, nil
}

func (t *Tree) fetchPage(addr uint32, writer bool) (*bufferpool.Claim, *Page, error) {
	claim, err := t.pool.Get(t.volume.ID, addr, writer, t.source)
	if err != nil {
		if _, ok := err.(bufferpool.ErrClaimTimeout); ok {
			return nil, nil, errorf(KindTimeout, "page %d: %v", addr, err)
		}
		return nil, nil, err
	}
	p, err := DecodePage(claim.Bytes())
	if err != nil {
		claim.Release()
		return nil, nil, err
	}
	return claim, p, nil
}

func (t *Tree) writeClaim(claim *bufferpool.Claim, p *Page, now uint64) error {
	p.Timestamp = now
	copy(claim.Bytes(), p.Encode())
	claim.MarkDirty(now)
	claim.ReleaseTouched()
	return nil
}

// descend walks from the root to the leaf that key belongs in, returning
// the chain of index-page ancestors visited (with the child slot taken at
// each level) and the leaf's address.
func (t *Tree) descend(key Key) ([]ancestorRef, uint32, error) {
	var stack []ancestorRef
	addr, _ := t.currentRoot()
	for {
		claim, page, err := t.fetchPage(addr, false)
		if err != nil {
			return nil, 0, err
		}
		if page.Type != PageTypeIndex {
			claim.Release()
			return stack, addr, nil
		}
		found := page.FindKey(key)
		childIdx := found.Index
		if !found.Exact {
			childIdx--
		}
		if childIdx < 0 {
			childIdx = 0
		}
		childAddr := decodeChildAddr(page.Values[childIdx])
		stack = append(stack, ancestorRef{addr: addr, childIdx: childIdx})
		claim.Release()
		addr = childAddr
	}
}

func (t *Tree) resolveValue(page *Page, idx int) ([]byte, error) {
	if idx < len(page.LongRecord) && page.LongRecord[idx] {
		totalLen, firstAddr, err := decodeLongRecordHeader(page.Values[idx])
		if err != nil {
			return nil, err
		}
		return readLongRecordChain(t.volume, firstAddr, totalLen)
	}
	return page.Values[idx], nil
}

// Fetch returns the raw value stored for key, or found=false if absent.
func (t *Tree) Fetch(key Key) (value []byte, found bool, err error) {
	_, leafAddr, err := t.descend(key)
	if err != nil {
		return nil, false, err
	}
	claim, page, err := t.fetchPage(leafAddr, false)
	if err != nil {
		return nil, false, err
	}
	defer claim.Release()
	fk := page.FindKey(key)
	if !fk.Exact {
		return nil, false, nil
	}
	v, err := t.resolveValue(page, fk.Index)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (t *Tree) takeLastInsert(addr uint32) int {
	t.lastInsertMu.Lock()
	defer t.lastInsertMu.Unlock()
	if addr != t.lastInsertLeaf {
		return -1
	}
	return t.lastInsertIdx
}

func (t *Tree) recordLastInsert(addr uint32, idx int) {
	t.lastInsertMu.Lock()
	t.lastInsertLeaf, t.lastInsertIdx = addr, idx
	t.lastInsertMu.Unlock()
}

// Store inserts or overwrites key with value, splitting pages up to the
// root as needed.
func (t *Tree) Store(key Key, value []byte, now uint64) error {
	if len(key) == 0 || len(key) > maxKeySize(t.volume.PageSize) {
		return errorf(KindInvalidKey, "key length %d exceeds maximum %d", len(key), maxKeySize(t.volume.PageSize))
	}
	stack, leafAddr, err := t.descend(key)
	if err != nil {
		return err
	}

	var encodedValue []byte
	longRecord := false
	if len(value) > maxInlineValueSize(t.volume.PageSize) {
		firstAddr, err := writeLongRecordChain(t.volume, value, now)
		if err != nil {
			return err
		}
		encodedValue = encodeLongRecordHeader(len(value), firstAddr)
		longRecord = true
	} else {
		encodedValue = value
	}

	claim, page, err := t.fetchPage(leafAddr, true)
	if err != nil {
		return err
	}

	var oldLongRecordHeader []byte
	fk := page.FindKey(key)
	if fk.Exact {
		if page.LongRecord[fk.Index] {
			oldLongRecordHeader = append([]byte(nil), page.Values[fk.Index]...)
		}
		page.Values[fk.Index] = encodedValue
		page.LongRecord[fk.Index] = longRecord
		if page.FreeSpace() < 0 {
			if err := t.splitLeafAndPropagate(claim, page, leafAddr, stack, fk.Index, SequenceNone, now); err != nil {
				return err
			}
		} else if err := t.writeClaim(claim, page, now); err != nil {
			return err
		}
	} else if page.Fits(len(key), len(encodedValue)) {
		page.Insert(fk.Index, key, encodedValue, longRecord)
		t.recordLastInsert(leafAddr, fk.Index)
		if err := t.writeClaim(claim, page, now); err != nil {
			return err
		}
	} else {
		hint := ClassifySequence(fk.Index, t.takeLastInsert(leafAddr))
		page.Insert(fk.Index, key, encodedValue, longRecord)
		if err := t.splitLeafAndPropagate(claim, page, leafAddr, stack, fk.Index, hint, now); err != nil {
			return err
		}
	}

	if len(oldLongRecordHeader) > 0 {
		_, oldAddr, derr := decodeLongRecordHeader(oldLongRecordHeader)
		if derr == nil {
			_ = freeLongRecordChain(t.volume, oldAddr, now)
		}
	}
	return nil
}

func (t *Tree) splitLeafAndPropagate(claim *bufferpool.Claim, page *Page, leafAddr uint32, stack []ancestorRef, insertIdx int, hint SequenceHint, now uint64) error {
	splitIdx := ChooseSplit(page, insertIdx, t.SplitPolicy, hint)
	rightAddr, err := t.allocPage()
	if err != nil {
		claim.Release()
		return err
	}
	right := &Page{Type: page.Type, Level: page.Level, Address: rightAddr, RightSibling: page.RightSibling, PageSize: page.PageSize, Timestamp: now}
	right.Keys = append([]Key{}, page.Keys[splitIdx:]...)
	right.Values = append([][]byte{}, page.Values[splitIdx:]...)
	right.LongRecord = append([]bool{}, page.LongRecord[splitIdx:]...)

	page.Keys = page.Keys[:splitIdx]
	page.Values = page.Values[:splitIdx]
	page.LongRecord = page.LongRecord[:splitIdx]
	page.RightSibling = rightAddr

	// Track which side the triggering insert ended up on, so the next
	// insert's sequence classification compares against a live position.
	if insertIdx >= splitIdx {
		t.recordLastInsert(rightAddr, insertIdx-splitIdx)
	} else {
		t.recordLastInsert(leafAddr, insertIdx)
	}

	if err := t.volume.WritePage(right); err != nil {
		claim.Release()
		return err
	}
	if err := t.writeClaim(claim, page, now); err != nil {
		return err
	}

	separator := append(Key{}, right.Keys[0]...)
	return t.propagateSplit(stack, separator, rightAddr, now)
}

// propagateSplit inserts (separator, childAddr) into the parent named by
// the top of stack, splitting the parent in turn (recursing upward) if it
// does not fit, or creating a new root if stack is empty.
func (t *Tree) propagateSplit(stack []ancestorRef, separator Key, childAddr uint32, now uint64) error {
	if len(stack) == 0 {
		oldRootAddr, oldRootLevel := t.currentRoot()
		newRootAddr, err := t.allocPage()
		if err != nil {
			return err
		}
		newRoot := NewPage(t.volume.PageSize, newRootAddr, PageTypeIndex)
		newRoot.Level = oldRootLevel + 1
		newRoot.Keys = []Key{{}, separator}
		newRoot.Values = [][]byte{encodeChildAddr(oldRootAddr), encodeChildAddr(childAddr)}
		newRoot.LongRecord = []bool{false, false}
		newRoot.Timestamp = now
		if err := t.volume.WritePage(newRoot); err != nil {
			return err
		}
		t.setRoot(newRootAddr, newRoot.Level)
		if t.onRootChange != nil {
			return t.onRootChange(newRootAddr, newRoot.Level)
		}
		return nil
	}

	parentRef := stack[len(stack)-1]
	claim, parent, err := t.fetchPage(parentRef.addr, true)
	if err != nil {
		return err
	}
	fk := parent.FindKey(separator)
	idx := fk.Index

	if parent.Fits(len(separator), 4) {
		parent.Insert(idx, separator, encodeChildAddr(childAddr), false)
		return t.writeClaim(claim, parent, now)
	}

	parent.Insert(idx, separator, encodeChildAddr(childAddr), false)
	splitIdx := ChooseSplit(parent, idx, t.SplitPolicy, SequenceNone)
	rightAddr, err := t.allocPage()
	if err != nil {
		claim.Release()
		return err
	}
	right := &Page{Type: PageTypeIndex, Level: parent.Level, Address: rightAddr, RightSibling: parent.RightSibling, PageSize: parent.PageSize, Timestamp: now}
	right.Keys = append([]Key{}, parent.Keys[splitIdx:]...)
	right.Values = append([][]byte{}, parent.Values[splitIdx:]...)
	right.LongRecord = append([]bool{}, parent.LongRecord[splitIdx:]...)

	parent.Keys = parent.Keys[:splitIdx]
	parent.Values = parent.Values[:splitIdx]
	parent.LongRecord = parent.LongRecord[:splitIdx]
	parent.RightSibling = rightAddr

	if err := t.volume.WritePage(right); err != nil {
		claim.Release()
		return err
	}
	if err := t.writeClaim(claim, parent, now); err != nil {
		return err
	}
	newSeparator := append(Key{}, right.Keys[0]...)
	return t.propagateSplit(stack[:len(stack)-1], newSeparator, rightAddr, now)
}

// Remove deletes key if present. If the containing leaf falls below a
// healthy fill ratio afterward, the leaf is queued for the cleanup
// manager to attempt a join rather than rebalancing inline.
func (t *Tree) Remove(key Key, now uint64) (removed bool, err error) {
	_, leafAddr, err := t.descend(key)
	if err != nil {
		return false, err
	}
	claim, page, err := t.fetchPage(leafAddr, true)
	if err != nil {
		return false, err
	}
	fk := page.FindKey(key)
	if !fk.Exact {
		claim.Release()
		return false, nil
	}
	var oldLongRecordAddr uint32
	hadLongRecord := page.LongRecord[fk.Index]
	if hadLongRecord {
		_, oldLongRecordAddr, _ = decodeLongRecordHeader(page.Values[fk.Index])
	}
	page.RemoveAt(fk.Index)
	rootAddr, _ := t.currentRoot()
	underfull := leafAddr != rootAddr && len(page.Keys) > 0 && page.InUseRatio() < 0.25
	if err := t.writeClaim(claim, page, now); err != nil {
		return false, err
	}
	if underfull {
		t.markRebalance(leafAddr)
	}
	if hadLongRecord {
		_ = freeLongRecordChain(t.volume, oldLongRecordAddr, now)
	}
	return true, nil
}

func (t *Tree) markRebalance(addr uint32) {
	t.rebalanceMu.Lock()
	if t.rebalancePending == nil {
		t.rebalancePending = map[uint32]bool{}
	}
	t.rebalancePending[addr] = true
	t.rebalanceMu.Unlock()
}

// PopRebalanceCandidate returns one pending underfull leaf address, for
// the cleanup manager to attempt to join.
func (t *Tree) PopRebalanceCandidate() (uint32, bool) {
	t.rebalanceMu.Lock()
	defer t.rebalanceMu.Unlock()
	for addr := range t.rebalancePending {
		delete(t.rebalancePending, addr)
		return addr, true
	}
	return 0, false
}

// TryJoin attempts to merge the leaf at addr with its right sibling,
// folding the sibling's separator out of their shared parent. It is
// scoped to leaf-level joins: an index page left underfull by a prior
// join is tolerated rather than chased further up, leaving the tree
// legal but unjoined at that level. Returns joined=false, nil error when
// no join was possible (no right sibling, combined size does not fit, or
// the sibling's separator could not be found in addr's immediate parent)
// rather than surfacing ErrRebalanceRequired again -- the caller already
// knows it is retrying a deferred action.
func (t *Tree) TryJoin(addr uint32, now uint64) (joined bool, err error) {
	leftClaim, left, err := t.fetchPage(addr, true)
	if err != nil {
		return false, err
	}
	if left.Type != PageTypeData || len(left.Keys) == 0 {
		leftClaim.Release()
		return false, nil
	}
	rightAddr := left.RightSibling
	if rightAddr == 0 {
		leftClaim.Release()
		return false, nil
	}

	// descend claims each page on its path as a reader, this leaf
	// included, so the writer claim is dropped for the walk and retaken.
	firstKey := append(Key{}, left.Keys[0]...)
	leftClaim.Release()
	stack, descAddr, err := t.descend(firstKey)
	if err != nil {
		return false, err
	}
	if descAddr != addr || len(stack) == 0 {
		return false, nil
	}
	if leftClaim, left, err = t.fetchPage(addr, true); err != nil {
		return false, err
	}
	if left.Type != PageTypeData || len(left.Keys) == 0 || left.RightSibling != rightAddr {
		leftClaim.Release()
		return false, nil
	}

	rightClaim, right, err := t.fetchPage(rightAddr, true)
	if err != nil {
		leftClaim.Release()
		return false, err
	}
	if right.Type != PageTypeData || !CanJoin(left, right) {
		leftClaim.Release()
		rightClaim.Release()
		return false, nil
	}

	parentRef := stack[len(stack)-1]
	parentClaim, parent, err := t.fetchPage(parentRef.addr, true)
	if err != nil {
		leftClaim.Release()
		rightClaim.Release()
		return false, err
	}
	childIdx := -1
	for i, v := range parent.Values {
		if decodeChildAddr(v) == rightAddr {
			childIdx = i
			break
		}
	}
	if childIdx < 0 {
		leftClaim.Release()
		rightClaim.Release()
		parentClaim.Release()
		return false, nil
	}

	merged := Join(left, right)
	if err := t.writeClaim(leftClaim, merged, now); err != nil {
		rightClaim.Release()
		parentClaim.Release()
		return false, err
	}
	rightClaim.Release()

	parent.RemoveAt(childIdx)
	if err := t.writeClaim(parentClaim, parent, now); err != nil {
		return false, err
	}

	t.pool.Forget(t.volume.ID, rightAddr)
	if err := t.volume.FreePage(rightAddr, now); err != nil {
		return false, err
	}
	return true, nil
}

// FreeAllPages returns every page the tree owns -- index pages, leaves,
// and the long-record chains its values point to -- to the volume's
// garbage chain. The tree is unusable afterward; callers (tree removal)
// drop every reference to it in the same breath.
func (t *Tree) FreeAllPages(now uint64) error {
	rootAddr, _ := t.currentRoot()
	return t.freeSubtree(rootAddr, now)
}

func (t *Tree) freeSubtree(addr uint32, now uint64) error {
	claim, page, err := t.fetchPage(addr, true)
	if err != nil {
		return err
	}
	if page.Type == PageTypeIndex {
		children := make([]uint32, len(page.Values))
		for i, v := range page.Values {
			children[i] = decodeChildAddr(v)
		}
		claim.Release()
		for _, c := range children {
			if err := t.freeSubtree(c, now); err != nil {
				return err
			}
		}
	} else {
		var chains []uint32
		for i := range page.Keys {
			if i < len(page.LongRecord) && page.LongRecord[i] {
				if _, first, derr := decodeLongRecordHeader(page.Values[i]); derr == nil {
					chains = append(chains, first)
				}
			}
		}
		claim.Release()
		for _, first := range chains {
			if err := freeLongRecordChain(t.volume, first, now); err != nil {
				return err
			}
		}
	}
	t.pool.Forget(t.volume.ID, addr)
	return t.volume.FreePage(addr, now)
}

// prevLeaf returns the leaf immediately to the left of the one descend
// reached, using the ancestor stack collected along the way: walk up to
// the first ancestor where the descent took a non-leftmost child, step to
// the previous sibling there, then follow rightmost children back down.
func (t *Tree) prevLeaf(stack []ancestorRef) (uint32, bool, error) {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].childIdx == 0 {
			continue
		}
		claim, page, err := t.fetchPage(stack[i].addr, false)
		if err != nil {
			return 0, false, err
		}
		childAddr := decodeChildAddr(page.Values[stack[i].childIdx-1])
		claim.Release()
		addr := childAddr
		for {
			c2, p2, err := t.fetchPage(addr, false)
			if err != nil {
				return 0, false, err
			}
			if p2.Type != PageTypeIndex {
				c2.Release()
				return addr, true, nil
			}
			next := decodeChildAddr(p2.Values[len(p2.Values)-1])
			c2.Release()
			addr = next
		}
	}
	return 0, false, nil
}

func (t *Tree) nextLeaf(leafAddr uint32) (uint32, bool, error) {
	claim, page, err := t.fetchPage(leafAddr, false)
	if err != nil {
		return 0, false, err
	}
	next := page.RightSibling
	claim.Release()
	if next == 0 {
		return 0, false, nil
	}
	return next, true, nil
}

// Cursor is the tree-level traversal handle a transactional TxnCursor
// binds to; the engine's TxnCursor wraps this to add snapshot visibility.
type Cursor struct {
	tree     *Tree
	leafAddr uint32
	index    int
	dir      Direction
	filter   KeyFilter
	done     bool
}

// NewCursor positions a Cursor at the first key matching dir relative to
// start. For DirGT/DirLT the starting key itself is excluded even if
// present.
func (t *Tree) NewCursor(start Key, dir Direction, filter KeyFilter) (*Cursor, error) {
	_, leafAddr, err := t.descend(start)
	if err != nil {
		return nil, err
	}
	claim, page, err := t.fetchPage(leafAddr, false)
	if err != nil {
		return nil, err
	}
	fk := page.FindKey(start)
	claim.Release()

	c := &Cursor{tree: t, leafAddr: leafAddr, dir: dir, filter: filter}
	switch dir {
	case DirGT:
		c.index = fk.Index
		if fk.Exact {
			c.index++
		}
	case DirGTEQ, DirEQ:
		c.index = fk.Index
		if dir == DirEQ && !fk.Exact {
			c.done = true
		}
	case DirLT, DirLTEQ:
		c.index = fk.Index - 1
		if fk.Exact && dir == DirLTEQ {
			c.index = fk.Index
		}
	}
	return c, nil
}

// Next advances the cursor, returning ok=false once the range is
// exhausted.
func (c *Cursor) Next() (key Key, value []byte, ok bool, err error) {
	if c.done {
		return nil, nil, false, nil
	}
	for {
		claim, page, err := c.tree.fetchPage(c.leafAddr, false)
		if err != nil {
			return nil, nil, false, err
		}

		forward := c.dir == DirGT || c.dir == DirGTEQ || c.dir == DirEQ
		if forward {
			if c.index >= len(page.Keys) {
				claim.Release()
				if c.dir == DirEQ {
					c.done = true
					return nil, nil, false, nil
				}
				next, has, err := c.tree.nextLeaf(c.leafAddr)
				if err != nil {
					return nil, nil, false, err
				}
				if !has {
					c.done = true
					return nil, nil, false, nil
				}
				c.leafAddr = next
				c.index = 0
				continue
			}
			k := append(Key{}, page.Keys[c.index]...)
			v, rerr := c.tree.resolveValue(page, c.index)
			c.index++
			claim.Release()
			if rerr != nil {
				return nil, nil, false, rerr
			}
			if c.dir == DirEQ {
				c.done = true
			}
			if c.filter != nil && !c.filter(k) {
				continue
			}
			return k, v, true, nil
		}

		// backward (DirLT, DirLTEQ)
		if c.index < 0 {
			if len(page.Keys) == 0 {
				claim.Release()
				c.done = true
				return nil, nil, false, nil
			}
			firstKey := append(Key{}, page.Keys[0]...)
			claim.Release()
			stack, _, err := c.tree.descend(firstKey)
			if err != nil {
				return nil, nil, false, err
			}
			prevAddr, has, err := c.tree.prevLeaf(stack)
			if err != nil {
				return nil, nil, false, err
			}
			if !has {
				c.done = true
				return nil, nil, false, nil
			}
			pclaim, ppage, err := c.tree.fetchPage(prevAddr, false)
			if err != nil {
				return nil, nil, false, err
			}
			c.leafAddr = prevAddr
			c.index = len(ppage.Keys) - 1
			pclaim.Release()
			continue
		}
		k := append(Key{}, page.Keys[c.index]...)
		v, rerr := c.tree.resolveValue(page, c.index)
		c.index--
		claim.Release()
		if rerr != nil {
			return nil, nil, false, rerr
		}
		if c.filter != nil && !c.filter(k) {
			continue
		}
		return k, v, true, nil
	}
}
