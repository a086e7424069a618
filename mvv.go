package voltree

import (
	"encoding/binary"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/brimstore/voltree/txnindex"
)

// MVV values are encoded in a tree's value slot as a 1-byte version count
// followed by that many (ts uint64, step uint16, length uint32, bytes)
// entries, newest version first. A length of
// mvvAntiLength marks the anti-value: a version that records a deletion
// rather than carrying bytes.
const mvvAntiLength = 0xFFFFFFFF

type mvvVersion struct {
	TS    uint64
	Step  uint16
	Value []byte
	Anti  bool
}

func encodeMVV(versions []mvvVersion) []byte {
	buf := make([]byte, 1, 16)
	buf[0] = byte(len(versions))
	var hdr [14]byte
	for _, v := range versions {
		binary.BigEndian.PutUint64(hdr[0:], v.TS)
		binary.BigEndian.PutUint16(hdr[8:], v.Step)
		if v.Anti {
			binary.BigEndian.PutUint32(hdr[10:], mvvAntiLength)
			buf = append(buf, hdr[:]...)
			continue
		}
		binary.BigEndian.PutUint32(hdr[10:], uint32(len(v.Value)))
		buf = append(buf, hdr[:]...)
		buf = append(buf, v.Value...)
	}
	return buf
}

func decodeMVV(raw []byte) ([]mvvVersion, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	n := int(raw[0])
	off := 1
	versions := make([]mvvVersion, 0, n)
	for i := 0; i < n; i++ {
		if off+14 > len(raw) {
			return nil, errorf(KindCorruptVolume, "mvv: truncated version header at entry %d", i)
		}
		ts := binary.BigEndian.Uint64(raw[off:])
		step := binary.BigEndian.Uint16(raw[off+8:])
		length := binary.BigEndian.Uint32(raw[off+10:])
		off += 14
		if length == mvvAntiLength {
			versions = append(versions, mvvVersion{TS: ts, Step: step, Anti: true})
			continue
		}
		if off+int(length) > len(raw) {
			return nil, errorf(KindCorruptVolume, "mvv: truncated version payload at entry %d", i)
		}
		val := make([]byte, length)
		copy(val, raw[off:off+int(length)])
		off += int(length)
		versions = append(versions, mvvVersion{TS: ts, Step: step, Value: val})
	}
	return versions, nil
}

// selectVisible scans versions newest-to-oldest for the first one visible
// to readerTS, returning nil if none is.
func selectVisible(ix *txnindex.Index, versions []mvvVersion, readerTS uint64) (*mvvVersion, error) {
	for i := range versions {
		v := &versions[i]
		visible, err := ix.Visible(v.TS, readerTS)
		if err != nil {
			if err == txnindex.ErrUnknownTransaction {
				// A status this old has already been recycled, which the
				// refcount invariant guarantees only happens once no MVV
				// still needs it -- i.e. it was already pruned away. If we
				// see it here regardless, treat it conservatively as not
				// visible rather than erroring the read.
				continue
			}
			return nil, err
		}
		if visible {
			return v, nil
		}
	}
	return nil, nil
}

// pruneVersions collapses aborted versions unconditionally and versions
// older than floor down to the single newest one at-or-below floor,
// leaving everything at or above floor untouched. It never reorders what
// remains.
func pruneVersions(ix *txnindex.Index, versions []mvvVersion, floor uint64) (kept, removed []mvvVersion) {
	keptBase := false
	for _, v := range versions {
		if st, ok := ix.Lookup(v.TS); ok && st.State() == txnindex.StateAborted {
			removed = append(removed, v)
			continue
		}
		if v.TS >= floor {
			kept = append(kept, v)
			continue
		}
		if !keptBase {
			kept = append(kept, v)
			keptBase = true
			continue
		}
		removed = append(removed, v)
	}
	return kept, removed
}

// MVVStore layers snapshot-isolated reads and writes over a Tree by
// MVV-encoding every value slot and consulting a txnindex.Index for
// visibility. A Tree itself stays ignorant of all of this -- it moves
// whatever bytes Store/Fetch are given without interpreting them.
//
// Every rewrite of a key's version chain is a read-modify-write of one
// tree value, serialized per key through a striped lock so two writers
// racing on the same key can never rebuild the chain from the same
// snapshot and silently drop each other's version. The stripe is never
// held while waiting on another transaction's resolution.
type MVVStore struct {
	tree     *Tree
	ix       *txnindex.Index
	keyLocks [64]sync.Mutex
}

func (s *MVVStore) lockFor(key Key) *sync.Mutex {
	return &s.keyLocks[murmur3.Sum32(key)%uint32(len(s.keyLocks))]
}

// NewMVVStore wraps tree with transactional MVV semantics driven by ix.
func NewMVVStore(tree *Tree, ix *txnindex.Index) *MVVStore {
	return &MVVStore{tree: tree, ix: ix}
}

// Get returns the value of key visible to a reader at readerTS, or
// found=false if no version is visible or the visible version is the
// anti-value.
func (s *MVVStore) Get(key Key, readerTS uint64) (value []byte, found bool, err error) {
	raw, found, err := s.tree.Fetch(key)
	if err != nil || !found {
		return nil, false, err
	}
	versions, err := decodeMVV(raw)
	if err != nil {
		return nil, false, err
	}
	v, err := selectVisible(s.ix, versions, readerTS)
	if err != nil {
		return nil, false, err
	}
	if v == nil || v.Anti {
		return nil, false, nil
	}
	return v.Value, true, nil
}

// Put writes a new version of key on behalf of writerTS.
func (s *MVVStore) Put(key Key, value []byte, writerTS uint64, step uint16, now uint64) error {
	return s.putVersion(key, mvvVersion{TS: writerTS, Step: step, Value: value}, now)
}

// Delete writes an anti-value version of key on behalf of writerTS.
func (s *MVVStore) Delete(key Key, writerTS uint64, step uint16, now uint64) error {
	return s.putVersion(key, mvvVersion{TS: writerTS, Step: step, Anti: true}, now)
}

func (s *MVVStore) putVersion(key Key, nv mvvVersion, now uint64) error {
	mu := s.lockFor(key)
	for {
		mu.Lock()
		raw, found, err := s.tree.Fetch(key)
		if err != nil {
			mu.Unlock()
			return err
		}
		var versions []mvvVersion
		if found {
			versions, err = decodeMVV(raw)
			if err != nil {
				mu.Unlock()
				return err
			}
		}

		if len(versions) > 0 && versions[0].TS != nv.TS {
			if st, ok := s.ix.Lookup(versions[0].TS); ok && st.State() == txnindex.StateActive {
				// Drop the stripe while blocked so the conflicting
				// transaction's own writes are not stalled behind us,
				// then re-read the chain from scratch: it may have
				// grown, or a third writer may have taken the head.
				head := versions[0].TS
				mu.Unlock()
				if _, err := s.ix.WaitForResolution(head, s.ix.WWLockTimeout()); err != nil {
					return errorf(KindTimeout, "write-write conflict on key: %v", err)
				}
				continue
			}
		}

		if st, ok := s.ix.Lookup(nv.TS); ok {
			st.IncRef()
		}
		versions = append([]mvvVersion{nv}, versions...)
		err = s.tree.Store(key, encodeMVV(versions), now)
		mu.Unlock()
		return err
	}
}

// DeleteRange marks every key in [lo, hi) deleted on behalf of writerTS.
// It reads the affected keys into memory before writing any anti-value so
// that the deletes themselves never perturb the cursor doing the
// scanning.
func (s *MVVStore) DeleteRange(lo, hi Key, writerTS, now uint64) error {
	cur, err := s.tree.NewCursor(lo, DirGTEQ, nil)
	if err != nil {
		return err
	}
	var keys []Key
	for {
		k, _, ok, err := cur.Next()
		if err != nil {
			return err
		}
		if !ok || Compare(k, hi) >= 0 {
			break
		}
		keys = append(keys, append(Key(nil), k...))
	}
	for i, k := range keys {
		if err := s.Delete(k, writerTS, uint16(i+1), now); err != nil {
			return err
		}
	}
	return nil
}

// Prune rewrites key's MVV, collapsing versions no longer visible to any
// active snapshot and releasing their transaction statuses' references. A
// no-op if nothing needed collapsing.
func (s *MVVStore) Prune(key Key, now uint64) error {
	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()
	raw, found, err := s.tree.Fetch(key)
	if err != nil || !found {
		return err
	}
	versions, err := decodeMVV(raw)
	if err != nil {
		return err
	}
	floor := s.ix.ActiveFloor()
	kept, removed := pruneVersions(s.ix, versions, floor)
	if len(removed) == 0 {
		return nil
	}
	for _, v := range removed {
		if st, ok := s.ix.Lookup(v.TS); ok {
			if st.DecRef() {
				s.ix.MarkNotified(v.TS)
			}
		}
	}
	if len(kept) == 0 {
		_, err := s.tree.Remove(key, now)
		return err
	}
	return s.tree.Store(key, encodeMVV(kept), now)
}
