package voltree

import (
	"sync"

	"github.com/brimstore/voltree/txnindex"
)

// Txn is a snapshot-isolated transaction spanning any number of trees
// across any number of volumes open on the same Engine. Every read sees
// exactly the versions committed before the transaction's start
// timestamp, plus its own not-yet-committed writes; every write is
// invisible to any other transaction until Commit.
type Txn struct {
	eng    *Engine
	ts     uint64
	status *txnindex.Status

	mu      sync.Mutex
	step    uint16
	touched []*Accumulator
	written []writtenRange
	state   txnState
}

// writtenRange remembers where a transaction wrote, so a rollback can
// queue pruning of exactly the MVVs that now carry its aborted versions.
// A nil hi marks a single-key write.
type writtenRange struct {
	volumeName string
	treeName   string
	lo, hi     Key
}

type txnState int

const (
	txnActive txnState = iota
	txnCommitted
	txnRolledBack
)

// Begin starts a new transaction with a fresh snapshot timestamp.
func (e *Engine) Begin() (*Txn, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrFatal
	}
	e.mu.Unlock()
	ts := e.clock.Next()
	status := e.txIndex.Begin(ts)
	if err := e.jm.BeginTx(ts); err != nil {
		return nil, err
	}
	return &Txn{eng: e, ts: ts, status: status}, nil
}

// TS is the transaction's snapshot/write timestamp.
func (t *Txn) TS() uint64 { return t.ts }

func (t *Txn) nextStep() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.step++
	return t.step
}

func (t *Txn) noteWrite(volumeName, treeName string, lo, hi Key) {
	t.mu.Lock()
	t.written = append(t.written, writtenRange{volumeName: volumeName, treeName: treeName, lo: lo, hi: hi})
	t.mu.Unlock()
}

func (t *Txn) requireActive() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != txnActive {
		return errorf(KindRollback, "transaction already resolved")
	}
	return nil
}

// Store writes key/value in treeName within volumeName on behalf of t,
// visible to no other transaction until Commit.
func (t *Txn) Store(volumeName, treeName string, key Key, value []byte) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	store, th, err := t.eng.storeFor(volumeName, treeName)
	if err != nil {
		return err
	}
	if err := store.Put(key, value, t.ts, t.nextStep(), t.eng.clock.Next()); err != nil {
		return err
	}
	t.noteWrite(volumeName, treeName, key, nil)
	return t.eng.jm.StoreRecord(t.ts, th, key, value)
}

// Remove marks key deleted in treeName within volumeName on behalf of t,
// by writing an anti-value version.
func (t *Txn) Remove(volumeName, treeName string, key Key) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	store, th, err := t.eng.storeFor(volumeName, treeName)
	if err != nil {
		return err
	}
	if err := store.Delete(key, t.ts, t.nextStep(), t.eng.clock.Next()); err != nil {
		return err
	}
	t.noteWrite(volumeName, treeName, key, nil)
	// A single-key remove is journaled as the degenerate delete-range
	// covering just this key; an SR record always carries a value.
	return t.eng.jm.DeleteRangeRecord(t.ts, th, key, NudgeRight(key))
}

// RemoveRange marks every key in [lo, hi) of treeName within volumeName
// deleted on behalf of t, journaled as a single DR record.
func (t *Txn) RemoveRange(volumeName, treeName string, lo, hi Key) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	store, th, err := t.eng.storeFor(volumeName, treeName)
	if err != nil {
		return err
	}
	if err := store.DeleteRange(lo, hi, t.ts, t.eng.clock.Next()); err != nil {
		return err
	}
	t.noteWrite(volumeName, treeName, lo, hi)
	return t.eng.jm.DeleteRangeRecord(t.ts, th, lo, hi)
}

// Fetch returns the value of key in treeName within volumeName visible to
// t's snapshot.
func (t *Txn) Fetch(volumeName, treeName string, key Key) (value []byte, found bool, err error) {
	if err := t.requireActive(); err != nil {
		return nil, false, err
	}
	store, _, err := t.eng.storeFor(volumeName, treeName)
	if err != nil {
		return nil, false, err
	}
	return store.Get(key, t.ts)
}

// TxnCursor traverses a tree's keys within a transaction's snapshot,
// skipping versions not visible to it.
type TxnCursor struct {
	txn    *Txn
	ix     *txnindex.Index
	cursor *Cursor
}

// NewCursor positions a TxnCursor at the first key matching dir relative
// to start, visible to t's snapshot.
func (t *Txn) NewCursor(volumeName, treeName string, start Key, dir Direction, filter KeyFilter) (*TxnCursor, error) {
	if err := t.requireActive(); err != nil {
		return nil, err
	}
	store, _, err := t.eng.storeFor(volumeName, treeName)
	if err != nil {
		return nil, err
	}
	cur, err := store.tree.NewCursor(start, dir, filter)
	if err != nil {
		return nil, err
	}
	return &TxnCursor{txn: t, ix: t.eng.txIndex, cursor: cur}, nil
}

// Next advances the cursor to the next key whose MVV has a version
// visible to the owning transaction's snapshot, skipping over keys whose
// only versions are invisible or anti-values.
func (c *TxnCursor) Next() (key Key, value []byte, ok bool, err error) {
	for {
		k, raw, hasNext, err := c.cursor.Next()
		if err != nil {
			return nil, nil, false, err
		}
		if !hasNext {
			return nil, nil, false, nil
		}
		versions, err := decodeMVV(raw)
		if err != nil {
			return nil, nil, false, err
		}
		v, err := selectVisible(c.ix, versions, c.txn.ts)
		if err != nil {
			return nil, nil, false, err
		}
		if v == nil || v.Anti {
			continue
		}
		return k, v.Value, true, nil
	}
}

// Commit resolves t as committed: its transaction status is marked
// committed at a fresh commit timestamp, the journal's TC record is
// appended, and every accumulator t touched folds in its pending delta.
func (t *Txn) Commit() error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return errorf(KindRollback, "transaction already resolved")
	}
	t.state = txnCommitted
	touched := t.touched
	t.mu.Unlock()

	tc := t.eng.clock.Next()
	if err := t.eng.jm.CommitTx(t.ts, tc); err != nil {
		return err
	}
	if err := t.eng.txIndex.Commit(t.ts, tc); err != nil {
		return err
	}
	for _, a := range touched {
		a.Commit(t.ts, tc)
	}
	return nil
}

// Rollback resolves t as aborted. The journal's TX record is flushed
// synchronously before this returns when the engine is configured for
// SyncRollback, so a crash can never recover the effects of a
// transaction whose rollback this call already reported as complete.
func (t *Txn) Rollback() error {
	t.mu.Lock()
	if t.state != txnActive {
		t.mu.Unlock()
		return nil
	}
	t.state = txnRolledBack
	touched := t.touched
	written := t.written
	t.mu.Unlock()

	if err := t.eng.jm.RollbackTx(t.ts); err != nil {
		return err
	}
	if err := t.eng.txIndex.Abort(t.ts); err != nil {
		return err
	}
	for _, a := range touched {
		a.Abort(t.ts)
	}
	t.eng.schedulePostAbortPrune(t.ts, written)
	return nil
}

// UpdateAccumulator applies delta to the accumulator at (kind, index) on
// treeName within volumeName on behalf of t, immediately visible via
// LiveValue but only folded into SnapshotValue reads once t commits.
func (t *Txn) UpdateAccumulator(volumeName, treeName string, kind AccumulatorKind, index int, delta int64) error {
	if err := t.requireActive(); err != nil {
		return err
	}
	a, err := t.eng.Accumulator(volumeName, treeName, kind, index)
	if err != nil {
		return err
	}
	a.Update(t.ts, delta)
	t.mu.Lock()
	t.touched = append(t.touched, a)
	t.mu.Unlock()
	return nil
}
