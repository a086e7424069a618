package txnindex

import (
	"errors"
	"sync"
	"time"
)

// ErrTimeout is returned by WaitForResolution when a write-write lock
// wait exceeds its configured deadline.
var ErrTimeout = errors.New("txnindex: write-write lock wait timed out")

// ErrUnknownTransaction is returned when a ts has no Status and the
// caller needed one to exist (the refcount invariant guarantees this
// should not happen while any MVV still cites the ts).
var ErrUnknownTransaction = errors.New("txnindex: no status for transaction")

type bucket struct {
	mu          sync.Mutex
	byTS        map[uint64]*Status
	cachedFloor uint64
	lastRefresh time.Time
}

// Index is the bucketed transaction status table.
type Index struct {
	cfg     *config
	buckets []*bucket
}

// New builds an Index; opts are the Opt* functions in this package.
func New(opts ...func(*config)) *Index {
	cfg := resolveConfig(opts...)
	ix := &Index{cfg: cfg, buckets: make([]*bucket, cfg.buckets)}
	for i := range ix.buckets {
		ix.buckets[i] = &bucket{byTS: map[uint64]*Status{}, cachedFloor: tcInfinite}
	}
	return ix
}

func (ix *Index) bucketFor(ts uint64) *bucket {
	return ix.buckets[ts%uint64(len(ix.buckets))]
}

// Begin registers a new active transaction at ts.
func (ix *Index) Begin(ts uint64) *Status {
	st := newStatus(ts)
	b := ix.bucketFor(ts)
	b.mu.Lock()
	b.byTS[ts] = st
	b.mu.Unlock()
	return st
}

// Lookup returns the Status for ts, if one is still registered.
func (ix *Index) Lookup(ts uint64) (*Status, bool) {
	b := ix.bucketFor(ts)
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.byTS[ts]
	return st, ok
}

// Commit resolves ts as committed at commit timestamp tc.
func (ix *Index) Commit(ts uint64, tc uint64) error {
	st, ok := ix.Lookup(ts)
	if !ok {
		return ErrUnknownTransaction
	}
	st.commit(tc)
	return nil
}

// Abort resolves ts as aborted.
func (ix *Index) Abort(ts uint64) error {
	st, ok := ix.Lookup(ts)
	if !ok {
		return ErrUnknownTransaction
	}
	st.abort()
	return nil
}

// Visible implements the visibility rule: a version written by writerTS
// is visible to a reader at readerTS iff it is the reader's own write,
// or it committed at or before readerTS.
func (ix *Index) Visible(writerTS, readerTS uint64) (bool, error) {
	if writerTS == readerTS {
		return true, nil
	}
	st, ok := ix.Lookup(writerTS)
	if !ok {
		return false, ErrUnknownTransaction
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.state != StateCommitted {
		return false, nil
	}
	return st.tc <= readerTS, nil
}

// WaitForResolution blocks until writerTS commits or aborts, or timeout
// elapses, returning whether it committed. A writer that finds itself in
// conflict with another still-active transaction waits on this instead
// of failing immediately.
func (ix *Index) WaitForResolution(writerTS uint64, timeout time.Duration) (committed bool, err error) {
	st, ok := ix.Lookup(writerTS)
	if !ok {
		return true, nil
	}
	st.mu.Lock()
	if st.state != StateActive {
		committed := st.state == StateCommitted
		st.mu.Unlock()
		return committed, nil
	}
	ch := st.resolved
	st.mu.Unlock()

	select {
	case <-ch:
		st.mu.Lock()
		committed := st.state == StateCommitted
		st.mu.Unlock()
		return committed, nil
	case <-time.After(timeout):
		return false, ErrTimeout
	}
}

// WWLockTimeout is the configured default wait bound for
// WaitForResolution.
func (ix *Index) WWLockTimeout() time.Duration { return ix.cfg.wwLockTimeout }

// MarkNotified flags that every MVV citing ts at the moment it resolved
// has observed the outcome (a precondition for recycling alongside a
// zero refcount).
func (ix *Index) MarkNotified(ts uint64) {
	if st, ok := ix.Lookup(ts); ok {
		st.markNotified()
	}
}

// RefreshFloors recomputes each bucket's cached floor: the smallest ts
// among its still-active statuses, or the index's max uint64 sentinel if
// none are active.
func (ix *Index) RefreshFloors() {
	for _, b := range ix.buckets {
		b.mu.Lock()
		floor := tcInfinite
		for ts, st := range b.byTS {
			if st.isResolved() && st.isNotified() && st.refs() <= 0 {
				delete(b.byTS, ts)
				continue
			}
			if !st.isResolved() && ts < floor {
				floor = ts
			}
		}
		b.cachedFloor = floor
		b.lastRefresh = time.Now()
		b.mu.Unlock()
	}
}

// ActiveFloor returns the smallest ts across all buckets' cached floors:
// the lowest still-active snapshot timestamp, used by MVV pruning to
// decide which versions are safe to collapse. May lag real state by up
// to the configured active-cache interval.
func (ix *Index) ActiveFloor() uint64 {
	floor := tcInfinite
	for _, b := range ix.buckets {
		b.mu.Lock()
		if b.cachedFloor < floor {
			floor = b.cachedFloor
		}
		b.mu.Unlock()
	}
	return floor
}

// ActiveCacheInterval is the configured refresh period a background
// goroutine should call RefreshFloors at.
func (ix *Index) ActiveCacheInterval() time.Duration { return ix.cfg.activeCacheInterval }
