package voltree

import (
	"fmt"
	"math"
	"sort"
	"sync"
)

// AccumulatorKind selects how an Accumulator's updates combine.
type AccumulatorKind int

const (
	AccumSum AccumulatorKind = iota
	AccumMin
	AccumMax
	AccumSeq
)

func (k AccumulatorKind) String() string {
	switch k {
	case AccumSum:
		return "sum"
	case AccumMin:
		return "min"
	case AccumMax:
		return "max"
	case AccumSeq:
		return "seq"
	default:
		return "unknown"
	}
}

func combine(kind AccumulatorKind, a, b int64) int64 {
	switch kind {
	case AccumMin:
		if b < a {
			return b
		}
		return a
	case AccumMax:
		if b > a {
			return b
		}
		return a
	default: // AccumSum, AccumSeq
		return a + b
	}
}

type resolvedDelta struct {
	tc    uint64
	value int64
}

// Accumulator is a per-tree aggregate with a fast-path "live value" and a
// snapshot-consistent "visible value". Live reads every applied update,
// committed or not; snapshot reads only ever see deltas that committed
// at or before the reading timestamp: an update made but not yet
// committed moves the live value immediately while the transaction's own
// snapshot read still observes the pre-update base.
type Accumulator struct {
	mu       sync.Mutex
	kind     AccumulatorKind
	base     int64
	pending  map[uint64]int64 // ts -> coalesced delta, one entry per active transaction
	resolved []resolvedDelta  // committed deltas, kept sorted by tc
	live     int64
}

func newAccumulator(kind AccumulatorKind) *Accumulator {
	a := &Accumulator{kind: kind, pending: map[uint64]int64{}}
	// MIN and MAX start from their identity so the first update sets the value.
	switch kind {
	case AccumMin:
		a.base, a.live = math.MaxInt64, math.MaxInt64
	case AccumMax:
		a.base, a.live = math.MinInt64, math.MinInt64
	}
	return a
}

func (a *Accumulator) recomputeLiveLocked() {
	v := a.base
	for _, d := range a.pending {
		v = combine(a.kind, v, d)
	}
	for _, rd := range a.resolved {
		v = combine(a.kind, v, rd.value)
	}
	a.live = v
}

// Update coalesces delta into transaction ts's pending value and applies
// it to the live value immediately.
func (a *Accumulator) Update(ts uint64, delta int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cur, ok := a.pending[ts]; ok {
		a.pending[ts] = combine(a.kind, cur, delta)
	} else {
		a.pending[ts] = delta
	}
	a.recomputeLiveLocked()
}

// Reserve is the SEQ convenience form of Update: it returns the live
// value before reserving n more and bumps the live value by n, letting a
// caller hand out [start, start+n) as fresh sequence values without
// waiting on commit.
func (a *Accumulator) Reserve(ts uint64, n int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := a.live
	if cur, ok := a.pending[ts]; ok {
		a.pending[ts] = cur + n
	} else {
		a.pending[ts] = n
	}
	a.recomputeLiveLocked()
	return start
}

// Commit promotes ts's pending delta into the resolved set at commit
// timestamp tc. A no-op if ts has no pending delta (nothing was updated
// under that transaction).
func (a *Accumulator) Commit(ts uint64, tc uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.pending[ts]
	if !ok {
		return
	}
	delete(a.pending, ts)
	i := sort.Search(len(a.resolved), func(i int) bool { return a.resolved[i].tc >= tc })
	a.resolved = append(a.resolved, resolvedDelta{})
	copy(a.resolved[i+1:], a.resolved[i:])
	a.resolved[i] = resolvedDelta{tc: tc, value: v}
	a.recomputeLiveLocked()
}

// Abort discards ts's pending delta, rolling the live value back to what
// it would be without it.
func (a *Accumulator) Abort(ts uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, ts)
	a.recomputeLiveLocked()
}

// LiveValue is the fast-path value: base combined with every applied
// update, committed or still pending.
func (a *Accumulator) LiveValue() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// SnapshotValue is the MVCC-consistent read: base combined only with
// deltas that committed at or before readerTS.
func (a *Accumulator) SnapshotValue(readerTS uint64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	v := a.base
	for _, rd := range a.resolved {
		if rd.tc <= readerTS {
			v = combine(a.kind, v, rd.value)
		}
	}
	return v
}

// Checkpoint folds every resolved delta at or before tc into base,
// shrinking the resolved list a journal checkpoint would otherwise carry
// forward forever.
func (a *Accumulator) Checkpoint(tc uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.resolved[:0]
	for _, rd := range a.resolved {
		if rd.tc <= tc {
			a.base = combine(a.kind, a.base, rd.value)
			continue
		}
		kept = append(kept, rd)
	}
	a.resolved = kept
}

const maxAccumulatorsPerTree = 64

type accumulatorKey struct {
	tree  string
	kind  AccumulatorKind
	index int
}

// AccumulatorDirectory holds every tree's accumulator slots, up to
// maxAccumulatorsPerTree per (kind, index), and guarantees a tree's slots
// are removed in one atomic pass so a concurrent Get can never resurrect
// a stale slot after its tree has been dropped.
type AccumulatorDirectory struct {
	mu       sync.Mutex
	bySlot   map[accumulatorKey]*Accumulator
	slotsPer map[string]int
}

// NewAccumulatorDirectory builds an empty directory.
func NewAccumulatorDirectory() *AccumulatorDirectory {
	return &AccumulatorDirectory{
		bySlot:   map[accumulatorKey]*Accumulator{},
		slotsPer: map[string]int{},
	}
}

// Get returns tree's accumulator at (kind, index), creating it on first
// request.
func (d *AccumulatorDirectory) Get(tree string, kind AccumulatorKind, index int) (*Accumulator, error) {
	key := accumulatorKey{tree: tree, kind: kind, index: index}
	d.mu.Lock()
	defer d.mu.Unlock()
	if a, ok := d.bySlot[key]; ok {
		return a, nil
	}
	if d.slotsPer[tree] >= maxAccumulatorsPerTree {
		return nil, errorf(KindInvalidKey, "accumulator: tree %q already has %d slots", tree, maxAccumulatorsPerTree)
	}
	a := newAccumulator(kind)
	d.bySlot[key] = a
	d.slotsPer[tree]++
	return a, nil
}

// RemoveTree drops every accumulator slot belonging to tree in a single
// locked pass.
func (d *AccumulatorDirectory) RemoveTree(tree string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key := range d.bySlot {
		if key.tree == tree {
			delete(d.bySlot, key)
		}
	}
	delete(d.slotsPer, tree)
}

func (d *AccumulatorDirectory) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return fmt.Sprintf("AccumulatorDirectory{trees=%d, slots=%d}", len(d.slotsPer), len(d.bySlot))
}
