package voltree

import "testing"

func TestAccumulatorLiveVsSnapshotValue(t *testing.T) {
	a := newAccumulator(AccumSum)

	a.Update(1, 1)
	if got := a.LiveValue(); got != 1 {
		t.Fatalf("LiveValue after uncommitted update = %d, want 1", got)
	}
	if got := a.SnapshotValue(1); got != 0 {
		t.Fatalf("SnapshotValue before commit = %d, want 0", got)
	}

	a.Commit(1, 2)
	if got := a.SnapshotValue(2 + 1); got != 1 {
		t.Fatalf("SnapshotValue after commit = %d, want 1", got)
	}
}

func TestAccumulatorAbortDiscardsDelta(t *testing.T) {
	a := newAccumulator(AccumSum)
	a.Update(1, 5)
	a.Abort(1)
	if got := a.LiveValue(); got != 0 {
		t.Fatalf("LiveValue after abort = %d, want 0", got)
	}
	if got := a.SnapshotValue(1000); got != 0 {
		t.Fatalf("SnapshotValue after abort = %d, want 0", got)
	}
}

func TestAccumulatorMinMax(t *testing.T) {
	min := newAccumulator(AccumMin)
	min.Update(1, 10)
	min.Commit(1, 1)
	min.Update(2, 3)
	min.Commit(2, 2)
	min.Update(3, 7)
	min.Commit(3, 3)
	if got := min.SnapshotValue(100); got != 3 {
		t.Fatalf("min SnapshotValue = %d, want 3", got)
	}

	max := newAccumulator(AccumMax)
	max.Update(1, 10)
	max.Commit(1, 1)
	max.Update(2, 30)
	max.Commit(2, 2)
	max.Update(3, 7)
	max.Commit(3, 3)
	if got := max.SnapshotValue(100); got != 30 {
		t.Fatalf("max SnapshotValue = %d, want 30", got)
	}
}

func TestAccumulatorReserveSEQ(t *testing.T) {
	a := newAccumulator(AccumSeq)
	start := a.Reserve(1, 10)
	if start != 0 {
		t.Fatalf("first reserve start = %d, want 0", start)
	}
	if got := a.LiveValue(); got != 10 {
		t.Fatalf("LiveValue after reserve = %d, want 10", got)
	}
	start2 := a.Reserve(2, 5)
	if start2 != 10 {
		t.Fatalf("second reserve start = %d, want 10", start2)
	}
}

func TestAccumulatorCheckpointFoldsResolvedIntoBase(t *testing.T) {
	a := newAccumulator(AccumSum)
	a.Update(1, 4)
	a.Commit(1, 1)
	a.Update(2, 6)
	a.Commit(2, 2)

	a.Checkpoint(1)
	if len(a.resolved) != 1 {
		t.Fatalf("expected one resolved delta to remain after checkpoint, got %d", len(a.resolved))
	}
	if got := a.SnapshotValue(100); got != 10 {
		t.Fatalf("SnapshotValue after checkpoint = %d, want 10", got)
	}
}

func TestAccumulatorDirectoryRemoveTreeIsAtomic(t *testing.T) {
	d := NewAccumulatorDirectory()
	a1, err := d.Get("t1", AccumSum, 0)
	if err != nil {
		t.Fatal(err)
	}
	a2, err := d.Get("t1", AccumMax, 1)
	if err != nil {
		t.Fatal(err)
	}
	if a1 == a2 {
		t.Fatal("distinct slots should not alias the same accumulator")
	}
	again, err := d.Get("t1", AccumSum, 0)
	if err != nil || again != a1 {
		t.Fatal("Get should return the same accumulator for the same slot")
	}

	d.RemoveTree("t1")
	d.mu.Lock()
	remaining := len(d.bySlot)
	d.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("RemoveTree left %d slots behind, want 0", remaining)
	}
}

func TestAccumulatorDirectoryEnforcesSlotLimit(t *testing.T) {
	d := NewAccumulatorDirectory()
	for i := 0; i < maxAccumulatorsPerTree; i++ {
		if _, err := d.Get("t", AccumSum, i); err != nil {
			t.Fatalf("slot %d: unexpected error %v", i, err)
		}
	}
	if _, err := d.Get("t", AccumSum, maxAccumulatorsPerTree); err == nil {
		t.Fatal("expected an error past the 64-slot limit")
	}
}
