package txnindex

import (
	"testing"
	"time"
)

func TestVisibleOwnWriteAlwaysVisible(t *testing.T) {
	ix := New(OptBuckets(4))
	ix.Begin(10)
	visible, err := ix.Visible(10, 10)
	if err != nil || !visible {
		t.Fatalf("own write: visible=%v err=%v", visible, err)
	}
}

func TestVisibleRequiresCommittedAndTCBound(t *testing.T) {
	ix := New(OptBuckets(4))
	ix.Begin(10)

	visible, err := ix.Visible(10, 20)
	if err != nil || visible {
		t.Fatalf("active writer should not be visible to others: visible=%v err=%v", visible, err)
	}

	ix.Commit(10, 15)
	visible, err = ix.Visible(10, 14)
	if err != nil || visible {
		t.Fatalf("committed at 15 should not be visible at reader 14: visible=%v", visible)
	}
	visible, err = ix.Visible(10, 15)
	if err != nil || !visible {
		t.Fatalf("committed at 15 should be visible at reader 15: visible=%v err=%v", visible, err)
	}
}

func TestAbortedNeverVisible(t *testing.T) {
	ix := New(OptBuckets(4))
	ix.Begin(5)
	ix.Abort(5)
	visible, err := ix.Visible(5, 1000)
	if err != nil || visible {
		t.Fatalf("aborted write should never be visible: visible=%v err=%v", visible, err)
	}
}

func TestWaitForResolutionTimesOutThenSucceeds(t *testing.T) {
	ix := New(OptBuckets(4))
	ix.Begin(1)

	done := make(chan struct{})
	go func() {
		committed, err := ix.WaitForResolution(1, 30*time.Millisecond)
		if err != ErrTimeout {
			t.Errorf("expected timeout, got committed=%v err=%v", committed, err)
		}
		close(done)
	}()
	<-done

	go ix.Commit(1, 2)
	committed, err := ix.WaitForResolution(1, time.Second)
	if err != nil || !committed {
		t.Fatalf("expected eventual commit: committed=%v err=%v", committed, err)
	}
}

func TestActiveFloorTracksLowestActiveTS(t *testing.T) {
	ix := New(OptBuckets(4))
	ix.Begin(100)
	ix.Begin(50)
	ix.Begin(200)
	ix.RefreshFloors()
	if got := ix.ActiveFloor(); got != 50 {
		t.Fatalf("ActiveFloor = %d, want 50", got)
	}
	ix.Abort(50)
	ix.RefreshFloors()
	if got := ix.ActiveFloor(); got != 100 {
		t.Fatalf("ActiveFloor after resolving 50 = %d, want 100", got)
	}
}

func TestRecyclingRequiresNotifiedAndZeroRefs(t *testing.T) {
	ix := New(OptBuckets(4))
	st := ix.Begin(7)
	st.IncRef()
	ix.Commit(7, 8)
	ix.RefreshFloors()
	if _, ok := ix.Lookup(7); !ok {
		t.Fatal("status should survive while refcount > 0")
	}
	st.DecRef()
	ix.MarkNotified(7)
	ix.RefreshFloors()
	if _, ok := ix.Lookup(7); ok {
		t.Fatal("status should be recycled once notified and refcount reaches zero")
	}
}
