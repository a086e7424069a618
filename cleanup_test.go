package voltree

import "testing"

func noopAction(kind string, pri CleanupPriority) CleanupAction {
	return CleanupAction{Kind: kind, Priority: pri, Run: func() error { return nil }}
}

// The worker is deliberately never started in these tests so that queued
// actions stay queued and the overflow arithmetic is observable.
func TestCleanupOverflowAccounting(t *testing.T) {
	m := NewCleanupManager(4, nil)

	const offered = 10
	for i := 0; i < offered; i++ {
		m.Enqueue(noopAction("fill", PriorityNormal))
	}
	if got := m.OfferedCount(); got != offered {
		t.Fatalf("OfferedCount = %d, want %d", got, offered)
	}
	if a, r := m.AcceptedCount(), m.RefusedCount(); a+r != offered {
		t.Fatalf("accepted %d + refused %d != offered %d", a, r, offered)
	}
	if got := m.QueueLength(); got != 4 {
		t.Fatalf("QueueLength = %d, want capacity 4", got)
	}
	if got := m.DroppedCount(); got != offered-4 {
		t.Fatalf("DroppedCount = %d, want %d", got, offered-4)
	}
}

func TestCleanupOverflowPrefersHigherPriority(t *testing.T) {
	m := NewCleanupManager(2, nil)
	m.Enqueue(noopAction("low-1", PriorityLow))
	m.Enqueue(noopAction("low-2", PriorityLow))
	m.Enqueue(noopAction("high", PriorityHigh))

	if got := m.QueueLength(); got != 2 {
		t.Fatalf("QueueLength = %d, want 2", got)
	}
	// The high-priority action must have displaced a low one, not been
	// refused itself.
	if got := m.RefusedCount(); got != 0 {
		t.Fatalf("RefusedCount = %d, want 0 (the incoming high-priority action must be accepted)", got)
	}
	if got := m.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount = %d, want 1", got)
	}
}

func TestCleanupClearEmptiesQueue(t *testing.T) {
	m := NewCleanupManager(8, nil)
	for i := 0; i < 5; i++ {
		m.Enqueue(noopAction("x", PriorityNormal))
	}
	m.Clear()
	if got := m.QueueLength(); got != 0 {
		t.Fatalf("QueueLength after Clear = %d, want 0", got)
	}
}

func TestCleanupWorkerDrainsInPriorityOrder(t *testing.T) {
	m := NewCleanupManager(8, nil)
	var order []string
	done := make(chan struct{})
	record := func(kind string, pri CleanupPriority, last bool) CleanupAction {
		return CleanupAction{Kind: kind, Priority: pri, Run: func() error {
			order = append(order, kind)
			if last {
				close(done)
			}
			return nil
		}}
	}
	m.Enqueue(record("low", PriorityLow, true))
	m.Enqueue(record("high", PriorityHigh, false))
	m.Enqueue(record("normal", PriorityNormal, false))
	m.Start()
	<-done
	m.Close()

	want := []string{"high", "normal", "low"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ran %v, want %v", order, want)
		}
	}
}
