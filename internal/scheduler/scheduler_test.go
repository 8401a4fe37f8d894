package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/idamser/message-queue/internal/scheduler"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// collected gathers fired redeliveries in a concurrency-safe way.
type collected struct {
	mu      sync.Mutex
	entries []string // "handle@queueURL:body"
}

func (c *collected) fn(queueURL, handle string, body []byte) {
	c.mu.Lock()
	c.entries = append(c.entries, handle+"@"+queueURL+":"+string(body))
	c.mu.Unlock()
}

func (c *collected) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *collected) fired() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.entries))
	copy(out, c.entries)
	return out
}

// waitForCount polls until n redeliveries have fired or timeout elapses.
func waitForCount(t *testing.T, c *collected, n int, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.len() >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// ─── Tests ───────────────────────────────────────────────────────────────────

// TestScheduler_PastDeadlineFiresPromptly verifies that a deadline already in
// the past fires without waiting.
func TestScheduler_PastDeadlineFiresPromptly(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)
	defer s.Stop()

	past := time.Now().Add(-1 * time.Second).UnixMilli()
	s.Schedule("orders", "16", []byte("payload"), past)

	if !waitForCount(t, c, 1, 2*time.Second) {
		t.Fatalf("expected 1 redelivery within 2s, got %d", c.len())
	}
	if got := c.fired()[0]; got != "16@orders:payload" {
		t.Errorf("fired = %s, want 16@orders:payload", got)
	}
}

// TestScheduler_FutureDeadline verifies that the callback does NOT fire before
// the deadline, and DOES fire after.
func TestScheduler_FutureDeadline(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)
	defer s.Stop()

	deadline := time.Now().Add(150 * time.Millisecond).UnixMilli()
	s.Schedule("orders", "16", []byte("x"), deadline)

	time.Sleep(80 * time.Millisecond)
	if c.len() != 0 {
		t.Fatal("redelivery fired before the visibility deadline")
	}

	if !waitForCount(t, c, 1, 500*time.Millisecond) {
		t.Fatal("expected redelivery within 500ms of deadline, got none")
	}
}

// TestScheduler_CancelPreventsFire verifies the delete-wins half of the race
// contract: after a successful Cancel the callback must never run.
func TestScheduler_CancelPreventsFire(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)
	defer s.Stop()

	deadline := time.Now().Add(300 * time.Millisecond).UnixMilli()
	s.Schedule("orders", "16", []byte("x"), deadline)
	if !s.Cancel("orders", "16") {
		t.Fatal("Cancel returned false for a pending timer")
	}

	time.Sleep(500 * time.Millisecond)
	if c.len() != 0 {
		t.Fatalf("expected 0 redeliveries after cancel, got %d", c.len())
	}
}

// TestScheduler_CancelDoesNotAccelerateOthers verifies that cancelling the
// soonest deadline does not drag the remaining timers forward: when the
// goroutine wakes from a sleep armed for an item that was cancelled
// meanwhile, the new root must keep its own deadline instead of firing at
// the cancelled item's.
func TestScheduler_CancelDoesNotAccelerateOthers(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)
	defer s.Stop()

	now := time.Now()
	s.Schedule("q", "soon", []byte("a"), now.Add(150*time.Millisecond).UnixMilli())
	s.Schedule("q", "later", []byte("b"), now.Add(600*time.Millisecond).UnixMilli())

	time.Sleep(50 * time.Millisecond) // let the goroutine sleep on "soon"
	if !s.Cancel("q", "soon") {
		t.Fatal("Cancel returned false for a pending timer")
	}

	// Past "soon"'s deadline, well before "later"'s: nothing may fire yet.
	time.Sleep(250 * time.Millisecond)
	if c.len() != 0 {
		t.Fatalf("remaining timer fired at the cancelled item's deadline: %v", c.fired())
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}

	// "later" must still fire at its own deadline.
	if !waitForCount(t, c, 1, 2*time.Second) {
		t.Fatal("remaining timer never fired")
	}
	if got := c.fired()[0]; got != "later@q:b" {
		t.Errorf("fired = %s, want later@q:b", got)
	}
}

// TestScheduler_CancelAfterFireReturnsFalse verifies the fire-wins half: once
// the timer has fired, Cancel reports that nothing was pending.
func TestScheduler_CancelAfterFireReturnsFalse(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)
	defer s.Stop()

	s.Schedule("orders", "16", []byte("x"), time.Now().Add(-time.Second).UnixMilli())
	if !waitForCount(t, c, 1, 2*time.Second) {
		t.Fatal("timer did not fire")
	}

	if s.Cancel("orders", "16") {
		t.Fatal("Cancel returned true after the timer already fired")
	}
}

// TestScheduler_OrderedFiring verifies that deadlines fire earliest-first
// regardless of insertion order.
func TestScheduler_OrderedFiring(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)
	defer s.Stop()

	now := time.Now()
	s.Schedule("q", "b", []byte("b"), now.Add(60*time.Millisecond).UnixMilli())
	s.Schedule("q", "a", []byte("a"), now.Add(30*time.Millisecond).UnixMilli())
	s.Schedule("q", "c", []byte("c"), now.Add(90*time.Millisecond).UnixMilli())

	if !waitForCount(t, c, 3, 2*time.Second) {
		t.Fatalf("expected 3 redeliveries, got %d", c.len())
	}

	fired := c.fired()
	expected := []string{"a@q:a", "b@q:b", "c@q:c"}
	for i, want := range expected {
		if fired[i] != want {
			t.Errorf("fired[%d]: want %s, got %s", i, want, fired[i])
		}
	}
}

// TestScheduler_EarlierDeadlineInterruptsSleep verifies that scheduling a
// sooner deadline while the goroutine is sleeping on a later one interrupts
// the timer.
func TestScheduler_EarlierDeadlineInterruptsSleep(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)
	defer s.Stop()

	now := time.Now()
	s.Schedule("q", "late", []byte("x"), now.Add(10*time.Second).UnixMilli())
	time.Sleep(20 * time.Millisecond) // let the goroutine sleep on "late"
	s.Schedule("q", "early", []byte("x"), now.Add(80*time.Millisecond).UnixMilli())

	if !waitForCount(t, c, 1, 500*time.Millisecond) {
		t.Fatal("expected the earlier deadline to fire within 500ms")
	}
	if got := c.fired()[0]; got != "early@q:x" {
		t.Errorf("expected 'early' to fire first, got %s", got)
	}
}

// TestScheduler_LenTracksPendingTimers verifies that Len reflects the number
// of non-cancelled pending timers.
func TestScheduler_LenTracksPendingTimers(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)
	defer s.Stop()

	future := time.Now().Add(10 * time.Second).UnixMilli()
	s.Schedule("q", "a", nil, future)
	s.Schedule("q", "b", nil, future)
	s.Schedule("q", "c", nil, future)

	if s.Len() != 3 {
		t.Errorf("Len: want 3, got %d", s.Len())
	}

	s.Cancel("q", "b")
	if s.Len() != 2 {
		t.Errorf("Len after cancel: want 2, got %d", s.Len())
	}
}

// TestScheduler_SameHandleOnDifferentQueues verifies that identical handles
// from different queues hold independent timers (log-file handles are byte
// offsets, so collisions across queues are routine).
func TestScheduler_SameHandleOnDifferentQueues(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)
	defer s.Stop()

	future := time.Now().Add(10 * time.Second).UnixMilli()
	s.Schedule("orders", "16", []byte("a"), future)
	s.Schedule("invoices", "16", []byte("b"), future)

	if s.Len() != 2 {
		t.Fatalf("Len = %d, want 2 (handles on different queues collided)", s.Len())
	}

	if !s.Cancel("orders", "16") {
		t.Fatal("Cancel(orders, 16) returned false")
	}
	if s.Len() != 1 {
		t.Fatalf("Len after one cancel = %d, want 1", s.Len())
	}
	if !s.Cancel("invoices", "16") {
		t.Fatal("Cancel(invoices, 16) returned false — wrong timer was cancelled")
	}
}

// TestScheduler_StopPreventsFiring verifies that Stop() abandons pending timers.
func TestScheduler_StopPreventsFiring(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)

	s.Schedule("q", "m", nil, time.Now().Add(500*time.Millisecond).UnixMilli())
	s.Stop() // stop before the deadline

	time.Sleep(700 * time.Millisecond)
	if c.len() != 0 {
		t.Fatalf("expected 0 redeliveries after Stop, got %d", c.len())
	}
}

// TestScheduler_RescheduleReplacesExisting verifies that scheduling the same
// handle twice leaves at most one pending timer.
func TestScheduler_RescheduleReplacesExisting(t *testing.T) {
	s := scheduler.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &collected{}
	s.Start(ctx, c.fn)
	defer s.Stop()

	future := time.Now().Add(10 * time.Second).UnixMilli()
	near := time.Now().Add(100 * time.Millisecond).UnixMilli()

	s.Schedule("q", "m", []byte("x"), future)
	s.Schedule("q", "m", []byte("x"), near) // replaces

	if !waitForCount(t, c, 1, time.Second) {
		t.Fatal("re-scheduled timer did not fire within 1s")
	}
	if s.Len() != 0 {
		t.Errorf("Len after firing: want 0, got %d", s.Len())
	}
}
