package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// FireFunc is invoked when a visibility deadline passes without the message
// having been deleted. It is called from the scheduler goroutine and must
// not block for long.
type FireFunc func(queueURL string, handle string, body []byte)

// Scheduler fires a redelivery action for each in-flight message whose
// visibility deadline passes before the message is cancelled.
//
// Usage:
//
//	s := New()
//	s.Start(ctx, func(queueURL, handle string, body []byte) {
//	    // return the message to the backend as visible
//	})
//	defer s.Stop()
//
//	s.Schedule(queueURL, handle, body, time.Now().Add(timeout).UnixMilli())
//
// Timers are keyed by (queueURL, handle): handles are only unique per
// queue, because the log-file backend hands out byte offsets.
//
// Exactly one of {Cancel, fire} consumes each scheduled item: both remove
// the item from the lookup map under the same mutex, so whichever runs
// first wins and the loser observes the item gone. A successful Cancel
// guarantees the fire callback will never run for that handle — required
// because the callback mutates shared backend state.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	mu   sync.Mutex
	h    minHeap
	byID map[string]*item // (queueURL, handle) key → item for O(1) Cancel lookup

	// notify is a buffered channel of capacity 1.
	// Schedule() sends a signal whenever a new item is added that might be
	// earlier than the current timer deadline, prompting the goroutine to
	// re-evaluate its sleep duration.
	notify chan struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a new Scheduler. Call Start() to begin firing deadlines.
func New() *Scheduler {
	h := make(minHeap, 0, 64)
	heap.Init(&h)
	return &Scheduler{
		h:      h,
		byID:   make(map[string]*item),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Schedule arms the redelivery timer for a pulled message. If deadlineMs is
// already past, the fire callback runs promptly on the scheduler goroutine.
//
// Scheduling a handle that is already pending replaces the old entry
// cleanly — the old item is removed before the new one is inserted, so at
// most one timer exists per handle.
//
// Schedule must not be called after Stop().
func (s *Scheduler) Schedule(queueURL, handle string, body []byte, deadlineMs int64) {
	key := timerKey(queueURL, handle)

	s.mu.Lock()

	if prev, ok := s.byID[key]; ok {
		prev.cancelled = true
		s.h.remove(prev.heapIdx)
		delete(s.byID, key)
	}

	it := &item{
		key:        key,
		queueURL:   queueURL,
		handle:     handle,
		body:       body,
		deadlineMs: deadlineMs,
	}
	heap.Push(&s.h, it)
	s.byID[key] = it

	s.mu.Unlock()

	// Signal the goroutine to re-evaluate. Non-blocking: if a signal is
	// already pending (channel full), no-op — the goroutine will wake soon.
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel removes the pending timer for (queueURL, handle). It reports
// whether a timer was actually pending: false means the handle was unknown
// or its timer already fired. After a true return the fire callback is
// guaranteed not to run for this handle.
func (s *Scheduler) Cancel(queueURL, handle string) bool {
	key := timerKey(queueURL, handle)

	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byID[key]
	if !ok {
		return false
	}
	it.cancelled = true
	s.h.remove(it.heapIdx)
	delete(s.byID, key)

	// The goroutine may be sleeping until the removed item's deadline; wake
	// it so it re-computes the sleep against the new root.
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// timerKey joins queueURL and handle with a NUL byte; neither field can
// contain one (URLs are text, handles are offsets or ULIDs).
func timerKey(queueURL, handle string) string {
	return queueURL + "\x00" + handle
}

// Len returns the number of currently pending (non-cancelled) timers.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Start launches the background goroutine that fires due deadlines.
// Start must be called exactly once.
func (s *Scheduler) Start(ctx context.Context, fire FireFunc) {
	s.wg.Add(1)
	go s.run(ctx, fire)
}

// Stop shuts down the background goroutine and waits for it to exit.
// Timers still in the heap are silently abandoned; a durable in-flight
// ledger, not the scheduler, is responsible for surviving restarts.
func (s *Scheduler) Stop() {
	select {
	case <-s.done:
		// already stopped
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// ─── scheduler goroutine ──────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context, fire FireFunc) {
	defer s.wg.Done()

	// timer is lazily allocated when there's something to wait for.
	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		next := s.peekDue() // returns nil if heap is empty
		s.mu.Unlock()

		if next == nil {
			// Heap is empty — wait for a new item or shutdown.
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
				// An item was scheduled; loop around to re-evaluate.
			}
			continue
		}

		delay := time.Until(time.UnixMilli(next.deadlineMs))
		if delay <= 0 {
			// Already due — pop and fire without sleeping.
			s.mu.Lock()
			it := s.popDue(time.Now().UnixMilli())
			s.mu.Unlock()
			if it != nil {
				fire(it.queueURL, it.handle, it.body)
			}
			continue
		}

		// Sleep until the next deadline, but stay responsive to new items
		// (notify) and shutdown signals.
		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-s.done:
			t.Stop()
			return
		case <-s.notify:
			// A new item may be due sooner — re-evaluate from the top.
			t.Stop()
			// Drain the timer channel if it fired between Reset and Stop.
			select {
			case <-t.C:
			default:
			}
			t = nil
		case <-t.C:
			t = nil
			// Timer fired. The root may have changed while we slept (the
			// item we armed for could have been cancelled), so only pop if
			// the current root is actually due; otherwise loop around and
			// sleep again against the new root's deadline.
			s.mu.Lock()
			it := s.popDue(time.Now().UnixMilli())
			s.mu.Unlock()
			if it != nil {
				fire(it.queueURL, it.handle, it.body)
			}
		}
	}
}

// peekDue returns the root item without removing it, or nil if heap is empty.
// MUST be called with s.mu held.
func (s *Scheduler) peekDue() *item {
	for s.h.Len() > 0 {
		root := s.h[0]
		if root.cancelled {
			// Drain lazily-cancelled items from the root.
			heap.Pop(&s.h)
			delete(s.byID, root.key)
			continue
		}
		return root
	}
	return nil
}

// popDue removes and returns the root item, but only if its deadline is at
// or before nowMs; a not-yet-due root is left in place and nil is returned.
// Cancelled items at the root are drained along the way. The due check is
// what keeps a cancellation from accelerating the remaining items: the
// timer that wakes us may have been armed for an item that no longer
// exists. MUST be called with s.mu held.
func (s *Scheduler) popDue(nowMs int64) *item {
	for s.h.Len() > 0 {
		root := s.h[0]
		if root.cancelled {
			heap.Pop(&s.h)
			delete(s.byID, root.key)
			continue
		}
		if root.deadlineMs > nowMs {
			return nil
		}
		heap.Pop(&s.h)
		delete(s.byID, root.key)
		return root
	}
	return nil
}
