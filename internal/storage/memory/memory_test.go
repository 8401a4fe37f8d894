package memory_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/idamser/message-queue/internal/storage/memory"
)

const testQueueURL = "https://queue.example.com/000000000000/events"

func TestAddPull_FIFO(t *testing.T) {
	s := memory.New()

	for i := 0; i < 5; i++ {
		if err := s.Add(context.Background(), testQueueURL, []byte(fmt.Sprintf("msg-%d", i))); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	for i := 0; i < 5; i++ {
		msg, err := s.Pull(context.Background(), testQueueURL)
		if err != nil {
			t.Fatalf("Pull: %v", err)
		}
		if msg == nil {
			t.Fatalf("pull %d: queue unexpectedly empty", i)
		}
		if want := fmt.Sprintf("msg-%d", i); string(msg.Body) != want {
			t.Errorf("pull %d: body = %q, want %q", i, msg.Body, want)
		}
	}
	if msg, _ := s.Pull(context.Background(), testQueueURL); msg != nil {
		t.Fatalf("drained queue returned %+v, want nil", msg)
	}
}

func TestQueuesAreIndependent(t *testing.T) {
	s := memory.New()
	if err := s.Add(context.Background(), "alpha", []byte("a")); err != nil {
		t.Fatalf("Add alpha: %v", err)
	}

	msg, err := s.Pull(context.Background(), "beta")
	if err != nil {
		t.Fatalf("Pull beta: %v", err)
	}
	if msg != nil {
		t.Fatalf("beta leaked alpha's message: %+v", msg)
	}

	n, err := s.Len("alpha")
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("alpha Len = %d, want 1", n)
	}
}

func TestReQueue_RestoresToFront(t *testing.T) {
	s := memory.New()
	for _, b := range []string{"first", "second"} {
		if err := s.Add(context.Background(), testQueueURL, []byte(b)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	msg, err := s.Pull(context.Background(), testQueueURL)
	if err != nil || msg == nil {
		t.Fatalf("Pull: msg=%v err=%v", msg, err)
	}
	if err := s.ReQueue(context.Background(), testQueueURL, msg.ReceiptHandle, msg.Body); err != nil {
		t.Fatalf("ReQueue: %v", err)
	}

	again, err := s.Pull(context.Background(), testQueueURL)
	if err != nil || again == nil {
		t.Fatalf("Pull after requeue: msg=%v err=%v", again, err)
	}
	if string(again.Body) != "first" {
		t.Fatalf("pull after requeue = %q, want %q", again.Body, "first")
	}
}

func TestConcurrent_Conservation(t *testing.T) {
	s := memory.New()

	const (
		producers   = 8
		perProducer = 100
	)
	total := producers * perProducer

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				if err := s.Add(context.Background(), testQueueURL, []byte(fmt.Sprintf("p%d-m%d", p, i))); err != nil {
					t.Errorf("Add: %v", err)
				}
			}
		}(p)
	}
	wg.Wait()

	seen := make(map[string]bool, total)
	var mu sync.Mutex
	var cg sync.WaitGroup
	cg.Add(producers)
	for c := 0; c < producers; c++ {
		go func() {
			defer cg.Done()
			for {
				msg, err := s.Pull(context.Background(), testQueueURL)
				if err != nil {
					t.Errorf("Pull: %v", err)
					return
				}
				if msg == nil {
					return
				}
				mu.Lock()
				if seen[string(msg.Body)] {
					t.Errorf("body %q delivered twice", msg.Body)
				}
				seen[string(msg.Body)] = true
				mu.Unlock()
			}
		}()
	}
	cg.Wait()

	if len(seen) != total {
		t.Fatalf("delivered %d distinct messages, want %d", len(seen), total)
	}
}
