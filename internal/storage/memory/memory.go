// Package memory is the in-memory queue storage variant, intended for
// single-process tests where durability is irrelevant.
//
// Each Store value owns its queues outright. There is deliberately no
// package-level shared instance: code that wants two components to see the
// same queues must construct one Store and pass it to both.
package memory

import (
	"container/list"
	"context"
	"sync"

	"github.com/idamser/message-queue/internal/id"
	"github.com/idamser/message-queue/internal/queueurl"
	"github.com/idamser/message-queue/internal/storage"
	"github.com/idamser/message-queue/internal/types"
)

var _ storage.Backend = (*Store)(nil)

// Store implements storage.Backend with one in-process deque per queue
// name. Receipt handles are generated ULIDs. Safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	queues map[string]*list.List // queue name → deque of []byte bodies
}

// New returns an empty Store.
func New() *Store {
	return &Store{queues: make(map[string]*list.List)}
}

// Add appends body to the back of the queue.
func (s *Store) Add(ctx context.Context, queueURL string, body []byte) error {
	name, err := queueurl.Name(queueURL)
	if err != nil {
		return err
	}

	b := make([]byte, len(body))
	copy(b, body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue(name).PushBack(b)
	return nil
}

// Pull removes and returns the front of the queue, or (nil, nil) when the
// queue is empty.
func (s *Store) Pull(ctx context.Context, queueURL string) (*types.Message, error) {
	name, err := queueurl.Name(queueURL)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queue(name)
	front := q.Front()
	if front == nil {
		return nil, nil
	}
	q.Remove(front)

	receiptID, err := id.New()
	if err != nil {
		return nil, err
	}
	handle := types.ReceiptHandle(receiptID)
	return &types.Message{ID: receiptID, ReceiptHandle: handle, Body: front.Value.([]byte)}, nil
}

// ReQueue puts body back at the front of the queue so it is the next
// message delivered. Pull physically removed the element, so the handle
// has nothing left to validate against.
func (s *Store) ReQueue(ctx context.Context, queueURL string, handle types.ReceiptHandle, body []byte) error {
	name, err := queueurl.Name(queueURL)
	if err != nil {
		return err
	}

	b := make([]byte, len(body))
	copy(b, body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue(name).PushFront(b)
	return nil
}

// Len reports the number of queued (visible) messages for queueURL.
func (s *Store) Len(queueURL string) (int, error) {
	name, err := queueurl.Name(queueURL)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue(name).Len(), nil
}

// queue returns the deque for name, creating it lazily.
// MUST be called with s.mu held.
func (s *Store) queue(name string) *list.List {
	q, ok := s.queues[name]
	if !ok {
		q = list.New()
		s.queues[name] = q
	}
	return q
}
