// Package storage defines the Backend abstraction implemented by every
// queue storage variant.
//
// Design principle: the queue service (and every layer above it) must ONLY
// interact with storage through this interface. Never call file I/O
// directly. This keeps the log-file, line-file, and in-memory variants
// interchangeable behind a config switch without touching queue logic.
package storage

import (
	"context"
	"errors"

	"github.com/idamser/message-queue/internal/types"
)

// ErrCorrupted is returned when a queue file header cannot be read or fails
// a structural check that is not survivable by scanning past it.
var ErrCorrupted = errors.New("storage: queue file corrupted")

// Backend is the storage contract shared by all queue variants.
//
// Empty queue is not an error: Pull returns (nil, nil). A ReQueue presented
// with a handle whose entry no longer exists (compacted away, or the slot
// now holds a different message) must return nil and change nothing; the
// message was already retired. Genuine I/O failures are the only errors
// that propagate.
//
// All methods must be safe for concurrent use, across goroutines and across
// processes sharing the same storage location.
type Backend interface {
	// Add appends a message body to the tail of the queue.
	Add(ctx context.Context, queueURL string, body []byte) error

	// Pull removes the oldest visible message from the queue and returns it
	// together with its receipt handle. The message becomes invisible to
	// further pulls until it is requeued. Returns (nil, nil) when the queue
	// holds no visible message.
	Pull(ctx context.Context, queueURL string) (*types.Message, error)

	// ReQueue makes the pulled message identified by handle visible again,
	// restoring it to its queue position. body must be the bytes that were
	// returned by the Pull that produced handle; a mismatch marks the handle
	// stale and the call becomes a no-op.
	ReQueue(ctx context.Context, queueURL string, handle types.ReceiptHandle, body []byte) error
}

// Compactable is implemented by backends whose storage grows until an
// explicit maintenance pass reclaims space. The log-file backend implements
// it; the line-file and in-memory backends never accumulate garbage.
type Compactable interface {
	// Compact rewrites the queue's storage, discarding entries that precede
	// the first still-visible entry.
	Compact(ctx context.Context, queueURL string) error
}
