// Package inflight persists the set of pulled-but-unacknowledged messages
// together with their visibility deadlines.
//
// Redelivery timers are process-local while the invisible flag in the
// backend is durable, so a process restart would otherwise strand every
// in-flight message: invisible on disk, with no timer left to bring it
// back. The ledger closes that gap. Each pull writes an entry, each delete
// or redelivery removes it, and a recovering process scans the ledger to
// re-arm a timer per surviving entry (past-due entries fire promptly).
//
// bbolt is used for the same reasons it serves elsewhere in this codebase:
// pure Go, ACID, a single file in the data directory.
package inflight

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var bucketInflight = []byte("inflight")

// Entry is one in-flight message: where it came from, the bytes needed to
// requeue it, and when it must become visible again.
type Entry struct {
	// QueueURL is the queue the message was pulled from.
	QueueURL string

	// Handle is the receipt handle issued by the backend on pull.
	Handle string

	// Body is the payload as returned by the pull. Requeue presents it to
	// the backend for the staleness check.
	Body []byte

	// DeadlineMs is the UTC millisecond at which the message becomes
	// visible again unless deleted first.
	DeadlineMs int64
}

// Ledger is a bbolt-backed store of in-flight entries, keyed by
// (queueURL, handle). Handles are only unique per queue — the log-file
// backend hands out byte offsets — so the queue URL is part of the key.
type Ledger struct {
	db *bbolt.DB
}

// Open opens (or creates) the ledger database at path.
func Open(path string) (*Ledger, error) {
	opts := &bbolt.Options{Timeout: 0} // non-blocking open
	db, err := bbolt.Open(path, 0o640, opts)
	if err != nil {
		return nil, fmt.Errorf("inflight: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketInflight)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("inflight: init bucket: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Put upserts the entry for (e.QueueURL, e.Handle).
func (l *Ledger) Put(e Entry) error {
	val, err := marshalEntry(e)
	if err != nil {
		return fmt.Errorf("inflight: marshal entry for %s: %w", e.Handle, err)
	}

	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInflight).Put(entryKey(e.QueueURL, e.Handle), val)
	})
}

// Delete removes the entry for (queueURL, handle). Removing an absent
// entry is a no-op; delete must stay idempotent.
func (l *Ledger) Delete(queueURL, handle string) error {
	return l.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInflight).Delete(entryKey(queueURL, handle))
	})
}

// ForEach iterates over every in-flight entry, calling fn for each one.
// Iteration stops early if fn returns a non-nil error.
// Used by the queue service to re-arm timers after a restart.
func (l *Ledger) ForEach(fn func(e Entry) error) error {
	return l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketInflight).ForEach(func(k, v []byte) error {
			e, err := unmarshalEntry(v)
			if err != nil {
				return err
			}
			return fn(e)
		})
	})
}

// Len returns the number of in-flight entries.
func (l *Ledger) Len() (int, error) {
	var n int
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketInflight).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the underlying bbolt database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// ---- serialisation helpers -------------------------------------------------
// An Entry is serialised as a compact binary structure:
//
//	[deadlineMs : 8 bytes, int64 ]
//	[queueLen   : 2 bytes, uint16]
//	[queueURL   : queueLen bytes ]
//	[handleLen  : 2 bytes, uint16]
//	[handle     : handleLen bytes]
//	[bodyLen    : 4 bytes, uint32]
//	[body       : bodyLen bytes  ]
//
// The key is queueURL and handle joined by a NUL byte; neither field can
// contain one (URLs are text, handles are offsets or ULIDs).

func entryKey(queueURL, handle string) []byte {
	k := make([]byte, 0, len(queueURL)+1+len(handle))
	k = append(k, queueURL...)
	k = append(k, 0)
	k = append(k, handle...)
	return k
}

func marshalEntry(e Entry) ([]byte, error) {
	if len(e.QueueURL) > 0xFFFF || len(e.Handle) > 0xFFFF {
		return nil, fmt.Errorf("queue URL or handle too long")
	}
	buf := make([]byte, 0, 8+2+len(e.QueueURL)+2+len(e.Handle)+4+len(e.Body))
	buf = binary.BigEndian.AppendUint64(buf, uint64(e.DeadlineMs))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.QueueURL)))
	buf = append(buf, e.QueueURL...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(e.Handle)))
	buf = append(buf, e.Handle...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(e.Body)))
	buf = append(buf, e.Body...)
	return buf, nil
}

func unmarshalEntry(buf []byte) (Entry, error) {
	var e Entry
	if len(buf) < 8+2 {
		return e, fmt.Errorf("inflight: entry too short (%d bytes)", len(buf))
	}
	e.DeadlineMs = int64(binary.BigEndian.Uint64(buf))
	rest := buf[8:]

	qLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < qLen+2 {
		return e, fmt.Errorf("inflight: truncated queue URL")
	}
	e.QueueURL = string(rest[:qLen])
	rest = rest[qLen:]

	hLen := int(binary.BigEndian.Uint16(rest))
	rest = rest[2:]
	if len(rest) < hLen+4 {
		return e, fmt.Errorf("inflight: truncated handle")
	}
	e.Handle = string(rest[:hLen])
	rest = rest[hLen:]

	bLen := int(binary.BigEndian.Uint32(rest))
	rest = rest[4:]
	if len(rest) < bLen {
		return e, fmt.Errorf("inflight: truncated body")
	}
	e.Body = make([]byte, bLen)
	copy(e.Body, rest[:bLen])
	return e, nil
}
