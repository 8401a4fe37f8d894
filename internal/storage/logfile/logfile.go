// Package logfile is the primary disk-backed queue storage: one append-only
// binary file per queue, with in-place logical deletion and out-of-band
// compaction.
//
// Each queue file is a fixed 16-byte header followed by variable-length
// entries:
//
//	[head : 8 bytes, int64, big-endian]  ← offset of the oldest entry
//	[tail : 8 bytes, int64, big-endian]  ← offset of the newest entry
//	--- entries, first at offset 16 ---
//	[length  : 8 bytes, int64, big-endian]
//	[visible : 1 byte; 0x01 = visible, 0x00 = invisible]
//	[body    : length bytes]
//
// Entries are immutable once written except for the visible flag, which is
// flipped in place. Pull marks the oldest visible entry invisible and hands
// its byte offset back as the receipt handle; ReQueue flips the flag back.
// Nothing is physically removed outside Compact, so the file grows until an
// operator runs a compaction pass.
//
// The head field is a hint, not the truth: a crash between flipping a flag
// and persisting the advanced head leaves it pointing at an invisible entry.
// Every pull therefore scans forward from head, skipping invisible entries,
// and persists a corrected head only when it consumes a visible one.
//
// The tail field is advisory. It tracks the most recent append but nothing
// is rebuilt from it; compaction recomputes it while copying.
//
// This layout is a durable on-disk contract shared with other processes.
// Do not change field widths, byte order, or flag values.
package logfile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/idamser/message-queue/internal/lockdir"
	"github.com/idamser/message-queue/internal/queueurl"
	"github.com/idamser/message-queue/internal/storage"
	"github.com/idamser/message-queue/internal/types"
)

const (
	headerSize      = 16
	headFieldOffset = 0
	tailFieldOffset = 8

	entryHeaderSize  = 9
	entryFlagOffset  = 8
	firstEntryOffset = int64(headerSize)

	flagVisible   byte = 0x01
	flagInvisible byte = 0x00

	queueFileName = "messages"
	lockDirName   = ".lock"
	tempFileName  = "messages.tmp"
)

var (
	_ storage.Backend     = (*Store)(nil)
	_ storage.Compactable = (*Store)(nil)
)

// Store implements storage.Backend over one log file per queue, all rooted
// under a single storage directory. Queues are created lazily on first use
// and persist across process restarts.
//
// Mutations are serialized per queue by a directory lock, which makes every
// operation atomic across goroutines and across processes sharing the same
// storage root. A Store holds no open file handles between operations, so
// any number of Store values (in any number of processes) may point at the
// same root.
type Store struct {
	root      string
	lockRetry time.Duration
}

// New returns a Store rooted at dir. lockRetry is the sleep between lock
// acquisition attempts; zero selects the default.
func New(dir string, lockRetry time.Duration) *Store {
	return &Store{root: dir, lockRetry: lockRetry}
}

// FilePath returns the backing file path for queueURL. The file may not
// exist yet if the queue has never been touched.
func (s *Store) FilePath(queueURL string) (string, error) {
	name, err := queueurl.Name(queueURL)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, name, queueFileName), nil
}

// Add appends body as a new visible entry at the tail of the queue file.
func (s *Store) Add(ctx context.Context, queueURL string, body []byte) error {
	return s.withQueue(ctx, queueURL, func(f *os.File) error {
		end, err := fileSize(f)
		if err != nil {
			return err
		}

		entry := make([]byte, entryHeaderSize+len(body))
		binary.BigEndian.PutUint64(entry[:8], uint64(len(body)))
		entry[entryFlagOffset] = flagVisible
		copy(entry[entryHeaderSize:], body)

		if _, err := f.WriteAt(entry, end); err != nil {
			return fmt.Errorf("logfile: append entry: %w", err)
		}
		if err := writeInt64At(f, tailFieldOffset, end); err != nil {
			return fmt.Errorf("logfile: update tail: %w", err)
		}
		return nil
	})
}

// Pull returns the oldest visible entry, flipped invisible, with its byte
// offset as the receipt handle. Returns (nil, nil) when no visible entry
// exists before end-of-file.
func (s *Store) Pull(ctx context.Context, queueURL string) (*types.Message, error) {
	var msg *types.Message

	err := s.withQueue(ctx, queueURL, func(f *os.File) error {
		head, err := readInt64At(f, headFieldOffset)
		if err != nil {
			return fmt.Errorf("logfile: read head: %w", err)
		}
		if head < firstEntryOffset {
			return fmt.Errorf("logfile: head %d inside header: %w", head, storage.ErrCorrupted)
		}

		pos := head
		for {
			length, visible, err := readEntryHeader(f, pos)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil // scanned past the last entry: queue is empty
				}
				return err
			}

			if !visible {
				pos += entryHeaderSize + length
				continue
			}

			body := make([]byte, length)
			if _, err := f.ReadAt(body, pos+entryHeaderSize); err != nil {
				if errors.Is(err, io.EOF) {
					// Truncated trailing entry from a crash mid-append.
					// Unreadable, so the queue is effectively empty here.
					return nil
				}
				return fmt.Errorf("logfile: read body at %d: %w", pos, err)
			}

			if _, err := f.WriteAt([]byte{flagInvisible}, pos+entryFlagOffset); err != nil {
				return fmt.Errorf("logfile: flip flag at %d: %w", pos, err)
			}
			if err := writeInt64At(f, headFieldOffset, pos+entryHeaderSize+length); err != nil {
				return fmt.Errorf("logfile: advance head: %w", err)
			}

			handle := types.ReceiptHandle(strconv.FormatInt(pos, 10))
			msg = &types.Message{ID: handle.String(), ReceiptHandle: handle, Body: body}
			return nil
		}
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ReQueue flips the entry at the handle's offset back to visible, provided
// the stored body still matches the presented one. A mismatch or an offset
// past end-of-file means compaction has retired the slot since the pull;
// the call is then a silent no-op.
func (s *Store) ReQueue(ctx context.Context, queueURL string, handle types.ReceiptHandle, body []byte) error {
	offset, err := strconv.ParseInt(handle.String(), 10, 64)
	if err != nil || offset < firstEntryOffset {
		return nil // not one of our handles; nothing to restore
	}

	return s.withQueue(ctx, queueURL, func(f *os.File) error {
		length, _, err := readEntryHeader(f, offset)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if length != int64(len(body)) {
			return nil
		}

		stored := make([]byte, length)
		if _, err := f.ReadAt(stored, offset+entryHeaderSize); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("logfile: read body at %d: %w", offset, err)
		}
		if !bytes.Equal(stored, body) {
			return nil
		}

		if _, err := f.WriteAt([]byte{flagVisible}, offset+entryFlagOffset); err != nil {
			return fmt.Errorf("logfile: restore flag at %d: %w", offset, err)
		}

		head, err := readInt64At(f, headFieldOffset)
		if err != nil {
			return fmt.Errorf("logfile: read head: %w", err)
		}
		if offset < head {
			// Lower the head so the next scan finds the restored entry.
			if err := writeInt64At(f, headFieldOffset, offset); err != nil {
				return fmt.Errorf("logfile: lower head: %w", err)
			}
		}
		return nil
	})
}

// ─── per-queue plumbing ──────────────────────────────────────────────────────

// withQueue resolves queueURL, takes the queue's directory lock, opens (or
// initializes) the queue file, and runs fn with it. The lock covers fn's
// full duration and is released on every exit path.
func (s *Store) withQueue(ctx context.Context, queueURL string, fn func(f *os.File) error) error {
	name, err := queueurl.Name(queueURL)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("logfile: create queue dir %s: %w", dir, err)
	}

	lock := lockdir.New(filepath.Join(dir, lockDirName), s.lockRetry)
	return lock.WithLock(ctx, func() error {
		f, err := openQueueFile(filepath.Join(dir, queueFileName))
		if err != nil {
			return err
		}
		defer f.Close()

		if err := fn(f); err != nil {
			return err
		}
		if err := f.Sync(); err != nil {
			return fmt.Errorf("logfile: sync: %w", err)
		}
		return nil
	})
}

// openQueueFile opens path read-write, creating and initializing it with an
// empty-queue header when it does not exist yet. Initialization is
// idempotent: an existing file of at least header size is left untouched.
func openQueueFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("logfile: open %s: %w", path, err)
	}

	size, err := fileSize(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if size < headerSize {
		if err := initQueueFile(f); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return f, nil
}

// initQueueFile truncates f and writes the empty-queue header: head and
// tail both at the first entry position.
func initQueueFile(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("logfile: truncate: %w", err)
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint64(hdr[headFieldOffset:], uint64(firstEntryOffset))
	binary.BigEndian.PutUint64(hdr[tailFieldOffset:], uint64(firstEntryOffset))
	if _, err := f.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("logfile: write header: %w", err)
	}
	return nil
}

// readEntryHeader reads the 9-byte entry header at pos. io.EOF propagates
// untranslated so callers can distinguish end-of-log from I/O failure; a
// partial header (truncated file) is reported as io.EOF too.
func readEntryHeader(f *os.File, pos int64) (length int64, visible bool, err error) {
	var hdr [entryHeaderSize]byte
	if _, err := f.ReadAt(hdr[:], pos); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, false, io.EOF
		}
		return 0, false, fmt.Errorf("logfile: read entry header at %d: %w", pos, err)
	}
	length = int64(binary.BigEndian.Uint64(hdr[:8]))
	if length < 0 {
		return 0, false, fmt.Errorf("logfile: negative length %d at %d: %w", length, pos, storage.ErrCorrupted)
	}
	return length, hdr[entryFlagOffset] == flagVisible, nil
}

func readInt64At(f *os.File, off int64) (int64, error) {
	var buf [8]byte
	if _, err := f.ReadAt(buf[:], off); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func writeInt64At(f *os.File, off, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := f.WriteAt(buf[:], off)
	return err
}

func fileSize(f *os.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("logfile: stat: %w", err)
	}
	return st.Size(), nil
}
