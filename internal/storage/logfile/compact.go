package logfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Compact rewrites the queue file, discarding the run of invisible entries
// that has accumulated at its front.
//
// Why compaction is needed:
//   - Pull and delete never remove bytes, they only flip flags.
//   - Without compaction the queue file grows without bound even when every
//     message has been consumed.
//
// The pass scans from the first entry for the first visible one. Everything
// before it is the backlog of already-retired messages and is dropped;
// everything from it through end-of-file is copied, flags intact, into a
// temporary file that atomically replaces the original. In-flight entries
// past the first visible one therefore survive and can still be requeued.
// When no visible entry exists the whole file is garbage and is
// reinitialized to an empty queue.
//
// Compaction is an explicit maintenance operation, never triggered from the
// hot path. It may run concurrently with normal traffic only because it
// takes the same per-queue lock as every other operation.
//
// Receipt handles are byte offsets, so handles issued before a compaction
// may dangle afterwards. ReQueue's body comparison catches that: a stale
// handle either points past end-of-file or at a slot whose bytes no longer
// match, and is dropped silently.
func (s *Store) Compact(ctx context.Context, queueURL string) error {
	return s.withQueue(ctx, queueURL, func(f *os.File) error {
		pos := firstEntryOffset
		for {
			length, visible, err := readEntryHeader(f, pos)
			if err != nil {
				if errors.Is(err, io.EOF) {
					// No visible entry anywhere: reset to an empty queue.
					return initQueueFile(f)
				}
				return err
			}
			if visible {
				return s.rewriteFrom(f, pos)
			}
			pos += entryHeaderSize + length
		}
	})
}

// rewriteFrom copies the header plus every entry from offset through
// end-of-file into a temporary file, then renames it over the original.
// The new head is the first entry position; the new tail is recomputed as
// the offset of the last entry copied.
func (s *Store) rewriteFrom(f *os.File, from int64) error {
	tmpPath := filepath.Join(filepath.Dir(f.Name()), tempFileName)
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("logfile: open temp file: %w", err)
	}
	defer func() {
		if tmp != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if err := initQueueFile(tmp); err != nil {
		return err
	}

	oldPos := from
	newPos := firstEntryOffset
	lastEntry := firstEntryOffset
	for {
		length, _, err := readEntryHeader(f, oldPos)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return err
		}

		entry := make([]byte, entryHeaderSize+length)
		if _, err := f.ReadAt(entry, oldPos); err != nil {
			if errors.Is(err, io.EOF) {
				// Truncated trailing entry from a crash mid-append; drop it.
				break
			}
			return fmt.Errorf("logfile: read entry at %d: %w", oldPos, err)
		}
		if _, err := tmp.WriteAt(entry, newPos); err != nil {
			return fmt.Errorf("logfile: write compacted entry: %w", err)
		}

		lastEntry = newPos
		oldPos += entryHeaderSize + length
		newPos += entryHeaderSize + length
	}

	if err := writeInt64At(tmp, tailFieldOffset, lastEntry); err != nil {
		return fmt.Errorf("logfile: write compacted tail: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("logfile: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("logfile: close temp file: %w", err)
	}

	// Atomic on POSIX: readers opening after this see only the new file.
	if err := os.Rename(tmpPath, f.Name()); err != nil {
		return fmt.Errorf("logfile: swap compacted file: %w", err)
	}
	tmp = nil
	return nil
}
