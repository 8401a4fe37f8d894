package logfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// Stats summarizes one queue file: how much of it is live versus retired.
// Operators use it to decide when a compaction pass is worth running.
type Stats struct {
	// FileSize is the total size of the queue file in bytes.
	FileSize int64

	// Head and Tail are the header fields as stored on disk. Head is a
	// hint and may lag behind the true oldest visible entry.
	Head int64
	Tail int64

	// Visible counts entries that a pull could still return; Invisible
	// counts entries retired by pulls (delivered, leased, or deleted).
	Visible   int
	Invisible int

	// ReclaimableBytes is the space a compaction pass would free: every
	// entry before the first visible one, headers included.
	ReclaimableBytes int64
}

// Stats scans the queue file under its lock and reports its layout.
func (s *Store) Stats(ctx context.Context, queueURL string) (*Stats, error) {
	var st Stats

	err := s.withQueue(ctx, queueURL, func(f *os.File) error {
		size, err := fileSize(f)
		if err != nil {
			return err
		}
		st.FileSize = size

		if st.Head, err = readInt64At(f, headFieldOffset); err != nil {
			return fmt.Errorf("logfile: read head: %w", err)
		}
		if st.Tail, err = readInt64At(f, tailFieldOffset); err != nil {
			return fmt.Errorf("logfile: read tail: %w", err)
		}

		seenVisible := false
		pos := firstEntryOffset
		for {
			length, visible, err := readEntryHeader(f, pos)
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
			if visible {
				seenVisible = true
				st.Visible++
			} else {
				st.Invisible++
				if !seenVisible {
					st.ReclaimableBytes += entryHeaderSize + length
				}
			}
			pos += entryHeaderSize + length
		}
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}
