// Package linelog is the line-oriented queue storage variant: one message
// per line in a plain text file, rewritten in full on every pull or
// requeue.
//
// Line format:
//
//	attempt:deadlineMs:receiptID:body
//
// attempt and deadlineMs are decimal integers (deadlineMs is reserved for
// external tooling and written as 0 here; the queue layer owns deadlines).
// receiptID is a generated ULID. body is everything after the third colon,
// so bodies may themselves contain colons but not newlines.
//
// The variant trades performance for debuggability: the file is readable
// with any text tool, but Pull and ReQueue rewrite the entire file, so cost
// grows linearly with queue depth. It shares the log-file backend's
// per-queue directory lock protocol, making the two variants safe to run
// against the same storage root (though not against the same queue file).
package linelog

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/idamser/message-queue/internal/id"
	"github.com/idamser/message-queue/internal/lockdir"
	"github.com/idamser/message-queue/internal/queueurl"
	"github.com/idamser/message-queue/internal/storage"
	"github.com/idamser/message-queue/internal/types"
)

var _ storage.Backend = (*Store)(nil)

const (
	queueFileName = "messages"
	lockDirName   = ".lock"
	tempFileName  = "messages.tmp"
)

// Store implements storage.Backend with a human-readable text file per
// queue. Receipt handles are generated ULIDs rather than storage positions.
type Store struct {
	root      string
	lockRetry time.Duration
}

// New returns a Store rooted at dir. lockRetry is the sleep between lock
// acquisition attempts; zero selects the default.
func New(dir string, lockRetry time.Duration) *Store {
	return &Store{root: dir, lockRetry: lockRetry}
}

// record is one parsed line of the queue file.
type record struct {
	attempt   int64
	deadline  int64
	receiptID string
	body      string
}

func (r record) String() string {
	return fmt.Sprintf("%d:%d:%s:%s", r.attempt, r.deadline, r.receiptID, r.body)
}

// parseRecord splits a line into its four fields. Lines that do not parse
// are reported so damage is visible instead of silently dropped.
func parseRecord(line string) (record, error) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) != 4 {
		return record{}, fmt.Errorf("linelog: malformed line %q", line)
	}
	attempt, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("linelog: bad attempt in %q: %w", line, err)
	}
	deadline, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return record{}, fmt.Errorf("linelog: bad deadline in %q: %w", line, err)
	}
	return record{attempt: attempt, deadline: deadline, receiptID: parts[2], body: parts[3]}, nil
}

// Add appends body as a new line at the end of the queue file.
func (s *Store) Add(ctx context.Context, queueURL string, body []byte) error {
	return s.withQueue(ctx, queueURL, func(path string) error {
		receiptID, err := id.New()
		if err != nil {
			return err
		}
		rec := record{attempt: 1, receiptID: receiptID, body: string(body)}

		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("linelog: open %s: %w", path, err)
		}
		defer f.Close()

		if _, err := fmt.Fprintln(f, rec); err != nil {
			return fmt.Errorf("linelog: append: %w", err)
		}
		return f.Sync()
	})
}

// Pull removes the first line of the queue file and returns it as a
// message. The remainder of the file is rewritten without that line.
func (s *Store) Pull(ctx context.Context, queueURL string) (*types.Message, error) {
	var msg *types.Message

	err := s.withQueue(ctx, queueURL, func(path string) error {
		records, err := readRecords(path)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}

		head := records[0]
		if err := writeRecords(path, records[1:]); err != nil {
			return err
		}

		handle := types.ReceiptHandle(head.receiptID)
		msg = &types.Message{ID: head.receiptID, ReceiptHandle: handle, Body: []byte(head.body)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ReQueue puts body back at the front of the queue under a fresh receipt
// ID. Pull physically removed the line, so there is no slot to validate;
// the presented handle is only documentation of which delivery is being
// returned.
func (s *Store) ReQueue(ctx context.Context, queueURL string, handle types.ReceiptHandle, body []byte) error {
	return s.withQueue(ctx, queueURL, func(path string) error {
		records, err := readRecords(path)
		if err != nil {
			return err
		}

		receiptID, err := id.New()
		if err != nil {
			return err
		}
		front := record{attempt: 1, receiptID: receiptID, body: string(body)}
		return writeRecords(path, append([]record{front}, records...))
	})
}

// withQueue resolves queueURL and runs fn with the queue file path while
// holding the queue's directory lock.
func (s *Store) withQueue(ctx context.Context, queueURL string, fn func(path string) error) error {
	name, err := queueurl.Name(queueURL)
	if err != nil {
		return err
	}

	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("linelog: create queue dir %s: %w", dir, err)
	}

	lock := lockdir.New(filepath.Join(dir, lockDirName), s.lockRetry)
	return lock.WithLock(ctx, func() error {
		return fn(filepath.Join(dir, queueFileName))
	})
}

// readRecords loads and parses every line of the queue file. A missing
// file is an empty queue.
func readRecords(path string) ([]record, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("linelog: open %s: %w", path, err)
	}
	defer f.Close()

	var records []record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if sc.Text() == "" {
			continue
		}
		rec, err := parseRecord(sc.Text())
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("linelog: scan %s: %w", path, err)
	}
	return records, nil
}

// writeRecords rewrites the queue file to hold exactly records, via a
// temporary file renamed into place.
func writeRecords(path string, records []record) error {
	tmpPath := filepath.Join(filepath.Dir(path), tempFileName)
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("linelog: open temp file: %w", err)
	}

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := fmt.Fprintln(w, rec); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("linelog: write temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("linelog: flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("linelog: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("linelog: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("linelog: swap queue file: %w", err)
	}
	return nil
}
