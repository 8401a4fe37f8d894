// Package queue orchestrates a storage backend, the redelivery scheduler,
// and the in-flight ledger into the queue service consumed by application
// code: push, pull with a visibility lease, acknowledge by delete, and
// automatic redelivery when the lease expires.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"golang.org/x/time/rate"

	"github.com/idamser/message-queue/internal/config"
	"github.com/idamser/message-queue/internal/inflight"
	"github.com/idamser/message-queue/internal/scheduler"
	"github.com/idamser/message-queue/internal/storage"
	"github.com/idamser/message-queue/internal/storage/linelog"
	"github.com/idamser/message-queue/internal/storage/logfile"
	"github.com/idamser/message-queue/internal/storage/memory"
	"github.com/idamser/message-queue/internal/types"
)

// Options configures a Service.
type Options struct {
	// Backend is the storage variant. Required.
	Backend storage.Backend

	// Ledger persists in-flight deadlines so a restarted process can re-arm
	// its timers. Optional; without it, in-flight messages whose timers die
	// with the process stay invisible until the entry is compacted away.
	Ledger *inflight.Ledger

	// VisibilityTimeout is how long a pulled message stays invisible before
	// automatic redelivery. Required, > 0.
	VisibilityTimeout time.Duration

	// MaxRate caps pushes per second; 0 disables rate limiting.
	// Burst is the token-bucket burst size, required when MaxRate > 0.
	MaxRate float64
	Burst   int

	// Logger receives redelivery and recovery events, which happen on the
	// scheduler goroutine where no caller is waiting for an error.
	// Nil means slog.Default().
	Logger *slog.Logger
}

// Service is the message-queue service. One Service owns one scheduler
// goroutine; its timers are process-local, while the backend (and ledger)
// state is shared with any other process pointing at the same storage.
type Service struct {
	backend storage.Backend
	sched   *scheduler.Scheduler
	ledger  *inflight.Ledger
	timeout time.Duration
	limiter *rate.Limiter
	log     *slog.Logger

	ownsLedger bool
	cancel     context.CancelFunc
}

// New builds a Service from explicit collaborators. Call Start before use
// and Stop (or Close) when done.
func New(opts Options) (*Service, error) {
	if opts.Backend == nil {
		return nil, errors.New("queue: Backend is required")
	}
	if opts.VisibilityTimeout <= 0 {
		return nil, errors.New("queue: VisibilityTimeout must be positive")
	}

	var limiter *rate.Limiter
	if opts.MaxRate > 0 {
		if opts.Burst < 1 {
			return nil, errors.New("queue: Burst must be at least 1 when MaxRate is set")
		}
		limiter = rate.NewLimiter(rate.Limit(opts.MaxRate), opts.Burst)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		backend: opts.Backend,
		sched:   scheduler.New(),
		ledger:  opts.Ledger,
		timeout: opts.VisibilityTimeout,
		limiter: limiter,
		log:     logger,
	}, nil
}

// FromConfig builds a Service with the backend variant, ledger, timeout,
// and rate limit selected by cfg. The variant set is closed: the switch
// below is the only place a backend is chosen.
func FromConfig(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("queue: config: %w", err)
	}

	lockRetry := time.Duration(cfg.Storage.LockRetryMs) * time.Millisecond

	var (
		backend storage.Backend
		ledger  *inflight.Ledger
	)
	switch cfg.Storage.Backend {
	case config.BackendLogFile:
		backend = logfile.New(cfg.Storage.DataDir, lockRetry)
	case config.BackendLineLog:
		backend = linelog.New(cfg.Storage.DataDir, lockRetry)
	case config.BackendMemory:
		// Nothing survives the process, so there is nothing to recover;
		// the memory variant runs without a ledger.
		backend = memory.New()
	}

	if cfg.Storage.Backend != config.BackendMemory {
		var err error
		ledger, err = inflight.Open(filepath.Join(cfg.Storage.DataDir, "inflight.db"))
		if err != nil {
			return nil, err
		}
	}

	s, err := New(Options{
		Backend:           backend,
		Ledger:            ledger,
		VisibilityTimeout: time.Duration(cfg.Queue.VisibilityTimeoutMs) * time.Millisecond,
		MaxRate:           float64(cfg.Producers.MaxRate),
		Burst:             cfg.Producers.Burst,
		Logger:            logger,
	})
	if err != nil {
		if ledger != nil {
			_ = ledger.Close()
		}
		return nil, err
	}
	s.ownsLedger = ledger != nil
	return s, nil
}

// Start launches the redelivery goroutine and re-arms timers recorded in
// the ledger by a previous run. Start must be called exactly once. The
// service derives its own context from ctx; Stop cancels it.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.sched.Start(ctx, func(queueURL, handle string, body []byte) {
		s.fire(ctx, queueURL, handle, body)
	})
	return s.recover()
}

// Stop shuts down the redelivery goroutine and cancels any backend call in
// flight on it. In-flight messages keep their ledger entries and are
// re-armed by the next Start.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.sched.Stop()
}

// Close stops the service and releases the ledger if this Service opened
// it (FromConfig does; New never does).
func (s *Service) Close() error {
	s.Stop()
	if s.ownsLedger && s.ledger != nil {
		return s.ledger.Close()
	}
	return nil
}

// Push appends body to the queue. At-least-once hinges on this being a
// single locked backend operation: there is no separate acknowledgment
// step for a crash to land between.
func (s *Service) Push(ctx context.Context, queueURL string, body []byte) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("queue: push rate limit: %w", err)
		}
	}
	return s.backend.Add(ctx, queueURL, body)
}

// Pull returns the oldest visible message, or (nil, nil) when the queue is
// empty. A returned message is invisible to other consumers and carries
// exactly one armed redelivery timer; the caller has until the visibility
// timeout to Delete it.
func (s *Service) Pull(ctx context.Context, queueURL string) (*types.Message, error) {
	msg, err := s.backend.Pull(ctx, queueURL)
	if err != nil || msg == nil {
		return nil, err
	}

	deadline := time.Now().Add(s.timeout).UnixMilli()
	held := msg.Clone() // the caller owns msg.Body; the timer path gets its own copy

	if s.ledger != nil {
		err := s.ledger.Put(inflight.Entry{
			QueueURL:   queueURL,
			Handle:     held.ReceiptHandle.String(),
			Body:       held.Body,
			DeadlineMs: deadline,
		})
		if err != nil {
			// Without a ledger entry the message could be stranded by a
			// restart. Put it back and fail the pull instead.
			_ = s.backend.ReQueue(ctx, queueURL, held.ReceiptHandle, held.Body)
			return nil, err
		}
	}

	s.sched.Schedule(queueURL, held.ReceiptHandle.String(), held.Body, deadline)
	return msg, nil
}

// Delete acknowledges a pulled message: its redelivery timer is cancelled
// and it is permanently gone (the backend already marked it invisible at
// pull time). Deleting an unknown or already-redelivered handle is a
// no-op — deletion is idempotent.
func (s *Service) Delete(ctx context.Context, queueURL string, handle types.ReceiptHandle) error {
	s.sched.Cancel(queueURL, handle.String())
	if s.ledger != nil {
		if err := s.ledger.Delete(queueURL, handle.String()); err != nil {
			return err
		}
	}
	return nil
}

// ReQueue returns a pulled message to the queue ahead of its deadline.
// Any pending timer for the handle is superseded; the effect is the same
// as the timer firing now.
func (s *Service) ReQueue(ctx context.Context, queueURL string, handle types.ReceiptHandle, body []byte) error {
	s.sched.Cancel(queueURL, handle.String())
	if err := s.backend.ReQueue(ctx, queueURL, handle, body); err != nil {
		return err
	}
	if s.ledger != nil {
		if err := s.ledger.Delete(queueURL, handle.String()); err != nil {
			return err
		}
	}
	return nil
}

// InFlight returns the number of pending redelivery timers.
func (s *Service) InFlight() int {
	return s.sched.Len()
}

// fire is the scheduler callback: the visibility deadline passed without a
// delete, so the message goes back to the backend as visible.
func (s *Service) fire(ctx context.Context, queueURL, handle string, body []byte) {
	if err := s.backend.ReQueue(ctx, queueURL, types.ReceiptHandle(handle), body); err != nil {
		// The ledger entry survives, so the message is not lost; try again
		// after another visibility interval.
		s.log.Warn("redelivery failed, will retry",
			"queue", queueURL, "handle", handle, "err", err)
		s.sched.Schedule(queueURL, handle, body, time.Now().Add(s.timeout).UnixMilli())
		return
	}
	if s.ledger != nil {
		if err := s.ledger.Delete(queueURL, handle); err != nil {
			s.log.Warn("redelivered but ledger entry not removed",
				"queue", queueURL, "handle", handle, "err", err)
			return
		}
	}
	s.log.Info("visibility timeout expired, message redelivered",
		"queue", queueURL, "handle", handle)
}

// recover re-arms a timer for every ledger entry left by a previous run.
// Entries already past their deadline fire promptly.
func (s *Service) recover() error {
	if s.ledger == nil {
		return nil
	}

	var entries []inflight.Entry
	if err := s.ledger.ForEach(func(e inflight.Entry) error {
		entries = append(entries, e)
		return nil
	}); err != nil {
		return fmt.Errorf("queue: recover in-flight entries: %w", err)
	}

	for _, e := range entries {
		s.sched.Schedule(e.QueueURL, e.Handle, e.Body, e.DeadlineMs)
	}
	if len(entries) > 0 {
		s.log.Info("re-armed in-flight timers from ledger", "count", len(entries))
	}
	return nil
}
