// Command mqadmin is the queue maintenance tool. The service never compacts
// on its own, so reclaiming disk space is an explicit operator action:
//
//	mqadmin [--config path/to/config.yaml] inspect <queue-url>
//	mqadmin [--config path/to/config.yaml] compact <queue-url>
//
// inspect reports the queue file layout (live vs retired entries) so the
// operator can judge whether a compaction pass is worth it; compact runs the
// pass. Both take the queue's cross-process lock, so they are safe to run
// while a service instance is live.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/idamser/message-queue/internal/config"
	"github.com/idamser/message-queue/internal/storage/logfile"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mqadmin: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	if flag.NArg() != 2 {
		return fmt.Errorf("usage: mqadmin [--config path] <inspect|compact> <queue-url>")
	}
	command, queueURL := flag.Arg(0), flag.Arg(1)

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Storage.Backend != config.BackendLogFile {
		return fmt.Errorf("backend %q has no queue files to maintain", cfg.Storage.Backend)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// ── 3. Run the requested maintenance command ─────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store := logfile.New(cfg.Storage.DataDir, time.Duration(cfg.Storage.LockRetryMs)*time.Millisecond)

	switch command {
	case "inspect":
		return inspect(ctx, store, queueURL)
	case "compact":
		return compact(ctx, store, queueURL)
	default:
		return fmt.Errorf("unknown command %q (want inspect or compact)", command)
	}
}

func inspect(ctx context.Context, store *logfile.Store, queueURL string) error {
	path, err := store.FilePath(queueURL)
	if err != nil {
		return err
	}
	st, err := store.Stats(ctx, queueURL)
	if err != nil {
		return fmt.Errorf("inspect %s: %w", queueURL, err)
	}

	fmt.Printf("file:        %s\n", path)
	fmt.Printf("size:        %d bytes\n", st.FileSize)
	fmt.Printf("head:        %d\n", st.Head)
	fmt.Printf("tail:        %d\n", st.Tail)
	fmt.Printf("visible:     %d entries\n", st.Visible)
	fmt.Printf("invisible:   %d entries\n", st.Invisible)
	fmt.Printf("reclaimable: %d bytes\n", st.ReclaimableBytes)
	return nil
}

func compact(ctx context.Context, store *logfile.Store, queueURL string) error {
	before, err := store.Stats(ctx, queueURL)
	if err != nil {
		return fmt.Errorf("compact %s: %w", queueURL, err)
	}

	start := time.Now()
	if err := store.Compact(ctx, queueURL); err != nil {
		return fmt.Errorf("compact %s: %w", queueURL, err)
	}

	after, err := store.Stats(ctx, queueURL)
	if err != nil {
		return fmt.Errorf("compact %s: %w", queueURL, err)
	}

	slog.Info("compaction complete",
		"queue", queueURL,
		"bytes_before", before.FileSize,
		"bytes_after", after.FileSize,
		"freed", before.FileSize-after.FileSize,
		"elapsed", time.Since(start).String(),
	)
	return nil
}
