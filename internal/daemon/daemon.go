// Package daemon is the cycle loop (C7): validate queue_type, require the
// queue directory is absent, then repeatedly snapshot+plan (C3/C4), fetch
// (C5), and sleep, removing the queue directory between cycles and on any
// terminating signal.
//
// Grounded on original_source/downloader/queue.py's daemon() loop, with the
// runtime-check sign corrected per spec.md §9's Open Question: the source
// computes `start_time - now` (always <= 0, so the check never fires); this
// implementation computes `now - start_time` against MaxRuntime.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/snapetech/urlfetchd/internal/fetcher"
	"github.com/snapetech/urlfetchd/internal/httpclient"
	"github.com/snapetech/urlfetchd/internal/metrics"
	"github.com/snapetech/urlfetchd/internal/queueplan"
	"github.com/snapetech/urlfetchd/internal/recorder"
	"github.com/snapetech/urlfetchd/internal/snapshot"

	"github.com/snapetech/urlfetchd/internal/blobstore"
	"github.com/snapetech/urlfetchd/internal/catalog"
)

// Config parameterizes the daemon loop.
type Config struct {
	QueueType           queueplan.QueueType
	QueueDirectory      string
	OutputDir           string // blob store root
	Concurrency         int
	SleepInterval       time.Duration
	MaxRuntime          time.Duration
	DomainThrottle      time.Duration
	MinSameDomainBucket int // 0 uses queueplan's default

	MinTimeout     time.Duration // forwarded to fetcher.Config, 0 uses its default
	MaxTimeout     time.Duration
	ConnectTimeout time.Duration
	MaxRedirects   int
}

// Run executes the daemon loop until ctx is cancelled. It validates
// cfg.QueueType and that cfg.QueueDirectory does not already exist before
// entering the loop (spec §4.7), and removes the queue directory on any
// terminating signal.
func Run(ctx context.Context, store *catalog.Store, cfg Config, m *metrics.Metrics) error {
	if !cfg.QueueType.Valid() {
		return fmt.Errorf("daemon: invalid queue type %q", cfg.QueueType)
	}
	if _, err := os.Stat(cfg.QueueDirectory); err == nil {
		return fmt.Errorf("daemon: queue directory %s already exists", cfg.QueueDirectory)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("daemon: stat queue directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ignoreSIGPIPE()

	blobs := blobstore.New(cfg.OutputDir)
	throttle := httpclient.NewDomainThrottle(cfg.DomainThrottle)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := runCycle(ctx, store, blobs, throttle, cfg, m); err != nil {
			os.RemoveAll(cfg.QueueDirectory)
			return err
		}
		os.RemoveAll(cfg.QueueDirectory)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.SleepInterval):
		}
	}
}

func runCycle(ctx context.Context, store *catalog.Store, blobs *blobstore.Store, throttle *httpclient.DomainThrottle, cfg Config, m *metrics.Metrics) error {
	startTime := time.Now()
	if err := os.MkdirAll(cfg.QueueDirectory, 0o755); err != nil {
		return fmt.Errorf("daemon: create queue directory: %w", err)
	}

	snapDir := filepath.Join(cfg.QueueDirectory, "all_collection_urls")
	snap, err := snapshot.Build(ctx, store.DB(), snapDir)
	if err != nil {
		return fmt.Errorf("daemon: snapshot: %w", err)
	}

	planner := queueplan.New(store.DB())
	if cfg.MinSameDomainBucket > 0 {
		planner = planner.WithMinSameDomainBucket(cfg.MinSameDomainBucket)
	}
	plan, err := planner.Build(ctx, cfg.QueueType, snap, cfg.QueueDirectory)
	if err != nil {
		return fmt.Errorf("daemon: plan: %w", err)
	}
	log.Printf("daemon: queue_type=%s total_queued=%d", cfg.QueueType, plan.TotalQueued)
	if m != nil {
		m.URLsQueuedTotal.WithLabelValues(string(cfg.QueueType)).Add(float64(plan.TotalQueued))
	}

	outputPath := filepath.Join(cfg.QueueDirectory, "output.txt")
	rec, err := recorder.Open(store, blobs, outputPath)
	if err != nil {
		return fmt.Errorf("daemon: open recorder: %w", err)
	}
	defer rec.Close()
	rec = rec.WithMetrics(m)

	f := fetcher.New(store, throttle, rec)
	remaining := cfg.MaxRuntime - time.Since(startTime)
	if remaining <= 0 {
		remaining = time.Second
	}
	stats, err := f.Run(ctx, fetcher.Config{
		Concurrency:    cfg.Concurrency,
		QueueType:      cfg.QueueType,
		TempDir:        cfg.QueueDirectory,
		MaxRuntime:     remaining,
		MinTimeout:     cfg.MinTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxRedirects:   cfg.MaxRedirects,
	}, plan.QueueFilePath, outputPath)
	if err != nil {
		return fmt.Errorf("daemon: fetch: %w", err)
	}
	log.Printf("daemon: completed=%d deferred=%d lines_read=%d elapsed=%s",
		stats.Completed, stats.Deferred, stats.LinesRead, time.Since(startTime))

	if m != nil {
		m.CyclesTotal.Inc()
		m.CycleDuration.Observe(time.Since(startTime).Seconds())
		m.URLsDeferred.Add(float64(stats.Deferred))
	}
	return nil
}
