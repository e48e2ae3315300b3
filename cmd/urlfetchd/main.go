// Command urlfetchd drives one cycle (or the daemon loop) of the catalog
// snapshot, bucket planner, and concurrent fetcher, plus a minimal seeding
// surface for exercising the core without the out-of-scope admin API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/snapetech/urlfetchd/internal/blobstore"
	"github.com/snapetech/urlfetchd/internal/catalog"
	"github.com/snapetech/urlfetchd/internal/config"
	"github.com/snapetech/urlfetchd/internal/daemon"
	"github.com/snapetech/urlfetchd/internal/fetcher"
	"github.com/snapetech/urlfetchd/internal/httpclient"
	"github.com/snapetech/urlfetchd/internal/metrics"
	"github.com/snapetech/urlfetchd/internal/queueplan"
	"github.com/snapetech/urlfetchd/internal/recorder"
	"github.com/snapetech/urlfetchd/internal/snapshot"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	if err := config.LoadEnvFile(".env"); err != nil {
		log.Fatalf("urlfetchd: load .env: %v", err)
	}
	if err := run(os.Args[1:]); err != nil {
		log.Fatalf("urlfetchd: %v", err)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return usageErr()
	}

	switch args[0] {
	case "queue":
		return runQueue(args[1:])
	case "seed":
		return runSeed(args[1:])
	default:
		return usageErr()
	}
}

func usageErr() error {
	return fmt.Errorf(`usage:
  urlfetchd queue fetch <queue_type> <queue_dir>
  urlfetchd queue download <queue_type> <queue_dir> <output_dir> <N>
  urlfetchd queue daemon <queue_type> <queue_dir> <output_dir> <N>
  urlfetchd seed app <name>
  urlfetchd seed url <app> <url> [--collection=NAME] [--freq=MINUTES]`)
}

func runQueue(args []string) error {
	if len(args) == 0 {
		return usageErr()
	}
	cfg := config.Load()

	switch args[0] {
	case "fetch":
		return cmdQueueFetch(cfg, args[1:])
	case "download":
		return cmdQueueDownload(cfg, args[1:])
	case "daemon":
		return cmdQueueDaemon(cfg, args[1:])
	default:
		return usageErr()
	}
}

func cmdQueueFetch(cfg *config.Config, args []string) error {
	if len(args) != 2 {
		return usageErr()
	}
	queueType := queueplan.QueueType(args[0])
	queueDir := args[1]
	if !queueType.Valid() {
		return fmt.Errorf("invalid queue type %q", queueType)
	}

	store, err := catalog.Open(cfg.CatalogDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	snap, err := snapshot.Build(ctx, store.DB(), filepath.Join(queueDir, "all_collection_urls"))
	if err != nil {
		return err
	}
	plan, err := queueplan.New(store.DB()).WithMinSameDomainBucket(cfg.MinSameDomainSet).Build(ctx, queueType, snap, queueDir)
	if err != nil {
		return err
	}
	fmt.Printf("total_queued=%d rows=%d\n", plan.TotalQueued, snap.RowCount)
	return nil
}

func cmdQueueDownload(cfg *config.Config, args []string) error {
	if len(args) != 4 {
		return usageErr()
	}
	queueType := queueplan.QueueType(args[0])
	queueDir := args[1]
	outputDir := args[2]
	n, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("invalid concurrency %q: %w", args[3], err)
	}

	store, err := catalog.Open(cfg.CatalogDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	blobs := blobstore.New(outputDir)
	outputPath := filepath.Join(queueDir, "output.txt")
	rec, err := recorder.Open(store, blobs, outputPath)
	if err != nil {
		return err
	}
	defer rec.Close()

	throttle := httpclient.NewDomainThrottle(cfg.DomainThrottle)
	f := fetcher.New(store, throttle, rec)
	stats, err := f.Run(context.Background(), fetcher.Config{
		Concurrency:    n,
		QueueType:      queueType,
		TempDir:        queueDir,
		MaxRuntime:     cfg.MaxRuntime,
		MinTimeout:     cfg.MinTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		MaxRedirects:   cfg.MaxRedirects,
	}, filepath.Join(queueDir, "queue.txt"), outputPath)
	if err != nil {
		return err
	}
	fmt.Printf("completed=%d deferred=%d lines_read=%d\n", stats.Completed, stats.Deferred, stats.LinesRead)
	return nil
}

func cmdQueueDaemon(cfg *config.Config, args []string) error {
	if len(args) != 4 {
		return usageErr()
	}
	queueType := queueplan.QueueType(args[0])
	queueDir := args[1]
	outputDir := args[2]
	n, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("invalid concurrency %q: %w", args[3], err)
	}

	store, err := catalog.Open(cfg.CatalogDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Printf("daemon: metrics listener: %v", err)
			}
		}()
	}

	return daemon.Run(context.Background(), store, daemon.Config{
		QueueType:           queueType,
		QueueDirectory:      queueDir,
		OutputDir:           outputDir,
		Concurrency:         n,
		SleepInterval:       cfg.DaemonSleep,
		MaxRuntime:          cfg.MaxRuntime,
		DomainThrottle:      cfg.DomainThrottle,
		MinSameDomainBucket: cfg.MinSameDomainSet,
		MinTimeout:          cfg.MinTimeout,
		MaxTimeout:          cfg.MaxTimeout,
		ConnectTimeout:      cfg.ConnectTimeout,
		MaxRedirects:        cfg.MaxRedirects,
	}, m)
}

func runSeed(args []string) error {
	if len(args) == 0 {
		return usageErr()
	}
	cfg := config.Load()
	store, err := catalog.Open(cfg.CatalogDSN)
	if err != nil {
		return err
	}
	defer store.Close()

	switch args[0] {
	case "app":
		return cmdSeedApp(store, args[1:])
	case "url":
		return cmdSeedURL(store, args[1:])
	default:
		return usageErr()
	}
}

func cmdSeedApp(store *catalog.Store, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: urlfetchd seed app <name>")
	}
	id, err := store.CreateApp(context.Background(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("app_id=%d\n", id)
	return nil
}

func cmdSeedURL(store *catalog.Store, args []string) error {
	fs := flag.NewFlagSet("seed url", flag.ContinueOnError)
	collection := fs.String("collection", "default", "collection name within the app")
	freq := fs.Int("freq", 60, "update frequency in minutes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	// Flags may also follow the two positional arguments, as in the usage line.
	if len(rest) > 2 {
		if err := fs.Parse(rest[2:]); err != nil {
			return err
		}
		rest = append(rest[:2:2], fs.Args()...)
	}
	if len(rest) != 2 {
		return fmt.Errorf("usage: urlfetchd seed url <app> <url> [--collection=NAME] [--freq=MINUTES]")
	}
	appName, rawURL := rest[0], rest[1]

	ctx := context.Background()
	app, err := store.GetAppByName(ctx, appName)
	if err != nil {
		return fmt.Errorf("app %q: %w", appName, err)
	}
	collectionID, err := store.UpsertCollection(ctx, app.ID, *collection)
	if err != nil {
		return err
	}
	domainID, err := store.UpsertDomain(ctx, catalog.ExtractHost(rawURL))
	if err != nil {
		return err
	}
	urlID, err := store.UpsertURL(ctx, rawURL, domainID)
	if err != nil {
		return err
	}
	collectionURLID, err := store.InsertCollectionURL(ctx, collectionID, urlID, rawURL, nil, *freq)
	if err != nil {
		return err
	}
	fmt.Printf("collection_url_id=%d url_id=%d\n", collectionURLID, urlID)
	return nil
}
