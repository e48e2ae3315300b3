// Package recorder is the result recorder (C6): for each transfer outcome
// handed to it serially by the concurrent fetcher (internal/fetcher), it
// hashes the payload, commits or discards the blob, and appends the
// catalog's history/pointer rows in the exact order spec §4.6 requires.
//
// Grounded directly on original_source/downloader/queue.py's save_result:
// same SHA-256-over-64KiB-blocks hashing, same insert-hash-then-
// AlreadyExists-discard-or-commit branch, same history-then-pointers-then-
// output.txt step order.
package recorder

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/snapetech/urlfetchd/internal/blobstore"
	"github.com/snapetech/urlfetchd/internal/catalog"
	"github.com/snapetech/urlfetchd/internal/metrics"
)

// hashBlockSize matches HASH_BLOCKSIZE in the original source.
const hashBlockSize = 64 * 1024

// Outcome describes one completed (or failed) transfer, as assembled by the
// concurrent fetcher.
type Outcome struct {
	URLID           int64
	URL             string
	TempPayloadPath string
	TempHeaderPath  string
	TempDir         string // per-URL scratch directory, removed after recording
	ResponseCode    int    // 0 if no response was received
	TransportErr    error  // non-nil on DNS/connect/reset failures
	Timeout         bool
	TimeoutSeconds  int
}

// Stats accumulates the four counters original_source/downloader/queue.py's
// download() returns per cycle.
type Stats struct {
	NumExistingHashID int
	NumNewHashID      int
	NumErrorURLs      int
	NumTimeoutURLs    int
}

// Recorder serializes all catalog/blob-store writes for one cycle, matching
// the single-writer discipline spec §5 requires (C6 is "called serially
// from C5").
type Recorder struct {
	mu      sync.Mutex
	store   *catalog.Store
	blobs   *blobstore.Store
	output  *os.File
	stats   Stats
	metrics *metrics.Metrics
}

// Open opens (creating/appending) outputPath (the cycle's output.txt) and
// returns a Recorder ready to accept outcomes.
func Open(store *catalog.Store, blobs *blobstore.Store, outputPath string) (*Recorder, error) {
	f, err := os.OpenFile(outputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("recorder: open output.txt: %w", err)
	}
	return &Recorder{store: store, blobs: blobs, output: f}, nil
}

// WithMetrics attaches m so Record publishes fetch-outcome and dedup-rate
// counters as it goes. Optional: a nil or never-called WithMetrics leaves
// Record's catalog/blob-store behavior unchanged.
func (r *Recorder) WithMetrics(m *metrics.Metrics) *Recorder {
	r.metrics = m
	return r
}

// Close closes the underlying output.txt handle.
func (r *Recorder) Close() error {
	return r.output.Close()
}

// Stats returns a snapshot of counters accumulated so far this cycle.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Record performs steps 1-9 of spec §4.6, in order, for one outcome.
func (r *Recorder) Record(ctx context.Context, o Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var hashID sql.NullInt64
	var errMsg sql.NullString
	var errCode sql.NullInt64
	var timedoutSeconds sql.NullInt64

	switch {
	case o.TransportErr == nil && !o.Timeout && o.ResponseCode == 200:
		id, err := r.recordSuccess(ctx, o, now)
		if err != nil {
			return err
		}
		hashID = id
		errCode = sql.NullInt64{Int64: int64(o.ResponseCode), Valid: true}
		if r.metrics != nil {
			outcome := "success"
			if !hashID.Valid {
				outcome = "error" // empty-body fallthrough, see recordSuccess
			}
			r.metrics.FetchOutcomes.WithLabelValues(outcome).Inc()
		}

	case o.Timeout:
		r.stats.NumTimeoutURLs++
		if err := r.blobs.Discard(o.TempPayloadPath); err != nil {
			return fmt.Errorf("recorder: discard timed-out payload: %w", err)
		}
		timedoutSeconds = sql.NullInt64{Int64: int64(o.TimeoutSeconds), Valid: true}
		if r.metrics != nil {
			r.metrics.FetchOutcomes.WithLabelValues("timeout").Inc()
		}

	default:
		r.stats.NumErrorURLs++
		if err := r.blobs.Discard(o.TempPayloadPath); err != nil {
			return fmt.Errorf("recorder: discard failed payload: %w", err)
		}
		if o.TransportErr != nil {
			errMsg = sql.NullString{String: o.TransportErr.Error(), Valid: true}
		}
		if o.ResponseCode != 0 {
			errCode = sql.NullInt64{Int64: int64(o.ResponseCode), Valid: true}
		}
		if r.metrics != nil {
			r.metrics.FetchOutcomes.WithLabelValues("error").Inc()
		}
	}

	if o.TempHeaderPath != "" {
		os.Remove(o.TempHeaderPath)
	}
	if o.TempDir != "" {
		os.Remove(o.TempDir)
	}

	historyID, err := r.store.InsertUpdateHistory(ctx, catalog.HistoryEntry{
		URLID:           o.URLID,
		UpdatedAt:       now,
		HashID:          hashID,
		Error:           errMsg,
		ErrorCode:       errCode,
		TimedoutSeconds: timedoutSeconds,
	})
	if err != nil {
		return fmt.Errorf("recorder: insert history: %w", err)
	}
	if err := r.store.UpsertLastUpdate(ctx, o.URLID, historyID); err != nil {
		return fmt.Errorf("recorder: upsert last update: %w", err)
	}
	if hashID.Valid {
		if err := r.store.UpsertLastSuccessfulUpdate(ctx, o.URLID, historyID); err != nil {
			return fmt.Errorf("recorder: upsert last successful update: %w", err)
		}
	}
	if _, err := fmt.Fprintf(r.output, "%d\n", o.URLID); err != nil {
		return fmt.Errorf("recorder: append output.txt: %w", err)
	}
	return nil
}

// recordSuccess handles spec §4.6 step 2: hash, insert-or-discard, commit.
func (r *Recorder) recordSuccess(ctx context.Context, o Outcome, now time.Time) (sql.NullInt64, error) {
	info, err := os.Stat(o.TempPayloadPath)
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("recorder: stat payload: %w", err)
	}
	if info.Size() == 0 {
		// A 200 response with an empty body does not satisfy "success AND
		// response 200 AND payload size > 0" (spec §4.6 step 2); it falls
		// through to the generic error path.
		r.stats.NumErrorURLs++
		if err := r.blobs.Discard(o.TempPayloadPath); err != nil {
			return sql.NullInt64{}, fmt.Errorf("recorder: discard empty payload: %w", err)
		}
		return sql.NullInt64{}, nil
	}

	hash, err := sha256Blocks(o.TempPayloadPath)
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("recorder: hash payload: %w", err)
	}
	relPath := blobstore.RelativePath(now, o.URLID)
	downloadPath := filepath.ToSlash(filepath.Join(relPath))

	_, err = r.store.InsertHash(ctx, hash, info.Size(), downloadPath, now)
	switch {
	case errors.Is(err, catalog.ErrHashExists):
		r.stats.NumExistingHashID++
		if err := r.blobs.Discard(o.TempPayloadPath); err != nil {
			return sql.NullInt64{}, fmt.Errorf("recorder: discard duplicate payload: %w", err)
		}
		if r.metrics != nil {
			r.metrics.HashExistingTotal.Inc()
		}
	case err != nil:
		return sql.NullInt64{}, fmt.Errorf("recorder: insert hash: %w", err)
	default:
		r.stats.NumNewHashID++
		if err := r.blobs.Commit(o.TempPayloadPath, downloadPath); err != nil {
			return sql.NullInt64{}, fmt.Errorf("recorder: commit payload: %w", err)
		}
		if r.metrics != nil {
			r.metrics.HashNewTotal.Inc()
		}
	}

	hashID, err := r.store.GetHashID(ctx, hash, info.Size())
	if err != nil {
		return sql.NullInt64{}, fmt.Errorf("recorder: lookup hash id: %w", err)
	}
	return sql.NullInt64{Int64: hashID, Valid: true}, nil
}

// sha256Blocks computes SHA-256 over path, reading in hashBlockSize chunks
// (spec §4.6 step 2a; original_source's HASH_BLOCKSIZE loop).
func sha256Blocks(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, hashBlockSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
