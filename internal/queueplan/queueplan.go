// Package queueplan is the bucket planner (C4): it filters the snapshot
// (internal/snapshot) by queue type, classifies each surviving row into a
// bucket type, partitions bucket types into fairness groups (by heavy
// domain or by collection), and flattens the result into a single
// deduplicated queue.txt the concurrent fetcher (internal/fetcher) reads.
//
// Grounded on original_source/downloader/queue.py: the three queue-type
// filters and filter_bucket_type's new/update decision come from fetch()
// and filter_bucket_type(); the "failed" classification's consecutive-
// failure check comes from fetch()'s fill_bucket closure; the domain-vs-
// collection fairness grouping comes from get_download_iterator (the
// richer, domain-aware bucket layout spec.md §4.4 calls for).
package queueplan

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/snapetech/urlfetchd/internal/snapshot"
)

// Tunable constants named directly from spec §4.4/§4.5/§9 and
// original_source/downloader/queue.py's module-level constants.
const (
	MinTimeoutSeconds          = 15
	MaxTimeoutSeconds          = 300
	MaxSameDomains             = 50
	RetryFailedMinSeconds      = 600
	DefaultMinSameDomainBucket = 100
)

// QueueType selects the global filter profile for a cycle.
type QueueType string

const (
	QueueRegular    QueueType = "regular"
	QueueTimedout   QueueType = "timedout"
	QueueSameDomain QueueType = "samedomain"
)

// Valid reports whether q is one of the three recognized queue types.
func (q QueueType) Valid() bool {
	switch q {
	case QueueRegular, QueueTimedout, QueueSameDomain:
		return true
	}
	return false
}

// BucketType is why a URL is eligible this cycle.
type BucketType string

const (
	BucketNew     BucketType = "new"
	BucketUpdate  BucketType = "update"
	BucketFailed  BucketType = "failed"
)

// bucketTypeOrder fixes the C4 step-4 interleave order: new, then update,
// then failed, each fully consumed before the next begins.
var bucketTypeOrder = []BucketType{BucketNew, BucketUpdate, BucketFailed}

// Planner partitions a snapshot into the queue directory layout spec §6
// describes. It needs direct database access for the "failed" bucket's
// consecutive-failure lookback, which is not carried in the snapshot row.
type Planner struct {
	db                  *sql.DB
	minSameDomainBucket int
}

// New returns a Planner with the default min-same-domain-bucket threshold
// (100, per spec §4.4/§9).
func New(db *sql.DB) *Planner {
	return &Planner{db: db, minSameDomainBucket: DefaultMinSameDomainBucket}
}

// WithMinSameDomainBucket overrides the domain-bucket threshold.
func (p *Planner) WithMinSameDomainBucket(n int) *Planner {
	p.minSameDomainBucket = n
	return p
}

// Plan is the result of one planning pass.
type Plan struct {
	QueueFilePath string
	TotalQueued   int
}

// Build reads the snapshot at snap.Path, filters it by queueType, classifies
// and partitions the survivors into bucket files under dir/buckets, then
// interleaves them into dir/queue.txt. dir is the per-cycle queue
// directory (spec §6).
func (p *Planner) Build(ctx context.Context, queueType QueueType, snap snapshot.Result, dir string) (Plan, error) {
	if !queueType.Valid() {
		return Plan{}, fmt.Errorf("queueplan: invalid queue type %q", queueType)
	}

	domainBucketIDs := map[int64]bool{}
	for domainID, count := range snap.DomainStats {
		if count >= p.minSameDomainBucket {
			domainBucketIDs[domainID] = true
		}
	}

	writers, err := p.partition(ctx, queueType, snap, dir, domainBucketIDs)
	if err != nil {
		return Plan{}, err
	}
	for _, w := range writers {
		if err := w.Close(); err != nil {
			return Plan{}, fmt.Errorf("queueplan: close bucket file: %w", err)
		}
	}

	queuePath := filepath.Join(dir, "queue.txt")
	total, err := interleave(writers, queuePath)
	if err != nil {
		return Plan{}, err
	}
	return Plan{QueueFilePath: queuePath, TotalQueued: total}, nil
}

// groupKey identifies one fairness-partition bucket file.
type groupKey struct {
	bucketType BucketType
	isDomain   bool
	id         int64
}

func (k groupKey) filename() string {
	if k.isDomain {
		return fmt.Sprintf("domain_%d.txt", k.id)
	}
	return fmt.Sprintf("collection_%d.txt", k.id)
}

// bucketWriter is a lazily-created, append-only bucket file.
type bucketWriter struct {
	key  groupKey
	path string
	f    *os.File
	w    *bufio.Writer
}

func (bw *bucketWriter) write(urlID int64, url string) error {
	if bw.f == nil {
		dir := filepath.Dir(bw.path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		f, err := os.Create(bw.path)
		if err != nil {
			return err
		}
		bw.f = f
		bw.w = bufio.NewWriter(f)
	}
	_, err := fmt.Fprintf(bw.w, "%d %s\n", urlID, url)
	return err
}

func (bw *bucketWriter) Close() error {
	if bw.f == nil {
		return nil
	}
	if err := bw.w.Flush(); err != nil {
		bw.f.Close()
		return err
	}
	return bw.f.Close()
}

func (p *Planner) partition(ctx context.Context, queueType QueueType, snap snapshot.Result, dir string, domainBucketIDs map[int64]bool) (map[groupKey]*bucketWriter, error) {
	reader, err := snapshot.Open(snap.Path)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	writers := map[groupKey]*bucketWriter{}
	get := func(key groupKey) *bucketWriter {
		bw, ok := writers[key]
		if !ok {
			bw = &bucketWriter{key: key, path: filepath.Join(dir, "buckets", string(key.bucketType), key.filename())}
			writers[key] = bw
		}
		return bw
	}

	for {
		row, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("queueplan: read filtered row: %w", err)
		}

		if !keepForQueueType(queueType, row, snap.DomainStats) {
			continue
		}
		bucketType, ok, err := p.classify(ctx, row)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		var key groupKey
		if domainBucketIDs[row.DomainID] {
			key = groupKey{bucketType: bucketType, isDomain: true, id: row.DomainID}
		} else {
			key = groupKey{bucketType: bucketType, isDomain: false, id: row.CollectionID}
		}
		if err := get(key).write(row.URLID, row.URL); err != nil {
			return nil, fmt.Errorf("queueplan: write bucket row: %w", err)
		}
	}
	return writers, nil
}

// keepForQueueType implements C4 step 1.
func keepForQueueType(queueType QueueType, row snapshot.Row, domainStats map[int64]int) bool {
	timedoutSeconds := 0
	if row.LastUpdateTimedoutSeconds.Valid {
		timedoutSeconds = int(row.LastUpdateTimedoutSeconds.Int64)
	}
	sameDomainCount := domainStats[row.DomainID]

	switch queueType {
	case QueueRegular:
		return timedoutSeconds <= MinTimeoutSeconds && sameDomainCount <= MaxSameDomains
	case QueueTimedout:
		return timedoutSeconds >= MinTimeoutSeconds && timedoutSeconds <= MaxTimeoutSeconds
	case QueueSameDomain:
		return sameDomainCount >= MaxSameDomains
	default:
		return false
	}
}

// classify implements C4 step 2.
func (p *Planner) classify(ctx context.Context, row snapshot.Row) (BucketType, bool, error) {
	if !row.UpdatedAt.Valid {
		return BucketNew, true, nil
	}
	if row.LastUpdateHashID.Valid {
		if row.LastSuccessfulUpdatedAt.Valid && row.UpdateFreqMinutes > 0 {
			elapsed := time.Since(row.LastSuccessfulUpdatedAt.Time)
			if elapsed > time.Duration(row.UpdateFreqMinutes)*time.Minute {
				return BucketUpdate, true, nil
			}
		}
		return "", false, nil
	}
	// Last attempt failed.
	if time.Since(row.UpdatedAt.Time) <= RetryFailedMinSeconds*time.Second {
		return "", false, nil
	}
	consecutive, err := p.consecutiveFailures(ctx, row.URLID)
	if err != nil {
		return "", false, err
	}
	// "Open question: consecutive failures threshold" (spec §9): any
	// consecutive failure (>=1) counts, matching the original's truthy check.
	if consecutive == 0 {
		return "", false, nil
	}
	return BucketFailed, true, nil
}

// consecutiveFailures counts leading hash_id IS NULL rows among the 5 most
// recent history rows for urlID, stopping at the first success — matching
// fill_bucket's num_consecutive_failures loop exactly.
func (p *Planner) consecutiveFailures(ctx context.Context, urlID int64) (int, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT hash_id FROM url_update_history WHERE url_id = ? ORDER BY updated_at DESC, id DESC LIMIT 5`, urlID)
	if err != nil {
		return 0, fmt.Errorf("queueplan: query history: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var hashID sql.NullInt64
		if err := rows.Scan(&hashID); err != nil {
			return 0, fmt.Errorf("queueplan: scan history: %w", err)
		}
		if hashID.Valid {
			break
		}
		count++
	}
	return count, rows.Err()
}

// interleave implements C4 step 4: round-robin one line at a time across
// all bucket files of one bucket type (domain buckets in ascending id
// order, then collection buckets in ascending id order) before moving to
// the next bucket type, deduplicating by url_id (first occurrence wins).
func interleave(writers map[groupKey]*bucketWriter, queuePath string) (int, error) {
	out, err := os.Create(queuePath)
	if err != nil {
		return 0, fmt.Errorf("queueplan: create queue.txt: %w", err)
	}
	defer out.Close()
	bw := bufio.NewWriter(out)

	seen := map[int64]bool{}
	total := 0

	for _, bucketType := range bucketTypeOrder {
		keys := keysForBucketType(writers, bucketType)
		scanners := make([]*bufio.Scanner, len(keys))
		files := make([]*os.File, len(keys))
		for i, k := range keys {
			f, err := os.Open(writers[k].path)
			if err != nil {
				return 0, fmt.Errorf("queueplan: open bucket for read: %w", err)
			}
			files[i] = f
			scanners[i] = bufio.NewScanner(f)
		}

		remaining := len(keys)
		for remaining > 0 {
			for i, sc := range scanners {
				if sc == nil {
					continue
				}
				if !sc.Scan() {
					scanners[i] = nil
					remaining--
					continue
				}
				line := sc.Text()
				urlID, ok := parseLeadingURLID(line)
				if ok && !seen[urlID] {
					seen[urlID] = true
					if _, err := fmt.Fprintln(bw, line); err != nil {
						closeAll(files)
						return 0, err
					}
					total++
				}
			}
		}
		closeAll(files)
	}

	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("queueplan: flush queue.txt: %w", err)
	}
	return total, nil
}

func closeAll(files []*os.File) {
	for _, f := range files {
		f.Close()
	}
}

func keysForBucketType(writers map[groupKey]*bucketWriter, bucketType BucketType) []groupKey {
	var domains, collections []groupKey
	for k := range writers {
		if k.bucketType != bucketType {
			continue
		}
		if k.isDomain {
			domains = append(domains, k)
		} else {
			collections = append(collections, k)
		}
	}
	sort.Slice(domains, func(i, j int) bool { return domains[i].id < domains[j].id })
	sort.Slice(collections, func(i, j int) bool { return collections[i].id < collections[j].id })
	return append(domains, collections...)
}

func parseLeadingURLID(line string) (int64, bool) {
	i := 0
	for i < len(line) && line[i] != ' ' {
		i++
	}
	if i == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(line[:i], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
