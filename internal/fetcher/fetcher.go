// Package fetcher is the concurrent fetcher (C5): it drains a queue.txt
// produced by internal/queueplan through an N-slot transfer pool, admitting
// at most one in-flight transfer per domain per DOMAIN_THROTTLE interval,
// and hands each outcome to internal/recorder serially as it completes.
//
// Grounded on original_source/downloader/queue.py's download() (the
// pycurl CurlMulti admission/perform/drain loop) translated into
// goroutines reporting onto a single result channel the driver selects
// on — the same single-writer, cooperative-concurrency shape, without a
// preemptive thread pool racing on catalog writes.
package fetcher

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/snapetech/urlfetchd/internal/catalog"
	"github.com/snapetech/urlfetchd/internal/httpclient"
	"github.com/snapetech/urlfetchd/internal/queueplan"
	"github.com/snapetech/urlfetchd/internal/recorder"
)

// Default timeout/redirect values per spec §4.5, used when Config leaves the
// corresponding field unset.
const (
	MinTimeoutSeconds = 15
	MaxTimeoutSeconds = 300
	MaxRedirects      = 5
	ConnectTimeout    = 30 * time.Second
	DomainThrottle    = 5 * time.Second
	MaxRuntime        = 1800 * time.Second
	pollInterval      = time.Second
)

// Config parameterizes one fetch cycle. The zero value for any timeout/
// redirect field falls back to this package's spec §4.5 default constants,
// so callers that don't need to override anything can leave them unset.
type Config struct {
	Concurrency int           // N transfer slots
	QueueType   queueplan.QueueType
	TempDir     string        // per-cycle scratch root; <TempDir>/<url_id>/{output,header}
	MaxRuntime  time.Duration // 0 uses MaxRuntime

	MinTimeout     time.Duration // 0 uses MinTimeoutSeconds
	MaxTimeout     time.Duration // 0 uses MaxTimeoutSeconds
	ConnectTimeout time.Duration // 0 uses ConnectTimeout
	MaxRedirects   int           // 0 uses MaxRedirects
}

// Stats summarizes one cycle's admissions and completions.
type Stats struct {
	LinesRead int
	Completed int
	Deferred  int // skipped this cycle by the domain throttle
}

// job is one admitted transfer in flight.
type job struct {
	urlID   int64
	url     string
	payload string
	header  string
	dir     string
}

// result is what a slot goroutine reports back to the driver.
type result struct {
	job job
	out recorder.Outcome
}

// Fetcher drives one cycle over a queue file.
type Fetcher struct {
	store    *catalog.Store
	throttle *httpclient.DomainThrottle
	rec      *recorder.Recorder
}

// New returns a Fetcher recording outcomes through rec and throttling
// per-domain admission through throttle. store is used to write the
// advisory queue lease optimistically at admission time (spec §6, §9 Open
// Question 1); it is never read back.
func New(store *catalog.Store, throttle *httpclient.DomainThrottle, rec *recorder.Recorder) *Fetcher {
	return &Fetcher{store: store, throttle: throttle, rec: rec}
}

// Run drains queueFilePath through cfg.Concurrency slots. It stops admitting
// once the queue is exhausted or the cycle's wall clock is exceeded, and
// returns when that has happened and every slot is idle.
func (f *Fetcher) Run(ctx context.Context, cfg Config, queueFilePath, outputFilePath string) (Stats, error) {
	if cfg.Concurrency < 1 {
		return Stats{}, fmt.Errorf("fetcher: concurrency must be >= 1, got %d", cfg.Concurrency)
	}
	maxRuntime := cfg.MaxRuntime
	if maxRuntime <= 0 {
		maxRuntime = MaxRuntime
	}
	minTimeout := cfg.MinTimeout
	if minTimeout <= 0 {
		minTimeout = MinTimeoutSeconds * time.Second
	}
	maxTimeout := cfg.MaxTimeout
	if maxTimeout <= 0 {
		maxTimeout = MaxTimeoutSeconds * time.Second
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = ConnectTimeout
	}
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = MaxRedirects
	}

	timeout := minTimeout
	if cfg.QueueType == queueplan.QueueTimedout {
		timeout = maxTimeout
	}
	timeoutSeconds := int(timeout / time.Second)
	client := httpclient.NewTransferClient(timeout, connectTimeout, maxRedirects)

	completedBefore, err := loadCompleted(outputFilePath)
	if err != nil {
		return Stats{}, fmt.Errorf("fetcher: load output.txt: %w", err)
	}

	lines, err := os.Open(queueFilePath)
	if err != nil {
		return Stats{}, fmt.Errorf("fetcher: open queue file: %w", err)
	}
	defer lines.Close()
	scanner := bufio.NewScanner(lines)

	deadline := time.Now().Add(maxRuntime)
	results := make(chan result, cfg.Concurrency)
	var stats Stats
	active := 0
	eof := false

	for {
		// Admission: fill free slots while the queue has more lines and the
		// deadline has not passed.
		for active < cfg.Concurrency && !eof && time.Now().Before(deadline) {
			line, ok := nextLine(scanner)
			if !ok {
				eof = true
				break
			}
			stats.LinesRead++
			urlID, url, err := parseQueueLine(line)
			if err != nil {
				continue
			}
			if completedBefore[urlID] {
				continue
			}
			host := catalog.ExtractHost(url)
			if !f.throttle.TryAdmit(host) {
				stats.Deferred++
				continue
			}
			j, err := startJob(cfg.TempDir, urlID, url)
			if err != nil {
				return stats, fmt.Errorf("fetcher: start job: %w", err)
			}
			if f.store != nil {
				if err := f.store.InsertQueueLease(ctx, urlID, timeoutSeconds, time.Now()); err != nil {
					return stats, fmt.Errorf("fetcher: insert queue lease for url_id=%d: %w", urlID, err)
				}
			}
			active++
			go runTransfer(ctx, client, timeoutSeconds, j, results)
		}

		if active == 0 && (eof || time.Now().After(deadline)) {
			break
		}

		select {
		case r := <-results:
			active--
			if err := f.rec.Record(ctx, r.out); err != nil {
				return stats, fmt.Errorf("fetcher: record outcome for url_id=%d: %w", r.job.urlID, err)
			}
			os.Remove(r.job.dir)
			stats.Completed++
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return stats, ctx.Err()
		}

		if eof && active == 0 {
			break
		}
	}
	return stats, nil
}

func nextLine(scanner *bufio.Scanner) (string, bool) {
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		return line, true
	}
	return "", false
}

func parseQueueLine(line string) (int64, string, error) {
	parts := strings.SplitN(line, " ", 2)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("fetcher: malformed queue line %q", line)
	}
	urlID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("fetcher: malformed url_id in %q: %w", line, err)
	}
	return urlID, parts[1], nil
}

// loadCompleted reads output.txt (spec §4.5 step 1, resume support).
func loadCompleted(path string) (map[int64]bool, error) {
	completed := make(map[int64]bool)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return completed, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			continue
		}
		completed[id] = true
	}
	return completed, scanner.Err()
}

// startJob creates the per-URL scratch directory and its two temp files
// (spec §4.5 step a: "open scratch output and header files under
// <tmpdir>/<url_id>/").
func startJob(tempDir string, urlID int64, url string) (job, error) {
	dir := filepath.Join(tempDir, strconv.FormatInt(urlID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return job{}, err
	}
	return job{
		urlID:   urlID,
		url:     url,
		payload: filepath.Join(dir, "output"),
		header:  filepath.Join(dir, "header"),
		dir:     dir,
	}, nil
}

// runTransfer performs one HTTP GET and classifies the outcome, writing the
// response body and status line to j's scratch files as it streams.
func runTransfer(ctx context.Context, client *http.Client, timeoutSeconds int, j job, results chan<- result) {
	out := recorder.Outcome{
		URLID:           j.urlID,
		URL:             j.url,
		TempPayloadPath: j.payload,
		TempHeaderPath:  j.header,
		TempDir:         j.dir,
	}

	payloadFile, err := os.Create(j.payload)
	if err != nil {
		out.TransportErr = err
		results <- result{job: j, out: out}
		return
	}
	defer payloadFile.Close()

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutSeconds)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, j.url, nil)
	if err != nil {
		out.TransportErr = err
		results <- result{job: j, out: out}
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			out.Timeout = true
			out.TimeoutSeconds = timeoutSeconds
		} else {
			out.TransportErr = err
		}
		results <- result{job: j, out: out}
		return
	}
	defer resp.Body.Close()

	out.ResponseCode = resp.StatusCode
	if err := writeHeader(j.header, resp); err != nil {
		out.TransportErr = err
		results <- result{job: j, out: out}
		return
	}

	if _, err := io.Copy(payloadFile, resp.Body); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			out.Timeout = true
			out.TimeoutSeconds = timeoutSeconds
		} else {
			out.TransportErr = err
		}
	}
	results <- result{job: j, out: out}
}

func writeHeader(path string, resp *http.Response) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\n", resp.Status)
	return err
}
