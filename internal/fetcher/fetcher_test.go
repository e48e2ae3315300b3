package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snapetech/urlfetchd/internal/blobstore"
	"github.com/snapetech/urlfetchd/internal/catalog"
	"github.com/snapetech/urlfetchd/internal/httpclient"
	"github.com/snapetech/urlfetchd/internal/queueplan"
	"github.com/snapetech/urlfetchd/internal/recorder"
)

func newFixture(t *testing.T, rawURL string) (*catalog.Store, *recorder.Recorder, int64) {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	blobs := blobstore.New(t.TempDir())
	rec, err := recorder.Open(store, blobs, filepath.Join(t.TempDir(), "output.txt"))
	if err != nil {
		t.Fatalf("recorder.Open: %v", err)
	}
	t.Cleanup(func() { rec.Close() })

	ctx := context.Background()
	domainID, err := store.UpsertDomain(ctx, catalog.ExtractHost(rawURL))
	if err != nil {
		t.Fatalf("UpsertDomain: %v", err)
	}
	urlID, err := store.UpsertURL(ctx, rawURL, domainID)
	if err != nil {
		t.Fatalf("UpsertURL: %v", err)
	}
	return store, rec, urlID
}

func writeQueueFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write queue.txt: %v", err)
	}
	return path
}

func TestRunFetchesSuccessfulURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello from server"))
	}))
	defer srv.Close()

	store, rec, urlID := newFixture(t, srv.URL)
	throttle := httpclient.NewDomainThrottle(0)
	f := New(store, throttle, rec)

	queuePath := writeQueueFile(t, fmt.Sprintf("%d %s", urlID, srv.URL))
	outputPath := filepath.Join(t.TempDir(), "output.txt")
	tempDir := t.TempDir()

	stats, err := f.Run(context.Background(), Config{
		Concurrency: 2,
		QueueType:   queueplan.QueueRegular,
		TempDir:     tempDir,
	}, queuePath, outputPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", stats.Completed)
	}
	if rec.Stats().NumNewHashID != 1 {
		t.Fatalf("NumNewHashID = %d, want 1", rec.Stats().NumNewHashID)
	}
}

func TestRunSkipsAlreadyCompletedURL(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, rec, urlID := newFixture(t, srv.URL)
	throttle := httpclient.NewDomainThrottle(0)
	f := New(store, throttle, rec)

	queuePath := writeQueueFile(t, fmt.Sprintf("%d %s", urlID, srv.URL))
	outputPath := filepath.Join(t.TempDir(), "output.txt")
	if err := os.WriteFile(outputPath, []byte(fmt.Sprintf("%d\n", urlID)), 0o644); err != nil {
		t.Fatalf("seed output.txt: %v", err)
	}

	stats, err := f.Run(context.Background(), Config{
		Concurrency: 1,
		QueueType:   queueplan.QueueRegular,
		TempDir:     t.TempDir(),
	}, queuePath, outputPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Completed != 0 {
		t.Fatalf("Completed = %d, want 0 (already completed)", stats.Completed)
	}
	if called {
		t.Fatal("expected the already-completed URL to never be fetched")
	}
}

func TestRunDefersWhenDomainThrottled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store, rec, urlID := newFixture(t, srv.URL)
	throttle := httpclient.NewDomainThrottle(time.Hour)
	host := catalog.ExtractHost(srv.URL)
	if !throttle.TryAdmit(host) {
		t.Fatal("expected the priming admission to succeed")
	}
	f := New(store, throttle, rec)

	queuePath := writeQueueFile(t, fmt.Sprintf("%d %s", urlID, srv.URL))
	outputPath := filepath.Join(t.TempDir(), "output.txt")

	stats, err := f.Run(context.Background(), Config{
		Concurrency: 1,
		QueueType:   queueplan.QueueRegular,
		TempDir:     t.TempDir(),
	}, queuePath, outputPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Deferred != 1 {
		t.Fatalf("Deferred = %d, want 1", stats.Deferred)
	}
	if stats.Completed != 0 {
		t.Fatalf("Completed = %d, want 0", stats.Completed)
	}
}

func TestRunClassifiesNon200AsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	store, rec, urlID := newFixture(t, srv.URL)
	throttle := httpclient.NewDomainThrottle(0)
	f := New(store, throttle, rec)

	queuePath := writeQueueFile(t, fmt.Sprintf("%d %s", urlID, srv.URL))
	outputPath := filepath.Join(t.TempDir(), "output.txt")

	stats, err := f.Run(context.Background(), Config{
		Concurrency: 1,
		QueueType:   queueplan.QueueRegular,
		TempDir:     t.TempDir(),
	}, queuePath, outputPath)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if stats.Completed != 1 {
		t.Fatalf("Completed = %d, want 1", stats.Completed)
	}
	if rec.Stats().NumErrorURLs != 1 {
		t.Fatalf("NumErrorURLs = %d, want 1", rec.Stats().NumErrorURLs)
	}
}
