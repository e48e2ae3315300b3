package recorder

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/snapetech/urlfetchd/internal/blobstore"
	"github.com/snapetech/urlfetchd/internal/catalog"
	"github.com/snapetech/urlfetchd/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newFixture(t *testing.T) (*catalog.Store, *blobstore.Store, int64) {
	t.Helper()
	store, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs := blobstore.New(t.TempDir())

	ctx := context.Background()
	appID, err := store.CreateApp(ctx, "app")
	if err != nil {
		t.Fatalf("CreateApp: %v", err)
	}
	collectionID, err := store.UpsertCollection(ctx, appID, "coll")
	if err != nil {
		t.Fatalf("UpsertCollection: %v", err)
	}
	domainID, err := store.UpsertDomain(ctx, "example.com")
	if err != nil {
		t.Fatalf("UpsertDomain: %v", err)
	}
	urlID, err := store.UpsertURL(ctx, "https://example.com/x", domainID)
	if err != nil {
		t.Fatalf("UpsertURL: %v", err)
	}
	if _, err := store.InsertCollectionURL(ctx, collectionID, urlID, "title", nil, 60); err != nil {
		t.Fatalf("InsertCollectionURL: %v", err)
	}
	return store, blobs, urlID
}

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestRecordSuccessCommitsNewHash(t *testing.T) {
	ctx := context.Background()
	store, blobs, urlID := newFixture(t)
	scratch := t.TempDir()

	rec, err := Open(store, blobs, filepath.Join(t.TempDir(), "output.txt"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	payload := writeTemp(t, scratch, "payload", "hello world")
	header := writeTemp(t, scratch, "header", "HTTP/1.1 200 OK\r\n")

	err = rec.Record(ctx, Outcome{
		URLID:           urlID,
		TempPayloadPath: payload,
		TempHeaderPath:  header,
		ResponseCode:    200,
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := rec.Stats().NumNewHashID; got != 1 {
		t.Fatalf("NumNewHashID = %d, want 1", got)
	}
	if _, err := os.Stat(payload); !os.IsNotExist(err) {
		t.Fatalf("expected payload to be moved out of scratch dir")
	}

	var pointerCount int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM url_last_successful_update WHERE url_id = ?`, urlID).Scan(&pointerCount); err != nil {
		t.Fatalf("query pointer: %v", err)
	}
	if pointerCount != 1 {
		t.Fatalf("expected a url_last_successful_update row, got count=%d", pointerCount)
	}
}

func TestRecordDuplicateHashDiscardsAndCountsExisting(t *testing.T) {
	ctx := context.Background()
	store, blobs, urlID := newFixture(t)

	rec, err := Open(store, blobs, filepath.Join(t.TempDir(), "output.txt"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	for i := 0; i < 2; i++ {
		scratch := t.TempDir()
		payload := writeTemp(t, scratch, "payload", "identical content")
		if err := rec.Record(ctx, Outcome{
			URLID:           urlID,
			TempPayloadPath: payload,
			ResponseCode:    200,
		}); err != nil {
			t.Fatalf("Record[%d]: %v", i, err)
		}
	}
	stats := rec.Stats()
	if stats.NumNewHashID != 1 || stats.NumExistingHashID != 1 {
		t.Fatalf("stats = %+v, want NumNewHashID=1 NumExistingHashID=1", stats)
	}
}

func TestRecordEmptyPayloadCountsAsError(t *testing.T) {
	ctx := context.Background()
	store, blobs, urlID := newFixture(t)
	scratch := t.TempDir()

	rec, err := Open(store, blobs, filepath.Join(t.TempDir(), "output.txt"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	payload := writeTemp(t, scratch, "payload", "")
	if err := rec.Record(ctx, Outcome{
		URLID:           urlID,
		TempPayloadPath: payload,
		ResponseCode:    200,
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := rec.Stats().NumErrorURLs; got != 1 {
		t.Fatalf("NumErrorURLs = %d, want 1", got)
	}
}

func TestRecordTimeoutDiscardsAndRecordsSeconds(t *testing.T) {
	ctx := context.Background()
	store, blobs, urlID := newFixture(t)
	scratch := t.TempDir()

	rec, err := Open(store, blobs, filepath.Join(t.TempDir(), "output.txt"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	payload := writeTemp(t, scratch, "payload", "partial")
	if err := rec.Record(ctx, Outcome{
		URLID:           urlID,
		TempPayloadPath: payload,
		Timeout:         true,
		TimeoutSeconds:  300,
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := rec.Stats().NumTimeoutURLs; got != 1 {
		t.Fatalf("NumTimeoutURLs = %d, want 1", got)
	}
	if _, err := os.Stat(payload); !os.IsNotExist(err) {
		t.Fatalf("expected timed-out payload to be discarded")
	}

	var pointerCount int
	if err := store.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM url_last_successful_update WHERE url_id = ?`, urlID).Scan(&pointerCount); err != nil {
		t.Fatalf("query pointer: %v", err)
	}
	if pointerCount != 0 {
		t.Fatalf("expected no successful-update pointer after timeout, got count=%d", pointerCount)
	}
}

func TestRecordTransportErrorStoresMessage(t *testing.T) {
	ctx := context.Background()
	store, blobs, urlID := newFixture(t)
	scratch := t.TempDir()

	rec, err := Open(store, blobs, filepath.Join(t.TempDir(), "output.txt"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()

	payload := writeTemp(t, scratch, "payload", "")
	if err := rec.Record(ctx, Outcome{
		URLID:           urlID,
		TempPayloadPath: payload,
		TransportErr:    errors.New("connection reset by peer"),
	}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := rec.Stats().NumErrorURLs; got != 1 {
		t.Fatalf("NumErrorURLs = %d, want 1", got)
	}

	var errMsg sql.NullString
	err = store.DB().QueryRowContext(ctx,
		`SELECT error FROM url_update_history WHERE url_id = ? ORDER BY id DESC LIMIT 1`, urlID).Scan(&errMsg)
	if err != nil {
		t.Fatalf("query history: %v", err)
	}
	if !errMsg.Valid || errMsg.String != "connection reset by peer" {
		t.Fatalf("error column = %+v, want the transport error message", errMsg)
	}
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordPublishesMetricsWhenAttached(t *testing.T) {
	ctx := context.Background()
	store, blobs, urlID := newFixture(t)
	scratch := t.TempDir()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	rec, err := Open(store, blobs, filepath.Join(t.TempDir(), "output.txt"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer rec.Close()
	rec = rec.WithMetrics(m)

	payload := writeTemp(t, scratch, "payload", "metrics content")
	if err := rec.Record(ctx, Outcome{URLID: urlID, TempPayloadPath: payload, ResponseCode: 200}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if got := counterValue(t, m.HashNewTotal); got != 1 {
		t.Fatalf("HashNewTotal = %v, want 1", got)
	}
	if got := counterValue(t, m.FetchOutcomes.WithLabelValues("success")); got != 1 {
		t.Fatalf("FetchOutcomes{success} = %v, want 1", got)
	}
}

func TestRecordAppendsOutputFile(t *testing.T) {
	ctx := context.Background()
	store, blobs, urlID := newFixture(t)
	scratch := t.TempDir()
	outputPath := filepath.Join(t.TempDir(), "output.txt")

	rec, err := Open(store, blobs, outputPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	payload := writeTemp(t, scratch, "payload", "data")
	if err := rec.Record(ctx, Outcome{URLID: urlID, TempPayloadPath: payload, ResponseCode: 200}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	rec.Close()

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read output.txt: %v", err)
	}
	want := "1\n"
	if string(data) != want {
		t.Fatalf("output.txt = %q, want %q", string(data), want)
	}
}
