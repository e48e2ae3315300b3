package snapshot

import (
	"context"
	"database/sql"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/snapetech/urlfetchd/internal/catalog"
)

func newTestCatalog(t *testing.T) *catalog.Store {
	t.Helper()
	s, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBuildAndReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestCatalog(t)

	appID, err := store.CreateApp(ctx, "a")
	if err != nil {
		t.Fatalf("CreateApp: %v", err)
	}
	collectionID, err := store.UpsertCollection(ctx, appID, "c")
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
	if _, err := store.InsertCollectionURL(ctx, collectionID, urlID, "t", nil, 60); err != nil {
		t.Fatalf("InsertCollectionURL: %v", err)
	}

	dir := t.TempDir()
	result, err := Build(ctx, store.DB(), dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if result.RowCount != 1 {
		t.Fatalf("RowCount = %d, want 1", result.RowCount)
	}
	if result.DomainStats[domainID] != 1 {
		t.Fatalf("DomainStats[%d] = %d, want 1", domainID, result.DomainStats[domainID])
	}

	reader, err := Open(result.Path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()

	row, err := reader.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if row.URLID != urlID || row.URL != "https://example.com/x" || row.UpdateFreqMinutes != 60 {
		t.Fatalf("unexpected row: %+v", row)
	}
	if row.UpdatedAt.Valid {
		t.Fatalf("expected no prior update, got UpdatedAt=%v", row.UpdatedAt)
	}

	if _, err := reader.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF after single row, got %v", err)
	}
}

func TestBuildIncludesLastUpdateAndSuccessfulPointers(t *testing.T) {
	ctx := context.Background()
	store := newTestCatalog(t)

	appID, _ := store.CreateApp(ctx, "a")
	collectionID, _ := store.UpsertCollection(ctx, appID, "c")
	domainID, _ := store.UpsertDomain(ctx, "example.com")
	urlID, _ := store.UpsertURL(ctx, "https://example.com/y", domainID)
	if _, err := store.InsertCollectionURL(ctx, collectionID, urlID, "t", nil, 0); err != nil {
		t.Fatalf("InsertCollectionURL: %v", err)
	}

	hashID, err := store.InsertHash(ctx, "abc123", 2, "2026/1/1/0/0/1/output", time.Now())
	if err != nil {
		t.Fatalf("InsertHash: %v", err)
	}
	historyID, err := store.InsertUpdateHistory(ctx, catalog.HistoryEntry{
		URLID:     urlID,
		UpdatedAt: time.Now(),
		HashID:    sql.NullInt64{Int64: hashID, Valid: true},
	})
	if err != nil {
		t.Fatalf("InsertUpdateHistory: %v", err)
	}
	if err := store.UpsertLastUpdate(ctx, urlID, historyID); err != nil {
		t.Fatalf("UpsertLastUpdate: %v", err)
	}
	if err := store.UpsertLastSuccessfulUpdate(ctx, urlID, historyID); err != nil {
		t.Fatalf("UpsertLastSuccessfulUpdate: %v", err)
	}

	dir := t.TempDir()
	result, err := Build(ctx, store.DB(), dir)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reader, err := Open(result.Path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()
	row, err := reader.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !row.LastUpdateHashID.Valid || row.LastUpdateHashID.Int64 != hashID {
		t.Fatalf("expected LastUpdateHashID=%d, got %+v", hashID, row.LastUpdateHashID)
	}
	if !row.LastSuccessfulUpdatedAt.Valid {
		t.Fatalf("expected LastSuccessfulUpdatedAt to be set")
	}
}
