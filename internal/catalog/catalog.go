// Package catalog is the durable store of apps, collections, domains, URLs,
// tags, content hashes, and per-URL update history (C1). It is the single
// source of truth the snapshot builder (internal/snapshot), bucket planner
// (internal/queueplan), and result recorder (internal/recorder) all read
// from and write to.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a database/sql handle over a modernc.org/sqlite connection:
// open, apply schema, enforce foreign keys, and hand back a pool sized for
// one writer and a handful of concurrent readers.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and applies
// the schema. dsn is whatever modernc.org/sqlite accepts as a file path or
// DSN, typically the value of DOWNLOADER_DB_DSN.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	// SQLite allows only one writer at a time; the core's single-driver
	// write discipline (spec §5) matches this naturally, but readers and
	// the busy-retry wrapper in retry.go both need a bounded pool.
	db.SetMaxOpenConns(8)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: apply schema: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: enable foreign keys: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// App is a tenant namespace. Created explicitly; never auto-created during
// URL ingestion (spec §3).
type App struct {
	ID   int64
	Name string
}

// Collection is a named bag of URLs within an app, auto-created on first
// URL add.
type Collection struct {
	ID    int64
	AppID int64
	Name  string
}

// CollectionURL is the per-tenant binding of a URL into a collection.
type CollectionURL struct {
	ID                int64
	CollectionID      int64
	URLID             int64
	Title             string
	Metadata          map[string]string
	UpdateFreqMinutes int
}

// Hash is a content-addressed blob record. Unique on (Hash, SizeBytes).
type Hash struct {
	ID           int64
	Hash         string
	SizeBytes    int64
	DownloadPath string
	DownloadedAt time.Time
}

// CreateApp inserts a new app. Returns ErrURLOrTitleAlreadyExists's sibling
// behavior is not applicable here; app name conflicts are a plain error
// since apps are never upserted (spec §3: "never auto-created").
func (s *Store) CreateApp(ctx context.Context, name string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO app (name) VALUES (?)`, name)
	if err != nil {
		return 0, fmt.Errorf("catalog: create app: %w", err)
	}
	return res.LastInsertId()
}

// GetAppByName looks up an app by name, returning ErrNotFound if absent.
func (s *Store) GetAppByName(ctx context.Context, name string) (App, error) {
	var a App
	err := s.db.QueryRowContext(ctx, `SELECT id, name FROM app WHERE name = ?`, name).Scan(&a.ID, &a.Name)
	if err == sql.ErrNoRows {
		return App{}, ErrNotFound
	}
	if err != nil {
		return App{}, fmt.Errorf("catalog: get app: %w", err)
	}
	return a, nil
}

// UpsertDomain returns the id of the domain row for host, inserting it if
// absent. Idempotent per spec §4.1.
func (s *Store) UpsertDomain(ctx context.Context, host string) (int64, error) {
	host = NormalizeHost(host)
	if _, err := s.db.ExecContext(ctx, `INSERT INTO domain (domain) VALUES (?) ON CONFLICT(domain) DO NOTHING`, host); err != nil {
		return 0, fmt.Errorf("catalog: upsert domain: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM domain WHERE domain = ?`, host).Scan(&id); err != nil {
		return 0, fmt.Errorf("catalog: select domain id: %w", err)
	}
	return id, nil
}

// UpsertURL returns the id of the url row for rawURL, inserting it bound to
// domainID if absent.
func (s *Store) UpsertURL(ctx context.Context, rawURL string, domainID int64) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO url (url, domain_id) VALUES (?, ?) ON CONFLICT(url) DO NOTHING`, rawURL, domainID); err != nil {
		return 0, fmt.Errorf("catalog: upsert url: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM url WHERE url = ?`, rawURL).Scan(&id); err != nil {
		return 0, fmt.Errorf("catalog: select url id: %w", err)
	}
	return id, nil
}

// UpsertCollection returns the id of the (appID, name) collection,
// auto-creating it (spec §3: "Auto-created on first URL add").
func (s *Store) UpsertCollection(ctx context.Context, appID int64, name string) (int64, error) {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO collection (app_id, name) VALUES (?, ?) ON CONFLICT(app_id, name) DO NOTHING`, appID, name); err != nil {
		return 0, fmt.Errorf("catalog: upsert collection: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM collection WHERE app_id = ? AND name = ?`, appID, name).Scan(&id); err != nil {
		return 0, fmt.Errorf("catalog: select collection id: %w", err)
	}
	return id, nil
}

// InsertCollectionURL binds a URL into a collection with a title, metadata,
// and update cadence. Returns ErrURLOrTitleAlreadyExists on either the
// (collection_id, url_id) or (collection_id, title) uniqueness constraint,
// matching original_source/downloader/url.py's add().
func (s *Store) InsertCollectionURL(ctx context.Context, collectionID, urlID int64, title string, metadata map[string]string, updateFreqMinutes int) (int64, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return 0, fmt.Errorf("catalog: marshal metadata: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO collection_url (collection_id, url_id, title, metadata, update_freq_minutes) VALUES (?, ?, ?, ?, ?)`,
		collectionID, urlID, title, string(metaJSON), updateFreqMinutes)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrURLOrTitleAlreadyExists
		}
		return 0, fmt.Errorf("catalog: insert collection_url: %w", err)
	}
	return res.LastInsertId()
}

// ReplaceURLTags fully replaces the tag set on collectionURLID: delete then
// insert, matching original_source/downloader/url.py's edit() (full
// replace, not merge).
func (s *Store) ReplaceURLTags(ctx context.Context, collectionURLID int64, tags map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("catalog: replace tags: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM url_tag WHERE collection_url_id = ?`, collectionURLID); err != nil {
		return fmt.Errorf("catalog: replace tags: delete: %w", err)
	}
	for name, value := range tags {
		if _, err := tx.ExecContext(ctx, `INSERT INTO tag (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
			return fmt.Errorf("catalog: replace tags: upsert tag: %w", err)
		}
		var tagID int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM tag WHERE name = ?`, name).Scan(&tagID); err != nil {
			return fmt.Errorf("catalog: replace tags: select tag id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO url_tag (collection_url_id, tag_id, value) VALUES (?, ?, ?)`,
			collectionURLID, tagID, value); err != nil {
			return fmt.Errorf("catalog: replace tags: insert url_tag: %w", err)
		}
	}
	return tx.Commit()
}

// ErrHashExists is returned by InsertHash when the (hash, size) pair is
// already recorded; callers check errors.Is(err, ErrHashExists).
var ErrHashExists = fmt.Errorf("catalog: hash already exists")

// InsertHash inserts (hash, size, path, downloadedAt). Returns ErrHashExists
// if (hash, size) already present, per spec §4.1/§4.6.
func (s *Store) InsertHash(ctx context.Context, hash string, sizeBytes int64, downloadPath string, downloadedAt time.Time) (int64, error) {
	var id int64
	err := withBusyRetry(ctx, defaultBusyRetry, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO hash (hash, size_bytes, download_path, downloaded_at) VALUES (?, ?, ?, ?)`,
			hash, sizeBytes, downloadPath, downloadedAt.UTC())
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrHashExists
		}
		return 0, fmt.Errorf("catalog: insert hash: %w", err)
	}
	return id, nil
}

// GetHashID returns the id of the (hash, size) row.
func (s *Store) GetHashID(ctx context.Context, hash string, sizeBytes int64) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM hash WHERE hash = ? AND size_bytes = ?`, hash, sizeBytes).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("catalog: get hash id: %w", err)
	}
	return id, nil
}

// HistoryEntry is one append-only row in url_update_history.
type HistoryEntry struct {
	URLID           int64
	UpdatedAt       time.Time
	HashID          sql.NullInt64
	Error           sql.NullString
	ErrorCode       sql.NullInt64
	TimedoutSeconds sql.NullInt64
}

// InsertUpdateHistory appends a history row and returns its id. Append-only,
// per spec §3 Lifecycles.
func (s *Store) InsertUpdateHistory(ctx context.Context, e HistoryEntry) (int64, error) {
	var id int64
	err := withBusyRetry(ctx, defaultBusyRetry, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO url_update_history (url_id, updated_at, hash_id, error, error_code, timedout_seconds)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.URLID, e.UpdatedAt.UTC(), e.HashID, e.Error, e.ErrorCode, e.TimedoutSeconds)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("catalog: insert update history: %w", err)
	}
	return id, nil
}

// UpsertLastUpdate points url_last_update[urlID] at historyID: insert, or
// update on the (url_id) uniqueness conflict (spec §4.6 step 7).
func (s *Store) UpsertLastUpdate(ctx context.Context, urlID, historyID int64) error {
	return s.upsertPointer(ctx, "url_last_update", urlID, historyID)
}

// UpsertLastSuccessfulUpdate points url_last_successful_update[urlID] at
// historyID, analogous to UpsertLastUpdate (spec §4.6 step 8). Callers must
// only call this when historyID's hash_id is non-null (invariant 3).
func (s *Store) UpsertLastSuccessfulUpdate(ctx context.Context, urlID, historyID int64) error {
	return s.upsertPointer(ctx, "url_last_successful_update", urlID, historyID)
}

func (s *Store) upsertPointer(ctx context.Context, table string, urlID, historyID int64) error {
	query := fmt.Sprintf(
		`INSERT INTO %s (url_id, url_update_history_id) VALUES (?, ?)
		 ON CONFLICT(url_id) DO UPDATE SET url_update_history_id = excluded.url_update_history_id`,
		table)
	err := withBusyRetry(ctx, defaultBusyRetry, func() error {
		_, err := s.db.ExecContext(ctx, query, urlID, historyID)
		return err
	})
	if err != nil {
		return fmt.Errorf("catalog: upsert %s: %w", table, err)
	}
	return nil
}

// InsertQueueLease records an advisory lease row for urlID, written
// optimistically by the fetcher's admission step and never read back (see
// DESIGN.md, spec §9 Open Question); a UniqueViolation on a duplicate
// (url_id, added_at) pair is swallowed.
func (s *Store) InsertQueueLease(ctx context.Context, urlID int64, timeoutSeconds int, addedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (url_id, timeout_seconds, added_at, status) VALUES (?, ?, ?, 'added')`,
		urlID, timeoutSeconds, addedAt.UTC())
	if err != nil && !isUniqueViolation(err) {
		return fmt.Errorf("catalog: insert queue lease: %w", err)
	}
	return nil
}

// DB exposes the underlying *sql.DB for packages (snapshot, recorder) that
// need direct query access beyond this narrow command surface.
func (s *Store) DB() *sql.DB {
	return s.db
}
