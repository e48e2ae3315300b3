// Package snapshot builds the per-cycle flat view the bucket planner
// (internal/queueplan) filters and classifies (C3). It joins every
// CollectionURL with its URL, domain, last-update history (if any), and
// last-successful-update history (if any), streaming the result to a
// scratch file so downstream filter passes don't hit the database again.
//
// The join shape is grounded directly on
// original_source/downloader/queue.py's fetch_all_collection_urls, which
// performs the same last-update / last-successful-update shadow joins
// against url_update_history.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Row is one emitted record, field names following spec §4.3 exactly.
type Row struct {
	AppID                     int64
	AppName                   string
	CollectionID              int64
	CollectionName            string
	URLID                     int64
	URL                       string
	DomainID                  int64
	UpdateFreqMinutes         int
	UpdatedAt                 sql.NullTime
	LastUpdateHashID          sql.NullInt64
	LastUpdateHashError       sql.NullString
	LastUpdateErrorCode       sql.NullInt64
	LastUpdateTimedoutSeconds sql.NullInt64
	LastSuccessfulUpdatedAt   sql.NullTime
}

const query = `
SELECT
	a.id, a.name,
	c.id, c.name,
	u.id, u.url, u.domain_id,
	cu.update_freq_minutes,
	luh.updated_at,
	luh.hash_id,
	luh.error,
	luh.error_code,
	luh.timedout_seconds,
	lsuh.updated_at
FROM collection_url cu
JOIN collection c ON c.id = cu.collection_id
JOIN app a ON a.id = c.app_id
JOIN url u ON u.id = cu.url_id
LEFT JOIN url_last_update lu ON lu.url_id = u.id
LEFT JOIN url_update_history luh ON luh.id = lu.url_update_history_id
LEFT JOIN url_last_successful_update lsu ON lsu.url_id = u.id
LEFT JOIN url_update_history lsuh ON lsuh.id = lsu.url_update_history_id
ORDER BY u.domain_id, c.id, u.id
`

// csv column order, shared between Build's writer and Open's reader.
var columns = []string{
	"app_id", "app_name", "collection_id", "collection_name",
	"url_id", "url", "domain_id", "update_freq_minutes",
	"updated_at", "last_update_hash_id", "last_update_hash_error",
	"last_update_error_code", "last_update_timedout_seconds",
	"last_successful_updated_at",
}

// Result is the output of Build: the scratch file path and the domain/
// collection fairness statistics accumulated while streaming it, mirroring
// the (app_stats, all_collection_ids, domain_stats) tuple
// fetch_all_collection_urls returns in the original.
type Result struct {
	Path          string
	DomainStats   map[int64]int
	CollectionIDs map[int64]bool
	RowCount      int
}

// Build streams the join in query to the CSV file dir/all_collection_urls.csv
// (callers pass the queue directory's all_collection_urls folder, spec §6
// layout) and accumulates domain_stats alongside,
// so C4 doesn't need a second pass over the database.
func Build(ctx context.Context, db *sql.DB, dir string) (Result, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("snapshot: mkdir: %w", err)
	}
	path := dir + "/all_collection_urls.csv"
	f, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: create scratch file: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(columns); err != nil {
		return Result{}, fmt.Errorf("snapshot: write header: %w", err)
	}

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return Result{}, fmt.Errorf("snapshot: query: %w", err)
	}
	defer rows.Close()

	domainStats := map[int64]int{}
	collectionIDs := map[int64]bool{}
	count := 0
	for rows.Next() {
		var r Row
		if err := rows.Scan(
			&r.AppID, &r.AppName,
			&r.CollectionID, &r.CollectionName,
			&r.URLID, &r.URL, &r.DomainID,
			&r.UpdateFreqMinutes,
			&r.UpdatedAt,
			&r.LastUpdateHashID,
			&r.LastUpdateHashError,
			&r.LastUpdateErrorCode,
			&r.LastUpdateTimedoutSeconds,
			&r.LastSuccessfulUpdatedAt,
		); err != nil {
			return Result{}, fmt.Errorf("snapshot: scan row: %w", err)
		}
		if err := w.Write(encodeRow(r)); err != nil {
			return Result{}, fmt.Errorf("snapshot: write row: %w", err)
		}
		domainStats[r.DomainID]++
		collectionIDs[r.CollectionID] = true
		count++
	}
	if err := rows.Err(); err != nil {
		return Result{}, fmt.Errorf("snapshot: iterate rows: %w", err)
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Result{}, fmt.Errorf("snapshot: flush: %w", err)
	}
	return Result{Path: path, DomainStats: domainStats, CollectionIDs: collectionIDs, RowCount: count}, nil
}

// Open re-opens a previously built scratch file for streaming reads,
// returning a Reader positioned after the header row.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: open scratch file: %w", err)
	}
	r := csv.NewReader(f)
	if _, err := r.Read(); err != nil {
		f.Close()
		return nil, fmt.Errorf("snapshot: read header: %w", err)
	}
	return &Reader{f: f, r: r}, nil
}

// Reader streams Rows back out of a scratch file written by Build.
type Reader struct {
	f *os.File
	r *csv.Reader
}

// Next returns the next Row, io.EOF when exhausted.
func (rd *Reader) Next() (Row, error) {
	fields, err := rd.r.Read()
	if err != nil {
		return Row{}, err
	}
	return decodeRow(fields)
}

// Close closes the underlying scratch file.
func (rd *Reader) Close() error {
	return rd.f.Close()
}

func encodeRow(r Row) []string {
	return []string{
		strconv.FormatInt(r.AppID, 10),
		r.AppName,
		strconv.FormatInt(r.CollectionID, 10),
		r.CollectionName,
		strconv.FormatInt(r.URLID, 10),
		r.URL,
		strconv.FormatInt(r.DomainID, 10),
		strconv.Itoa(r.UpdateFreqMinutes),
		encodeNullTime(r.UpdatedAt),
		encodeNullInt(r.LastUpdateHashID),
		encodeNullString(r.LastUpdateHashError),
		encodeNullInt(r.LastUpdateErrorCode),
		encodeNullInt(r.LastUpdateTimedoutSeconds),
		encodeNullTime(r.LastSuccessfulUpdatedAt),
	}
}

func decodeRow(f []string) (Row, error) {
	if len(f) != len(columns) {
		return Row{}, fmt.Errorf("snapshot: expected %d columns, got %d", len(columns), len(f))
	}
	var r Row
	var err error
	if r.AppID, err = strconv.ParseInt(f[0], 10, 64); err != nil {
		return Row{}, err
	}
	r.AppName = f[1]
	if r.CollectionID, err = strconv.ParseInt(f[2], 10, 64); err != nil {
		return Row{}, err
	}
	r.CollectionName = f[3]
	if r.URLID, err = strconv.ParseInt(f[4], 10, 64); err != nil {
		return Row{}, err
	}
	r.URL = f[5]
	if r.DomainID, err = strconv.ParseInt(f[6], 10, 64); err != nil {
		return Row{}, err
	}
	if r.UpdateFreqMinutes, err = strconv.Atoi(f[7]); err != nil {
		return Row{}, err
	}
	if r.UpdatedAt, err = decodeNullTime(f[8]); err != nil {
		return Row{}, err
	}
	if r.LastUpdateHashID, err = decodeNullInt(f[9]); err != nil {
		return Row{}, err
	}
	r.LastUpdateHashError = decodeNullString(f[10])
	if r.LastUpdateErrorCode, err = decodeNullInt(f[11]); err != nil {
		return Row{}, err
	}
	if r.LastUpdateTimedoutSeconds, err = decodeNullInt(f[12]); err != nil {
		return Row{}, err
	}
	if r.LastSuccessfulUpdatedAt, err = decodeNullTime(f[13]); err != nil {
		return Row{}, err
	}
	return r, nil
}

func encodeNullTime(t sql.NullTime) string {
	if !t.Valid {
		return ""
	}
	return t.Time.UTC().Format(time.RFC3339Nano)
}

func decodeNullTime(s string) (sql.NullTime, error) {
	if s == "" {
		return sql.NullTime{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return sql.NullTime{}, err
	}
	return sql.NullTime{Time: t, Valid: true}, nil
}

func encodeNullInt(v sql.NullInt64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatInt(v.Int64, 10)
}

func decodeNullInt(s string) (sql.NullInt64, error) {
	if s == "" {
		return sql.NullInt64{}, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return sql.NullInt64{}, err
	}
	return sql.NullInt64{Int64: n, Valid: true}, nil
}

func encodeNullString(v sql.NullString) string {
	if !v.Valid {
		return ""
	}
	return v.String
}

func decodeNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
