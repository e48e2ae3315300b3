// Package blobstore is the content-addressed filesystem tree (C2) holding
// downloaded payloads under hash-derived paths. It exposes exactly two
// write operations: Commit, an atomic rename (the same idiom as
// internal/catalog's predecessor catalog.Save temp-file-then-rename pattern
// in the teacher), and Discard, which removes the temp file.
package blobstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store is rooted at a single directory; all relative paths recorded in the
// catalog's Hash.download_path are relative to this root.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory is created lazily by
// Commit, not here.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// RelativePath builds the <YYYY>/<M>/<D>/<H>/<Min>/<urlID>/output path for
// completedAt, per spec §4.2/§6. Month, day, hour, and minute are rendered
// without zero-padding, matching the existing layout the spec calls out.
func RelativePath(completedAt time.Time, urlID int64) string {
	completedAt = completedAt.UTC()
	return filepath.Join(
		fmt.Sprintf("%d", completedAt.Year()),
		fmt.Sprintf("%d", int(completedAt.Month())),
		fmt.Sprintf("%d", completedAt.Day()),
		fmt.Sprintf("%d", completedAt.Hour()),
		fmt.Sprintf("%d", completedAt.Minute()),
		fmt.Sprintf("%d", urlID),
		"output",
	)
}

// Commit atomically moves tempPath into the store at relPath, creating
// parent directories as needed. relPath must be relative (as produced by
// RelativePath). On success the file is present at Root()/relPath and
// tempPath no longer exists.
func (s *Store) Commit(tempPath, relPath string) error {
	finalPath := filepath.Join(s.root, relPath)
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		return fmt.Errorf("blobstore: mkdir: %w", err)
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		return fmt.Errorf("blobstore: commit rename: %w", err)
	}
	return nil
}

// Discard removes tempPath without committing it — used when the payload's
// hash already exists elsewhere in the store (spec §4.6 step 2a: "the
// canonical blob already exists elsewhere and is not overwritten").
func (s *Store) Discard(tempPath string) error {
	if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blobstore: discard: %w", err)
	}
	return nil
}

// Open opens the committed blob at relPath for reading, relative to root.
func (s *Store) Open(relPath string) (*os.File, error) {
	return os.Open(filepath.Join(s.root, relPath))
}

// Stat returns file info for the committed blob at relPath.
func (s *Store) Stat(relPath string) (os.FileInfo, error) {
	return os.Stat(filepath.Join(s.root, relPath))
}
