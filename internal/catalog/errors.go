package catalog

import (
	"errors"
	"strings"
)

// ErrURLOrTitleAlreadyExists is returned by InsertCollectionURL when the
// (collection_id, url_id) or (collection_id, title) uniqueness constraint is
// hit, matching the original downloader's UrlOrTitleAlreadyExistsInCollection.
var ErrURLOrTitleAlreadyExists = errors.New("url or title already exists in collection")

// ErrNotFound is returned by lookups that expect exactly one row.
var ErrNotFound = errors.New("catalog: not found")

// isUniqueViolation reports whether err is a SQLite uniqueness constraint
// failure. modernc.org/sqlite surfaces these as *sqlite.Error without a
// typed constraint-kind accessor exported through database/sql, so detection
// here is pragmatic string matching on the driver's stable error text rather
// than a type assertion.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
