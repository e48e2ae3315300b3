package catalog

import (
	"strings"

	"golang.org/x/net/idna"
)

// ExtractHost returns the host segment of rawURL: the text between "://" and
// the next "/", matching the original downloader's
// url.split('://')[1].split('/')[0]. It does not use net/url so that
// malformed-but-accepted-by-the-original URLs normalize the same way here.
func ExtractHost(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.IndexByte(rest, '@'); i >= 0 {
		rest = rest[i+1:]
	}
	return rest
}

// NormalizeHost lowercases and IDNA-normalizes host so that internationalized
// hostnames collapse onto a single canonical domain row regardless of
// whether the caller supplied Unicode or Punycode. Falls back to the raw,
// lowercased host on any IDNA error — non-ASCII hosts that fail strict IDNA
// validation are not fatal to URL ingestion.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}
