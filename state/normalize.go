package state

import (
	"net/url"
	"regexp"
	"strings"
)

// cacheParams are cache-busting query parameters stripped before storage
// and comparison so they never cause a false "new" classification.
var cacheParams = []string{"_", "v", "cache", "timestamp", "t", "rand"}

var whitespaceRe = regexp.MustCompile(`\s+`)

// NormalizeURL strips known cache-busting query parameters from a URL.
// Idempotent. Unparseable URLs are returned unchanged.
func NormalizeURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if parsed.RawQuery == "" {
		return raw
	}

	q := parsed.Query()
	for _, p := range cacheParams {
		q.Del(p)
	}
	parsed.RawQuery = q.Encode()
	return parsed.String()
}

// CollapseWhitespace trims a string and collapses runs of whitespace
// (including newlines from DOM text) into single spaces.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}

// DeriveID derives the convenience identity key for a document:
// normalize(title) + "::" + normalize(url), capped at 200 characters.
// Normalization lowercases, strips the URL scheme, and drops every
// non-alphanumeric character, so cosmetic URL changes keep the same key.
func DeriveID(title, rawURL string) string {
	id := normalizeIDPart(title) + "::" + normalizeIDPart(stripScheme(rawURL))
	if len(id) > 200 {
		id = id[:200]
	}
	return id
}

func stripScheme(rawURL string) string {
	if i := strings.Index(rawURL, "://"); i >= 0 {
		return rawURL[i+3:]
	}
	return rawURL
}

func normalizeIDPart(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
