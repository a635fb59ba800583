// Package state holds the document model and the persisted per-site state.
//
// One SiteState exists per configured site. It is read once at run start,
// mutated in memory during the run, and committed back to disk at run end.
package state

import "time"

// Document is one logical file or record discovered on a monitored site.
//
// Identity for diffing is URL-first, title-second (see the diff package);
// ID is a derived convenience key, not the identity.
type Document struct {
	ID              string    `json:"id"`
	Title           string    `json:"title,omitempty"`
	URL             string    `json:"url"`
	Date            string    `json:"date,omitempty"`
	Hash            string    `json:"hash,omitempty"`
	IntermediateURL string    `json:"intermediate_url,omitempty"`
	FirstSeen       time.Time `json:"first_seen,omitzero"`
}

// Clone returns a shallow copy of the document.
func (d *Document) Clone() *Document {
	c := *d
	return &c
}

// Field returns a named extraction field value, for filter matching.
func (d *Document) Field(name string) string {
	switch name {
	case "title":
		return d.Title
	case "url":
		return d.URL
	case "date":
		return d.Date
	case "hash":
		return d.Hash
	}
	return ""
}

// ErrorRecord tracks the last site-level failure for dedup across runs.
type ErrorRecord struct {
	Fingerprint      string    `json:"fingerprint"`
	Message          string    `json:"message"`
	Step             string    `json:"step,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
	ConsecutiveCount int       `json:"consecutive_count"`
}

// SiteState is the persisted snapshot for one site.
type SiteState struct {
	LastCheck *time.Time   `json:"last_check,omitempty"`
	Documents []*Document  `json:"documents"`
	LastError *ErrorRecord `json:"last_error,omitempty"`
}
