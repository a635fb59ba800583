// Package diff classifies observed documents against the previous snapshot.
//
// Diff is a pure function of (previous, current); snapshot construction for
// persistence is a separate step so dry runs never mutate state.
package diff

import (
	"strings"
	"time"

	"github.com/docveille/docveille/state"
)

// Update reasons.
const (
	ReasonHashChanged = "hash_changed"
	ReasonURLChanged  = "url_changed"
)

// Change is one updated document with its previous version.
type Change struct {
	Doc      *state.Document
	Previous *state.Document
	Reason   string
}

// Result is the classification of one run's documents.
type Result struct {
	New       []*state.Document
	Updated   []Change
	Unchanged []*state.Document
}

// Diff classifies each current document against the previous snapshot.
//
// A URL match is checked strictly before a title match. Hash comparison
// only applies when both sides carry a hash; a missing hash never causes
// a spurious update. A title match with a differing URL is a relocated
// document, detected even without hashes.
func Diff(previous, current []*state.Document) *Result {
	byURL := make(map[string]*state.Document, len(previous))
	byTitle := make(map[string]*state.Document, len(previous))
	for _, p := range previous {
		if p.URL != "" {
			byURL[state.NormalizeURL(p.URL)] = p
		}
		if p.Title != "" {
			byTitle[strings.ToLower(p.Title)] = p
		}
	}

	res := &Result{}
	for _, cur := range current {
		c := cur.Clone()

		if prev, ok := byURL[state.NormalizeURL(c.URL)]; ok {
			carryOver(c, prev)
			if c.Hash != "" && prev.Hash != "" && c.Hash != prev.Hash {
				res.Updated = append(res.Updated, Change{Doc: c, Previous: prev, Reason: ReasonHashChanged})
			} else {
				if c.Hash == "" {
					c.Hash = prev.Hash
				}
				res.Unchanged = append(res.Unchanged, c)
			}
			continue
		}

		if c.Title != "" {
			if prev, ok := byTitle[strings.ToLower(c.Title)]; ok && prev.URL != c.URL {
				carryOver(c, prev)
				res.Updated = append(res.Updated, Change{Doc: c, Previous: prev, Reason: ReasonURLChanged})
				continue
			}
		}

		res.New = append(res.New, c)
	}
	return res
}

// carryOver preserves the previous first-seen timestamp on a re-observed
// document.
func carryOver(c, prev *state.Document) {
	if !prev.FirstSeen.IsZero() {
		c.FirstSeen = prev.FirstSeen
	}
}

// Snapshot builds the post-run persisted document set: the union of new,
// updated (current record) and unchanged documents, each stamped with a
// first-seen timestamp (preserved when already set).
func Snapshot(res *Result, now time.Time) []*state.Document {
	out := make([]*state.Document, 0, len(res.New)+len(res.Updated)+len(res.Unchanged))
	for _, d := range res.New {
		out = append(out, stamp(d, now))
	}
	for _, ch := range res.Updated {
		out = append(out, stamp(ch.Doc, now))
	}
	for _, d := range res.Unchanged {
		out = append(out, stamp(d, now))
	}
	return out
}

func stamp(d *state.Document, now time.Time) *state.Document {
	if d.FirstSeen.IsZero() {
		d.FirstSeen = now
	}
	return d
}
