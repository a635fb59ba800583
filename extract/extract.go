// Package extract turns a page's serialized DOM into document records.
//
// It operates on the HTML the session captured, not on the live page:
// extraction never needs browser round trips, so one bad item can be
// dropped without disturbing the session.
package extract

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/docveille/docveille/config"
	"github.com/docveille/docveille/state"
)

// ItemError is a per-item extraction failure. Items failing extraction are
// dropped; the rest of the list proceeds.
type ItemError struct {
	Field    string
	Selector string
	Err      error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("extract: field %q (selector %q): %v", e.Field, e.Selector, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// Extractor builds documents from a page per one site's extraction config.
type Extractor struct {
	cfg     config.ExtractionConfig
	regexps map[string]*regexp.Regexp
	logger  *slog.Logger
}

// New creates an Extractor. Field regexes are compiled up front; a bad
// pattern is a configuration error.
func New(cfg config.ExtractionConfig, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	res := make(map[string]*regexp.Regexp, len(cfg.Fields))
	for name, rule := range cfg.Fields {
		if rule.Regex == "" {
			continue
		}
		re, err := regexp.Compile(rule.Regex)
		if err != nil {
			return nil, fmt.Errorf("extract: field %q: bad regex: %w", name, err)
		}
		res[name] = re
	}
	return &Extractor{cfg: cfg, regexps: res, logger: logger}, nil
}

// Extract parses the page HTML and produces one document per matched list
// item. No matches is an empty result, not an error. Items whose required
// fields cannot be resolved are dropped individually.
func (x *Extractor) Extract(pageHTML, baseURL string) ([]*state.Document, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(pageHTML))
	if err != nil {
		return nil, fmt.Errorf("extract: parse page: %w", err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("extract: parse base url %q: %w", baseURL, err)
	}

	var docs []*state.Document
	doc.Find(x.cfg.ListSelector).Each(func(i int, item *goquery.Selection) {
		d, err := x.extractItem(item, base)
		if err != nil {
			// One bad item must never abort the whole list.
			x.logger.Warn("extract: item dropped", "index", i, "error", err)
			return
		}
		if d != nil {
			docs = append(docs, d)
		}
	})

	return x.filter(docs), nil
}

// extractItem extracts every configured field independently and assembles
// the document. Returns (nil, nil) for records lacking both url and title.
func (x *Extractor) extractItem(item *goquery.Selection, base *url.URL) (*state.Document, error) {
	fields := make(map[string]string, len(x.cfg.Fields))
	for name, rule := range x.cfg.Fields {
		value, err := x.extractField(name, rule, item, base)
		if err != nil {
			if rule.Optional {
				continue
			}
			return nil, err
		}
		fields[name] = value
	}

	title := state.CollapseWhitespace(fields["title"])
	rawURL := strings.TrimSpace(fields["url"])
	if title == "" && rawURL == "" {
		return nil, nil
	}

	normalized := state.NormalizeURL(rawURL)
	return &state.Document{
		ID:    state.DeriveID(title, normalized),
		Title: title,
		URL:   normalized,
		Date:  state.CollapseWhitespace(fields["date"]),
		// A page-advertised hash (checksum, version token) feeds the diff
		// directly, so content changes surface without a download.
		Hash: strings.TrimSpace(fields["hash"]),
	}, nil
}

func (x *Extractor) extractField(name string, rule config.FieldRule, item *goquery.Selection, base *url.URL) (string, error) {
	el := item
	if rule.Selector != "" && rule.Selector != "." {
		el = item.Find(rule.Selector).First()
		if el.Length() == 0 {
			return "", &ItemError{Field: name, Selector: rule.Selector,
				Err: fmt.Errorf("no element matched")}
		}
	}

	value, err := resolveValue(rule, el, base)
	if err != nil {
		return "", &ItemError{Field: name, Selector: rule.Selector, Err: err}
	}

	if re := x.regexps[name]; re != nil {
		m := re.FindStringSubmatch(value)
		if len(m) < 2 {
			return "", &ItemError{Field: name, Selector: rule.Selector,
				Err: fmt.Errorf("regex %q matched no capture group in %q", rule.Regex, value)}
		}
		value = m[1]
	}

	if rule.URLTemplate != "" {
		value = strings.ReplaceAll(rule.URLTemplate, "{value}", value)
	}
	return value, nil
}

// resolveValue applies the value-source precedence: explicit property,
// then forced text content, then href/src attribute resolved absolute,
// then any other attribute, then the element's own text.
func resolveValue(rule config.FieldRule, el *goquery.Selection, base *url.URL) (string, error) {
	if rule.Property != "" {
		return resolveProperty(rule.Property, el, base)
	}

	if rule.TextContent {
		return el.Text(), nil
	}

	if rule.Attribute != "" {
		raw, ok := el.Attr(rule.Attribute)
		if !ok {
			return "", fmt.Errorf("attribute %q not present", rule.Attribute)
		}
		if rule.Attribute == "href" || rule.Attribute == "src" {
			return absoluteURL(raw, base), nil
		}
		return raw, nil
	}

	return el.Text(), nil
}

// resolveProperty maps the common DOM properties onto a static document.
// On serialized HTML a property reads through to the matching attribute,
// except for the text accessors.
func resolveProperty(prop string, el *goquery.Selection, base *url.URL) (string, error) {
	switch prop {
	case "textContent", "innerText":
		return el.Text(), nil
	case "href", "src":
		raw, ok := el.Attr(prop)
		if !ok {
			return "", fmt.Errorf("property %q not present", prop)
		}
		return absoluteURL(raw, base), nil
	default:
		raw, ok := el.Attr(prop)
		if !ok {
			return "", fmt.Errorf("property %q not present", prop)
		}
		return raw, nil
	}
}

func absoluteURL(raw string, base *url.URL) string {
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw
	}
	return base.ResolveReference(ref).String()
}

// filter applies the configured include/exclude pattern set.
func (x *Extractor) filter(docs []*state.Document) []*state.Document {
	f := x.cfg.Filter
	if f == nil || len(docs) == 0 {
		return docs
	}

	kept := docs[:0]
	for _, d := range docs {
		value := strings.ToLower(d.Field(f.Field))
		matched := false
		for _, p := range f.Patterns {
			if strings.Contains(value, strings.ToLower(p)) {
				matched = true
				break
			}
		}
		keep := matched
		if f.Mode == "exclude" {
			keep = !matched
		}
		if keep {
			kept = append(kept, d)
		}
	}
	if len(kept) != len(docs) {
		x.logger.Debug("extract: filter applied",
			"mode", f.Mode, "before", len(docs), "after", len(kept))
	}
	return kept
}
