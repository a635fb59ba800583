// Package deeplink resolves intermediate landing pages to real file URLs.
package deeplink

import (
	"context"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/docveille/docveille/browser"
	"github.com/docveille/docveille/config"
	"github.com/docveille/docveille/state"
)

// Resolver follows each document's URL to the configured selector and
// swaps in the resolved file URL, keeping the landing page URL as
// IntermediateURL.
type Resolver struct {
	logger *slog.Logger
}

// New creates a Resolver.
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve visits every document's landing page in turn. Per-document
// failures are non-fatal: the document keeps its original URL and the
// pass always completes.
func (r *Resolver) Resolve(ctx context.Context, sess browser.Session, cfg *config.DeepSearchConfig, docs []*state.Document) {
	if cfg == nil || !cfg.Enabled {
		return
	}

	for _, doc := range docs {
		resolved, err := r.resolveOne(ctx, sess, cfg, doc.URL)
		if err != nil {
			r.logger.Warn("deeplink: resolution failed, keeping original url",
				"url", doc.URL, "error", err)
			continue
		}
		if resolved == "" || resolved == doc.URL {
			continue
		}
		doc.IntermediateURL = doc.URL
		doc.URL = state.NormalizeURL(resolved)
		r.logger.Debug("deeplink: resolved", "from", doc.IntermediateURL, "to", doc.URL)
	}
}

func (r *Resolver) resolveOne(ctx context.Context, sess browser.Session, cfg *config.DeepSearchConfig, landingURL string) (string, error) {
	if err := sess.Goto(ctx, landingURL, "domcontentloaded"); err != nil {
		return "", err
	}
	if err := sess.WaitSelector(ctx, cfg.Selector); err != nil {
		return "", err
	}

	html, err := sess.Content(ctx)
	if err != nil {
		return "", err
	}
	page, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	raw, ok := page.Find(cfg.Selector).First().Attr(cfg.Attribute)
	if !ok || strings.TrimSpace(raw) == "" {
		return "", &missingAttrError{selector: cfg.Selector, attr: cfg.Attribute}
	}

	base, err := url.Parse(landingURL)
	if err != nil {
		return raw, nil
	}
	ref, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return raw, nil
	}
	return base.ResolveReference(ref).String(), nil
}

type missingAttrError struct {
	selector, attr string
}

func (e *missingAttrError) Error() string {
	return "deeplink: no " + e.attr + " on " + e.selector
}
