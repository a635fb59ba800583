// Package monitor sequences the per-site pipeline: navigate, run steps,
// extract, resolve deep links, diff, download and notify, persist.
//
// Sites are processed one at a time through a fully sequential pipeline.
// A site failure is caught, deduplicated against the previous run, and
// reported without aborting the remaining sites; the run as a whole fails
// only when every site failed.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/docveille/docveille/browser"
	"github.com/docveille/docveille/config"
	"github.com/docveille/docveille/deeplink"
	"github.com/docveille/docveille/diff"
	"github.com/docveille/docveille/download"
	"github.com/docveille/docveille/extract"
	"github.com/docveille/docveille/history"
	"github.com/docveille/docveille/notify"
	"github.com/docveille/docveille/state"
	"github.com/docveille/docveille/steps"
)

// Notifier is the notification sink consumed by the orchestrator.
// Send failures are logged and never abort monitoring.
type Notifier interface {
	SendText(ctx context.Context, message string) error
	SendDocument(ctx context.Context, data []byte, filename, caption string) error
	SendPhoto(ctx context.Context, data []byte, caption string) error
}

// Downloader fetches and validates one document file.
type Downloader interface {
	Fetch(ctx context.Context, sess browser.Session, fileURL, fileType string) (*download.Artifact, error)
}

// SessionOpener opens an isolated automation session navigated to url.
type SessionOpener func(ctx context.Context, url string) (browser.Session, error)

// Options control a run.
type Options struct {
	// DryRun skips state persistence and, unless ForceNotify is set,
	// all notifications.
	DryRun bool
	// ForceNotify sends notifications even during a dry run.
	ForceNotify bool
	// SiteID restricts the run to one configured site.
	SiteID string
}

// SiteSummary is the per-site outcome.
type SiteSummary struct {
	SiteID    string
	Documents int
	New       int
	Updated   int
	Processed int
	Err       error
}

// RunSummary aggregates all site outcomes.
type RunSummary struct {
	Sites []SiteSummary
}

// AllFailed reports whether every processed site failed.
func (r *RunSummary) AllFailed() bool {
	if len(r.Sites) == 0 {
		return false
	}
	for _, s := range r.Sites {
		if s.Err == nil {
			return false
		}
	}
	return true
}

// Runner owns one monitoring run.
type Runner struct {
	cfg        *config.Config
	store      *state.Store
	notifier   Notifier
	downloader Downloader
	hist       *history.Log
	open       SessionOpener
	opts       Options

	executor *steps.Executor
	resolver *deeplink.Resolver
	logger   *slog.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

// NewRunner wires a Runner. hist may be nil (run log disabled).
func NewRunner(cfg *config.Config, st *state.Store, notifier Notifier, dl Downloader,
	hist *history.Log, open SessionOpener, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cfg:        cfg,
		store:      st,
		notifier:   notifier,
		downloader: dl,
		hist:       hist,
		open:       open,
		opts:       opts,
		executor:   steps.New(logger),
		resolver:   deeplink.New(logger),
		logger:     logger,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Run processes every enabled site in configured order and commits state
// at the end (unless dry run). The returned error is non-nil only when
// every site failed.
func (r *Runner) Run(ctx context.Context) (*RunSummary, error) {
	sites, err := r.selectSites()
	if err != nil {
		return nil, err
	}

	summary := &RunSummary{}
	for i := range sites {
		site := &sites[i]
		log := r.logger.With("site", site.ID)
		log.Info("monitor: checking site", "url", site.URL)

		s := r.runSite(ctx, site)
		summary.Sites = append(summary.Sites, s)

		if s.Err != nil {
			log.Error("monitor: site failed", "error", s.Err)
		} else {
			log.Info("monitor: site done",
				"documents", s.Documents, "new", s.New, "updated", s.Updated)
		}
	}

	if !r.opts.DryRun {
		if err := r.store.Commit(); err != nil {
			return summary, fmt.Errorf("monitor: commit state: %w", err)
		}
	} else {
		r.logger.Info("monitor: dry run, state not persisted")
	}

	download.SweepDir(r.cfg.DownloadDir, 24*time.Hour, r.logger)

	if summary.AllFailed() {
		return summary, fmt.Errorf("monitor: all %d sites failed", len(summary.Sites))
	}
	return summary, nil
}

func (r *Runner) selectSites() ([]config.SiteConfig, error) {
	var sites []config.SiteConfig
	for _, s := range r.cfg.Sites {
		if r.opts.SiteID != "" && s.ID != r.opts.SiteID {
			continue
		}
		if !s.Enabled {
			r.logger.Debug("monitor: site disabled, skipping", "site", s.ID)
			continue
		}
		sites = append(sites, s)
	}
	if r.opts.SiteID != "" && len(sites) == 0 {
		return nil, fmt.Errorf("monitor: site %q not found or disabled", r.opts.SiteID)
	}
	return sites, nil
}

// runSite runs the full pipeline for one site. Fatal failures are routed
// through the error deduper; document-level failures degrade and continue.
func (r *Runner) runSite(ctx context.Context, site *config.SiteConfig) SiteSummary {
	start := r.now()
	summary := SiteSummary{SiteID: site.ID}

	sess, err := r.open(ctx, site.URL)
	if err != nil {
		return r.failSite(ctx, site, nil, summary, start, fmt.Errorf("open session: %w", err))
	}
	defer sess.Close()

	if len(site.Steps) > 0 {
		if err := r.executor.Run(ctx, sess, site.Steps); err != nil {
			return r.failSite(ctx, site, sess, summary, start, err)
		}
	}

	docs, err := r.extractDocuments(ctx, site, sess)
	if err != nil {
		return r.failSite(ctx, site, sess, summary, start, err)
	}
	summary.Documents = len(docs)

	if len(docs) == 0 {
		// No documents matched the list selector. Not an error, the page
		// may legitimately be empty, but capture what it looked like.
		// The previous snapshot is kept: wiping it would make every
		// document reappear as "new" once the selector matches again.
		r.captureDiagnostic(ctx, site, sess)
		r.finishSite(ctx, site, nil, &summary, start)
		return summary
	}

	r.resolver.Resolve(ctx, sess, site.Extraction.DeepSearch, docs)

	res := diff.Diff(r.store.Site(site.ID).Documents, docs)
	summary.New = len(res.New)
	summary.Updated = len(res.Updated)

	// New documents first, in extraction order, then updated ones.
	for _, doc := range res.New {
		r.processDocument(ctx, site, sess, doc, "new")
		summary.Processed++
	}
	for _, ch := range res.Updated {
		r.processDocument(ctx, site, sess, ch.Doc, "updated ("+ch.Reason+")")
		summary.Processed++
	}

	r.finishSite(ctx, site, res, &summary, start)
	return summary
}

func (r *Runner) extractDocuments(ctx context.Context, site *config.SiteConfig, sess browser.Session) ([]*state.Document, error) {
	pageCtx, cancel := context.WithTimeout(ctx, site.Timeout)
	defer cancel()

	content, err := sess.Content(pageCtx)
	if err != nil {
		return nil, fmt.Errorf("page content: %w", err)
	}

	extractor, err := extract.New(site.Extraction, r.logger.With("site", site.ID))
	if err != nil {
		return nil, err
	}

	base := sess.PageURL()
	if base == "" {
		base = site.URL
	}
	return extractor.Extract(content, base)
}

// processDocument downloads one changed document and notifies. A download
// failure degrades the notification to text-only and never fails the site.
func (r *Runner) processDocument(ctx context.Context, site *config.SiteConfig, sess browser.Session, doc *state.Document, status string) {
	log := r.logger.With("site", site.ID, "url", doc.URL)
	log.Info("monitor: document changed", "status", status, "title", doc.Title)

	art, err := r.downloadWithRetry(ctx, site, sess, doc.URL)
	if err != nil {
		log.Warn("monitor: download failed, reporting without attachment", "error", err)
		r.notifyText(ctx, notify.DownloadFailedCaption(r.siteName(site), doc, status, err))
		return
	}
	defer art.Remove()

	// A page-advertised hash stays authoritative for future diffs; the
	// artifact's content hash fills in only when the page offers none.
	if doc.Hash == "" {
		doc.Hash = art.Hash
	}
	caption := notify.DocumentCaption(r.siteName(site), doc, status)

	if !r.notifyAllowed() {
		return
	}
	data, err := os.ReadFile(art.Path)
	if err != nil {
		log.Warn("monitor: artifact read failed", "error", err)
		r.notifyText(ctx, caption)
		return
	}
	if err := r.notifier.SendDocument(ctx, data, filepath.Base(art.Path), caption); err != nil {
		log.Warn("monitor: document notification failed", "error", err)
	}
}

// downloadWithRetry retries transport failures with exponential backoff
// (base delay doubling per attempt). Validation rejections are final.
func (r *Runner) downloadWithRetry(ctx context.Context, site *config.SiteConfig, sess browser.Session, fileURL string) (*download.Artifact, error) {
	attempts := 1 + site.DownloadRetries()
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}

		dlCtx, cancel := context.WithTimeout(ctx, site.DownloadTimeout)
		art, err := r.downloader.Fetch(dlCtx, sess, fileURL, "")
		cancel()

		if err == nil {
			return art, nil
		}
		lastErr = err
		if download.IsValidationReject(err) || ctx.Err() != nil {
			break
		}
		r.logger.Debug("monitor: download retry", "url", fileURL, "attempt", attempt, "error", err)
	}
	return nil, lastErr
}

// finishSite commits the in-memory snapshot (non-dry-run), clears the
// error record, and writes the run-log entry. A nil res leaves the
// document snapshot untouched (the zero-documents case).
func (r *Runner) finishSite(ctx context.Context, site *config.SiteConfig, res *diff.Result, summary *SiteSummary, start time.Time) {
	if !r.opts.DryRun {
		now := r.now()
		st := r.store.Site(site.ID)
		if res != nil {
			st.Documents = diff.Snapshot(res, now)
		}
		st.LastCheck = &now
		st.LastError = nil
	}

	if err := r.hist.Record(ctx, &history.Entry{
		SiteID:    site.ID,
		Status:    "ok",
		Documents: summary.Documents,
		New:       summary.New,
		Updated:   summary.Updated,
		Duration:  r.now().Sub(start),
		RanAt:     start,
	}); err != nil {
		r.logger.Warn("monitor: run log failed", "error", err)
	}
}

// failSite handles a fatal site error: diagnostics, dedup, notification,
// state error record, run log.
func (r *Runner) failSite(ctx context.Context, site *config.SiteConfig, sess browser.Session,
	summary SiteSummary, start time.Time, siteErr error) SiteSummary {
	summary.Err = siteErr

	kind := "site"
	stepDesc, stepAction, stepSelector, pageContent := "", "", "", ""
	var screenshot []byte

	var navErr *steps.NavigationError
	if errors.As(siteErr, &navErr) {
		kind = "navigation"
		stepDesc = navErr.Step.Describe()
		stepAction = string(navErr.Step.Action)
		stepSelector = navErr.Step.Selector
		screenshot = navErr.Screenshot
		pageContent = navErr.PageContent
	}
	var itemErr *extract.ItemError
	if errors.As(siteErr, &itemErr) {
		kind = "extraction"
	}

	if screenshot == nil && sess != nil {
		capCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if shot, err := sess.Screenshot(capCtx); err == nil {
			screenshot = shot
		}
		cancel()
	}

	fp := Fingerprint(kind, siteErr.Error(), stepAction, stepSelector)
	now := r.now()
	st := r.store.Site(site.ID)

	duplicate := st.LastError != nil && st.LastError.Fingerprint == fp
	if duplicate {
		st.LastError.ConsecutiveCount++
		st.LastError.Timestamp = now
		r.logger.Info("monitor: repeated failure, notification suppressed",
			"site", site.ID, "consecutive", st.LastError.ConsecutiveCount)
	} else {
		st.LastError = &state.ErrorRecord{
			Fingerprint:      fp,
			Message:          siteErr.Error(),
			Step:             stepDesc,
			Timestamp:        now,
			ConsecutiveCount: 1,
		}
	}

	if !duplicate && r.notifyAllowed() {
		report := notify.ErrorReport(r.siteName(site), site.URL, stepDesc,
			siteErr.Error(), string(debug.Stack()), pageContent,
			st.LastError.ConsecutiveCount)
		var err error
		if screenshot != nil {
			err = r.notifier.SendPhoto(ctx, screenshot, report)
		} else {
			err = r.notifier.SendText(ctx, report)
		}
		if err != nil {
			r.logger.Warn("monitor: error notification failed", "site", site.ID, "error", err)
		}
	}

	if err := r.hist.Record(ctx, &history.Entry{
		SiteID:   site.ID,
		Status:   "error",
		Error:    siteErr.Error(),
		Duration: r.now().Sub(start),
		RanAt:    start,
	}); err != nil {
		r.logger.Warn("monitor: run log failed", "error", err)
	}

	return summary
}

// captureDiagnostic saves a screenshot of a page that yielded zero
// documents, so selector drift can be inspected after the fact.
func (r *Runner) captureDiagnostic(ctx context.Context, site *config.SiteConfig, sess browser.Session) {
	shot, err := sess.Screenshot(ctx)
	if err != nil {
		r.logger.Warn("monitor: diagnostic screenshot failed", "site", site.ID, "error", err)
		return
	}
	name := filepath.Join(r.cfg.DownloadDir, "docveille-empty-"+site.ID+".png")
	if err := os.WriteFile(name, shot, 0o644); err != nil {
		r.logger.Warn("monitor: diagnostic write failed", "site", site.ID, "error", err)
		return
	}
	r.logger.Info("monitor: no documents extracted, diagnostic saved",
		"site", site.ID, "path", name)
}

func (r *Runner) notifyAllowed() bool {
	return !r.opts.DryRun || r.opts.ForceNotify
}

func (r *Runner) notifyText(ctx context.Context, message string) {
	if !r.notifyAllowed() {
		return
	}
	if err := r.notifier.SendText(ctx, message); err != nil {
		r.logger.Warn("monitor: notification failed", "error", err)
	}
}

func (r *Runner) siteName(site *config.SiteConfig) string {
	if site.Name != "" {
		return site.Name
	}
	return site.ID
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
