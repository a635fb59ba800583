// Package download retrieves document files and rejects disguised error
// pages through content-signature validation.
//
// The primary retrieval path goes through the live browser session so the
// request carries cookies from any authentication steps. A direct HTTP
// fetch is the fallback, unless the session bytes were already obtained
// and rejected by validation, in which case a second fetch of the same
// bad content is pointless.
package download

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/docveille/docveille/browser"
)

// Failure reason codes.
const (
	ReasonEmptyFile    = "empty_file"
	ReasonHTMLPage     = "html_error_page"
	ReasonHTTPError    = "http_error"
	ReasonHTMLResponse = "html_response"
)

// ReasonInvalidMagic builds the reason code for a signature mismatch.
func ReasonInvalidMagic(fileType string) string {
	return "invalid_magic_number_for_" + fileType
}

// Error is a reason-coded download failure.
type Error struct {
	Reason string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download: %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("download: %s: %s", e.URL, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// IsValidationReject reports whether err is a content-validation rejection
// (as opposed to a transport failure). Rejections are not retried: the
// same bytes would fail the same way.
func IsValidationReject(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	switch de.Reason {
	case ReasonEmptyFile, ReasonHTMLPage:
		return true
	}
	return strings.HasPrefix(de.Reason, "invalid_magic_number_for_")
}

// Artifact is a validated downloaded file. Ephemeral: callers delete it
// right after the notification attempt.
type Artifact struct {
	Path string
	Hash string
	Size int64
}

// Remove deletes the artifact file. Best effort.
func (a *Artifact) Remove() error {
	if a.Path == "" {
		return nil
	}
	return os.Remove(a.Path)
}

// Config configures the Validator.
type Config struct {
	// Dir holds the ephemeral downloaded files. Default: os.TempDir().
	Dir string
	// Timeout bounds the direct-fetch fallback. Default: 60s.
	Timeout time.Duration
	// UserAgent sent on direct fetches.
	UserAgent string
	Logger    *slog.Logger
}

func (c *Config) defaults() {
	if c.Dir == "" {
		c.Dir = os.TempDir()
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = "docveille/1.0"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validator fetches and validates document files.
type Validator struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewValidator creates a Validator.
func NewValidator(cfg Config) *Validator {
	cfg.defaults()
	return &Validator{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects (%d)", len(via))
				}
				return nil
			},
		},
		logger: cfg.Logger,
	}
}

// Fetch retrieves fileURL, validates the bytes, and writes the artifact.
// declaredType may be empty; it is then inferred from the URL extension
// (default pdf). sess may be nil to force the direct path.
func (v *Validator) Fetch(ctx context.Context, sess browser.Session, fileURL, declaredType string) (*Artifact, error) {
	fileType := declaredType
	if fileType == "" {
		fileType = inferType(fileURL)
	}

	if sess != nil {
		data, _, err := sess.TriggerDownload(ctx, fileURL)
		if err == nil {
			hash, verr := v.validate(data, fileURL, fileType)
			if verr != nil {
				// The content itself is bad; refetching it directly would
				// yield the same bytes.
				return nil, verr
			}
			return v.store(data, fileURL, hash)
		}
		v.logger.Debug("download: session path failed, falling back to direct fetch",
			"url", fileURL, "error", err)
	}

	data, err := v.directFetch(ctx, fileURL)
	if err != nil {
		return nil, err
	}
	hash, err := v.validate(data, fileURL, fileType)
	if err != nil {
		return nil, err
	}
	return v.store(data, fileURL, hash)
}

// directFetch retrieves the file over plain HTTP. Non-2xx status and
// text/html content types are rejected before byte-level validation.
func (v *Validator) directFetch(ctx context.Context, fileURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fileURL, nil)
	if err != nil {
		return nil, &Error{Reason: ReasonHTTPError, URL: fileURL, Err: err}
	}
	req.Header.Set("User-Agent", v.cfg.UserAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, &Error{Reason: ReasonHTTPError, URL: fileURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{Reason: ReasonHTTPError, URL: fileURL,
			Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	if ct := resp.Header.Get("Content-Type"); strings.Contains(strings.ToLower(ct), "text/html") {
		return nil, &Error{Reason: ReasonHTMLResponse, URL: fileURL,
			Err: fmt.Errorf("content-type %s", ct)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Reason: ReasonHTTPError, URL: fileURL, Err: err}
	}
	return data, nil
}

// validate runs the content checks in order and returns the SHA-256 hash.
func (v *Validator) validate(data []byte, fileURL, fileType string) (string, error) {
	if len(data) == 0 {
		return "", &Error{Reason: ReasonEmptyFile, URL: fileURL}
	}

	// An HTML page is an error page no matter what type was declared.
	if looksLikeHTML(data) {
		return "", &Error{Reason: ReasonHTMLPage, URL: fileURL}
	}

	finalType := fileType
	if !matchesSignature(data, fileType) {
		detected := detectType(data)
		if detected == "" {
			return "", &Error{Reason: ReasonInvalidMagic(fileType), URL: fileURL}
		}
		v.logger.Warn("download: type mismatch, accepting detected format",
			"url", fileURL, "declared", fileType, "detected", detected)
		finalType = detected
	}

	if finalType == "pdf" {
		v.deepCheckPDF(data, fileURL)
	}

	return fmt.Sprintf("%x", sha256.Sum256(data)), nil
}

// deepCheckPDF runs a relaxed pdfcpu structural validation. Scanned and
// otherwise odd PDFs are common on government portals, so a structural
// failure is logged, never rejected.
func (v *Validator) deepCheckPDF(data []byte, fileURL string) {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	if err := api.Validate(bytes.NewReader(data), conf); err != nil {
		v.logger.Warn("download: pdf structure check failed", "url", fileURL, "error", err)
	}
}

// store writes the validated bytes to an ephemeral file in the download dir.
func (v *Validator) store(data []byte, fileURL, hash string) (*Artifact, error) {
	ext := filepath.Ext(urlPath(fileURL))
	if ext == "" {
		ext = ".bin"
	}
	f, err := os.CreateTemp(v.cfg.Dir, "docveille-*"+ext)
	if err != nil {
		return nil, fmt.Errorf("download: temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("download: write: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("download: close: %w", err)
	}
	return &Artifact{Path: f.Name(), Hash: hash, Size: int64(len(data))}, nil
}

// SweepDir removes leftover docveille download files older than maxAge.
// Best effort; run after each monitoring pass.
func SweepDir(dir string, maxAge time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "docveille-") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			logger.Debug("download: swept stale file", "name", e.Name())
		}
	}
}
