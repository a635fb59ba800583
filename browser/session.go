package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// Session is the automation capability consumed by the pipeline stages.
// The rod-backed implementation is returned by Open; tests substitute
// fakes.
type Session interface {
	Goto(ctx context.Context, pageURL, waitUntil string) error
	Click(ctx context.Context, selector string) error
	Fill(ctx context.Context, selector, value string) error
	TypeText(ctx context.Context, selector, value string, delay time.Duration) error
	Press(ctx context.Context, selector, key string) error
	Hover(ctx context.Context, selector string) error
	Check(ctx context.Context, selector string, checked bool) error
	Select(ctx context.Context, selector, value string) error
	ScrollTo(ctx context.Context, selector string) error
	ScrollBy(ctx context.Context, distance int) error
	WaitSelector(ctx context.Context, selector string) error
	WaitIdle(ctx context.Context) error
	WaitNavigation(ctx context.Context) error
	Evaluate(ctx context.Context, script string) error
	Screenshot(ctx context.Context) ([]byte, error)
	Content(ctx context.Context) (string, error)
	PageURL() string
	TriggerDownload(ctx context.Context, fileURL string) ([]byte, string, error)
	Close() error
}

// rodSession implements Session over a stealth rod page.
type rodSession struct {
	page *rod.Page
}

// Open creates an isolated stealth page and navigates it to pageURL.
func Open(ctx context.Context, mgr *Manager, pageURL string) (Session, error) {
	b := mgr.Browser()
	if b == nil {
		return nil, fmt.Errorf("browser: not started")
	}

	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("browser: create page: %w", err)
	}

	s := &rodSession{page: page}
	if err := s.Goto(ctx, pageURL, "load"); err != nil {
		page.Close()
		return nil, err
	}
	return s, nil
}

func (s *rodSession) Goto(ctx context.Context, pageURL, waitUntil string) error {
	p := s.page.Context(ctx)
	if err := p.Navigate(pageURL); err != nil {
		return fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	switch waitUntil {
	case "domcontentloaded":
		if err := p.WaitDOMStable(300*time.Millisecond, 0); err != nil {
			return fmt.Errorf("browser: wait dom %s: %w", pageURL, err)
		}
	default: // load
		if err := p.WaitLoad(); err != nil {
			return fmt.Errorf("browser: wait load %s: %w", pageURL, err)
		}
	}
	return nil
}

func (s *rodSession) element(ctx context.Context, selector string) (*rod.Element, error) {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return nil, fmt.Errorf("browser: element %q: %w", selector, err)
	}
	return el, nil
}

func (s *rodSession) Click(ctx context.Context, selector string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: click %q: %w", selector, err)
	}
	return nil
}

func (s *rodSession) Fill(ctx context.Context, selector, value string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	// Replace existing content rather than appending.
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("browser: select text %q: %w", selector, err)
	}
	if err := el.Input(value); err != nil {
		return fmt.Errorf("browser: fill %q: %w", selector, err)
	}
	return nil
}

// TypeText inputs value character by character so pages listening for
// incremental input events (autocomplete, validation) see each keystroke.
func (s *rodSession) TypeText(ctx context.Context, selector, value string, delay time.Duration) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Focus(); err != nil {
		return fmt.Errorf("browser: focus %q: %w", selector, err)
	}
	for _, r := range value {
		if err := el.Input(string(r)); err != nil {
			return fmt.Errorf("browser: type %q: %w", selector, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil
}

var keyMap = map[string]input.Key{
	"Enter":      input.Enter,
	"Tab":        input.Tab,
	"Escape":     input.Escape,
	"Backspace":  input.Backspace,
	"Space":      input.Space,
	"ArrowDown":  input.ArrowDown,
	"ArrowUp":    input.ArrowUp,
	"ArrowLeft":  input.ArrowLeft,
	"ArrowRight": input.ArrowRight,
	"PageDown":   input.PageDown,
	"PageUp":     input.PageUp,
	"End":        input.End,
	"Home":       input.Home,
}

func (s *rodSession) Press(ctx context.Context, selector, key string) error {
	k, ok := keyMap[key]
	if !ok {
		return fmt.Errorf("browser: unsupported key %q", key)
	}
	if selector != "" {
		el, err := s.element(ctx, selector)
		if err != nil {
			return err
		}
		if err := el.Focus(); err != nil {
			return fmt.Errorf("browser: focus %q: %w", selector, err)
		}
	}
	if err := s.page.Context(ctx).Keyboard.Press(k); err != nil {
		return fmt.Errorf("browser: press %q: %w", key, err)
	}
	return nil
}

func (s *rodSession) Hover(ctx context.Context, selector string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Hover(); err != nil {
		return fmt.Errorf("browser: hover %q: %w", selector, err)
	}
	return nil
}

func (s *rodSession) Check(ctx context.Context, selector string, checked bool) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	cur, err := el.Property("checked")
	if err != nil {
		return fmt.Errorf("browser: checked state %q: %w", selector, err)
	}
	if cur.Bool() == checked {
		return nil
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("browser: toggle %q: %w", selector, err)
	}
	return nil
}

func (s *rodSession) Select(ctx context.Context, selector, value string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.Select([]string{value}, true, rod.SelectorTypeText); err != nil {
		return fmt.Errorf("browser: select %q=%q: %w", selector, value, err)
	}
	return nil
}

func (s *rodSession) ScrollTo(ctx context.Context, selector string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("browser: scroll to %q: %w", selector, err)
	}
	return nil
}

func (s *rodSession) ScrollBy(ctx context.Context, distance int) error {
	if err := s.page.Context(ctx).Mouse.Scroll(0, float64(distance), 1); err != nil {
		return fmt.Errorf("browser: scroll by %d: %w", distance, err)
	}
	return nil
}

func (s *rodSession) WaitSelector(ctx context.Context, selector string) error {
	el, err := s.element(ctx, selector)
	if err != nil {
		return err
	}
	if err := el.WaitVisible(); err != nil {
		return fmt.Errorf("browser: wait visible %q: %w", selector, err)
	}
	return nil
}

// WaitIdle waits for a quiet window with no in-flight network activity.
func (s *rodSession) WaitIdle(ctx context.Context) error {
	wait := s.page.Context(ctx).WaitRequestIdle(500*time.Millisecond, nil, nil, nil)
	wait()
	return ctx.Err()
}

func (s *rodSession) WaitNavigation(ctx context.Context) error {
	wait := s.page.Context(ctx).WaitNavigation(proto.PageLifecycleEventNameLoad)
	wait()
	return ctx.Err()
}

// Evaluate runs an opaque configured script. The script must be a JS
// function expression, e.g. "() => document.title".
func (s *rodSession) Evaluate(ctx context.Context, script string) error {
	if _, err := s.page.Context(ctx).Eval(script); err != nil {
		return fmt.Errorf("browser: evaluate: %w", err)
	}
	return nil
}

func (s *rodSession) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := s.page.Context(ctx).Screenshot(true, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: screenshot: %w", err)
	}
	return data, nil
}

func (s *rodSession) Content(ctx context.Context) (string, error) {
	html, err := s.page.Context(ctx).HTML()
	if err != nil {
		return "", fmt.Errorf("browser: content: %w", err)
	}
	return html, nil
}

func (s *rodSession) PageURL() string {
	info, err := s.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// downloadScript fetches a URL inside the page context so the request
// carries the session's cookies and origin. Returns base64 bytes.
const downloadScript = `async (u) => {
	const resp = await fetch(u, { credentials: 'include' });
	if (!resp.ok) throw new Error('HTTP ' + resp.status);
	const buf = new Uint8Array(await resp.arrayBuffer());
	let s = '';
	for (let i = 0; i < buf.length; i += 0x8000) {
		s += String.fromCharCode.apply(null, buf.subarray(i, i + 0x8000));
	}
	return btoa(s);
}`

// TriggerDownload retrieves file bytes through the live session.
func (s *rodSession) TriggerDownload(ctx context.Context, fileURL string) ([]byte, string, error) {
	res, err := s.page.Context(ctx).Eval(downloadScript, fileURL)
	if err != nil {
		return nil, "", fmt.Errorf("browser: session download %s: %w", fileURL, err)
	}
	data, err := base64.StdEncoding.DecodeString(res.Value.Str())
	if err != nil {
		return nil, "", fmt.Errorf("browser: decode download %s: %w", fileURL, err)
	}
	return data, suggestedName(fileURL), nil
}

func (s *rodSession) Close() error {
	return s.page.Close()
}

// suggestedName derives a filename from the URL path.
func suggestedName(fileURL string) string {
	parsed, err := url.Parse(fileURL)
	if err != nil {
		return "download"
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "/" || name == "." || strings.Contains(name, "..") {
		return "download"
	}
	return name
}
