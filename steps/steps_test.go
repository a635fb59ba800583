package steps

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/docveille/docveille/browser"
	"github.com/docveille/docveille/config"
)

// fakeSession records the calls the executor makes. Methods not
// overridden here panic through the embedded nil Session, which is
// exactly what an unexpected call deserves in a test.
type fakeSession struct {
	browser.Session

	calls    []string
	failures map[string]int // method name -> remaining failures
	shot     []byte
	html     string
}

func (f *fakeSession) do(name string) error {
	f.calls = append(f.calls, name)
	if f.failures[name] > 0 {
		f.failures[name]--
		return fmt.Errorf("%s boom", name)
	}
	return nil
}

func (f *fakeSession) Goto(_ context.Context, pageURL, _ string) error {
	return f.do("goto " + pageURL)
}
func (f *fakeSession) Click(_ context.Context, sel string) error { return f.do("click " + sel) }
func (f *fakeSession) Fill(_ context.Context, sel, value string) error {
	return f.do("fill " + sel + "=" + value)
}
func (f *fakeSession) TypeText(_ context.Context, sel, value string, _ time.Duration) error {
	return f.do("type " + sel + "=" + value)
}
func (f *fakeSession) Press(_ context.Context, sel, key string) error {
	return f.do("press " + sel + " " + key)
}
func (f *fakeSession) Hover(_ context.Context, sel string) error { return f.do("hover " + sel) }
func (f *fakeSession) Check(_ context.Context, sel string, checked bool) error {
	return f.do(fmt.Sprintf("check %s %v", sel, checked))
}
func (f *fakeSession) Select(_ context.Context, sel, value string) error {
	return f.do("select " + sel + "=" + value)
}
func (f *fakeSession) ScrollTo(_ context.Context, sel string) error { return f.do("scrollto " + sel) }
func (f *fakeSession) ScrollBy(_ context.Context, distance int) error {
	return f.do(fmt.Sprintf("scrollby %d", distance))
}
func (f *fakeSession) WaitSelector(_ context.Context, sel string) error {
	return f.do("waitsel " + sel)
}
func (f *fakeSession) WaitIdle(context.Context) error       { return f.do("waitidle") }
func (f *fakeSession) WaitNavigation(context.Context) error { return f.do("waitnav") }
func (f *fakeSession) Evaluate(_ context.Context, script string) error {
	return f.do("eval " + script)
}
func (f *fakeSession) Screenshot(context.Context) ([]byte, error) {
	f.calls = append(f.calls, "screenshot")
	return f.shot, nil
}
func (f *fakeSession) Content(context.Context) (string, error) {
	f.calls = append(f.calls, "content")
	return f.html, nil
}

// noSleep replaces real backoff in tests.
func noSleep(context.Context, time.Duration) error { return nil }

func testExecutor() *Executor {
	x := New(nil)
	x.sleep = noSleep
	return x
}

func retries(n int) *int { return &n }

func step(action config.Action) config.Step {
	return config.Step{Action: action, Timeout: time.Second, Retries: retries(1)}
}

func TestRun_InOrder(t *testing.T) {
	// WHAT: Steps execute sequentially in declaration order, each mapped
	// to its session call.
	sess := &fakeSession{}
	s1 := step(config.ActionWaitForSelector)
	s1.Selector = ".list"
	s2 := step(config.ActionClick)
	s2.Selector = ".more"
	s3 := step(config.ActionWaitAjax)

	if err := testExecutor().Run(context.Background(), sess, []config.Step{s1, s2, s3}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"waitsel .list", "click .more", "waitidle"}
	if len(sess.calls) != len(want) {
		t.Fatalf("calls = %v", sess.calls)
	}
	for i := range want {
		if sess.calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, sess.calls[i], want[i])
		}
	}
}

func TestRun_OptionalFailureSkipped(t *testing.T) {
	// WHAT: A failing optional step is skipped and the sequence proceeds.
	// WHY: Cookie banners come and go; their dismiss step must not be load
	// bearing.
	sess := &fakeSession{failures: map[string]int{"click .cookie-accept": 10}}
	banner := step(config.ActionClick)
	banner.Selector = ".cookie-accept"
	banner.Optional = true
	banner.Retries = retries(0)
	next := step(config.ActionWaitForSelector)
	next.Selector = ".docs"

	if err := testExecutor().Run(context.Background(), sess, []config.Step{banner, next}); err != nil {
		t.Fatalf("run: %v", err)
	}
	last := sess.calls[len(sess.calls)-1]
	if last != "waitsel .docs" {
		t.Errorf("sequence did not continue past optional failure: %v", sess.calls)
	}
}

func TestRun_RequiredFailureCarriesDiagnostics(t *testing.T) {
	// WHAT: A required step that exhausts its retries aborts the run with
	// a NavigationError holding the step, its index, and page captures.
	sess := &fakeSession{
		failures: map[string]int{"click .missing": 10},
		shot:     []byte("png"),
		html:     "<html>failed here</html>",
	}
	ok := step(config.ActionWaitAjax)
	bad := step(config.ActionClick)
	bad.Selector = ".missing"

	err := testExecutor().Run(context.Background(), sess, []config.Step{ok, bad})
	var navErr *NavigationError
	if !errors.As(err, &navErr) {
		t.Fatalf("err = %v, want *NavigationError", err)
	}
	if navErr.Index != 1 || navErr.Step.Action != config.ActionClick {
		t.Errorf("failing step = %d %q", navErr.Index, navErr.Step.Action)
	}
	if string(navErr.Screenshot) != "png" || navErr.PageContent != "<html>failed here</html>" {
		t.Errorf("diagnostics not captured: %+v", navErr)
	}
}

func TestRunStep_RetriesThenSucceeds(t *testing.T) {
	// WHAT: A step failing transiently is retried up to 1+retries times
	// and the sequence still succeeds.
	sess := &fakeSession{failures: map[string]int{"click .flaky": 2}}
	s := step(config.ActionClick)
	s.Selector = ".flaky"
	s.Retries = retries(2)

	if err := testExecutor().Run(context.Background(), sess, []config.Step{s}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sess.calls) != 3 {
		t.Errorf("attempts = %d, want 3", len(sess.calls))
	}
}

func TestRunStep_ZeroRetriesSingleAttempt(t *testing.T) {
	// WHAT: An explicit retries: 0 makes exactly one attempt; the default
	// retry budget does not sneak back in.
	sess := &fakeSession{failures: map[string]int{"click .once": 10}}
	s := step(config.ActionClick)
	s.Selector = ".once"
	s.Retries = retries(0)

	err := testExecutor().Run(context.Background(), sess, []config.Step{s})
	if err == nil {
		t.Fatal("expected error")
	}
	var tries int
	for _, c := range sess.calls {
		if c == "click .once" {
			tries++
		}
	}
	if tries != 1 {
		t.Errorf("attempts = %d, want 1", tries)
	}
}

func TestRunStep_BackoffIsLinear(t *testing.T) {
	// WHAT: Waits between attempts grow 1s, 2s, ...
	var waits []time.Duration
	x := New(nil)
	x.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}
	sess := &fakeSession{failures: map[string]int{"waitidle": 10}}
	s := step(config.ActionWaitAjax)
	s.Retries = retries(2)
	s.Optional = true

	if err := x.Run(context.Background(), sess, []config.Step{s}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(waits) != 2 || waits[0] != time.Second || waits[1] != 2*time.Second {
		t.Errorf("waits = %v", waits)
	}
}

func TestRun_Authenticate(t *testing.T) {
	// WHAT: The authenticate step fills both credential fields, submits,
	// and waits for the resulting navigation, with ${VAR} references
	// resolved from the environment.
	t.Setenv("PORTAL_USER", "agent")
	t.Setenv("PORTAL_PASS", "hunter2")
	sess := &fakeSession{}
	s := step(config.ActionAuthenticate)
	s.Auth = &config.AuthParams{
		UserSelector:   "#user",
		PassSelector:   "#pass",
		SubmitSelector: "#login",
		User:           "${PORTAL_USER}",
		Pass:           "${PORTAL_PASS}",
	}

	if err := testExecutor().Run(context.Background(), sess, []config.Step{s}); err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"fill #user=agent", "fill #pass=hunter2", "click #login", "waitnav"}
	for i := range want {
		if i >= len(sess.calls) || sess.calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", sess.calls, want)
		}
	}
}

func TestRun_AuthenticateUnsetVarNotRetried(t *testing.T) {
	// WHAT: A missing credential variable fails before the first attempt.
	// WHY: Retrying a configuration error only burns time against the
	// target site.
	sess := &fakeSession{}
	s := step(config.ActionAuthenticate)
	s.Retries = retries(5)
	s.Auth = &config.AuthParams{
		UserSelector: "#user", PassSelector: "#pass", SubmitSelector: "#login",
		User: "${DOCVEILLE_TEST_NO_SUCH_VAR}", Pass: "x",
	}

	err := testExecutor().Run(context.Background(), sess, []config.Step{s})
	if err == nil {
		t.Fatal("expected error")
	}
	for _, c := range sess.calls {
		if c != "screenshot" && c != "content" {
			t.Errorf("session touched before credential resolution: %v", sess.calls)
			break
		}
	}
}

func TestRun_CanceledContextStopsRetries(t *testing.T) {
	// WHAT: Cancellation surfaces instead of grinding through retries.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sess := &fakeSession{failures: map[string]int{"waitidle": 10}}
	s := step(config.ActionWaitAjax)
	s.Retries = retries(5)

	err := testExecutor().Run(ctx, sess, []config.Step{s})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestPerform_ScrollVariants(t *testing.T) {
	// WHAT: scroll with a selector targets the element; without one it
	// scrolls the window by the configured distance.
	sess := &fakeSession{}
	toEl := step(config.ActionScroll)
	toEl.Selector = "#footer"
	byPx := step(config.ActionScroll)
	byPx.Distance = 500

	if err := testExecutor().Run(context.Background(), sess, []config.Step{toEl, byPx}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if sess.calls[0] != "scrollto #footer" || sess.calls[1] != "scrollby 500" {
		t.Errorf("calls = %v", sess.calls)
	}
}
