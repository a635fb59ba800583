// Package steps drives an automation session through a configured
// navigation sequence.
//
// Each step is attempted with local retries and linear backoff. An
// optional step that still fails is skipped; a required one aborts the
// sequence with diagnostics attached.
package steps

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/docveille/docveille/browser"
	"github.com/docveille/docveille/config"
)

// NavigationError is a step-sequence failure with the failing step and
// best-effort page diagnostics.
type NavigationError struct {
	Step  config.Step
	Index int
	Err   error

	// Screenshot and PageContent are best-effort captures taken when the
	// step ultimately failed. Either may be empty.
	Screenshot  []byte
	PageContent string
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("steps: step %d (%s) failed: %v", e.Index, e.Step.Describe(), e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

// Executor runs step sequences.
type Executor struct {
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates an Executor.
func New(logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{logger: logger, sleep: sleepCtx}
}

// Run performs each step in order. A step either fully succeeds or the
// whole attempt is retried; no partial application. Returns nil when the
// sequence completed (optional failures included), or a *NavigationError.
func (x *Executor) Run(ctx context.Context, sess browser.Session, stepList []config.Step) error {
	for i, step := range stepList {
		if err := x.runStep(ctx, sess, step); err != nil {
			if step.Optional {
				x.logger.Warn("steps: optional step failed, skipping",
					"index", i, "step", step.Describe(), "error", err)
				continue
			}
			navErr := &NavigationError{Step: step, Index: i, Err: err}
			x.capture(ctx, sess, navErr)
			return navErr
		}
		x.logger.Debug("steps: step done", "index", i, "step", step.Describe())
	}
	return nil
}

// runStep attempts one step up to 1 + step.RetryCount() times with linear
// backoff (1s × attempt number).
func (x *Executor) runStep(ctx context.Context, sess browser.Session, step config.Step) error {
	// Credential resolution failures are configuration errors; retrying
	// cannot fix them, so resolve before the attempt loop.
	auth, err := resolveAuth(step.Auth)
	if err != nil {
		return err
	}

	attempts := 1 + step.RetryCount()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if err := x.sleep(ctx, time.Duration(attempt-1)*time.Second); err != nil {
				return err
			}
			x.logger.Debug("steps: retrying", "step", step.Describe(), "attempt", attempt)
		}

		stepCtx, cancel := context.WithTimeout(ctx, step.Timeout)
		lastErr = x.perform(stepCtx, sess, step, auth)
		cancel()

		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return lastErr
}

// perform dispatches one step action. The action vocabulary is closed;
// config validation rejects unknown actions before execution, the default
// arm is the backstop.
func (x *Executor) perform(ctx context.Context, sess browser.Session, step config.Step, auth *config.AuthParams) error {
	switch step.Action {
	case config.ActionClick:
		return sess.Click(ctx, step.Selector)
	case config.ActionWaitForSelector:
		return sess.WaitSelector(ctx, step.Selector)
	case config.ActionFill:
		return sess.Fill(ctx, step.Selector, step.Value)
	case config.ActionType:
		return sess.TypeText(ctx, step.Selector, step.Value, step.Delay)
	case config.ActionPress:
		return sess.Press(ctx, step.Selector, step.Key)
	case config.ActionScroll:
		if step.Selector != "" {
			return sess.ScrollTo(ctx, step.Selector)
		}
		return sess.ScrollBy(ctx, step.Distance)
	case config.ActionWait:
		return x.sleep(ctx, step.Duration)
	case config.ActionWaitAjax:
		return sess.WaitIdle(ctx)
	case config.ActionWaitForNavigation:
		return sess.WaitNavigation(ctx)
	case config.ActionSelect:
		return sess.Select(ctx, step.Selector, step.Value)
	case config.ActionHover:
		return sess.Hover(ctx, step.Selector)
	case config.ActionCheck:
		return sess.Check(ctx, step.Selector, true)
	case config.ActionUncheck:
		return sess.Check(ctx, step.Selector, false)
	case config.ActionEvaluate:
		return sess.Evaluate(ctx, step.Script)
	case config.ActionGoto:
		return sess.Goto(ctx, step.URL, "domcontentloaded")
	case config.ActionAuthenticate:
		return x.authenticate(ctx, sess, auth)
	default:
		return fmt.Errorf("steps: unknown action %q", step.Action)
	}
}

func (x *Executor) authenticate(ctx context.Context, sess browser.Session, a *config.AuthParams) error {
	if err := sess.Fill(ctx, a.UserSelector, a.User); err != nil {
		return err
	}
	if err := sess.Fill(ctx, a.PassSelector, a.Pass); err != nil {
		return err
	}
	if err := sess.Click(ctx, a.SubmitSelector); err != nil {
		return err
	}
	return sess.WaitNavigation(ctx)
}

// resolveAuth resolves ${VAR} credential references at execution time.
func resolveAuth(a *config.AuthParams) (*config.AuthParams, error) {
	if a == nil {
		return nil, nil
	}
	user, err := config.ResolveEnvRef(a.User)
	if err != nil {
		return nil, fmt.Errorf("steps: authenticate user: %w", err)
	}
	pass, err := config.ResolveEnvRef(a.Pass)
	if err != nil {
		return nil, fmt.Errorf("steps: authenticate pass: %w", err)
	}
	resolved := *a
	resolved.User = user
	resolved.Pass = pass
	return &resolved, nil
}

// capture grabs a screenshot and the serialized page. A capture failure
// must not mask the original step error, so both are best-effort.
func (x *Executor) capture(ctx context.Context, sess browser.Session, navErr *NavigationError) {
	capCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	shot, err := sess.Screenshot(capCtx)
	if err != nil {
		x.logger.Warn("steps: diagnostic screenshot failed", "error", err)
	} else {
		navErr.Screenshot = shot
	}

	content, err := sess.Content(capCtx)
	if err != nil {
		x.logger.Warn("steps: diagnostic content failed", "error", err)
	} else {
		navErr.PageContent = content
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
