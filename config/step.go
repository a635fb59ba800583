package config

import (
	"fmt"
	"time"
)

// Action is one navigation step kind. The vocabulary is closed: Validate
// rejects anything else, so executors can switch exhaustively.
type Action string

const (
	ActionClick             Action = "click"
	ActionWaitForSelector   Action = "waitForSelector"
	ActionFill              Action = "fill"
	ActionType              Action = "type"
	ActionPress             Action = "press"
	ActionScroll            Action = "scroll"
	ActionWait              Action = "wait"
	ActionWaitAjax          Action = "wait_ajax"
	ActionWaitForNavigation Action = "waitForNavigation"
	ActionSelect            Action = "select"
	ActionHover             Action = "hover"
	ActionCheck             Action = "check"
	ActionUncheck           Action = "uncheck"
	ActionEvaluate          Action = "evaluate"
	ActionGoto              Action = "goto"
	ActionAuthenticate      Action = "authenticate"
)

// Step is one configured automation action with its parameters.
// Which parameters apply depends on Action; Validate enforces the pairing.
type Step struct {
	Action   Action `yaml:"action"`
	Selector string `yaml:"selector"`
	Value    string `yaml:"value"`
	Key      string `yaml:"key"`
	URL      string `yaml:"url"`
	Script   string `yaml:"script"`

	// Distance in pixels for scroll without a selector. Default 500.
	Distance int `yaml:"distance"`
	// Delay between characters for type. Default 50ms.
	Delay time.Duration `yaml:"delay"`
	// Duration for wait. Default 1s.
	Duration time.Duration `yaml:"duration"`

	Timeout  time.Duration `yaml:"timeout"`
	Optional bool          `yaml:"optional"`

	// Retries is the extra attempt budget after the first try. Unset
	// defaults to 1; an explicit 0 disables retrying.
	Retries *int `yaml:"retries"`

	Auth *AuthParams `yaml:"auth"`
}

// AuthParams configures the authenticate step. User and Pass may be ${VAR}
// environment references resolved at execution time.
type AuthParams struct {
	UserSelector   string `yaml:"user_selector"`
	PassSelector   string `yaml:"pass_selector"`
	SubmitSelector string `yaml:"submit_selector"`
	User           string `yaml:"user"`
	Pass           string `yaml:"pass"`
}

func (s *Step) applyDefaults() {
	if s.Timeout <= 0 {
		s.Timeout = 10 * time.Second
	}
	switch s.Action {
	case ActionType:
		if s.Delay <= 0 {
			s.Delay = 50 * time.Millisecond
		}
	case ActionWait:
		if s.Duration <= 0 {
			s.Duration = time.Second
		}
	case ActionScroll:
		if s.Selector == "" && s.Distance <= 0 {
			s.Distance = 500
		}
	}
}

// RetryCount returns the extra attempts allowed after the first try
// (default 1). An explicit 0 disables retrying.
func (s *Step) RetryCount() int {
	if s.Retries == nil {
		return 1
	}
	if *s.Retries < 0 {
		return 0
	}
	return *s.Retries
}

// Validate checks the action and its required parameters.
func (s *Step) Validate() error {
	switch s.Action {
	case ActionClick, ActionWaitForSelector, ActionHover, ActionCheck, ActionUncheck:
		if s.Selector == "" {
			return fmt.Errorf("%s: missing selector", s.Action)
		}
	case ActionFill, ActionType:
		if s.Selector == "" {
			return fmt.Errorf("%s: missing selector", s.Action)
		}
		if s.Value == "" {
			return fmt.Errorf("%s: missing value", s.Action)
		}
	case ActionSelect:
		if s.Selector == "" || s.Value == "" {
			return fmt.Errorf("select: missing selector or value")
		}
	case ActionPress:
		if s.Key == "" {
			return fmt.Errorf("press: missing key")
		}
	case ActionEvaluate:
		if s.Script == "" {
			return fmt.Errorf("evaluate: missing script")
		}
	case ActionGoto:
		if s.URL == "" {
			return fmt.Errorf("goto: missing url")
		}
	case ActionAuthenticate:
		a := s.Auth
		if a == nil {
			return fmt.Errorf("authenticate: missing auth parameters")
		}
		if a.UserSelector == "" || a.PassSelector == "" || a.SubmitSelector == "" {
			return fmt.Errorf("authenticate: missing selector parameters")
		}
		if a.User == "" || a.Pass == "" {
			return fmt.Errorf("authenticate: missing credentials")
		}
	case ActionScroll, ActionWait, ActionWaitAjax, ActionWaitForNavigation:
		// No required parameters.
	default:
		return fmt.Errorf("unknown action %q", s.Action)
	}
	return nil
}

// Describe returns a short human-readable step description for logs and
// error reports.
func (s *Step) Describe() string {
	if s.Selector != "" {
		return fmt.Sprintf("%s %s", s.Action, s.Selector)
	}
	return string(s.Action)
}
