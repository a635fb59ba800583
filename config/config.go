// Package config loads and validates the docveille configuration.
//
// The configuration is YAML (inline JSON also parses, JSON being a YAML
// subset). Defaults are applied after parsing; validation rejects unknown
// step actions and missing required parameters before any browser work
// starts.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Sites        []SiteConfig       `yaml:"sites"`
	Notification NotificationConfig `yaml:"notification"`
	Browser      BrowserConfig      `yaml:"browser"`

	// StateFile is the JSON state file path. Default: "docveille-state.json".
	StateFile string `yaml:"state_file"`
	// HistoryFile is the SQLite run-log path. Empty disables the run log.
	HistoryFile string `yaml:"history_file"`
	// DownloadDir holds ephemeral downloaded files. Default: os.TempDir().
	DownloadDir string `yaml:"download_dir"`
}

// SiteConfig is one monitored target. Immutable per run.
type SiteConfig struct {
	ID         string           `yaml:"id"`
	Name       string           `yaml:"name"`
	Enabled    bool             `yaml:"enabled"`
	URL        string           `yaml:"url"`
	Steps      []Step           `yaml:"steps"`
	Extraction ExtractionConfig `yaml:"extraction"`

	Timeout         time.Duration `yaml:"timeout"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`

	// Retries is the extra download attempt budget. Unset defaults to 2;
	// an explicit 0 disables retrying.
	Retries *int `yaml:"retries"`
}

// ExtractionConfig drives the list extractor.
type ExtractionConfig struct {
	ListSelector string               `yaml:"list_selector"`
	Fields       map[string]FieldRule `yaml:"fields"`
	Filter       *FilterConfig        `yaml:"filter"`
	DeepSearch   *DeepSearchConfig    `yaml:"deep_search"`
}

// FieldRule extracts one typed value from an item element.
// Value source precedence: Property, then TextContent, then Attribute,
// then the element's own text.
type FieldRule struct {
	// Selector locates the sub-element; empty or "." means the item itself.
	Selector string `yaml:"selector"`
	// Property is an explicit DOM property (textContent, href, src, value).
	Property string `yaml:"property"`
	// Attribute reads an element attribute; href/src are resolved absolute.
	Attribute string `yaml:"attribute"`
	// TextContent forces the element's own text as the value source.
	TextContent bool `yaml:"text_content"`
	// Regex keeps only the first capture group of the extracted value.
	Regex string `yaml:"regex"`
	// URLTemplate substitutes the value for "{value}" in a template.
	URLTemplate string `yaml:"url_template"`
	Optional    bool   `yaml:"optional"`
}

// FilterConfig keeps or drops documents by case-insensitive substring
// match on a field.
type FilterConfig struct {
	Field    string   `yaml:"field"`
	Patterns []string `yaml:"patterns"`
	Mode     string   `yaml:"mode"` // include | exclude
}

// DeepSearchConfig resolves intermediate landing pages to real file URLs.
type DeepSearchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Selector  string `yaml:"selector"`
	Attribute string `yaml:"attribute"` // default "href"
}

// NotificationConfig carries the Telegram credentials. Both values accept
// ${VAR} environment references; empty values make the sink a no-op.
type NotificationConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`
}

// BrowserConfig controls the Chrome session backend.
type BrowserConfig struct {
	// Remote is the WebSocket URL of an external Chrome. Empty = launch local.
	Remote string `yaml:"remote"`
	// Headless defaults to true.
	Headless *bool `yaml:"headless"`
	// UserAgent for direct-fetch fallbacks.
	UserAgent string `yaml:"user_agent"`
}

var knownFields = map[string]bool{"title": true, "url": true, "date": true, "hash": true}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses a YAML (or JSON) configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StateFile == "" {
		c.StateFile = "docveille-state.json"
	}
	if c.DownloadDir == "" {
		c.DownloadDir = os.TempDir()
	}
	if c.Browser.UserAgent == "" {
		c.Browser.UserAgent = "docveille/1.0"
	}
	for i := range c.Sites {
		s := &c.Sites[i]
		if s.Timeout <= 0 {
			s.Timeout = 30 * time.Second
		}
		if s.DownloadTimeout <= 0 {
			s.DownloadTimeout = 60 * time.Second
		}
		for j := range s.Steps {
			s.Steps[j].applyDefaults()
		}
		if ds := s.Extraction.DeepSearch; ds != nil && ds.Attribute == "" {
			ds.Attribute = "href"
		}
	}
}

// HeadlessEnabled reports whether the browser should run headless (default true).
func (b *BrowserConfig) HeadlessEnabled() bool {
	return b.Headless == nil || *b.Headless
}

// DownloadRetries returns the extra download attempts allowed after the
// first (default 2). An explicit 0 disables retrying.
func (s *SiteConfig) DownloadRetries() int {
	if s.Retries == nil {
		return 2
	}
	if *s.Retries < 0 {
		return 0
	}
	return *s.Retries
}

// Validate checks the whole configuration. Any unknown step action or
// missing required parameter is a fatal configuration error.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Sites))
	for i := range c.Sites {
		s := &c.Sites[i]
		if s.ID == "" {
			return fmt.Errorf("site %d: missing id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("site %q: duplicate id", s.ID)
		}
		seen[s.ID] = true
		if s.URL == "" {
			return fmt.Errorf("site %q: missing url", s.ID)
		}
		for j := range s.Steps {
			if err := s.Steps[j].Validate(); err != nil {
				return fmt.Errorf("site %q: step %d: %w", s.ID, j, err)
			}
		}
		if err := s.Extraction.validate(); err != nil {
			return fmt.Errorf("site %q: extraction: %w", s.ID, err)
		}
	}
	return nil
}

func (e *ExtractionConfig) validate() error {
	if e.ListSelector == "" {
		return fmt.Errorf("missing list_selector")
	}
	if len(e.Fields) == 0 {
		return fmt.Errorf("no fields configured")
	}
	for name, rule := range e.Fields {
		if !knownFields[name] {
			return fmt.Errorf("unknown field %q (known: title, url, date, hash)", name)
		}
		if rule.Regex != "" {
			if _, err := regexp.Compile(rule.Regex); err != nil {
				return fmt.Errorf("field %q: bad regex: %w", name, err)
			}
		}
	}
	if f := e.Filter; f != nil {
		if !knownFields[f.Field] {
			return fmt.Errorf("filter: unknown field %q", f.Field)
		}
		if f.Mode != "include" && f.Mode != "exclude" {
			return fmt.Errorf("filter: mode must be include or exclude, got %q", f.Mode)
		}
		if len(f.Patterns) == 0 {
			return fmt.Errorf("filter: no patterns")
		}
	}
	if ds := e.DeepSearch; ds != nil && ds.Enabled && ds.Selector == "" {
		return fmt.Errorf("deep_search: missing selector")
	}
	return nil
}
