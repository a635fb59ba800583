package extract

import (
	"testing"

	"github.com/docveille/docveille/config"
)

const listPage = `
<html><body>
<ul class="docs">
  <li class="item">
    <span class="title">Decree 42 — Budget</span>
    <a href="/files/decree-42.pdf?t=123">download</a>
    <span class="date">2025-01-15</span>
  </li>
  <li class="item">
    <span class="title">Circular 7</span>
    <a href="https://other.gov/circular-7.pdf">download</a>
    <span class="date">2025-02-01</span>
  </li>
  <li class="item">
    <span class="title">Broken item</span>
  </li>
</ul>
</body></html>`

func listConfig() config.ExtractionConfig {
	return config.ExtractionConfig{
		ListSelector: ".docs .item",
		Fields: map[string]config.FieldRule{
			"title": {Selector: ".title"},
			"url":   {Selector: "a", Attribute: "href"},
			"date":  {Selector: ".date", Optional: true},
		},
	}
}

func TestExtract_List(t *testing.T) {
	// WHAT: Each matched item yields a document; relative URLs resolve
	// against the base; cache params are stripped; ids are derived.
	x, err := New(listConfig(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	docs, err := x.Extract(listPage, "https://ministry.gov/documents")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents, want 2 (broken item dropped)", len(docs))
	}
	if docs[0].URL != "https://ministry.gov/files/decree-42.pdf" {
		t.Errorf("url = %q", docs[0].URL)
	}
	if docs[0].Title != "Decree 42 — Budget" {
		t.Errorf("title = %q", docs[0].Title)
	}
	if docs[0].Date != "2025-01-15" {
		t.Errorf("date = %q", docs[0].Date)
	}
	if docs[0].ID == "" {
		t.Error("id not derived")
	}
	if docs[1].URL != "https://other.gov/circular-7.pdf" {
		t.Errorf("absolute url rewritten: %q", docs[1].URL)
	}
}

func TestExtract_OneBadItemDoesNotAbort(t *testing.T) {
	// WHAT: The third item lacks the required url field and is dropped;
	// the other two survive.
	// WHY: One bad item must never abort the whole list.
	x, _ := New(listConfig(), nil)
	docs, err := x.Extract(listPage, "https://ministry.gov/")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("got %d documents", len(docs))
	}
}

func TestExtract_NoMatchesIsEmptyNotError(t *testing.T) {
	// WHAT: A page with zero list matches yields an empty set.
	x, _ := New(listConfig(), nil)
	docs, err := x.Extract("<html><body><p>maintenance</p></body></html>", "https://x.gov/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("got %d documents", len(docs))
	}
}

func TestExtract_Regex(t *testing.T) {
	// WHAT: The first capture group replaces the value; a non-matching
	// regex on a required field drops the item.
	cfg := listConfig()
	cfg.Fields["title"] = config.FieldRule{Selector: ".title", Regex: `Decree (\d+)`}
	x, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	docs, err := x.Extract(listPage, "https://x.gov/")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "42" {
		t.Fatalf("got %+v", docs)
	}
}

func TestExtract_URLTemplate(t *testing.T) {
	// WHAT: The extracted value substitutes into {value} of the template.
	cfg := config.ExtractionConfig{
		ListSelector: ".docs .item",
		Fields: map[string]config.FieldRule{
			"title": {Selector: ".title"},
			"url": {Selector: ".title", Regex: `Decree (\d+)`,
				URLTemplate: "https://ministry.gov/api/files/{value}.pdf"},
		},
	}
	x, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	docs, err := x.Extract(listPage, "https://x.gov/")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(docs) != 1 || docs[0].URL != "https://ministry.gov/api/files/42.pdf" {
		t.Fatalf("got %+v", docs)
	}
}

func TestExtract_PropertyPrecedence(t *testing.T) {
	// WHAT: An explicit property takes precedence over attribute and text.
	page := `<div class="i"><a href="/f.pdf" title="attr-title">link text</a></div>`
	cfg := config.ExtractionConfig{
		ListSelector: ".i",
		Fields: map[string]config.FieldRule{
			"title": {Selector: "a", Property: "textContent", Attribute: "title"},
			"url":   {Selector: "a", Attribute: "href"},
		},
	}
	x, _ := New(cfg, nil)
	docs, err := x.Extract(page, "https://x.gov/")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if docs[0].Title != "link text" {
		t.Errorf("title = %q, want text content", docs[0].Title)
	}
}

func TestExtract_HashField(t *testing.T) {
	// WHAT: A configured hash field lands on the document so a
	// page-advertised checksum or version token can drive change
	// detection.
	page := `<div class="i"><span class="t">Decree 1</span>
<a href="/1.pdf">d</a><span class="h"> sha256:abc123 </span></div>`
	cfg := config.ExtractionConfig{
		ListSelector: ".i",
		Fields: map[string]config.FieldRule{
			"title": {Selector: ".t"},
			"url":   {Selector: "a", Attribute: "href"},
			"hash":  {Selector: ".h"},
		},
	}
	x, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	docs, err := x.Extract(page, "https://x.gov/")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(docs) != 1 || docs[0].Hash != "sha256:abc123" {
		t.Fatalf("got %+v", docs)
	}
}

func TestExtract_TextContentOverridesAttribute(t *testing.T) {
	// WHAT: text_content forces the element text even when an attribute is
	// also configured.
	page := `<div class="i"><a href="/f.pdf" title="attr-title">Visible name</a></div>`
	cfg := config.ExtractionConfig{
		ListSelector: ".i",
		Fields: map[string]config.FieldRule{
			"title": {Selector: "a", TextContent: true, Attribute: "title"},
			"url":   {Selector: "a", Attribute: "href"},
		},
	}
	x, _ := New(cfg, nil)
	docs, err := x.Extract(page, "https://x.gov/")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if docs[0].Title != "Visible name" {
		t.Errorf("title = %q", docs[0].Title)
	}
}

func TestExtract_SelfSelector(t *testing.T) {
	// WHAT: An empty or "." selector resolves the item element itself.
	page := `<a class="doc" href="/a.pdf">Doc A</a>`
	cfg := config.ExtractionConfig{
		ListSelector: "a.doc",
		Fields: map[string]config.FieldRule{
			"title": {},
			"url":   {Selector: ".", Attribute: "href"},
		},
	}
	x, _ := New(cfg, nil)
	docs, err := x.Extract(page, "https://x.gov/")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(docs) != 1 || docs[0].Title != "Doc A" || docs[0].URL != "https://x.gov/a.pdf" {
		t.Fatalf("got %+v", docs)
	}
}

func TestExtract_FilterInclude(t *testing.T) {
	// WHAT: mode=include keeps only documents whose field contains a
	// pattern, case-insensitively.
	cfg := listConfig()
	cfg.Filter = &config.FilterConfig{Field: "title", Patterns: []string{"DECREE"}, Mode: "include"}
	x, _ := New(cfg, nil)
	docs, _ := x.Extract(listPage, "https://x.gov/")
	if len(docs) != 1 || docs[0].Title != "Decree 42 — Budget" {
		t.Fatalf("got %+v", docs)
	}
}

func TestExtract_FilterExclude(t *testing.T) {
	// WHAT: mode=exclude drops matching documents.
	cfg := listConfig()
	cfg.Filter = &config.FilterConfig{Field: "title", Patterns: []string{"decree"}, Mode: "exclude"}
	x, _ := New(cfg, nil)
	docs, _ := x.Extract(listPage, "https://x.gov/")
	if len(docs) != 1 || docs[0].Title != "Circular 7" {
		t.Fatalf("got %+v", docs)
	}
}

func TestExtract_DiscardsURLAndTitleLess(t *testing.T) {
	// WHAT: A record lacking both url and title is discarded silently.
	page := `<div class="i"><span class="d">2025</span></div>`
	cfg := config.ExtractionConfig{
		ListSelector: ".i",
		Fields: map[string]config.FieldRule{
			"title": {Selector: ".t", Optional: true},
			"url":   {Selector: "a", Attribute: "href", Optional: true},
			"date":  {Selector: ".d"},
		},
	}
	x, _ := New(cfg, nil)
	docs, err := x.Extract(page, "https://x.gov/")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("got %+v", docs)
	}
}

func TestExtract_TitleWhitespaceCollapsed(t *testing.T) {
	// WHAT: Titles from layout-heavy markup collapse internal whitespace.
	page := `<div class="i"><span class="t">  Decree
	  42  </span><a href="/d.pdf">x</a></div>`
	cfg := config.ExtractionConfig{
		ListSelector: ".i",
		Fields: map[string]config.FieldRule{
			"title": {Selector: ".t"},
			"url":   {Selector: "a", Attribute: "href"},
		},
	}
	x, _ := New(cfg, nil)
	docs, _ := x.Extract(page, "https://x.gov/")
	if len(docs) != 1 || docs[0].Title != "Decree 42" {
		t.Fatalf("got %+v", docs)
	}
}
