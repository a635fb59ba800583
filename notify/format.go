package notify

import (
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/microcosm-cc/bluemonday"

	"github.com/docveille/docveille/state"
)

const (
	excerptLimit = 600
	stackLimit   = 12 // lines
)

var (
	sanitizer   = bluemonday.UGCPolicy()
	mdConverter = converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
		),
	)
)

// DocumentCaption renders the change notification for one document.
func DocumentCaption(siteName string, doc *state.Document, status string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📄 %s — %s\n", siteName, status)
	if doc.Title != "" {
		fmt.Fprintf(&b, "%s\n", doc.Title)
	}
	if doc.Date != "" {
		fmt.Fprintf(&b, "Date: %s\n", doc.Date)
	}
	fmt.Fprintf(&b, "%s", doc.URL)
	return b.String()
}

// DownloadFailedCaption renders the degraded notification sent when a
// document changed but its file could not be retrieved.
func DownloadFailedCaption(siteName string, doc *state.Document, status string, reason error) string {
	return DocumentCaption(siteName, doc, status) +
		fmt.Sprintf("\n⚠️ download failed: %v", reason)
}

// ErrorReport renders a site-failure alert: failing URL, step, message,
// a truncated stack excerpt, an optional page excerpt, and the repeat
// counter when the same failure recurs.
func ErrorReport(siteName, siteURL, stepDesc, message, stack, pageHTML string, consecutive int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 %s failed\n%s\n", siteName, siteURL)
	if stepDesc != "" {
		fmt.Fprintf(&b, "Step: %s\n", stepDesc)
	}
	fmt.Fprintf(&b, "Error: %s\n", message)
	if consecutive > 1 {
		fmt.Fprintf(&b, "Consecutive failures: %d\n", consecutive)
	}
	if excerpt := PageExcerpt(pageHTML); excerpt != "" {
		fmt.Fprintf(&b, "\nPage said:\n%s\n", excerpt)
	}
	if trimmed := truncateStack(stack); trimmed != "" {
		fmt.Fprintf(&b, "\n%s", trimmed)
	}
	return b.String()
}

// PageExcerpt turns captured page HTML into a short readable markdown
// excerpt. Scripts and styles are stripped before conversion.
func PageExcerpt(pageHTML string) string {
	if strings.TrimSpace(pageHTML) == "" {
		return ""
	}
	clean := sanitizer.Sanitize(pageHTML)
	md, err := mdConverter.ConvertString(clean)
	if err != nil {
		md = clean
	}
	md = strings.TrimSpace(md)
	if md == "" {
		return ""
	}
	if len(md) > excerptLimit {
		md = md[:excerptLimit] + "…"
	}
	return md
}

func truncateStack(stack string) string {
	if stack == "" {
		return ""
	}
	lines := strings.Split(strings.TrimSpace(stack), "\n")
	if len(lines) > stackLimit {
		lines = lines[:stackLimit]
	}
	return strings.Join(lines, "\n")
}
