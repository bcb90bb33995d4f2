package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// PreviewLength is the number of characters kept for a message preview.
const PreviewLength = 100

var (
	styleBlockPattern  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style\s*>`)
	scriptBlockPattern = regexp.MustCompile(`(?is)<script[^>]*>.*?</script\s*>`)
	tagPattern         = regexp.MustCompile(`<[^>]*>`)
	whitespacePattern  = regexp.MustCompile(`\s+`)
)

// HTMLSanitizer cleans inbound HTML bodies before they are stored.
type HTMLSanitizer struct {
	policy *bluemonday.Policy
}

// NewHTMLSanitizer creates a sanitizer that keeps common mail formatting and drops
// scripts, event handlers and unsafe URLs.
func NewHTMLSanitizer() *HTMLSanitizer {
	p := bluemonday.UGCPolicy()

	// Mail clients lean on inline styles and legacy layout attributes.
	p.AllowAttrs("style").Globally()
	p.AllowAttrs("align", "valign", "bgcolor", "width", "height", "border", "cellpadding", "cellspacing").
		OnElements("table", "tr", "td", "th", "img", "div", "p")
	p.AllowElements("font", "center")
	p.AllowAttrs("color", "face", "size").OnElements("font")

	p.AllowURLSchemes("http", "https", "mailto", "cid")
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return &HTMLSanitizer{policy: p}
}

// Sanitize cleans HTML content to prevent XSS when it is rendered later.
func (s *HTMLSanitizer) Sanitize(html string) string {
	if s == nil || s.policy == nil {
		return html
	}
	return s.policy.Sanitize(html)
}

// StripHTML is a best-effort plain-text extraction: style and script blocks are
// dropped, remaining tags removed and whitespace collapsed. Entities are left as is.
func StripHTML(html string) string {
	text := styleBlockPattern.ReplaceAllString(html, "")
	text = scriptBlockPattern.ReplaceAllString(text, "")
	text = tagPattern.ReplaceAllString(text, "")
	text = whitespacePattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Preview builds the list-view summary of a message body.
func Preview(text, html string) string {
	if text != "" {
		return Truncate(text, PreviewLength)
	}
	if html != "" {
		return Truncate(StripHTML(html), PreviewLength)
	}
	return ""
}

// Truncate returns at most n characters of s without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
