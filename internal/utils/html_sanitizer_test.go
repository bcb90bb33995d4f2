package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain paragraph",
			input:    "<p>Hello <b>world</b></p>",
			expected: "Hello world",
		},
		{
			name:     "style and script blocks removed",
			input:    "<style type=\"text/css\">p { color: red; }</style><p>Body</p><SCRIPT>alert('x')</SCRIPT>",
			expected: "Body",
		},
		{
			name:     "multiline blocks",
			input:    "<html><head><style>\nbody {\n  margin: 0;\n}\n</style></head>\n<body>\n  <div>Line one</div>\n\n  <div>Line two</div>\n</body></html>",
			expected: "Line one Line two",
		},
		{
			name:     "non greedy block match",
			input:    "<script>a()</script>keep<script>b()</script>",
			expected: "keep",
		},
		{
			name:     "entities left as is",
			input:    "<p>Fish &amp; Chips</p>",
			expected: "Fish &amp; Chips",
		},
		{
			name:     "no tags",
			input:    "  just   text\t\there  ",
			expected: "just text here",
		},
		{
			name:     "empty",
			input:    "",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripHTML(tt.input))
		})
	}
}

func TestStripHTMLRemovesAllTags(t *testing.T) {
	inputs := []string{
		`<table border="1"><tr><td>a</td><td>b</td></tr></table>`,
		`<a href="https://example.com" target="_blank">link</a><br/><img src="cid:logo">`,
		"<div\nclass=\"x\">wrapped</div>",
	}
	for _, in := range inputs {
		out := StripHTML(in)
		assert.NotContains(t, out, "<")
		assert.NotContains(t, out, ">")
		assert.NotContains(t, out, "  ")
	}
}

func TestHTMLSanitizer(t *testing.T) {
	s := NewHTMLSanitizer()

	out := s.Sanitize(`<p style="color:red">Hi</p><script>alert(1)</script><a href="javascript:evil()">x</a>`)
	assert.Contains(t, out, "Hi</p>")
	assert.NotContains(t, out, "<script")
	assert.NotContains(t, out, "javascript:")

	out = s.Sanitize(`<img src="cid:logo@mail" onerror="steal()">`)
	assert.Contains(t, out, `cid:logo@mail`)
	assert.NotContains(t, out, "onerror")

	var nilSanitizer *HTMLSanitizer
	assert.Equal(t, "<b>x</b>", nilSanitizer.Sanitize("<b>x</b>"))
}

func TestPreview(t *testing.T) {
	long := strings.Repeat("ä", 150)

	assert.Equal(t, "plain body", Preview("plain body", "<p>ignored</p>"))
	assert.Equal(t, "from html", Preview("", "<p>from <i>html</i></p>"))
	assert.Equal(t, "", Preview("", ""))
	assert.Equal(t, strings.Repeat("ä", PreviewLength), Preview(long, ""))
	assert.Equal(t, strings.Repeat("ä", PreviewLength), Preview("", "<div>"+long+"</div>"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", Truncate("abc", 0))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "日本", Truncate("日本語", 2))
}
