package llm

import (
	"regexp"
	"strings"
)

var (
	leadingFenceRegex  = regexp.MustCompile("^```[a-zA-Z]*[ \t]*\\r?\\n?")
	trailingFenceRegex = regexp.MustCompile("\\r?\\n?```$")
)

// Normalize turns a raw model reply into the text that should be parsed as
// JSON. In order it trims whitespace, drops one leading and one trailing
// code fence, removes // and /* */ comments that sit outside string
// literals, and keeps only the span from the first '{' to the last '}'.
// When no braces are present the comment-free text is returned as is.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)

	s = leadingFenceRegex.ReplaceAllString(s, "")
	s = trailingFenceRegex.ReplaceAllString(s, "")

	s = StripComments(s)

	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return strings.TrimSpace(s)
	}
	return s[start : end+1]
}

// StripComments removes line and block comments outside of JSON string
// literals. A "//" inside a string such as a URL is left alone.
func StripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))

	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if inString {
			b.WriteByte(ch)
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}

		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			continue
		}

		if ch == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				// Skip to end of line, keep the newline.
				j := strings.IndexByte(s[i:], '\n')
				if j == -1 {
					return b.String()
				}
				i += j - 1
				continue
			case '*':
				j := strings.Index(s[i+2:], "*/")
				if j == -1 {
					return b.String()
				}
				i += 2 + j + 1
				continue
			}
		}

		b.WriteByte(ch)
	}

	return b.String()
}
