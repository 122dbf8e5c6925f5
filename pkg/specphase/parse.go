package specphase

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// jsonBlockPattern matches a fenced ```json ... ``` block.
var jsonBlockPattern = regexp.MustCompile("(?s)```json\\s*(.*?)\\s*```")

// extractJSONCandidate pulls the JSON payload out of agent output: a fenced
// ```json block if present, otherwise the first balanced {...} span (spec.md
// §4.6 step 8).
func extractJSONCandidate(output string) (string, error) {
	if m := jsonBlockPattern.FindStringSubmatch(output); m != nil {
		return m[1], nil
	}
	if span, ok := firstBalancedObject(output); ok {
		return span, nil
	}
	return "", fmt.Errorf("no JSON object found in output")
}

// firstBalancedObject scans for the first top-level {...} span, respecting
// string literals so braces inside strings don't confuse the brace count.
func firstBalancedObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start == -1 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// fixUnescapedControlChars replaces literal newlines, carriage returns, and
// tabs that appear inside JSON string literals with their escape sequences,
// via a state machine tracking in_string/escaped (spec.md §4.6 step 9). Most
// agent output is already valid JSON; this is a fallback for the occasional
// multi-line string value the agent forgot to escape.
func fixUnescapedControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
				b.WriteByte(c)
				continue
			case c == '\\':
				escaped = true
				b.WriteByte(c)
				continue
			case c == '"':
				inString = false
				b.WriteByte(c)
				continue
			case c == '\n':
				b.WriteString(`\n`)
				continue
			case c == '\r':
				b.WriteString(`\r`)
				continue
			case c == '\t':
				b.WriteString(`\t`)
				continue
			default:
				b.WriteByte(c)
				continue
			}
		}
		if c == '"' {
			inString = true
		}
		b.WriteByte(c)
	}
	return b.String()
}

// likelyTruncated reports whether output looks like it was cut off
// mid-stream: a trailing quote or comma, or an opened but unclosed ```json
// fence (spec.md §4.6 step 8, used to annotate the failure message).
func likelyTruncated(output string) bool {
	trimmed := strings.TrimRight(output, " \n\r\t")
	if strings.HasSuffix(trimmed, `"`) || strings.HasSuffix(trimmed, ",") {
		return true
	}
	if strings.Count(output, "```")%2 != 0 {
		return true
	}
	return false
}

// parseJSON tries the raw candidate first, then the control-char-fixed
// version, matching spec.md §4.6 step 9 ("try unfixed first, then fixed").
func parseJSON(candidate string, out any) error {
	if err := json.Unmarshal([]byte(candidate), out); err == nil {
		return nil
	}
	fixed := fixUnescapedControlChars(candidate)
	return json.Unmarshal([]byte(fixed), out)
}

// tailForError returns up to n bytes from the end of s, for embedding in a
// failure message.
func tailForError(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
