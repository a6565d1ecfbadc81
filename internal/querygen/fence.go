package querygen

import (
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[ \\t]*([A-Za-z0-9_+-]*)[^\\n]*\\n(.*?)```")

// extractFence returns the body of the fenced block tagged lang, or of the
// first untagged block, and the reply text outside that block.
func extractFence(text, lang string) (body, outside string, ok bool) {
	matches := fencePattern.FindAllStringSubmatchIndex(text, -1)
	pick := -1
	for i, m := range matches {
		tag := strings.ToLower(text[m[2]:m[3]])
		if tag == lang {
			pick = i
			break
		}
		if tag == "" && pick < 0 {
			pick = i
		}
	}
	if pick < 0 {
		return "", "", false
	}
	m := matches[pick]
	body = strings.TrimSpace(text[m[4]:m[5]])
	outside = strings.TrimSpace(text[:m[0]] + " " + text[m[1]:])
	return body, outside, true
}

func explanation(text string) string {
	return clip(text, 500)
}
