package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// decodeLooseJSON parses LLM output that is supposed to be a JSON object but
// often is not quite. It tries, in order: the raw text, a fenced ```json
// block, and the substring from the first "{" to the last "}". Each attempt
// strips // comments first, since local models like to annotate their output.
func decodeLooseJSON(raw string, v interface{}) error {
	candidates := []string{strings.TrimSpace(raw)}

	if fenced := extractFencedBlock(raw); fenced != "" {
		candidates = append(candidates, fenced)
	}
	if braced := extractBracedObject(raw); braced != "" {
		candidates = append(candidates, braced)
	}

	var lastErr error
	for _, cand := range candidates {
		if err := json.Unmarshal([]byte(stripLineComments(cand)), v); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return fmt.Errorf("no parseable JSON object in response: %w", lastErr)
}

// extractFencedBlock returns the contents of the first ```json or ``` fence
func extractFencedBlock(s string) string {
	start := strings.Index(s, "```json")
	offset := len("```json")
	if start < 0 {
		start = strings.Index(s, "```")
		offset = len("```")
	}
	if start < 0 {
		return ""
	}
	rest := s[start+offset:]
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// extractBracedObject returns the substring from the first "{" to the last "}"
func extractBracedObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// stripLineComments removes // comments outside string literals. A "//"
// directly after ":" is kept, so URL values like "https://..." survive.
func stripLineComments(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		b.WriteString(stripComment(line))
		b.WriteByte('\n')
	}
	return b.String()
}

func stripComment(line string) string {
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '/':
			if inString {
				continue
			}
			if i+1 < len(line) && line[i+1] == '/' && (i == 0 || line[i-1] != ':') {
				return strings.TrimRight(line[:i], " \t")
			}
		}
	}
	return line
}
