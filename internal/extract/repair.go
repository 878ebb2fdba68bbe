package extract

import (
	"encoding/json"
	"regexp"
	"strings"
)

var trailingCommaRegex = regexp.MustCompile(`,\s*([}\]])`)

// CleanJSON recovers a JSON document from raw model output. It strips
// markdown code fences, slices away prose around the outermost object or
// array, drops trailing commas and closes unbalanced brackets.
func CleanJSON(raw string) (string, error) {
	text := strings.TrimSpace(strings.TrimPrefix(raw, "\ufeff"))
	if text == "" {
		return "", ErrEmptyOutput
	}

	text = stripFences(text)
	text = sliceOutermost(text)
	if json.Valid([]byte(text)) {
		return text, nil
	}

	repaired := balanceBrackets(text)
	repaired = trailingCommaRegex.ReplaceAllString(repaired, "$1")
	if json.Valid([]byte(repaired)) {
		return repaired, nil
	}
	return "", &Error{Reason: Malformed, Detail: "output is not valid JSON"}
}

func stripFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	if _, after, ok := strings.Cut(text, "```json"); ok {
		body, _, _ := strings.Cut(after, "```")
		return strings.TrimSpace(body)
	}
	_, after, _ := strings.Cut(text, "```")
	body, _, _ := strings.Cut(after, "```")
	return strings.TrimSpace(body)
}

func sliceOutermost(text string) string {
	if strings.HasPrefix(text, "{") || strings.HasPrefix(text, "[") {
		return text
	}
	start := strings.IndexAny(text, "{[")
	if start == -1 {
		return text
	}
	closer := "}"
	if text[start] == '[' {
		closer = "]"
	}
	end := strings.LastIndex(text, closer)
	if end < start {
		return text[start:]
	}
	return text[start : end+1]
}

// balanceBrackets appends closers for brackets left open outside of strings.
func balanceBrackets(text string) string {
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(text); i++ {
		c := text[i]
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var sb strings.Builder
	sb.WriteString(text)
	if inString {
		sb.WriteByte('"')
	}
	for i := len(stack) - 1; i >= 0; i-- {
		sb.WriteByte(stack[i])
	}
	return sb.String()
}
