package agentloop

import (
	"encoding/json"
	"errors"
	"regexp"
)

// ErrNoJSONObject is returned when a final answer holds no JSON object.
var ErrNoJSONObject = errors.New("no JSON object in model output")

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// ExtractJSONObject returns the first JSON object in text. Fenced code
// blocks are tried first, then the first balanced {...} that parses.
func ExtractJSONObject(text string) (map[string]any, error) {
	for _, m := range fencedJSON.FindAllStringSubmatch(text, -1) {
		if obj, ok := parseObject(m[1]); ok {
			return obj, nil
		}
	}
	for start := 0; start < len(text); start++ {
		if text[start] != '{' {
			continue
		}
		end := balancedEnd(text, start)
		if end < 0 {
			continue
		}
		if obj, ok := parseObject(text[start : end+1]); ok {
			return obj, nil
		}
	}
	return nil, ErrNoJSONObject
}

func parseObject(s string) (map[string]any, bool) {
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

// balancedEnd returns the index of the brace closing the one at start,
// skipping braces inside JSON strings, or -1.
func balancedEnd(s string, start int) int {
	depth := 0
	inString, escaped := false, false
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
				return i
			}
		}
	}
	return -1
}
