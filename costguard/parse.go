package costguard

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned when a response contains no decodable JSON value.
var ErrNoJSON = errors.New("costguard: no json found in response")

// ExtractJSON pulls the first balanced JSON object or array out of an LLM
// response. Models often wrap JSON in prose or markdown fences; the scanner
// tracks string and escape state so braces inside strings do not confuse
// the balance count.
func ExtractJSON(text string) (json.RawMessage, error) {
	text = stripFences(text)
	for i := 0; i < len(text); i++ {
		open := text[i]
		if open != '{' && open != '[' {
			continue
		}
		if end, ok := scanBalanced(text, i); ok {
			candidate := text[i : end+1]
			if json.Valid([]byte(candidate)) {
				return json.RawMessage(candidate), nil
			}
		}
	}
	return nil, ErrNoJSON
}

// DecodeInto extracts JSON from prose and unmarshals it into out.
func DecodeInto(text string, out any) error {
	raw, err := ExtractJSON(text)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func scanBalanced(text string, start int) (int, bool) {
	open := text[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
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
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return i, true
			}
		}
	}
	return 0, false
}

func stripFences(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return text
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
