package llm

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\\s*\\n?(.*?)```")

// CleanJSONResponse removes markdown code fences and surrounding whitespace
// from a model response.
func CleanJSONResponse(response string) string {
	response = strings.TrimSpace(response)
	if m := fencePattern.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	return response
}

// ParseJSONObject parses a JSON object out of a model response. It first tries
// the cleaned response and then the outermost brace-delimited snippet.
func ParseJSONObject(response string, target interface{}) error {
	cleaned := CleanJSONResponse(response)
	if err := json.Unmarshal([]byte(cleaned), target); err == nil {
		return nil
	}

	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), target); err == nil {
			return nil
		}
	}
	return &JSONParseError{Response: response, Message: "could not parse JSON object"}
}

// ExtractJSONArray parses a JSON array out of a model response.
func ExtractJSONArray[T any](response string) ([]T, error) {
	cleaned := CleanJSONResponse(response)
	var result []T
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return result, nil
	}

	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start >= 0 && end > start {
		if err := json.Unmarshal([]byte(cleaned[start:end+1]), &result); err == nil {
			return result, nil
		}
	}
	return nil, &JSONParseError{Response: response, Message: "could not parse JSON array"}
}

// ExtractCodeBlock returns the body of the first fenced code block, or "" if
// the response has none.
func ExtractCodeBlock(response string) string {
	if m := fencePattern.FindStringSubmatch(response); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}

// JSONParseError represents an error that occurred while parsing a model's JSON response.
type JSONParseError struct {
	Response string
	Message  string
}

func (e *JSONParseError) Error() string {
	return e.Message + ": " + TruncateForError(e.Response, 200)
}

// TruncateForError truncates a string for error messages.
func TruncateForError(value string, limit int) string {
	value = strings.TrimSpace(value)
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit]) + "..."
}
