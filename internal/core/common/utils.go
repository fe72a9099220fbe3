package common

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseJSON unmarshals a JSON object held in a string into a type T.
// Surrounding whitespace is ignored; anything else around the object is an error.
func ParseJSON[T any](s string) (T, error) {
	var zero T
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{") {
		return zero, fmt.Errorf("no JSON object found (missing '{')")
	}

	var result T
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal JSON: %w\nData: %s", err, trimmed)
	}
	return result, nil
}

type errorPayload struct {
	Error string `json:"error"`
}

// ErrorMessage derives the user-visible message from a failed mutation's
// source. A structured {"error": "..."} payload yields its error string;
// anything else is shown raw.
func ErrorMessage(source string) string {
	payload, err := ParseJSON[errorPayload](source)
	if err != nil || payload.Error == "" {
		return source
	}
	return payload.Error
}

// DecodeMessage decodes the message of a push event. The message is normally
// a JSON string holding JSON, so a second decode is attempted when the first
// yields a string.
func DecodeMessage[T any](message string) (T, error) {
	var zero T
	trimmed := strings.TrimSpace(message)
	if strings.HasPrefix(trimmed, `"`) {
		var inner string
		if err := json.Unmarshal([]byte(trimmed), &inner); err != nil {
			return zero, fmt.Errorf("failed to unwrap message: %w", err)
		}
		trimmed = inner
	}
	return ParseJSON[T](trimmed)
}
