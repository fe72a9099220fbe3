// Package permission decides whether an action is offered for an entity.
//
// A permission string is either a JSON object mapping "verb Resource" phrases
// to booleans, as the authorization service emits it, or a comma separated
// list of granted phrases. Anything that is neither is treated as granting
// nothing.
package permission

import (
	"encoding/json"
	"fmt"
	"strings"
)

// CanPerform reports whether action is granted by permissions. Unknown or
// malformed permission strings deny.
func CanPerform(action, permissions string) bool {
	action = normalize(action)
	if action == "" {
		return false
	}
	granted, ok := parse(permissions)
	if !ok {
		return false
	}
	return granted[action]
}

// Require is CanPerform as an error, for callers that must refuse a write.
func Require(action, permissions string) error {
	if CanPerform(action, permissions) {
		return nil
	}
	return &DeniedError{Action: action}
}

// DeniedError is returned by Require.
type DeniedError struct {
	Action string
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("permission denied: %s", e.Action)
}

// Action builds the "verb Resource" phrase for an entity type.
func Action(verb, resource string) string {
	return verb + " " + resource
}

// Encode renders granted actions in the JSON form.
func Encode(actions ...string) string {
	m := make(map[string]bool, len(actions))
	for _, a := range actions {
		if a = normalize(a); a != "" {
			m[a] = true
		}
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func parse(permissions string) (map[string]bool, bool) {
	trimmed := strings.TrimSpace(permissions)
	if trimmed == "" {
		return nil, false
	}

	if strings.HasPrefix(trimmed, "{") {
		var raw map[string]any
		if err := json.Unmarshal([]byte(trimmed), &raw); err != nil {
			return nil, false
		}
		granted := make(map[string]bool, len(raw))
		for k, v := range raw {
			// Only a literal true grants.
			if b, ok := v.(bool); ok && b {
				granted[normalize(k)] = true
			}
		}
		return granted, true
	}

	granted := make(map[string]bool)
	for _, part := range strings.Split(trimmed, ",") {
		phrase := normalize(part)
		if phrase == "" {
			continue
		}
		if len(strings.Fields(phrase)) != 2 {
			return nil, false
		}
		granted[phrase] = true
	}
	return granted, len(granted) > 0
}

func normalize(phrase string) string {
	return strings.Join(strings.Fields(phrase), " ")
}
