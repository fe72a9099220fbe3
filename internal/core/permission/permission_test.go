package permission

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanPerform(t *testing.T) {
	tests := []struct {
		name        string
		action      string
		permissions string
		want        bool
	}{
		{"empty permissions deny", "destroy Task", "", false},
		{"listed action", "destroy Task", "update Task, destroy Task", true},
		{"unlisted action", "destroy Task", "update Task", false},
		{"extra spaces", "update  Task", " update Task ,destroy Task", true},
		{"no prefix matching", "update Task", "update TaskStatus", false},
		{"malformed list entry", "update Task", "update Task, garbage", false},
		{"json granted", "update Task", `{"update Task": true, "destroy Task": false}`, true},
		{"json refused", "destroy Task", `{"update Task": true, "destroy Task": false}`, false},
		{"json non bool", "update Task", `{"update Task": "yes"}`, false},
		{"broken json", "update Task", `{"update Task": true`, false},
		{"empty action", "", "update Task", false},
		{"case sensitive resource", "update task", "update Task", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanPerform(tt.action, tt.permissions))
		})
	}
}

func TestRequire(t *testing.T) {
	assert.NoError(t, Require("update Task", Encode("update Task")))

	err := Require("destroy Task", Encode("update Task"))
	var denied *DeniedError
	assert.True(t, errors.As(err, &denied))
	assert.Equal(t, "destroy Task", denied.Action)
}

func TestEncodeRoundTrip(t *testing.T) {
	perms := Encode(Action("update", "Task"), Action("destroy", "Task"))
	assert.True(t, CanPerform("update Task", perms))
	assert.True(t, CanPerform("destroy Task", perms))
	assert.False(t, CanPerform("create Task", perms))
}
