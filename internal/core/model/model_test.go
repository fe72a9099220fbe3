package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResponseContent(t *testing.T) {
	content := `[{"field_name": "response_free_text", "value": "It is fake"}, {"field_name": "note_free_text", "value": "Reverse image search"}, {"field_name": "task_free_text", "value": "12"}]`

	resp, err := ParseResponseContent(content)
	require.NoError(t, err)
	assert.Equal(t, "It is fake", resp.Response)
	assert.Equal(t, "Reverse image search", resp.Note)

	_, err = ParseResponseContent("{")
	assert.Error(t, err)

	empty, err := ParseResponseContent("")
	require.NoError(t, err)
	assert.Equal(t, TaskResponse{}, empty)
}

func TestTaskAnswer(t *testing.T) {
	task := Entity{ID: "t1", Type: TypeTask}
	_, ok, err := TaskAnswer(task)
	require.NoError(t, err)
	assert.False(t, ok)

	task.FirstResponse = &Entity{
		ID:   "d1",
		Type: TypeDynamic,
		Fields: map[string]string{
			"content":   EncodeResponseContent("yes_no", "yes", ""),
			"annotator": "Ana",
		},
	}
	resp, ok, err := TaskAnswer(task)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, TaskResponse{Response: "yes", By: "Ana"}, resp)
}

func TestFilters(t *testing.T) {
	assert.Equal(t, Filters(""), NewFilters(FilterSpec{}))

	f := NewFilters(FilterSpec{Keyword: "flood"})
	spec, err := ParseFilters(f)
	require.NoError(t, err)
	assert.Equal(t, "flood", spec.Keyword)

	assert.True(t, spec.Match(Entity{Fields: map[string]string{"title": "FLOOD warning"}}))
	assert.False(t, spec.Match(Entity{Fields: map[string]string{"title": "Drought"}}))
	assert.True(t, FilterSpec{}.Match(Entity{}))
}

func TestFilterTargetsByKind(t *testing.T) {
	g := EntityGraph{
		TargetsCount: 2,
		Targets: []RelationshipGroup{
			{Kind: "related", Targets: []Entity{{ID: "a"}}},
			{Kind: "duplicate", Targets: []Entity{{ID: "b"}}},
		},
	}
	g.FilterTargets(FilterSpec{Kind: "duplicate"})
	require.Len(t, g.Targets, 1)
	assert.Equal(t, "b", g.Targets[0].Targets[0].ID)
	assert.Equal(t, 2, g.TargetsCount)
}

func TestEntityClone(t *testing.T) {
	e := Entity{ID: "t1", Fields: map[string]string{"label": "a"}, FirstResponse: &Entity{ID: "d1"}}
	c := e.Clone()
	c.Fields["label"] = "b"
	c.FirstResponse.ID = "d2"
	assert.Equal(t, "a", e.Fields["label"])
	assert.Equal(t, "d1", e.FirstResponse.ID)
}
