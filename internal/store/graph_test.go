package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/driver"
)

type executed struct {
	Query  string
	Params map[string]any
}

// MockDriver answers each query with a canned result chosen by a matcher.
type MockDriver struct {
	Executed []executed
	Respond  func(query string, params map[string]any) (neo4j.EagerResult, error)
}

func (m *MockDriver) ExecuteQuery(ctx context.Context, query string, params map[string]any) (neo4j.EagerResult, error) {
	m.Executed = append(m.Executed, executed{Query: query, Params: params})
	if m.Respond == nil {
		return neo4j.EagerResult{}, nil
	}
	return m.Respond(query, params)
}

func (m *MockDriver) BuildIndices(ctx context.Context) error {
	return nil
}

func (m *MockDriver) Close(ctx context.Context) error {
	return nil
}

var entityKeys = []string{"kind", "id", "type", "fields", "permissions", "archived", "pusher_channel", "first_response_id", "created_at", "updated_at"}

func entityRecord(kind, id, fields string) *neo4j.Record {
	return &neo4j.Record{
		Keys:   entityKeys,
		Values: []any{kind, id, model.TypeProjectMedia, fields, "", false, model.ChannelFor(id), "", "2024-05-01T10:00:00Z", "2024-05-01T10:00:00Z"},
	}
}

func result(records ...*neo4j.Record) neo4j.EagerResult {
	return neo4j.EagerResult{Keys: entityKeys, Records: records}
}

func fixedStore(d driver.GraphDriver) *GraphStore {
	s := NewGraphStore(d)
	s.Now = func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestGraphStoreSaveEntity(t *testing.T) {
	d := &MockDriver{}
	s := fixedStore(d)

	err := s.SaveEntity(context.Background(), model.Entity{
		ID:     "task-1",
		Type:   model.TypeTask,
		Fields: map[string]string{"label": "Where was it taken?"},
		FirstResponse: &model.Entity{
			ID:     "dyn-1",
			Type:   model.TypeDynamic,
			Fields: map[string]string{"content": "[]"},
		},
	})
	require.NoError(t, err)

	require.Len(t, d.Executed, 2)
	assert.Equal(t, "dyn-1", d.Executed[0].Params["id"])
	params := d.Executed[1].Params
	assert.Equal(t, "task-1", params["id"])
	assert.Equal(t, `{"label":"Where was it taken?"}`, params["fields"])
	assert.Equal(t, "dyn-1", params["first_response_id"])
	assert.Equal(t, model.ChannelFor("task-1"), params["pusher_channel"])
	assert.Equal(t, "2024-05-01T10:00:00Z", params["created_at"])
}

func TestGraphStoreGetEntityNotFound(t *testing.T) {
	s := fixedStore(&MockDriver{})
	_, err := s.GetEntity(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestGraphStoreLoadGraph(t *testing.T) {
	d := &MockDriver{Respond: func(query string, params map[string]any) (neo4j.EagerResult, error) {
		switch query {
		case driver.GetEntityQuery:
			return result(entityRecord("", params["id"].(string), `{"title":"anchor"}`)), nil
		case driver.GetTargetsQuery:
			if params["id"] == "m1" {
				return result(
					entityRecord("related", "m2", `{"title":"flood"}`),
					entityRecord("related", "m3", `{"title":"fire"}`),
					entityRecord("duplicate", "m4", `{}`),
				), nil
			}
		case driver.GetSourcesQuery:
			if params["id"] == "m1" {
				return result(entityRecord("related", "m0", `{}`)), nil
			}
		case driver.GetSiblingsQuery:
			return result(entityRecord("related", "m1", `{}`), entityRecord("related", "m5", `{}`)), nil
		}
		return result(), nil
	}}
	s := fixedStore(d)

	g, err := s.LoadGraph(context.Background(), "m1", model.NewFilters(model.FilterSpec{Keyword: "flood"}))
	require.NoError(t, err)

	assert.Equal(t, "m1", g.Entity.ID)
	assert.Equal(t, 3, g.TargetsCount)
	require.Len(t, g.Targets, 2)
	assert.Equal(t, "related", g.Targets[0].Kind)
	require.Len(t, g.Targets[0].Targets, 1)
	assert.Equal(t, "m2", g.Targets[0].Targets[0].ID)
	assert.Empty(t, g.Targets[1].Targets)

	require.Len(t, g.Sources, 1)
	assert.Equal(t, "m0", g.Sources[0].Source.ID)
	assert.Len(t, g.Sources[0].Siblings, 2)
}

func TestGraphStoreUpdateFields(t *testing.T) {
	d := &MockDriver{Respond: func(query string, params map[string]any) (neo4j.EagerResult, error) {
		if query == driver.GetEntityQuery {
			return result(entityRecord("", "m1", `{"title":"old","status":"undetermined"}`)), nil
		}
		return result(), nil
	}}
	s := fixedStore(d)

	e, err := s.UpdateFields(context.Background(), "m1", map[string]string{"title": "new"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"title": "new", "status": "undetermined"}, e.Fields)

	last := d.Executed[len(d.Executed)-1]
	assert.Equal(t, driver.SaveEntityQuery, last.Query)
}

func TestGraphStoreDriverError(t *testing.T) {
	boom := errors.New("bolt down")
	s := fixedStore(&MockDriver{Respond: func(string, map[string]any) (neo4j.EagerResult, error) {
		return neo4j.EagerResult{}, boom
	}})
	_, err := s.LoadGraph(context.Background(), "m1", "")
	assert.ErrorIs(t, err, boom)
}
