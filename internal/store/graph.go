package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/driver"
)

// GraphStore keeps entities as :Entity nodes and relationships as :RELATED
// edges in Memgraph or Neo4j.
type GraphStore struct {
	Driver driver.GraphDriver
	Now    func() time.Time
}

func NewGraphStore(d driver.GraphDriver) *GraphStore {
	return &GraphStore{Driver: d, Now: func() time.Time { return time.Now().UTC() }}
}

func (s *GraphStore) SaveEntity(ctx context.Context, e model.Entity) error {
	if e.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	now := s.Now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	if e.PusherChannel == "" {
		e.PusherChannel = model.ChannelFor(e.ID)
	}

	firstResponseID := ""
	if e.FirstResponse != nil {
		if err := s.SaveEntity(ctx, *e.FirstResponse); err != nil {
			return fmt.Errorf("failed to save first response: %w", err)
		}
		firstResponseID = e.FirstResponse.ID
	}

	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("failed to encode fields: %w", err)
	}

	params := map[string]any{
		"id":                e.ID,
		"type":              e.Type,
		"fields":            string(fields),
		"permissions":       e.Permissions,
		"archived":          e.Archived,
		"pusher_channel":    e.PusherChannel,
		"first_response_id": firstResponseID,
		"created_at":        e.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":        e.UpdatedAt.Format(time.RFC3339Nano),
	}
	_, err = s.Driver.ExecuteQuery(ctx, driver.SaveEntityQuery, params)
	return err
}

func (s *GraphStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	res, err := s.Driver.ExecuteQuery(ctx, driver.GetEntityQuery, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(res.Records) == 0 {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	e, frID, err := decodeEntity(res.Records[0])
	if err != nil {
		return nil, err
	}
	if frID != "" {
		fr, err := s.GetEntity(ctx, frID)
		if err != nil {
			return nil, fmt.Errorf("failed to load first response of %s: %w", id, err)
		}
		e.FirstResponse = fr
	}
	return &e, nil
}

func (s *GraphStore) UpdateFields(ctx context.Context, id string, fields map[string]string) (*model.Entity, error) {
	e, err := s.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := MergeFields(*e, fields)
	updated.UpdatedAt = s.Now()
	if err := s.SaveEntity(ctx, updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (s *GraphStore) DeleteEntity(ctx context.Context, id string) error {
	if _, err := s.GetEntity(ctx, id); err != nil {
		return err
	}
	_, err := s.Driver.ExecuteQuery(ctx, driver.DeleteEntityQuery, map[string]any{"id": id})
	return err
}

func (s *GraphStore) SaveRelationship(ctx context.Context, r model.Relationship) error {
	if r.Kind == "" {
		r.Kind = model.RelationshipKindRelated
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.Now()
	}
	res, err := s.Driver.ExecuteQuery(ctx, driver.SaveRelationshipQuery, map[string]any{
		"source_id":  r.SourceID,
		"target_id":  r.TargetID,
		"kind":       r.Kind,
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	if len(res.Records) == 0 {
		return fmt.Errorf("%s -> %s: %w", r.SourceID, r.TargetID, ErrNotFound)
	}
	return nil
}

func (s *GraphStore) DeleteRelationship(ctx context.Context, r model.Relationship) error {
	if r.Kind == "" {
		r.Kind = model.RelationshipKindRelated
	}
	_, err := s.Driver.ExecuteQuery(ctx, driver.DeleteRelationshipQuery, map[string]any{
		"source_id": r.SourceID,
		"target_id": r.TargetID,
		"kind":      r.Kind,
	})
	return err
}

func (s *GraphStore) LoadGraph(ctx context.Context, id string, filters model.Filters) (*model.EntityGraph, error) {
	return Assemble(ctx, s, id, filters)
}

func (s *GraphStore) Targets(ctx context.Context, id string) ([]Linked, error) {
	return s.linked(ctx, driver.GetTargetsQuery, map[string]any{"id": id})
}

func (s *GraphStore) Sources(ctx context.Context, id string) ([]Linked, error) {
	return s.linked(ctx, driver.GetSourcesQuery, map[string]any{"id": id})
}

func (s *GraphStore) Siblings(ctx context.Context, sourceID, kind string) ([]model.Entity, error) {
	linked, err := s.linked(ctx, driver.GetSiblingsQuery, map[string]any{"source_id": sourceID, "kind": kind})
	if err != nil {
		return nil, err
	}
	out := make([]model.Entity, 0, len(linked))
	for _, l := range linked {
		out = append(out, l.Entity)
	}
	return out, nil
}

func (s *GraphStore) Close(ctx context.Context) error {
	return s.Driver.Close(ctx)
}

func (s *GraphStore) linked(ctx context.Context, query string, params map[string]any) ([]Linked, error) {
	res, err := s.Driver.ExecuteQuery(ctx, query, params)
	if err != nil {
		return nil, err
	}
	out := make([]Linked, 0, len(res.Records))
	for _, rec := range res.Records {
		e, _, err := decodeEntity(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, Linked{Kind: recordString(rec, "kind"), Entity: e})
	}
	return out, nil
}

func decodeEntity(rec *neo4j.Record) (model.Entity, string, error) {
	e := model.Entity{
		ID:            recordString(rec, "id"),
		Type:          recordString(rec, "type"),
		Permissions:   recordString(rec, "permissions"),
		PusherChannel: recordString(rec, "pusher_channel"),
	}
	if archived, ok := rec.Get("archived"); ok {
		e.Archived, _ = archived.(bool)
	}
	if raw := recordString(rec, "fields"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Fields); err != nil {
			return e, "", fmt.Errorf("failed to decode fields of %s: %w", e.ID, err)
		}
	}
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, recordString(rec, "created_at"))
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, recordString(rec, "updated_at"))
	return e, recordString(rec, "first_response_id"), nil
}

func recordString(rec *neo4j.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok || v == nil {
		return ""
	}
	s, _ := v.(string)
	return s
}
