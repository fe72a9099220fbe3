// Package store persists entities and their relationships for the desk.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenthands/verity/internal/core/model"
)

var ErrNotFound = errors.New("entity not found")

type Store interface {
	SaveEntity(ctx context.Context, e model.Entity) error
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	UpdateFields(ctx context.Context, id string, fields map[string]string) (*model.Entity, error)
	DeleteEntity(ctx context.Context, id string) error
	SaveRelationship(ctx context.Context, r model.Relationship) error
	DeleteRelationship(ctx context.Context, r model.Relationship) error
	LoadGraph(ctx context.Context, id string, filters model.Filters) (*model.EntityGraph, error)
	Close(ctx context.Context) error
}

// Linked is an entity reached over a relationship of the given kind.
type Linked struct {
	Kind   string
	Entity model.Entity
}

// Reader is the set of lookups a graph is assembled from.
type Reader interface {
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	Targets(ctx context.Context, id string) ([]Linked, error)
	Sources(ctx context.Context, id string) ([]Linked, error)
	Siblings(ctx context.Context, sourceID, kind string) ([]model.Entity, error)
}

// Assemble builds the nested graph of id: outgoing groups by kind in first
// seen order, and one source group per incoming relationship.
func Assemble(ctx context.Context, r Reader, id string, filters model.Filters) (*model.EntityGraph, error) {
	spec, err := model.ParseFilters(filters)
	if err != nil {
		return nil, err
	}

	anchor, err := r.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	graph := &model.EntityGraph{Entity: *anchor}

	targets, err := r.Targets(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load targets of %s: %w", id, err)
	}
	graph.TargetsCount = len(targets)
	index := make(map[string]int)
	for _, t := range targets {
		i, ok := index[t.Kind]
		if !ok {
			i = len(graph.Targets)
			index[t.Kind] = i
			graph.Targets = append(graph.Targets, model.RelationshipGroup{Kind: t.Kind})
		}
		graph.Targets[i].Targets = append(graph.Targets[i].Targets, t.Entity)
	}

	sources, err := r.Sources(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load sources of %s: %w", id, err)
	}
	graph.SourcesCount = len(sources)
	for _, s := range sources {
		siblings, err := r.Siblings(ctx, s.Entity.ID, s.Kind)
		if err != nil {
			return nil, fmt.Errorf("failed to load siblings under %s: %w", s.Entity.ID, err)
		}
		graph.Sources = append(graph.Sources, model.SourceGroup{
			Kind:     s.Kind,
			Source:   s.Entity,
			Siblings: siblings,
		})
	}

	graph.FilterTargets(spec)
	return graph, nil
}

// MergeFields applies fields over e and returns the updated copy.
func MergeFields(e model.Entity, fields map[string]string) model.Entity {
	out := e.Clone()
	if out.Fields == nil {
		out.Fields = make(map[string]string, len(fields))
	}
	for k, v := range fields {
		out.Fields[k] = v
	}
	return out
}
