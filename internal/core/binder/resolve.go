package binder

import (
	"github.com/agenthands/verity/internal/core/model"
)

// ResolveRelationships flattens the anchor's relationship graph into the list
// of related items to show.
//
// With at least one outgoing group, the first group's targets are shown and
// the targets the filters left out are reported as hidden. Otherwise, with an
// incoming group, its source is shown first followed by its other targets.
// Archived items are never shown but still count towards the total.
func ResolveRelationships(graph model.EntityGraph, filters model.Filters) (model.Resolution, error) {
	spec, err := model.ParseFilters(filters)
	if err != nil {
		return model.Resolution{}, err
	}

	g := copyGraph(graph)
	g.FilterTargets(spec)

	res := model.Resolution{TotalCount: g.TargetsCount}
	var items []model.Entity

	switch {
	case len(g.Targets) > 0:
		items = g.Targets[0].Targets
		res.HiddenCount = g.TargetsCount - len(items)
		if res.HiddenCount < 0 {
			res.HiddenCount = 0
		}
	case len(g.Sources) > 0:
		src := g.Sources[0]
		items = append(items, src.Source)
		for _, sibling := range src.Siblings {
			if sibling.ID == g.Entity.ID {
				continue
			}
			items = append(items, sibling)
		}
	}

	res.Items = make([]model.Entity, 0, len(items))
	for _, item := range items {
		if item.Archived {
			continue
		}
		res.Items = append(res.Items, item)
	}
	return res, nil
}

// copyGraph copies the group slices so filtering never touches a cached graph.
func copyGraph(g model.EntityGraph) model.EntityGraph {
	out := g
	out.Targets = make([]model.RelationshipGroup, len(g.Targets))
	for i, grp := range g.Targets {
		grp.Targets = append([]model.Entity(nil), grp.Targets...)
		out.Targets[i] = grp
	}
	out.Sources = append([]model.SourceGroup(nil), g.Sources...)
	return out
}
