package model

import "time"

// RelationshipKindRelated is the default kind for media-to-media links.
const RelationshipKindRelated = "related"

// Relationship is a directed edge between two entities. It has no identity
// beyond the (SourceID, TargetID, Kind) triple.
type Relationship struct {
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// RelationshipGroup is one outgoing group of the anchor: every target linked
// with the same kind.
type RelationshipGroup struct {
	Kind    string   `json:"kind"`
	Targets []Entity `json:"targets"`
}

// SourceGroup is one incoming group of the anchor: the source pointing at it
// and every other target of that source (siblings include the anchor).
type SourceGroup struct {
	Kind     string   `json:"kind"`
	Source   Entity   `json:"source"`
	Siblings []Entity `json:"siblings"`
}

// EntityGraph is the nested graph fetched for one anchor entity.
type EntityGraph struct {
	Entity       Entity              `json:"entity"`
	TargetsCount int                 `json:"targets_count"`
	SourcesCount int                 `json:"sources_count"`
	Targets      []RelationshipGroup `json:"targets"`
	Sources      []SourceGroup       `json:"sources"`
}

// Resolution is the flattened related-items view of an anchor.
type Resolution struct {
	Items       []Entity `json:"items"`
	HiddenCount int      `json:"hidden_count"`
	TotalCount  int      `json:"total_count"`
}
