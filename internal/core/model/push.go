package model

import "time"

// Push event names published by the desk.
const (
	EventEntityUpdated      = "entity_updated"
	EventEntityDestroyed    = "entity_destroyed"
	EventRelationshipChange = "relationship_change"
	EventProjectCreated     = "project_created"
)

// PushEvent is one notification delivered on a push channel. It is consumed
// once and never persisted.
type PushEvent struct {
	Channel         string `json:"channel"`
	EventName       string `json:"event"`
	Payload         string `json:"message"` // JSON encoded delta
	OriginSessionID string `json:"actor_session_id"`
}

// PushData is the data object carried on the wire: the delta is itself a
// JSON string inside the message field.
type PushData struct {
	Message        string `json:"message"`
	ActorSessionID string `json:"actor_session_id"`
}

// EntityDelta is the decoded message of an entity_updated event.
type EntityDelta struct {
	ID     string            `json:"id"`
	Fields map[string]string `json:"fields"`
}

// RelationshipDelta is the decoded message of a relationship_change event.
type RelationshipDelta struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Kind     string `json:"kind"`
	Action   string `json:"action"` // created | destroyed
}

// PendingEdit is an in-flight optimistic change. It lives only between
// submission and reconciliation.
type PendingEdit struct {
	EntityID    string            `json:"entity_id"`
	FieldDelta  map[string]string `json:"field_delta"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Token       string            `json:"correlation_token"`
}
