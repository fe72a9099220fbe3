package model

import "time"

// Entity types known to the desk.
const (
	TypeTask         = "Task"
	TypeDynamic      = "Dynamic"
	TypeProjectMedia = "ProjectMedia"
	TypeComment      = "Comment"
	TypeUser         = "User"
	TypeTeam         = "Team"
	TypeProject      = "Project"
)

type Entity struct {
	ID            string            `json:"id"`
	Type          string            `json:"type"`
	Fields        map[string]string `json:"fields"`
	Permissions   string            `json:"permissions"`
	Archived      bool              `json:"archived"`
	PusherChannel string            `json:"pusher_channel"`
	FirstResponse *Entity           `json:"first_response,omitempty"` // Answer to a task
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand out entities without sharing field maps.
func (e Entity) Clone() Entity {
	out := e
	out.Fields = CopyFields(e.Fields)
	if e.FirstResponse != nil {
		fr := e.FirstResponse.Clone()
		out.FirstResponse = &fr
	}
	return out
}

// ChannelFor is the push channel every entity publishes on.
func ChannelFor(entityID string) string {
	return "verity-entity-" + entityID
}

func CopyFields(fields map[string]string) map[string]string {
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}
