package model

// MutationType names a remote mutation.
type MutationType string

const (
	MutationUpdateTask          MutationType = "updateTask"
	MutationUpdateDynamic       MutationType = "updateDynamic"
	MutationCreateTaskResponse  MutationType = "createTaskResponse"
	MutationDeleteAnnotation    MutationType = "deleteAnnotation"
	MutationCreateRelationship  MutationType = "createRelationship"
	MutationDestroyRelationship MutationType = "destroyRelationship"
	MutationDeleteCheckUser     MutationType = "deleteCheckUser"
	MutationUpdateEntity        MutationType = "updateEntity"
)

// Mutation is the submission payload.
type Mutation struct {
	EntityID     string            `json:"entity_id"`
	Fields       map[string]string `json:"fields"`
	MutationType MutationType      `json:"mutation_type"`
}

// Outcome is the result of one mutation submission. On failure ErrorSource
// carries the raw transport error, which may or may not be JSON.
type Outcome struct {
	OK           bool           `json:"ok"`
	ServerFields map[string]any `json:"server_fields,omitempty"`
	ErrorSource  string         `json:"error_source,omitempty"`
}

func Succeeded(serverFields map[string]any) Outcome {
	return Outcome{OK: true, ServerFields: serverFields}
}

func Failed(source string) Outcome {
	return Outcome{OK: false, ErrorSource: source}
}

// View is the state a controller exposes for rendering.
type View struct {
	EntityID string            `json:"entity_id"`
	Fields   map[string]string `json:"fields"`
	Pending  []string          `json:"pending"`
	Message  string            `json:"message,omitempty"`
}
