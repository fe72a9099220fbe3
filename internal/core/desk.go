package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/core/permission"
	"github.com/agenthands/verity/internal/store"
)

var ErrUnknownMutation = errors.New("unknown mutation type")

// InvalidMutationError reports a mutation the desk cannot apply as given.
type InvalidMutationError struct {
	Reason string
}

func (e *InvalidMutationError) Error() string {
	return "invalid mutation: " + e.Reason
}

// Publisher sends push events to subscribed sessions.
type Publisher interface {
	Publish(ctx context.Context, ev model.PushEvent) error
}

// Actor is the caller of a mutation.
type Actor struct {
	SessionID string
	UserID    string
}

// Desk applies mutations to the store and announces every change on the
// affected entity's push channel, stamped with the actor's session.
type Desk struct {
	Store     store.Store
	Publisher Publisher
	Logger    *zap.Logger
	NewID     func() string
	Now       func() time.Time
}

func NewDesk(s store.Store, p Publisher, logger *zap.Logger) *Desk {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Desk{
		Store:     s,
		Publisher: p,
		Logger:    logger,
		NewID:     uuid.NewString,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

func (d *Desk) Entity(ctx context.Context, id string) (*model.Entity, error) {
	return d.Store.GetEntity(ctx, id)
}

func (d *Desk) Graph(ctx context.Context, id string, filters model.Filters) (*model.EntityGraph, error) {
	return d.Store.LoadGraph(ctx, id, filters)
}

// Apply runs m on behalf of actor and returns the entity's authoritative
// fields after the write.
func (d *Desk) Apply(ctx context.Context, actor Actor, m model.Mutation) (map[string]any, error) {
	if m.EntityID == "" {
		return nil, &InvalidMutationError{Reason: "entity_id is required"}
	}

	switch m.MutationType {
	case model.MutationUpdateTask:
		return d.updateFields(ctx, actor, m, model.TypeTask)
	case model.MutationUpdateDynamic:
		return d.updateFields(ctx, actor, m, model.TypeDynamic)
	case model.MutationUpdateEntity:
		return d.updateFields(ctx, actor, m, "")
	case model.MutationCreateTaskResponse:
		return d.createTaskResponse(ctx, actor, m)
	case model.MutationDeleteAnnotation:
		return d.deleteAnnotation(ctx, actor, m)
	case model.MutationCreateRelationship, model.MutationDestroyRelationship:
		return d.changeRelationship(ctx, actor, m)
	case model.MutationDeleteCheckUser:
		return d.deleteUser(ctx, actor, m)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMutation, m.MutationType)
	}
}

// CreateEntity stores e under parentID. Projects created under a team are
// announced on the team's channel.
func (d *Desk) CreateEntity(ctx context.Context, actor Actor, parentID string, e model.Entity) (*model.Entity, error) {
	if e.Type == "" {
		return nil, &InvalidMutationError{Reason: "type is required"}
	}
	parent, err := d.Store.GetEntity(ctx, parentID)
	if err != nil {
		return nil, err
	}
	if err := permission.Require(permission.Action("create", e.Type), parent.Permissions); err != nil {
		return nil, err
	}

	if e.ID == "" {
		e.ID = d.NewID()
	}
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields["parent_id"] = parent.ID
	now := d.Now()
	e.CreatedAt, e.UpdatedAt = now, now
	e.PusherChannel = model.ChannelFor(e.ID)
	if e.Permissions == "" {
		e.Permissions = permission.Encode(
			permission.Action("update", e.Type),
			permission.Action("destroy", e.Type),
		)
	}
	if err := d.Store.SaveEntity(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", e.Type, err)
	}

	if e.Type == model.TypeProject && parent.Type == model.TypeTeam {
		d.publish(ctx, actor, parent.PusherChannel, model.EventProjectCreated,
			model.EntityDelta{ID: e.ID, Fields: e.Fields})
	}
	return &e, nil
}

func (d *Desk) updateFields(ctx context.Context, actor Actor, m model.Mutation, want string) (map[string]any, error) {
	if len(m.Fields) == 0 {
		return nil, &InvalidMutationError{Reason: "no fields to update"}
	}
	e, err := d.load(ctx, m.EntityID, want)
	if err != nil {
		return nil, err
	}
	if err := permission.Require(permission.Action("update", e.Type), e.Permissions); err != nil {
		return nil, err
	}

	updated, err := d.Store.UpdateFields(ctx, e.ID, m.Fields)
	if err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", e.ID, err)
	}
	d.publish(ctx, actor, updated.PusherChannel, model.EventEntityUpdated,
		model.EntityDelta{ID: updated.ID, Fields: m.Fields})
	return serverFields(updated), nil
}

// createTaskResponse stores the answer as the task's first response and
// marks the task resolved.
func (d *Desk) createTaskResponse(ctx context.Context, actor Actor, m model.Mutation) (map[string]any, error) {
	task, err := d.load(ctx, m.EntityID, model.TypeTask)
	if err != nil {
		return nil, err
	}
	if err := permission.Require(permission.Action("update", model.TypeTask), task.Permissions); err != nil {
		return nil, err
	}
	response := m.Fields["response"]
	if response == "" {
		return nil, &InvalidMutationError{Reason: "response is required"}
	}

	now := d.Now()
	answer := model.Entity{
		ID:   d.NewID(),
		Type: model.TypeDynamic,
		Fields: map[string]string{
			"annotated_id": task.ID,
			"annotator":    actor.UserID,
			"content":      model.EncodeResponseContent(task.Fields["type"], response, m.Fields["note"]),
		},
		Permissions: permission.Encode(
			permission.Action("update", model.TypeDynamic),
			permission.Action("destroy", model.TypeDynamic),
		),
		CreatedAt: now,
		UpdatedAt: now,
	}
	answer.PusherChannel = model.ChannelFor(answer.ID)

	previous := task.FirstResponse
	task.FirstResponse = &answer
	if task.Fields == nil {
		task.Fields = map[string]string{}
	}
	task.Fields["status"] = "resolved"
	task.UpdatedAt = now
	if err := d.Store.SaveEntity(ctx, *task); err != nil {
		return nil, fmt.Errorf("failed to answer %s: %w", task.ID, err)
	}
	// The new answer replaces the old one.
	if previous != nil {
		d.dropAnswer(ctx, task.ID, previous.ID)
	}

	d.publish(ctx, actor, task.PusherChannel, model.EventEntityUpdated,
		model.EntityDelta{ID: task.ID, Fields: map[string]string{"status": "resolved"}})
	return serverFields(task), nil
}

func (d *Desk) deleteAnnotation(ctx context.Context, actor Actor, m model.Mutation) (map[string]any, error) {
	e, err := d.load(ctx, m.EntityID, "")
	if err != nil {
		return nil, err
	}
	switch e.Type {
	case model.TypeTask, model.TypeComment, model.TypeDynamic:
	default:
		return nil, &InvalidMutationError{Reason: e.Type + " is not an annotation"}
	}
	if err := permission.Require(permission.Action("destroy", e.Type), e.Permissions); err != nil {
		return nil, err
	}
	if err := d.Store.DeleteEntity(ctx, e.ID); err != nil {
		return nil, fmt.Errorf("failed to delete %s: %w", e.ID, err)
	}
	if e.FirstResponse != nil {
		d.dropAnswer(ctx, e.ID, e.FirstResponse.ID)
	}
	d.publish(ctx, actor, e.PusherChannel, model.EventEntityDestroyed, model.EntityDelta{ID: e.ID})
	return map[string]any{"deleted_id": e.ID}, nil
}

// dropAnswer deletes a task's answer record once nothing points at it. The
// task write has already happened, so failures are only logged.
func (d *Desk) dropAnswer(ctx context.Context, taskID, answerID string) {
	err := d.Store.DeleteEntity(ctx, answerID)
	if err == nil || errors.Is(err, store.ErrNotFound) {
		return
	}
	d.Logger.Warn("failed to delete replaced answer",
		zap.String("task_id", taskID),
		zap.String("answer_id", answerID),
		zap.Error(err))
}

// changeRelationship links or unlinks EntityID (the source) and
// Fields["target_id"]. Both entities hear about it.
func (d *Desk) changeRelationship(ctx context.Context, actor Actor, m model.Mutation) (map[string]any, error) {
	targetID := m.Fields["target_id"]
	if targetID == "" {
		return nil, &InvalidMutationError{Reason: "target_id is required"}
	}
	if targetID == m.EntityID {
		return nil, &InvalidMutationError{Reason: "an item cannot be related to itself"}
	}
	source, err := d.load(ctx, m.EntityID, "")
	if err != nil {
		return nil, err
	}
	if err := permission.Require(permission.Action("update", source.Type), source.Permissions); err != nil {
		return nil, err
	}
	target, err := d.load(ctx, targetID, "")
	if err != nil {
		return nil, err
	}

	rel := model.Relationship{SourceID: source.ID, TargetID: target.ID, Kind: m.Fields["kind"]}
	if rel.Kind == "" {
		rel.Kind = model.RelationshipKindRelated
	}
	action := "created"
	if m.MutationType == model.MutationCreateRelationship {
		rel.CreatedAt = d.Now()
		err = d.Store.SaveRelationship(ctx, rel)
	} else {
		action = "destroyed"
		err = d.Store.DeleteRelationship(ctx, rel)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to change relationship %s -> %s: %w", source.ID, target.ID, err)
	}

	delta := model.RelationshipDelta{SourceID: source.ID, TargetID: target.ID, Kind: rel.Kind, Action: action}
	d.publish(ctx, actor, source.PusherChannel, model.EventRelationshipChange, delta)
	d.publish(ctx, actor, target.PusherChannel, model.EventRelationshipChange, delta)
	return map[string]any{"source_id": source.ID, "target_id": target.ID, "kind": rel.Kind}, nil
}

// deleteUser removes the caller's own account. Nobody can delete another
// user through this mutation.
func (d *Desk) deleteUser(ctx context.Context, actor Actor, m model.Mutation) (map[string]any, error) {
	if actor.UserID == "" || actor.UserID != m.EntityID {
		return nil, &permission.DeniedError{Action: permission.Action("destroy", model.TypeUser)}
	}
	user, err := d.load(ctx, m.EntityID, model.TypeUser)
	if err != nil {
		return nil, err
	}
	if err := d.Store.DeleteEntity(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("failed to delete user %s: %w", user.ID, err)
	}
	d.publish(ctx, actor, user.PusherChannel, model.EventEntityDestroyed, model.EntityDelta{ID: user.ID})
	return map[string]any{"deleted_id": user.ID}, nil
}

func (d *Desk) load(ctx context.Context, id, want string) (*model.Entity, error) {
	e, err := d.Store.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	if want != "" && e.Type != want {
		return nil, &InvalidMutationError{Reason: fmt.Sprintf("%s is a %s, not a %s", id, e.Type, want)}
	}
	if e.PusherChannel == "" {
		e.PusherChannel = model.ChannelFor(e.ID)
	}
	return e, nil
}

// publish is best effort: the write already happened, so a broker failure
// is logged and sessions catch up on their next fetch.
func (d *Desk) publish(ctx context.Context, actor Actor, channel, event string, message any) {
	if d.Publisher == nil {
		return
	}
	payload, err := json.Marshal(message)
	if err != nil {
		d.Logger.Error("failed to encode push message", zap.String("event", event), zap.Error(err))
		return
	}
	ev := model.PushEvent{
		Channel:         channel,
		EventName:       event,
		Payload:         string(payload),
		OriginSessionID: actor.SessionID,
	}
	if err := d.Publisher.Publish(ctx, ev); err != nil {
		d.Logger.Warn("failed to publish push event",
			zap.String("channel", channel), zap.String("event", event), zap.Error(err))
	}
}

func serverFields(e *model.Entity) map[string]any {
	out := make(map[string]any, len(e.Fields))
	for k, v := range e.Fields {
		out[k] = v
	}
	return out
}
