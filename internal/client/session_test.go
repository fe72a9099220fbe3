package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthands/verity/internal/core/dialog"
	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/core/permission"
	"github.com/agenthands/verity/internal/core/reconcile"
	"github.com/agenthands/verity/internal/push"
)

const (
	localSession = "session-local"
	otherSession = "session-other"
)

type fakeRemote struct {
	mu        sync.Mutex
	entities  map[string]model.Entity
	graphs    map[string]model.EntityGraph
	mutations []model.Mutation
	fetches   map[string]int
	respond   func(model.Mutation) model.Outcome
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		entities: make(map[string]model.Entity),
		graphs:   make(map[string]model.EntityGraph),
		fetches:  make(map[string]int),
		respond: func(m model.Mutation) model.Outcome {
			out := make(map[string]any, len(m.Fields))
			for k, v := range m.Fields {
				out[k] = v
			}
			return model.Succeeded(out)
		},
	}
}

func (f *fakeRemote) SubmitAsync(_ context.Context, m model.Mutation) <-chan model.Outcome {
	f.mu.Lock()
	f.mutations = append(f.mutations, m)
	respond := f.respond
	f.mu.Unlock()

	ch := make(chan model.Outcome, 1)
	ch <- respond(m)
	return ch
}

func (f *fakeRemote) FetchEntity(_ context.Context, id string) (*model.Entity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entities[id]
	if !ok {
		return nil, errors.New("not found")
	}
	out := e.Clone()
	return &out, nil
}

func (f *fakeRemote) FetchGraph(_ context.Context, id string, _ model.Filters) (*model.EntityGraph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches[id]++
	g, ok := f.graphs[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return &g, nil
}

func (f *fakeRemote) put(e model.Entity) {
	f.mu.Lock()
	f.entities[e.ID] = e
	f.mu.Unlock()
}

func (f *fakeRemote) last() model.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutations[len(f.mutations)-1]
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mutations)
}

func (f *fakeRemote) fetchCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[id]
}

func newSession(t *testing.T, remote *fakeRemote) (*Session, *push.Adapter) {
	t.Helper()
	adapter := push.NewAdapter(nil, nil)
	s, err := NewSession(Config{SessionID: localSession, UserID: "user-1", Remote: remote, Push: adapter})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, adapter
}

func task(perms ...string) model.Entity {
	return model.Entity{
		ID:            "t1",
		Type:          model.TypeTask,
		Fields:        map[string]string{"label": "Who?", "type": "free_text"},
		Permissions:   permission.Encode(perms...),
		PusherChannel: model.ChannelFor("t1"),
	}
}

func entityUpdate(t *testing.T, id, origin string, fields map[string]string) model.PushEvent {
	t.Helper()
	msg, err := json.Marshal(model.EntityDelta{ID: id, Fields: fields})
	require.NoError(t, err)
	return model.PushEvent{
		Channel:         model.ChannelFor(id),
		EventName:       model.EventEntityUpdated,
		Payload:         string(msg),
		OriginSessionID: origin,
	}
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("mutation result never reconciled")
		return nil
	}
}

func TestNewSessionRequiresDependencies(t *testing.T) {
	_, err := NewSession(Config{})
	assert.Error(t, err)
}

func TestEditConfirms(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newSession(t, remote)
	w, err := s.Watch(task("update Task"))
	require.NoError(t, err)

	_, done, err := s.UpdateTask(context.Background(), w, "Who is this?", "A face")
	require.NoError(t, err)
	require.NoError(t, wait(t, done))

	assert.Equal(t, "Who is this?", w.Entity().Fields["label"])
	assert.Empty(t, w.View().Pending)
	m := remote.last()
	assert.Equal(t, model.MutationUpdateTask, m.MutationType)
	assert.Equal(t, "t1", m.EntityID)
}

func TestUpdateTaskWithoutStoredDescription(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newSession(t, remote)
	bare := task("update Task")
	bare.Fields = map[string]string{"label": "Who?"}
	w, err := s.Watch(bare)
	require.NoError(t, err)

	_, done, err := s.UpdateTask(context.Background(), w, "Who is this?", "Front page photo")
	require.NoError(t, err)
	require.NoError(t, wait(t, done))

	require.Equal(t, 1, remote.count())
	assert.Equal(t, map[string]string{"label": "Who is this?", "description": "Front page photo"}, remote.last().Fields)
	assert.Equal(t, "Front page photo", w.Entity().Fields["description"])
}

func TestWatchWithExplicitFields(t *testing.T) {
	s, _ := newSession(t, newFakeRemote())
	w, err := s.Watch(task("update Task"), "label")
	require.NoError(t, err)

	_, _, err = s.UpdateTask(context.Background(), w, "x", "y")
	var invalid *reconcile.ValidationError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "description", invalid.Field)
}

func TestEditRollsBackOnFailure(t *testing.T) {
	remote := newFakeRemote()
	remote.respond = func(model.Mutation) model.Outcome {
		return model.Failed(`{"error":"Label is too long"}`)
	}
	s, _ := newSession(t, remote)
	w, err := s.Watch(task("update Task"))
	require.NoError(t, err)

	_, done, err := s.UpdateTask(context.Background(), w, "x", "")
	require.NoError(t, err)
	err = wait(t, done)

	var failure *reconcile.MutationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "Label is too long", failure.Message)
	assert.Equal(t, "Who?", w.Entity().Fields["label"])
	assert.Equal(t, "Label is too long", w.View().Message)
}

func TestEditDeniedWithoutPermission(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newSession(t, remote)
	w, err := s.Watch(task("read Task"))
	require.NoError(t, err)

	_, _, err = s.UpdateTask(context.Background(), w, "x", "")
	var denied *permission.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "update Task", denied.Action)
	assert.Zero(t, remote.count())
	assert.Empty(t, w.View().Pending)
}

func TestUpdateTaskRejectsOtherTypes(t *testing.T) {
	s, _ := newSession(t, newFakeRemote())
	media := model.Entity{ID: "m1", Type: model.TypeProjectMedia, Fields: map[string]string{"title": "a"}}
	w, err := s.Watch(media)
	require.NoError(t, err)

	_, _, err = s.UpdateTask(context.Background(), w, "x", "")
	assert.ErrorIs(t, err, ErrNotTask)
}

func TestEditUsesGenericMutationForOtherTypes(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newSession(t, remote)
	media := model.Entity{
		ID:          "m1",
		Type:        model.TypeProjectMedia,
		Fields:      map[string]string{"title": "a"},
		Permissions: permission.Encode("update ProjectMedia"),
	}
	w, err := s.Watch(media)
	require.NoError(t, err)

	_, done, err := s.Edit(context.Background(), w, map[string]string{"title": "b"})
	require.NoError(t, err)
	require.NoError(t, wait(t, done))
	assert.Equal(t, model.MutationUpdateEntity, remote.last().MutationType)
}

func TestPushFromOtherSessionMerges(t *testing.T) {
	s, adapter := newSession(t, newFakeRemote())
	w, err := s.Watch(task("update Task"))
	require.NoError(t, err)

	adapter.Deliver(entityUpdate(t, "t1", otherSession, map[string]string{"label": "Renamed"}))
	assert.Equal(t, "Renamed", w.Entity().Fields["label"])

	adapter.Deliver(entityUpdate(t, "t1", localSession, map[string]string{"label": "Echo"}))
	assert.Equal(t, "Renamed", w.Entity().Fields["label"])
}

func TestCloseStopsPushes(t *testing.T) {
	s, adapter := newSession(t, newFakeRemote())
	w, err := s.Watch(task("update Task"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.Empty(t, adapter.Channels())
	adapter.Deliver(entityUpdate(t, "t1", otherSession, map[string]string{"label": "Late"}))
	assert.Equal(t, "Who?", w.Entity().Fields["label"])

	_, _, err = s.UpdateTask(context.Background(), w, "x", "")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestTwoWatchesShareChannel(t *testing.T) {
	s, adapter := newSession(t, newFakeRemote())
	a, err := s.Watch(task("update Task"))
	require.NoError(t, err)
	b, err := s.Watch(task("update Task"))
	require.NoError(t, err)

	require.NoError(t, a.Close())
	assert.Equal(t, []string{model.ChannelFor("t1")}, adapter.Channels())

	adapter.Deliver(entityUpdate(t, "t1", otherSession, map[string]string{"label": "Still here"}))
	assert.Equal(t, "Still here", b.Entity().Fields["label"])
}

func TestAnswerTaskReloads(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newSession(t, remote)
	w, err := s.Watch(task("update Task"))
	require.NoError(t, err)

	answered := task("update Task")
	answered.Fields["status"] = "resolved"
	answered.FirstResponse = &model.Entity{
		ID:          "d1",
		Type:        model.TypeDynamic,
		Fields:      map[string]string{"content": model.EncodeResponseContent("free_text", "Alice", "seen on TV")},
		Permissions: permission.Encode("update Dynamic"),
	}
	remote.put(answered)

	require.NoError(t, s.AnswerTask(context.Background(), w, "Alice", "seen on TV"))
	m := remote.last()
	assert.Equal(t, model.MutationCreateTaskResponse, m.MutationType)
	assert.Equal(t, "Alice", m.Fields["response"])

	got := w.Entity()
	assert.Equal(t, "resolved", got.Fields["status"])
	resp, ok, err := model.TaskAnswer(got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Alice", resp.Response)
}

func TestUpdateAnswer(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newSession(t, remote)

	bare, err := s.Watch(task("update Task"))
	require.NoError(t, err)
	_, _, err = s.UpdateAnswer(context.Background(), bare, "Bob", "")
	assert.ErrorIs(t, err, ErrNoFirstAnswer)

	answered := task("update Task")
	answered.FirstResponse = &model.Entity{
		ID:          "d1",
		Type:        model.TypeDynamic,
		Fields:      map[string]string{"content": model.EncodeResponseContent("free_text", "Alice", "")},
		Permissions: permission.Encode("update Dynamic"),
	}
	w, err := s.Watch(answered)
	require.NoError(t, err)

	_, done, err := s.UpdateAnswer(context.Background(), w, "Bob", "second look")
	require.NoError(t, err)
	require.NoError(t, wait(t, done))

	m := remote.last()
	assert.Equal(t, model.MutationUpdateDynamic, m.MutationType)
	assert.Equal(t, "d1", m.EntityID)
	require.NotNil(t, w.Answer())
	resp, err := model.ParseResponseContent(w.Answer().Entity().Fields["content"])
	require.NoError(t, err)
	assert.Equal(t, "Bob", resp.Response)
	assert.Equal(t, "second look", resp.Note)
}

func TestUpdateAnswerNeedsDynamicPermission(t *testing.T) {
	s, _ := newSession(t, newFakeRemote())
	answered := task("update Task")
	answered.FirstResponse = &model.Entity{
		ID:          "d1",
		Type:        model.TypeDynamic,
		Fields:      map[string]string{"content": ""},
		Permissions: permission.Encode("read Dynamic"),
	}
	w, err := s.Watch(answered)
	require.NoError(t, err)

	_, _, err = s.UpdateAnswer(context.Background(), w, "Bob", "")
	var denied *permission.DeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "update Dynamic", denied.Action)
}

func TestDeleteTaskNeedsConfirmation(t *testing.T) {
	remote := newFakeRemote()
	s, adapter := newSession(t, remote)
	w, err := s.Watch(task("update Task", "destroy Task"))
	require.NoError(t, err)

	confirm := dialog.NewConfirmation("Delete this task?")
	assert.ErrorIs(t, s.DeleteTask(context.Background(), w, confirm), dialog.ErrNotConfirmed)
	assert.Zero(t, remote.count())

	require.NoError(t, confirm.Request())
	require.NoError(t, confirm.Confirm())
	require.NoError(t, s.DeleteTask(context.Background(), w, confirm))
	assert.Equal(t, model.MutationDeleteAnnotation, remote.last().MutationType)
	assert.Equal(t, dialog.Idle, confirm.State())
	assert.Empty(t, adapter.Channels())

	// The watch went away with the task.
	assert.ErrorIs(t, s.DeleteTask(context.Background(), w, confirm), ErrClosed)
}

func TestDeleteTaskDenied(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newSession(t, remote)
	w, err := s.Watch(task("update Task"))
	require.NoError(t, err)

	confirm := dialog.NewConfirmation("Delete this task?")
	require.NoError(t, confirm.Request())
	require.NoError(t, confirm.Confirm())
	var denied *permission.DeniedError
	require.ErrorAs(t, s.DeleteTask(context.Background(), w, confirm), &denied)
	assert.Equal(t, "destroy Task", denied.Action)
	assert.Zero(t, remote.count())
}

func TestDeleteTaskFailureKeepsWatch(t *testing.T) {
	remote := newFakeRemote()
	remote.respond = func(model.Mutation) model.Outcome { return model.Failed("connection reset") }
	s, adapter := newSession(t, remote)
	w, err := s.Watch(task("destroy Task"))
	require.NoError(t, err)

	confirm := dialog.NewConfirmation("Delete this task?")
	require.NoError(t, confirm.Request())
	require.NoError(t, confirm.Confirm())
	err = s.DeleteTask(context.Background(), w, confirm)
	var failure *reconcile.MutationFailure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, "connection reset", failure.Message)
	assert.NotEmpty(t, adapter.Channels())
}

func TestDeleteAccount(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newSession(t, remote)
	confirm := dialog.NewConfirmation("Delete your account?")
	require.NoError(t, confirm.Request())
	require.NoError(t, confirm.Confirm())

	other := model.Entity{ID: "user-2", Type: model.TypeUser}
	assert.ErrorIs(t, s.DeleteAccount(context.Background(), other, confirm), ErrNotOwnAccount)
	assert.Equal(t, dialog.Idle, confirm.State())

	me := model.Entity{ID: "user-1", Type: model.TypeUser}
	assert.ErrorIs(t, s.DeleteAccount(context.Background(), me, confirm), dialog.ErrNotConfirmed)

	require.NoError(t, confirm.Request())
	require.NoError(t, confirm.Confirm())
	require.NoError(t, s.DeleteAccount(context.Background(), me, confirm))
	m := remote.last()
	assert.Equal(t, model.MutationDeleteCheckUser, m.MutationType)
	assert.Equal(t, "user-1", m.EntityID)
}

func TestResyncReloadsWatches(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newSession(t, remote)
	w, err := s.Watch(task("update Task"))
	require.NoError(t, err)

	fresh := task("update Task")
	fresh.Fields["label"] = "Changed while offline"
	remote.put(fresh)

	require.NoError(t, s.Resync(context.Background()))
	assert.Equal(t, "Changed while offline", w.Entity().Fields["label"])
}

func TestResyncReloadsTeams(t *testing.T) {
	remote := newFakeRemote()
	team := model.Entity{ID: "team-1", Type: model.TypeTeam, Fields: map[string]string{"projects_count": "0"}}
	remote.put(team)
	s, _ := newSession(t, remote)
	tw, err := s.WatchTeam(context.Background(), "team-1")
	require.NoError(t, err)

	// A project announced while the link was down.
	team.Fields = map[string]string{"projects_count": "1"}
	remote.put(team)

	require.NoError(t, s.Resync(context.Background()))
	assert.Equal(t, "1", tw.Team().Fields["projects_count"])
}

func TestCloseReleasesEveryChannel(t *testing.T) {
	remote := newFakeRemote()
	remote.put(model.Entity{ID: "team-1", Type: model.TypeTeam})
	remote.graphs["m1"] = model.EntityGraph{Entity: model.Entity{ID: "m1", Type: model.TypeProjectMedia}}
	s, adapter := newSession(t, remote)

	_, err := s.Watch(task("update Task"))
	require.NoError(t, err)
	_, err = s.WatchRelated(context.Background(), "m1", "")
	require.NoError(t, err)
	tw, err := s.WatchTeam(context.Background(), "team-1")
	require.NoError(t, err)
	require.Len(t, adapter.Channels(), 3)

	require.NoError(t, s.Close())
	assert.Empty(t, adapter.Channels())
	require.NoError(t, tw.Close())
	require.NoError(t, s.Resync(context.Background()))
}

func TestOnLinkStateResyncsOnConnect(t *testing.T) {
	remote := newFakeRemote()
	s, _ := newSession(t, remote)
	w, err := s.Watch(task("update Task"))
	require.NoError(t, err)

	fresh := task("update Task")
	fresh.Fields["label"] = "Back online"
	remote.put(fresh)

	onState := s.OnLinkState(context.Background())
	onState(push.StateDisconnected)
	assert.Equal(t, "Who?", w.Entity().Fields["label"])

	onState(push.StateConnected)
	assert.Eventually(t, func() bool {
		return w.Entity().Fields["label"] == "Back online"
	}, time.Second, 10*time.Millisecond)
}
