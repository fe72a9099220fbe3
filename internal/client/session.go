// Package client ties the pieces a desk client runs per session together:
// one reconcile.Controller per watched entity fed by its push channel, the
// remote mutation client and the relationship binder.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/binder"
	"github.com/agenthands/verity/internal/core/common"
	"github.com/agenthands/verity/internal/core/dialog"
	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/core/permission"
	"github.com/agenthands/verity/internal/core/reconcile"
	"github.com/agenthands/verity/internal/push"
)

var (
	ErrClosed        = errors.New("watch is closed")
	ErrNotOwnAccount = errors.New("only the signed in user can delete their account")
	ErrNoFirstAnswer = errors.New("task has no answer yet")
	ErrNotTask       = errors.New("entity is not a task")
)

// taskFields are editable on every task, whether or not the stored task
// carries them yet.
var taskFields = []string{"label", "description"}

// Remote is the part of the desk API a session uses.
type Remote interface {
	binder.Fetcher
	SubmitAsync(ctx context.Context, m model.Mutation) <-chan model.Outcome
	FetchEntity(ctx context.Context, id string) (*model.Entity, error)
}

// Subscriber hands out push subscriptions.
type Subscriber interface {
	Acquire(channel, event string, handler push.Handler) (*push.Subscription, error)
}

type Config struct {
	SessionID string
	UserID    string
	Remote    Remote
	Push      Subscriber
	Logger    *zap.Logger
	// GraphCacheSize bounds the binder's graph cache.
	GraphCacheSize int
}

type Session struct {
	sessionID string
	userID    string
	remote    Remote
	push      Subscriber
	binder    *binder.Binder
	logger    *zap.Logger

	mu      sync.Mutex
	watches map[*Watch]struct{}
	related map[*RelatedWatch]struct{}
	teams   map[*TeamWatch]struct{}
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Remote == nil || cfg.Push == nil {
		return nil, errors.New("remote and push are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.GraphCacheSize <= 0 {
		cfg.GraphCacheSize = binder.DefaultCacheSize
	}
	b, err := binder.New(cfg.Remote, cfg.GraphCacheSize, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return &Session{
		sessionID: cfg.SessionID,
		userID:    cfg.UserID,
		remote:    cfg.Remote,
		push:      cfg.Push,
		binder:    b,
		logger:    cfg.Logger,
		watches:   make(map[*Watch]struct{}),
		related:   make(map[*RelatedWatch]struct{}),
		teams:     make(map[*TeamWatch]struct{}),
	}, nil
}

func (s *Session) ID() string {
	return s.sessionID
}

// Watch starts tracking entity: its fields become editable through Edit and
// pushes from other sessions are merged in until Close. Without fields the
// entity's own keys are editable, plus label and description on tasks.
func (s *Session) Watch(entity model.Entity, fields ...string) (*Watch, error) {
	ctrl := reconcile.NewController(reconcile.Config{
		SessionID: s.sessionID,
		Entity:    entity,
		Fields:    editableFields(entity, fields),
		Logger:    s.logger,
	})
	channel := entity.PusherChannel
	if channel == "" {
		channel = model.ChannelFor(entity.ID)
	}
	sub, err := s.push.Acquire(channel, model.EventEntityUpdated, ctrl)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	w := &Watch{session: s, controller: ctrl, entity: entity.Clone(), sub: sub}

	s.mu.Lock()
	s.watches[w] = struct{}{}
	s.mu.Unlock()
	return w, nil
}

// Edit applies delta optimistically, submits it, and reconciles when the
// outcome arrives. The returned channel yields the reconciliation result:
// nil, a *reconcile.MutationFailure, or reconcile.ErrStaleResult.
func (s *Session) Edit(ctx context.Context, w *Watch, delta map[string]string) (string, <-chan error, error) {
	entity, err := w.current()
	if err != nil {
		return "", nil, err
	}
	if err := permission.Require(permission.Action("update", entity.Type), entity.Permissions); err != nil {
		return "", nil, err
	}
	token, err := w.controller.SubmitEdit(delta)
	if err != nil {
		return "", nil, err
	}

	m := model.Mutation{EntityID: entity.ID, Fields: model.CopyFields(delta), MutationType: updateMutation(entity.Type)}
	outcomes := s.remote.SubmitAsync(ctx, m)
	done := make(chan error, 1)
	go func() {
		done <- w.controller.OnMutationResult(token, <-outcomes)
	}()
	return token, done, nil
}

// UpdateTask edits a task's label and description.
func (s *Session) UpdateTask(ctx context.Context, w *Watch, label, description string) (string, <-chan error, error) {
	if w.Entity().Type != model.TypeTask {
		return "", nil, ErrNotTask
	}
	return s.Edit(ctx, w, map[string]string{"label": label, "description": description})
}

// AnswerTask records the first response of a task and reloads it.
func (s *Session) AnswerTask(ctx context.Context, w *Watch, response, note string) error {
	task, err := w.current()
	if err != nil {
		return err
	}
	if task.Type != model.TypeTask {
		return ErrNotTask
	}
	if err := permission.Require(permission.Action("update", model.TypeTask), task.Permissions); err != nil {
		return err
	}
	if err := s.submit(ctx, model.Mutation{
		EntityID:     task.ID,
		MutationType: model.MutationCreateTaskResponse,
		Fields:       map[string]string{"response": response, "note": note},
	}); err != nil {
		return err
	}
	return s.reload(ctx, w)
}

// UpdateAnswer edits the task's first response through its own watch.
func (s *Session) UpdateAnswer(ctx context.Context, w *Watch, response, note string) (string, <-chan error, error) {
	task, err := w.current()
	if err != nil {
		return "", nil, err
	}
	if task.FirstResponse == nil {
		return "", nil, ErrNoFirstAnswer
	}
	answer, err := w.answerWatch()
	if err != nil {
		return "", nil, err
	}
	content := model.EncodeResponseContent(task.Fields["type"], response, note)
	return s.Edit(ctx, answer, map[string]string{"content": content})
}

// DeleteTask destroys the task once confirm has been confirmed. The
// confirmation is consumed either way.
func (s *Session) DeleteTask(ctx context.Context, w *Watch, confirm *dialog.Confirmation) error {
	task, err := w.current()
	if err != nil {
		return err
	}
	if err := confirm.Consume(); err != nil {
		return err
	}
	if err := permission.Require(permission.Action("destroy", model.TypeTask), task.Permissions); err != nil {
		return err
	}
	if err := s.submit(ctx, model.Mutation{EntityID: task.ID, MutationType: model.MutationDeleteAnnotation}); err != nil {
		return err
	}
	return w.Close()
}

// DeleteAccount removes the signed in user's account after confirmation.
func (s *Session) DeleteAccount(ctx context.Context, user model.Entity, confirm *dialog.Confirmation) error {
	if s.userID == "" || user.ID != s.userID {
		confirm.Reset()
		return ErrNotOwnAccount
	}
	if err := confirm.Consume(); err != nil {
		return err
	}
	return s.submit(ctx, model.Mutation{EntityID: user.ID, MutationType: model.MutationDeleteCheckUser})
}

// Resync refetches every watched entity, related list and team. Run it after
// the push link reconnects, since missed events are not replayed.
func (s *Session) Resync(ctx context.Context) error {
	watches, related, teams := s.snapshot()

	var errs []error
	for _, w := range watches {
		if err := s.reload(ctx, w); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, err)
		}
	}
	for _, r := range related {
		if err := r.refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, t := range teams {
		if err := t.refresh(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OnLinkState resyncs in the background whenever the push link comes back.
func (s *Session) OnLinkState(ctx context.Context) func(push.State) {
	return func(state push.State) {
		if state != push.StateConnected {
			return
		}
		go func() {
			if err := s.Resync(ctx); err != nil {
				s.logger.Warn("resync after reconnect failed", zap.Error(err))
			}
		}()
	}
}

// Close releases every watch.
func (s *Session) Close() error {
	watches, related, teams := s.snapshot()

	var errs []error
	for _, w := range watches {
		errs = append(errs, w.Close())
	}
	for _, r := range related {
		errs = append(errs, r.Close())
	}
	for _, t := range teams {
		errs = append(errs, t.Close())
	}
	return errors.Join(errs...)
}

func (s *Session) snapshot() ([]*Watch, []*RelatedWatch, []*TeamWatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	watches := make([]*Watch, 0, len(s.watches))
	for w := range s.watches {
		watches = append(watches, w)
	}
	related := make([]*RelatedWatch, 0, len(s.related))
	for r := range s.related {
		related = append(related, r)
	}
	teams := make([]*TeamWatch, 0, len(s.teams))
	for t := range s.teams {
		teams = append(teams, t)
	}
	return watches, related, teams
}

func (s *Session) reload(ctx context.Context, w *Watch) error {
	id := w.controller.EntityID()
	fresh, err := s.remote.FetchEntity(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload %s: %w", id, err)
	}
	return w.replace(*fresh)
}

// submit sends a non-optimistic mutation and waits for its outcome.
func (s *Session) submit(ctx context.Context, m model.Mutation) error {
	var outcome model.Outcome
	select {
	case outcome = <-s.remote.SubmitAsync(ctx, m):
	case <-ctx.Done():
		return ctx.Err()
	}
	if outcome.OK {
		return nil
	}
	return &reconcile.MutationFailure{
		Message: common.ErrorMessage(outcome.ErrorSource),
		Source:  outcome.ErrorSource,
	}
}

func (s *Session) forget(w *Watch) {
	s.mu.Lock()
	delete(s.watches, w)
	s.mu.Unlock()
}

func editableFields(entity model.Entity, fields []string) []string {
	if len(fields) > 0 || entity.Type != model.TypeTask {
		return fields
	}
	names := append([]string{}, taskFields...)
	for name := range entity.Fields {
		names = append(names, name)
	}
	return names
}

func updateMutation(entityType string) model.MutationType {
	switch entityType {
	case model.TypeTask:
		return model.MutationUpdateTask
	case model.TypeDynamic:
		return model.MutationUpdateDynamic
	default:
		return model.MutationUpdateEntity
	}
}
