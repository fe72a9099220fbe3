package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/common"
	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/push"
)

// TeamWatch follows project creation on a team and reloads the team when a
// project appears.
type TeamWatch struct {
	session *Session
	cancel  context.CancelFunc
	inbox   *inbox
	sub     *push.Subscription

	mu        sync.Mutex
	team      model.Entity
	projects  []string
	listeners []func(model.Entity, string)
	closed    bool
}

func (s *Session) WatchTeam(ctx context.Context, teamID string) (*TeamWatch, error) {
	team, err := s.remote.FetchEntity(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to load team %s: %w", teamID, err)
	}
	if team.Type != model.TypeTeam {
		return nil, fmt.Errorf("entity %s is a %s, not a team", teamID, team.Type)
	}
	channel := team.PusherChannel
	if channel == "" {
		channel = model.ChannelFor(team.ID)
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &TeamWatch{session: s, cancel: cancel, team: team.Clone()}
	t.inbox = startInbox(wctx, t.apply)
	sub, err := s.push.Acquire(channel, model.EventProjectCreated, t)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}
	t.sub = sub

	s.mu.Lock()
	s.teams[t] = struct{}{}
	s.mu.Unlock()
	return t, nil
}

func (t *TeamWatch) Team() model.Entity {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.team.Clone()
}

// Projects lists the ids of projects announced since the watch started.
func (t *TeamWatch) Projects() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.projects...)
}

// OnProject registers fn to run with the reloaded team and the new project id.
func (t *TeamWatch) OnProject(fn func(team model.Entity, projectID string)) {
	t.mu.Lock()
	t.listeners = append(t.listeners, fn)
	t.mu.Unlock()
}

// HandlePush queues the announcement; the team reload runs on the watch's own
// goroutine.
func (t *TeamWatch) HandlePush(ev model.PushEvent) {
	t.inbox.put(ev)
}

func (t *TeamWatch) apply(ctx context.Context, ev model.PushEvent) {
	delta, err := common.DecodeMessage[model.EntityDelta](ev.Payload)
	if err != nil {
		t.session.logger.Warn("dropping project announcement", zap.Error(err))
		return
	}
	team, err := t.fetch(ctx)
	if err != nil {
		t.session.logger.Warn("team reload failed", zap.Error(err))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.team = team.Clone()
	t.projects = append(t.projects, delta.ID)
	listeners := append([]func(model.Entity, string){}, t.listeners...)
	t.mu.Unlock()

	for _, fn := range listeners {
		fn(team.Clone(), delta.ID)
	}
}

// Close releases the team channel. It is safe to call more than once.
func (t *TeamWatch) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.cancel()
	t.session.mu.Lock()
	delete(t.session.teams, t)
	t.session.mu.Unlock()
	return t.sub.Release()
}

// refresh reloads the team. Announcements missed while the link was down
// are not replayed, so the reloaded fields are all a resync can recover.
func (t *TeamWatch) refresh(ctx context.Context) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil
	}
	team, err := t.fetch(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	if !t.closed {
		t.team = team.Clone()
	}
	t.mu.Unlock()
	return nil
}

func (t *TeamWatch) fetch(ctx context.Context) (*model.Entity, error) {
	t.mu.Lock()
	teamID := t.team.ID
	t.mu.Unlock()
	team, err := t.session.remote.FetchEntity(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload team %s: %w", teamID, err)
	}
	return team, nil
}
