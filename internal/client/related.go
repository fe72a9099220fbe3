package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/dialog"
	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/core/permission"
	"github.com/agenthands/verity/internal/push"
)

// RelatedWatch keeps the related-items list of one anchor current.
type RelatedWatch struct {
	session  *Session
	anchorID string
	cancel   context.CancelFunc
	inbox    *inbox
	sub      *push.Subscription

	mu         sync.Mutex
	filters    model.Filters
	resolution model.Resolution
	listeners  []func(model.Resolution)
	closed     bool
}

// WatchRelated binds the related items of anchorID and refetches them when
// another session changes one of the anchor's relationships.
func (s *Session) WatchRelated(ctx context.Context, anchorID string, filters model.Filters) (*RelatedWatch, error) {
	res, err := s.binder.Bind(ctx, anchorID, filters)
	if err != nil {
		return nil, err
	}
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	r := &RelatedWatch{
		session:    s,
		anchorID:   anchorID,
		cancel:     cancel,
		filters:    filters,
		resolution: res,
	}
	r.inbox = startInbox(wctx, r.apply)
	sub, err := s.push.Acquire(model.ChannelFor(anchorID), model.EventRelationshipChange, r)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", anchorID, err)
	}
	r.sub = sub

	s.mu.Lock()
	s.related[r] = struct{}{}
	s.mu.Unlock()
	return r, nil
}

// Relate links the item chosen in d to anchorID and refreshes the list.
func (s *Session) Relate(ctx context.Context, r *RelatedWatch, anchor model.Entity, d *dialog.RelatedMediaDialog) error {
	targetID, err := d.SubmitExisting()
	if err != nil {
		return err
	}
	return s.changeRelationship(ctx, r, anchor, model.MutationCreateRelationship, targetID)
}

// Unrelate removes the link from anchor to targetID.
func (s *Session) Unrelate(ctx context.Context, r *RelatedWatch, anchor model.Entity, targetID string) error {
	return s.changeRelationship(ctx, r, anchor, model.MutationDestroyRelationship, targetID)
}

func (s *Session) changeRelationship(ctx context.Context, r *RelatedWatch, anchor model.Entity, mt model.MutationType, targetID string) error {
	if anchor.ID != r.anchorID {
		return fmt.Errorf("anchor %s is not watched by this list", anchor.ID)
	}
	if err := permission.Require(permission.Action("update", anchor.Type), anchor.Permissions); err != nil {
		return err
	}
	if err := s.submit(ctx, model.Mutation{
		EntityID:     anchor.ID,
		MutationType: mt,
		Fields:       map[string]string{"target_id": targetID, "kind": model.RelationshipKindRelated},
	}); err != nil {
		return err
	}
	// Our own relationship pushes are skipped, so refresh here.
	return r.refresh(ctx)
}

func (r *RelatedWatch) AnchorID() string {
	return r.anchorID
}

func (r *RelatedWatch) Resolution() model.Resolution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolution
}

func (r *RelatedWatch) OnChange(fn func(model.Resolution)) {
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// SetFilters rebinds with new filters. Changed filters always refetch.
func (r *RelatedWatch) SetFilters(ctx context.Context, filters model.Filters) error {
	res, err := r.session.binder.Bind(ctx, r.anchorID, filters)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.filters = filters
	r.mu.Unlock()
	r.update(res)
	return nil
}

// HandlePush queues ev; the refetch it may trigger runs on the watch's own
// goroutine.
func (r *RelatedWatch) HandlePush(ev model.PushEvent) {
	r.inbox.put(ev)
}

func (r *RelatedWatch) apply(ctx context.Context, ev model.PushEvent) {
	refetched, err := r.session.binder.HandleRelationshipChange(ctx, r.anchorID, r.session.sessionID, ev)
	if err != nil {
		r.session.logger.Warn("related items refresh failed",
			zap.String("anchor_id", r.anchorID), zap.Error(err))
		return
	}
	if !refetched {
		return
	}
	r.mu.Lock()
	filters := r.filters
	r.mu.Unlock()
	// The graph was just cached, so this resolves without fetching.
	res, err := r.session.binder.Bind(ctx, r.anchorID, filters)
	if err != nil {
		r.session.logger.Warn("related items resolve failed",
			zap.String("anchor_id", r.anchorID), zap.Error(err))
		return
	}
	r.update(res)
}

func (r *RelatedWatch) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.session.mu.Lock()
	delete(r.session.related, r)
	r.session.mu.Unlock()
	r.session.binder.Invalidate(r.anchorID)
	return r.sub.Release()
}

func (r *RelatedWatch) refresh(ctx context.Context) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil
	}
	res, err := r.session.binder.Refresh(ctx, r.anchorID)
	if err != nil {
		return err
	}
	r.update(res)
	return nil
}

func (r *RelatedWatch) update(res model.Resolution) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.resolution = res
	listeners := append([]func(model.Resolution){}, r.listeners...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(res)
	}
}
