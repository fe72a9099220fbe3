// Package binder maps fetched entity graphs into the related-items view and
// decides when a graph has to be fetched again.
package binder

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/common"
	"github.com/agenthands/verity/internal/core/model"
)

const DefaultCacheSize = 256

type Fetcher interface {
	FetchGraph(ctx context.Context, entityID string, filters model.Filters) (*model.EntityGraph, error)
}

// Binder remembers, per anchor id, the filters it last resolved with. The
// memory belongs to the instance; two binders never share it.
type Binder struct {
	Fetcher Fetcher

	mu       sync.Mutex
	previous map[string]model.Filters
	graphs   *lru.Cache[string, *model.EntityGraph]
	logger   *zap.Logger
}

func New(fetcher Fetcher, cacheSize int, logger *zap.Logger) (*Binder, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, *model.EntityGraph](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph cache: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Binder{
		Fetcher:  fetcher,
		previous: make(map[string]model.Filters),
		graphs:   cache,
		logger:   logger,
	}, nil
}

// Bind resolves the related items of entityID. A filters value different
// from the one seen last for this id forces a refetch.
func (b *Binder) Bind(ctx context.Context, entityID string, filters model.Filters) (model.Resolution, error) {
	b.mu.Lock()
	prev, seen := b.previous[entityID]
	changed := !seen || prev != filters
	b.previous[entityID] = filters
	b.mu.Unlock()

	graph, cached := b.graphs.Get(entityID)
	if changed || !cached {
		fetched, err := b.fetch(ctx, entityID, filters)
		if err != nil {
			return model.Resolution{}, err
		}
		graph = fetched
	}
	return ResolveRelationships(*graph, filters)
}

// Refresh refetches entityID with the filters it was last bound with.
func (b *Binder) Refresh(ctx context.Context, entityID string) (model.Resolution, error) {
	b.mu.Lock()
	filters := b.previous[entityID]
	b.mu.Unlock()

	graph, err := b.fetch(ctx, entityID, filters)
	if err != nil {
		return model.Resolution{}, err
	}
	return ResolveRelationships(*graph, filters)
}

// Invalidate drops the cached graph and filter memory for entityID.
func (b *Binder) Invalidate(entityID string) {
	b.mu.Lock()
	delete(b.previous, entityID)
	b.mu.Unlock()
	b.graphs.Remove(entityID)
}

// HandleRelationshipChange refetches anchorID when another session changed a
// relationship whose source is the anchor. It reports whether a refetch ran.
func (b *Binder) HandleRelationshipChange(ctx context.Context, anchorID, sessionID string, ev model.PushEvent) (bool, error) {
	if sessionID != "" && ev.OriginSessionID == sessionID {
		return false, nil
	}
	rel, err := common.DecodeMessage[model.RelationshipDelta](ev.Payload)
	if err != nil {
		b.logger.Warn("dropping relationship change", zap.String("anchor_id", anchorID), zap.Error(err))
		return false, err
	}
	if rel.SourceID != anchorID {
		return false, nil
	}
	if _, err := b.Refresh(ctx, anchorID); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Binder) fetch(ctx context.Context, entityID string, filters model.Filters) (*model.EntityGraph, error) {
	graph, err := b.Fetcher.FetchGraph(ctx, entityID, filters)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch graph for %s: %w", entityID, err)
	}
	b.graphs.Add(entityID, graph)
	b.logger.Debug("graph fetched",
		zap.String("entity_id", entityID),
		zap.String("filters", string(filters)))
	return graph, nil
}
