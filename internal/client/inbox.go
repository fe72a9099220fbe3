package client

import (
	"context"
	"sync"

	"github.com/agenthands/verity/internal/core/model"
)

// inbox runs handle for each queued event on its own goroutine, one event at a
// time and in arrival order. It keeps refetches off the push read loop.
type inbox struct {
	handle func(context.Context, model.PushEvent)
	wake   chan struct{}

	mu     sync.Mutex
	queued []model.PushEvent
}

// startInbox starts the worker. It stops when ctx is cancelled; events still
// queued at that point are dropped.
func startInbox(ctx context.Context, handle func(context.Context, model.PushEvent)) *inbox {
	b := &inbox{handle: handle, wake: make(chan struct{}, 1)}
	go b.run(ctx)
	return b
}

func (b *inbox) put(ev model.PushEvent) {
	b.mu.Lock()
	b.queued = append(b.queued, ev)
	b.mu.Unlock()
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
		for ctx.Err() == nil {
			b.mu.Lock()
			if len(b.queued) == 0 {
				b.mu.Unlock()
				break
			}
			ev := b.queued[0]
			b.queued = b.queued[1:]
			b.mu.Unlock()
			b.handle(ctx, ev)
		}
	}
}
