package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/model"
)

// Broker moves push events from the writers to every hub.
type Broker interface {
	Publish(ctx context.Context, ev model.PushEvent) error
	// Subscribe returns all events published after it returns. The channel is
	// closed once ctx is done.
	Subscribe(ctx context.Context) (<-chan model.PushEvent, error)
	Close() error
}

type localSub struct {
	out  chan model.PushEvent
	done chan struct{}
}

// LocalBroker fans events out inside one process.
type LocalBroker struct {
	mu     sync.RWMutex
	subs   map[*localSub]struct{}
	buffer int
}

func NewLocalBroker(buffer int) *LocalBroker {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &LocalBroker{subs: make(map[*localSub]struct{}), buffer: buffer}
}

// Publish hands ev to every subscriber, waiting for room in each queue so
// per-channel order is kept.
func (b *LocalBroker) Publish(ctx context.Context, ev model.PushEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		select {
		case s.out <- ev:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context) (<-chan model.PushEvent, error) {
	s := &localSub{out: make(chan model.PushEvent, b.buffer), done: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		close(s.done)
		b.mu.Lock()
		delete(b.subs, s)
		close(s.out)
		b.mu.Unlock()
	}()
	return s.out, nil
}

func (b *LocalBroker) Close() error {
	return nil
}

// RedisBroker publishes events on redis pub/sub so several server instances
// share one stream. Channels are namespaced with prefix.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

func NewRedisBroker(client *redis.Client, prefix string, logger *zap.Logger) *RedisBroker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBroker{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBroker) Publish(ctx context.Context, ev model.PushEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode push event: %w", err)
	}
	if err := b.client.Publish(ctx, b.prefix+ev.Channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", ev.Channel, err)
	}
	return nil
}

func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan model.PushEvent, error) {
	ps := b.client.PSubscribe(ctx, b.prefix+"*")
	// Wait for the subscription confirmation so no later publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis psubscribe: %w", err)
	}

	out := make(chan model.PushEvent)
	go func() {
		defer close(out)
		defer ps.Close()
		messages := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var ev model.PushEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.Warn("dropping malformed redis push", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
