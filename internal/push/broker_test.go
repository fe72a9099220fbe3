package push

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/agenthands/verity/internal/core/model"
)

func receive(t *testing.T, events <-chan model.PushEvent) model.PushEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for push event")
		return model.PushEvent{}
	}
}

func TestLocalBrokerFanout(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := NewLocalBroker(4)
	ctx, cancel := context.WithCancel(context.Background())

	first, err := b.Subscribe(ctx)
	require.NoError(t, err)
	second, err := b.Subscribe(ctx)
	require.NoError(t, err)

	ev := model.PushEvent{Channel: "verity-entity-1", EventName: model.EventEntityUpdated, Payload: `{"id":"1"}`, OriginSessionID: "s1"}
	require.NoError(t, b.Publish(context.Background(), ev))
	assert.Equal(t, ev, receive(t, first))
	assert.Equal(t, ev, receive(t, second))

	cancel()
	_, open := <-first
	for open {
		_, open = <-first
	}
	require.NoError(t, b.Close())
}

func TestLocalBrokerKeepsOrder(t *testing.T) {
	b := NewLocalBroker(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := b.Subscribe(ctx)
	require.NoError(t, err)

	go func() {
		for _, p := range []string{"1", "2", "3"} {
			_ = b.Publish(ctx, model.PushEvent{Channel: "c", Payload: p})
		}
	}()
	for _, want := range []string{"1", "2", "3"} {
		assert.Equal(t, want, receive(t, events).Payload)
	}
}

func TestLocalBrokerPublishHonoursContext(t *testing.T) {
	b := NewLocalBroker(1)
	subCtx, cancelSub := context.WithCancel(context.Background())
	defer cancelSub()
	_, err := b.Subscribe(subCtx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), model.PushEvent{Channel: "c"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Publish(ctx, model.PushEvent{Channel: "c"}), context.DeadlineExceeded)
}

func TestRedisBroker(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBroker(client, "verity:", nil)
	t.Cleanup(func() { _ = b.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := b.Subscribe(ctx)
	require.NoError(t, err)

	ev := model.PushEvent{Channel: "verity-entity-7", EventName: model.EventEntityUpdated, Payload: `{"id":"7"}`, OriginSessionID: "s2"}
	require.NoError(t, b.Publish(ctx, ev))
	assert.Equal(t, ev, receive(t, events))

	// Malformed payloads are skipped.
	require.NoError(t, client.Publish(ctx, "verity:bad", "not json").Err())
	next := model.PushEvent{Channel: "verity-entity-8", EventName: model.EventEntityDestroyed}
	require.NoError(t, b.Publish(ctx, next))
	assert.Equal(t, next, receive(t, events))
}
