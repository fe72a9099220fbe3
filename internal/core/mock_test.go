package core

import (
	"context"
	"sync"

	"github.com/agenthands/verity/internal/core/model"
)

type MockPublisher struct {
	mu     sync.Mutex
	Events []model.PushEvent
	Err    error
}

func (m *MockPublisher) Publish(ctx context.Context, ev model.PushEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Events = append(m.Events, ev)
	return nil
}

func (m *MockPublisher) On(channel string) []model.PushEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.PushEvent
	for _, ev := range m.Events {
		if ev.Channel == channel {
			out = append(out, ev)
		}
	}
	return out
}
