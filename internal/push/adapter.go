// Package push carries real-time entity notifications. The client side is an
// Adapter dispatching events from a Link to registered handlers; the server
// side is a Hub fanning broker events out to websocket connections.
package push

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/model"
)

var ErrInvalidSubscription = errors.New("channel and handler are required")

// Handler receives push events. Handlers run synchronously on the delivering
// goroutine and must not block for long.
//
// Subscribe recognises a repeated registration by comparing handlers with
// ==. A handler whose dynamic type is not comparable, such as a struct
// holding a func, is never equal to anything, so every Subscribe adds
// another binding and the handler runs once per binding. Pass a pointer to
// get the idempotent behaviour.
type Handler interface {
	HandlePush(ev model.PushEvent)
}

// Link is the transport that actually joins and leaves channels.
type Link interface {
	Join(channel string) error
	Leave(channel string) error
}

type binding struct {
	event   string
	handler Handler
	// subscribed is set by Subscribe, acquired counts live Subscription handles.
	subscribed bool
	acquired   int
}

func (b *binding) live() bool {
	return b.subscribed || b.acquired > 0
}

// Adapter routes events per channel to handlers in registration order.
type Adapter struct {
	mu       sync.Mutex
	link     Link
	channels map[string][]*binding
	logger   *zap.Logger
}

func NewAdapter(link Link, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		link:     link,
		channels: make(map[string][]*binding),
		logger:   logger,
	}
}

// Subscribe registers handler for event on channel. Registering the same
// triple again is a no-op.
func (a *Adapter) Subscribe(channel, event string, handler Handler) error {
	_, err := a.bind(channel, event, handler, false)
	return err
}

// Unsubscribe drops every handler on channel and leaves it. Unknown channels
// are ignored.
func (a *Adapter) Unsubscribe(channel string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.channels[channel]; !ok {
		return nil
	}
	delete(a.channels, channel)
	return a.leaveLocked(channel)
}

// Acquire registers handler like Subscribe and returns a handle whose Release
// undoes exactly this registration.
func (a *Adapter) Acquire(channel, event string, handler Handler) (*Subscription, error) {
	b, err := a.bind(channel, event, handler, true)
	if err != nil {
		return nil, err
	}
	return &Subscription{adapter: a, channel: channel, binding: b}, nil
}

// Deliver dispatches ev to the handlers bound to its channel and event name.
// Handlers are called outside the adapter lock.
func (a *Adapter) Deliver(ev model.PushEvent) {
	a.mu.Lock()
	var targets []Handler
	for _, b := range a.channels[ev.Channel] {
		if b.event == ev.EventName {
			targets = append(targets, b.handler)
		}
	}
	a.mu.Unlock()

	if len(targets) == 0 {
		a.logger.Debug("push event without handler",
			zap.String("channel", ev.Channel), zap.String("event", ev.EventName))
		return
	}
	for _, h := range targets {
		h.HandlePush(ev)
	}
}

// Channels returns the joined channels, sorted.
func (a *Adapter) Channels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.channels))
	for ch := range a.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

func (a *Adapter) bind(channel, event string, handler Handler, acquire bool) (*binding, error) {
	if channel == "" || handler == nil {
		return nil, ErrInvalidSubscription
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	bindings, joined := a.channels[channel]
	for _, b := range bindings {
		if b.event == event && sameHandler(b.handler, handler) {
			if acquire {
				b.acquired++
			} else {
				b.subscribed = true
			}
			return b, nil
		}
	}

	if !joined && a.link != nil {
		if err := a.link.Join(channel); err != nil {
			return nil, fmt.Errorf("join %s: %w", channel, err)
		}
	}
	b := &binding{event: event, handler: handler}
	if acquire {
		b.acquired = 1
	} else {
		b.subscribed = true
	}
	a.channels[channel] = append(bindings, b)
	return b, nil
}

func (a *Adapter) release(channel string, target *binding) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	bindings := a.channels[channel]
	for i, b := range bindings {
		if b != target {
			continue
		}
		b.acquired--
		if b.live() {
			return nil
		}
		bindings = append(bindings[:i:i], bindings[i+1:]...)
		if len(bindings) > 0 {
			a.channels[channel] = bindings
			return nil
		}
		delete(a.channels, channel)
		return a.leaveLocked(channel)
	}
	// Already removed by Unsubscribe.
	return nil
}

func (a *Adapter) leaveLocked(channel string) error {
	if a.link == nil {
		return nil
	}
	if err := a.link.Leave(channel); err != nil {
		return fmt.Errorf("leave %s: %w", channel, err)
	}
	return nil
}

func sameHandler(x, y Handler) bool {
	tx, ty := reflect.TypeOf(x), reflect.TypeOf(y)
	if tx != ty || !tx.Comparable() {
		return false
	}
	return x == y
}

// Subscription is the handle returned by Acquire.
type Subscription struct {
	adapter *Adapter
	channel string
	binding *binding
	once    sync.Once
	err     error
}

func (s *Subscription) Channel() string {
	return s.channel
}

// Release removes the registration. Calling it again does nothing.
func (s *Subscription) Release() error {
	if s == nil {
		return nil
	}
	s.once.Do(func() {
		s.err = s.adapter.release(s.channel, s.binding)
	})
	return s.err
}
