package client

import (
	"sync"

	"github.com/agenthands/verity/internal/core/model"
	"github.com/agenthands/verity/internal/core/reconcile"
	"github.com/agenthands/verity/internal/push"
)

// Watch is one entity kept in sync for a session.
type Watch struct {
	session    *Session
	controller *reconcile.Controller
	sub        *push.Subscription

	mu     sync.Mutex
	entity model.Entity
	answer *Watch
	closed bool
}

// Entity returns the entity as last loaded, with the controller's current
// fields.
func (w *Watch) Entity() model.Entity {
	w.mu.Lock()
	e := w.entity.Clone()
	w.mu.Unlock()
	e.Fields = w.controller.Fields()
	return e
}

func (w *Watch) Controller() *reconcile.Controller {
	return w.controller
}

func (w *Watch) View() model.View {
	return w.controller.Snapshot()
}

func (w *Watch) OnChange(fn func(model.View)) {
	w.controller.OnChange(fn)
}

// Answer returns the watch on the task's first response once UpdateAnswer
// has opened it.
func (w *Watch) Answer() *Watch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.answer
}

// Close releases the push subscription. It is safe to call more than once.
func (w *Watch) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	answer := w.answer
	w.mu.Unlock()

	w.session.forget(w)
	err := w.sub.Release()
	if answer != nil {
		if aerr := answer.Close(); err == nil {
			err = aerr
		}
	}
	return err
}

func (w *Watch) current() (model.Entity, error) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return model.Entity{}, ErrClosed
	}
	return w.Entity(), nil
}

func (w *Watch) replace(fresh model.Entity) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.entity = fresh.Clone()
	answer := w.answer
	w.mu.Unlock()

	w.controller.Replace(fresh)
	if answer != nil && fresh.FirstResponse != nil && fresh.FirstResponse.ID == answer.controller.EntityID() {
		return answer.replace(*fresh.FirstResponse)
	}
	return nil
}

func (w *Watch) answerWatch() (*Watch, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrClosed
	}
	if w.answer != nil {
		return w.answer, nil
	}
	answer, err := w.session.Watch(*w.entity.FirstResponse, "content")
	if err != nil {
		return nil, err
	}
	w.answer = answer
	return answer, nil
}
