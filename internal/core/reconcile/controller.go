// Package reconcile owns the editable local state of one entity. Edits are
// applied optimistically, then confirmed or rolled back when the mutation
// result arrives, while pushes from other sessions are merged in.
//
// Per field the state machine is Clean -> Pending -> Clean. A second edit of a
// pending field supersedes the first: the first token stops being tracked for
// that field and its eventual result is discarded.
package reconcile

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/agenthands/verity/internal/core/common"
	"github.com/agenthands/verity/internal/core/model"
)

type Config struct {
	SessionID string
	Entity    model.Entity
	// Fields lists the editable fields. Defaults to the keys of Entity.Fields.
	Fields   []string
	Logger   *zap.Logger
	Now      func() time.Time
	NewToken func() string
}

type edit struct {
	model.PendingEdit
	// fields still owned by this edit, mapped to the value to restore on
	// failure (the last confirmed value).
	base map[string]string
}

type Controller struct {
	mu        sync.Mutex
	entityID  string
	sessionID string
	known     map[string]struct{}
	fields    map[string]string
	owner     map[string]string // field -> token
	edits     map[string]*edit  // token -> edit
	deferred  map[string]string // field -> pushed value waiting on a pending edit
	message   string
	listeners []func(model.View)

	queue      []model.View
	delivering bool

	logger   *zap.Logger
	now      func() time.Time
	newToken func() string
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		entityID:  cfg.Entity.ID,
		sessionID: cfg.SessionID,
		known:     make(map[string]struct{}),
		fields:    model.CopyFields(cfg.Entity.Fields),
		owner:     make(map[string]string),
		edits:     make(map[string]*edit),
		deferred:  make(map[string]string),
		logger:    cfg.Logger,
		now:       cfg.Now,
		newToken:  cfg.NewToken,
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.newToken == nil {
		c.newToken = func() string { return ulid.Make().String() }
	}

	names := cfg.Fields
	if len(names) == 0 {
		for k := range cfg.Entity.Fields {
			names = append(names, k)
		}
	}
	for _, name := range names {
		c.known[name] = struct{}{}
		if _, ok := c.fields[name]; !ok {
			c.fields[name] = ""
		}
	}
	return c
}

func (c *Controller) EntityID() string {
	return c.entityID
}

// SubmitEdit applies delta optimistically and returns the correlation token
// the mutation result must be reported with.
func (c *Controller) SubmitEdit(delta map[string]string) (string, error) {
	if len(delta) == 0 {
		return "", &ValidationError{Reason: "empty field delta"}
	}
	for field := range delta {
		if _, ok := c.known[field]; !ok {
			return "", &ValidationError{Field: field, Reason: "unknown field"}
		}
	}

	c.mu.Lock()
	token := c.newToken()
	e := &edit{
		PendingEdit: model.PendingEdit{
			EntityID:    c.entityID,
			FieldDelta:  model.CopyFields(delta),
			SubmittedAt: c.now(),
			Token:       token,
		},
		base: make(map[string]string, len(delta)),
	}
	for field, value := range delta {
		e.base[field] = c.fields[field]
		if prevToken, ok := c.owner[field]; ok {
			prev := c.edits[prevToken]
			e.base[field] = prev.base[field]
			delete(prev.base, field)
			if len(prev.base) == 0 {
				delete(c.edits, prevToken)
				c.logger.Debug("edit superseded",
					zap.String("entity_id", c.entityID),
					zap.String("token", prevToken),
					zap.String("by", token))
			}
		}
		c.owner[field] = token
		c.fields[field] = value
	}
	c.edits[token] = e
	c.unlockAndNotify()
	return token, nil
}

// OnMutationResult reconciles the edit identified by token. It returns
// ErrStaleResult for untracked tokens and a *MutationFailure after rolling
// back a failed edit. Neither needs handling for state to stay consistent.
func (c *Controller) OnMutationResult(token string, outcome model.Outcome) error {
	c.mu.Lock()
	e, ok := c.edits[token]
	if !ok {
		c.mu.Unlock()
		c.logger.Debug("discarding stale mutation result",
			zap.String("entity_id", c.entityID),
			zap.String("token", token))
		return ErrStaleResult
	}
	delete(c.edits, token)
	for field := range e.base {
		delete(c.owner, field)
	}

	var result error
	if outcome.OK {
		for field := range e.base {
			// The server result is newer than anything queued behind it.
			delete(c.deferred, field)
		}
		for field, raw := range outcome.ServerFields {
			value := stringify(raw)
			if otherToken, pending := c.owner[field]; pending {
				c.edits[otherToken].base[field] = value
				continue
			}
			c.fields[field] = value
		}
		c.message = ""
	} else {
		for field, base := range e.base {
			c.fields[field] = base
			if pushed, ok := c.deferred[field]; ok {
				c.fields[field] = pushed
				delete(c.deferred, field)
			}
		}
		c.message = common.ErrorMessage(outcome.ErrorSource)
		result = &MutationFailure{Token: token, Message: c.message, Source: outcome.ErrorSource}
		c.logger.Info("mutation failed, edit rolled back",
			zap.String("entity_id", c.entityID),
			zap.String("token", token),
			zap.String("message", c.message))
	}
	c.unlockAndNotify()
	return result
}

// OnPushEvent merges a change made by another session. Echoes of this
// session's own changes are ignored; values for fields with a pending edit
// wait for that edit to resolve.
func (c *Controller) OnPushEvent(ev model.PushEvent) error {
	if c.sessionID != "" && ev.OriginSessionID == c.sessionID {
		return nil
	}
	if ev.EventName != "" && ev.EventName != model.EventEntityUpdated {
		return nil
	}

	delta, err := common.DecodeMessage[model.EntityDelta](ev.Payload)
	if err != nil {
		c.logger.Warn("dropping push event",
			zap.String("entity_id", c.entityID),
			zap.String("channel", ev.Channel),
			zap.Error(err))
		return &ParseFailure{Raw: ev.Payload, Err: err}
	}
	if delta.ID != c.entityID || len(delta.Fields) == 0 {
		return nil
	}

	c.mu.Lock()
	for field, value := range delta.Fields {
		if _, pending := c.owner[field]; pending {
			c.deferred[field] = value
			continue
		}
		c.fields[field] = value
	}
	c.unlockAndNotify()
	return nil
}

// HandlePush lets a controller be subscribed to a push channel directly.
func (c *Controller) HandlePush(ev model.PushEvent) {
	_ = c.OnPushEvent(ev)
}

// Replace resets the confirmed state from a refetch. Pending fields keep
// their optimistic value; the fetched value becomes their rollback target.
func (c *Controller) Replace(entity model.Entity) {
	if entity.ID != c.entityID {
		return
	}
	c.mu.Lock()
	for field, value := range entity.Fields {
		if token, pending := c.owner[field]; pending {
			c.edits[token].base[field] = value
			continue
		}
		c.fields[field] = value
	}
	c.unlockAndNotify()
}

// OnChange registers fn to be called with the new view after every change.
func (c *Controller) OnChange(fn func(model.View)) {
	c.mu.Lock()
	c.listeners = append(c.listeners, fn)
	c.mu.Unlock()
}

func (c *Controller) Snapshot() model.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) Fields() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.CopyFields(c.fields)
}

func (c *Controller) Message() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.message
}

// ClearMessage dismisses the current error message.
func (c *Controller) ClearMessage() {
	c.mu.Lock()
	c.message = ""
	c.unlockAndNotify()
}

// Pending returns the token currently owning field, if any.
func (c *Controller) Pending(field string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	token, ok := c.owner[field]
	return token, ok
}

// PendingEdits lists the outstanding edits, oldest first.
func (c *Controller) PendingEdits() []model.PendingEdit {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]model.PendingEdit, 0, len(c.edits))
	for _, e := range c.edits {
		pe := e.PendingEdit
		pe.FieldDelta = make(map[string]string, len(e.base))
		for field := range e.base {
			pe.FieldDelta[field] = e.FieldDelta[field]
		}
		out = append(out, pe)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].SubmittedAt.Before(out[j].SubmittedAt)
	})
	return out
}

func (c *Controller) viewLocked() model.View {
	pending := make([]string, 0, len(c.owner))
	for field := range c.owner {
		pending = append(pending, field)
	}
	sort.Strings(pending)
	return model.View{
		EntityID: c.entityID,
		Fields:   model.CopyFields(c.fields),
		Pending:  pending,
		Message:  c.message,
	}
}

// unlockAndNotify queues the current view and releases c.mu. Whichever
// goroutine finds delivery idle delivers every queued view in order, so
// listeners never see an older view after a newer one.
func (c *Controller) unlockAndNotify() {
	c.queue = append(c.queue, c.viewLocked())
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.queue) > 0 {
		view := c.queue[0]
		c.queue = c.queue[1:]
		listeners := append([]func(model.View){}, c.listeners...)
		c.mu.Unlock()
		for _, fn := range listeners {
			fn(view)
		}
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool, float64, float32, int, int64, int32:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}
