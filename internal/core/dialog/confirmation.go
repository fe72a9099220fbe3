// Package dialog holds UI-independent state machines for confirmation and
// selection dialogs.
package dialog

import (
	"errors"
	"fmt"
	"sync"
)

type State int

const (
	Idle State = iota
	ConfirmPending
	Confirmed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ConfirmPending:
		return "confirm_pending"
	case Confirmed:
		return "confirmed"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrNotConfirmed = errors.New("destructive action not confirmed")

// TransitionError is returned for a move the machine does not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid confirmation transition %s -> %s", e.From, e.To)
}

// Confirmation gates a destructive action: Idle -> ConfirmPending ->
// {Confirmed, Cancelled}. Reset returns to Idle from any state.
type Confirmation struct {
	mu     sync.Mutex
	state  State
	Prompt string
}

func NewConfirmation(prompt string) *Confirmation {
	return &Confirmation{Prompt: prompt}
}

func (c *Confirmation) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Request asks for confirmation.
func (c *Confirmation) Request() error {
	return c.move(Idle, ConfirmPending)
}

func (c *Confirmation) Confirm() error {
	return c.move(ConfirmPending, Confirmed)
}

func (c *Confirmation) Cancel() error {
	return c.move(ConfirmPending, Cancelled)
}

func (c *Confirmation) Reset() {
	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
}

// Consume succeeds once per confirmation: it returns ErrNotConfirmed unless
// the state is Confirmed, and resets the machine either way.
func (c *Confirmation) Consume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	confirmed := c.state == Confirmed
	c.state = Idle
	if !confirmed {
		return ErrNotConfirmed
	}
	return nil
}

func (c *Confirmation) move(from, to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != from {
		return &TransitionError{From: c.state, To: to}
	}
	c.state = to
	return nil
}
