package reconcile

import (
	"errors"
	"fmt"
)

// ErrStaleResult marks a result for a superseded or already resolved token.
// It never changes visible state.
var ErrStaleResult = errors.New("stale mutation result")

// ValidationError rejects an edit before anything is applied or sent.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid edit: %s", e.Reason)
	}
	return fmt.Sprintf("invalid edit of %q: %s", e.Field, e.Reason)
}

// MutationFailure reports a rejected mutation after its optimistic change was
// rolled back.
type MutationFailure struct {
	Token   string
	Message string // user visible
	Source  string // raw transport error
}

func (e *MutationFailure) Error() string {
	return fmt.Sprintf("mutation %s failed: %s", e.Token, e.Message)
}

// ParseFailure reports a push payload that could not be decoded. The event is
// dropped.
type ParseFailure struct {
	Raw string
	Err error
}

func (e *ParseFailure) Error() string {
	return fmt.Sprintf("unparseable push payload: %v", e.Err)
}

func (e *ParseFailure) Unwrap() error {
	return e.Err
}
