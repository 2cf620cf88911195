package agent

import (
	"context"
	"errors"
	"fmt"
)

// FatalError marks a failure the agent can never recover from on its own,
// such as a missing executable or rejected credentials. The processor stops
// the session (or skips the agent during fallback) and never retries.
type FatalError struct {
	Agent string
	Err   error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Agent, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// NewFatal wraps err as a FatalError.
func NewFatal(agentName string, err error) *FatalError {
	return &FatalError{Agent: agentName, Err: err}
}

// SessionTerminatedError marks a lost resumable provider context. The
// processor responds by invoking the fallback chain.
type SessionTerminatedError struct {
	Agent string
	Err   error
}

func (e *SessionTerminatedError) Error() string {
	return fmt.Sprintf("%s: session terminated: %v", e.Agent, e.Err)
}

func (e *SessionTerminatedError) Unwrap() error { return e.Err }

// NewSessionTerminated wraps err as a SessionTerminatedError.
func NewSessionTerminated(agentName string, err error) *SessionTerminatedError {
	return &SessionTerminatedError{Agent: agentName, Err: err}
}

// TransientError marks a network or process hiccup worth retrying.
type TransientError struct {
	Agent string
	Err   error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Agent, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransient wraps err as a TransientError.
func NewTransient(agentName string, err error) *TransientError {
	return &TransientError{Agent: agentName, Err: err}
}

// IsFatal reports whether err carries a FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// IsSessionTerminated reports whether err carries a SessionTerminatedError.
func IsSessionTerminated(err error) bool {
	var te *SessionTerminatedError
	return errors.As(err, &te)
}

// IsCancelled reports whether err stems from cooperative cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsTransient reports whether err should be treated as retryable. Anything
// not classified fatal, session-terminated, or cancelled defaults to
// transient, the safe direction for an at-least-once queue.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsFatal(err) && !IsSessionTerminated(err) && !IsCancelled(err)
}
