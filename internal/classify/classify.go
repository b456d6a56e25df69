package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Package classify maps transport and API failures into a fixed taxonomy
// with a retryability flag. Classification is total: any input, including
// nil and unrecognized error types, yields a category. Unclassifiable
// failures map to CategoryUnknown and are treated conservatively as
// non-retryable.

// Category is a failure taxonomy tag.
type Category string

const (
	// CategoryConnection covers transport-level failures reaching a remote
	// endpoint: dial errors, resets, timeouts. Retryable.
	CategoryConnection Category = "connection"

	// CategoryHandshake covers endpoints that were reachable but failed to
	// initialize a session. Retryable.
	CategoryHandshake Category = "handshake"

	// CategoryAuth covers explicit authorization denials. Never retried.
	CategoryAuth Category = "auth"

	// CategoryTransient covers explicit throttling or temporary upstream
	// unavailability signaled by the remote side. Retryable.
	CategoryTransient Category = "transient"

	// CategoryUnknown is the conservative fallback. Not retryable.
	CategoryUnknown Category = "unknown"
)

// Retryable reports whether failures in the category are worth retrying.
func (c Category) Retryable() bool {
	switch c {
	case CategoryConnection, CategoryHandshake, CategoryTransient:
		return true
	default:
		return false
	}
}

// AgentError is a classified failure. It is the only error shape that
// crosses from the tool loop into the orchestrator.
type AgentError struct {
	Category Category
	Message  string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

// NewAgentError builds a classified error with a preset category.
func NewAgentError(category Category, format string, args ...any) *AgentError {
	return &AgentError{Category: category, Message: fmt.Sprintf(format, args...)}
}

// HandshakeError marks a session that connected but failed to initialize.
// Providers wrap their init failures in this type so classification can
// distinguish it from plain connection loss.
type HandshakeError struct {
	Err error
}

func (e *HandshakeError) Error() string { return "handshake failed: " + e.Err.Error() }
func (e *HandshakeError) Unwrap() error { return e.Err }

// StatusError carries a non-success HTTP status from a remote API.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("API %d: %s", e.Status, e.Body)
}

// Classify maps err into the taxonomy. It never panics and never returns
// nil for a non-nil error; a nil error classifies as unknown.
func Classify(err error) *AgentError {
	if err == nil {
		return &AgentError{Category: CategoryUnknown, Message: "no error"}
	}

	var agentErr *AgentError
	if errors.As(err, &agentErr) {
		return agentErr
	}

	var handshakeErr *HandshakeError
	if errors.As(err, &handshakeErr) {
		return &AgentError{Category: CategoryHandshake, Message: err.Error()}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case 401, 403:
			return &AgentError{Category: CategoryAuth, Message: err.Error()}
		case 429, 502, 503, 504:
			return &AgentError{Category: CategoryTransient, Message: err.Error()}
		default:
			return &AgentError{Category: CategoryUnknown, Message: err.Error()}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return &AgentError{Category: CategoryConnection, Message: "timeout: " + err.Error()}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &AgentError{Category: CategoryConnection, Message: err.Error()}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &AgentError{Category: CategoryConnection, Message: err.Error()}
	}

	return &AgentError{Category: CategoryUnknown, Message: err.Error()}
}
