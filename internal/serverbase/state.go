// SPDX-License-Identifier: MPL-2.0

package serverbase

import (
	"errors"
	"fmt"
)

const (
	// StateCreated indicates the server was created but Start was not called.
	StateCreated State = iota
	// StateStarting indicates Start is binding the listener.
	StateStarting
	// StateRunning indicates the server is accepting connections.
	StateRunning
	// StateStopping indicates Stop is draining connections.
	StateStopping
	// StateStopped is terminal: the server has stopped.
	StateStopped
	// StateFailed is terminal: the server failed to start or serve.
	StateFailed
)

// ErrInvalidState is returned when an operation is not allowed in the current state.
var ErrInvalidState = errors.New("invalid server state")

type (
	// State is the lifecycle state of a server.
	State int32

	// InvalidStateError reports an operation attempted in the wrong state.
	// It wraps ErrInvalidState for errors.Is() compatibility.
	InvalidStateError struct {
		Server string
		Op     string
		Value  State
	}
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s %s in state %s", e.Op, e.Server, e.Value)
}

// Unwrap returns ErrInvalidState for errors.Is() compatibility.
func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }
