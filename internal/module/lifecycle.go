// SPDX-License-Identifier: MPL-2.0

package module

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrInvalidTransition is wrapped by TransitionError.
var ErrInvalidTransition = errors.New("invalid lifecycle transition")

// transitions lists every legal edge of the lifecycle state machine.
var transitions = map[Status][]Status{
	StatusNotLoaded: {StatusLoading},
	StatusLoading:   {StatusLoaded, StatusFailed},
	StatusLoaded:    {StatusEnabling, StatusUnloading},
	StatusEnabling:  {StatusEnabled, StatusUnloading},
	StatusEnabled:   {StatusDisabling},
	StatusDisabling: {StatusDisabled},
	StatusDisabled:  {StatusUnloading},
	StatusUnloading: {StatusNotLoaded},
}

type (
	// TransitionError reports an attempt to move between two states that are
	// not connected in the lifecycle.
	TransitionError struct {
		Module string
		From   Status
		To     Status
	}

	// Lifecycle tracks the status of one module. Reads are lock-free;
	// transitions are serialized.
	Lifecycle struct {
		status atomic.Int32

		mu      sync.Mutex
		lastErr error
	}
)

func (e *TransitionError) Error() string {
	return fmt.Sprintf("module %q: cannot move from %s to %s", e.Module, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Status returns the current status.
func (l *Lifecycle) Status() Status {
	return Status(l.status.Load())
}

// TransitionTo moves to the given status if the edge from the current status
// is legal. name is only used in the returned error.
func (l *Lifecycle) TransitionTo(name string, to Status) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	from := Status(l.status.Load())
	if !CanTransition(from, to) {
		return &TransitionError{Module: name, From: from, To: to}
	}
	l.status.Store(int32(to))
	return nil
}

// Fail records err and moves to StatusFailed. Only legal from StatusLoading.
func (l *Lifecycle) Fail(name string, err error) error {
	if tErr := l.TransitionTo(name, StatusFailed); tErr != nil {
		return tErr
	}
	l.mu.Lock()
	l.lastErr = err
	l.mu.Unlock()
	return nil
}

// LastError returns the error recorded by Fail, or nil.
func (l *Lifecycle) LastError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}
