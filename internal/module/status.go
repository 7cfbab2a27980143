// SPDX-License-Identifier: MPL-2.0

package module

import (
	"errors"
	"fmt"
)

const (
	// StatusNotLoaded is the initial state and the state after a full unload.
	StatusNotLoaded Status = iota
	// StatusLoading indicates OnLoad is running.
	StatusLoading
	// StatusLoaded indicates OnLoad succeeded and the module is registered.
	StatusLoaded
	// StatusEnabling indicates dependencies are enabled and OnEnable is running.
	StatusEnabling
	// StatusEnabled indicates the module is active.
	StatusEnabled
	// StatusDisabling indicates OnDisable is running and tasks are being cancelled.
	StatusDisabling
	// StatusDisabled indicates the module stopped but is still registered.
	StatusDisabled
	// StatusUnloading indicates OnUnload is running.
	StatusUnloading
	// StatusFailed is terminal: OnLoad failed and the module was discarded.
	StatusFailed
)

// ErrInvalidStatus is returned when a Status value is not one of the defined lifecycle states.
var ErrInvalidStatus = errors.New("invalid status")

type (
	// Status is the lifecycle state of a module.
	Status int32

	// InvalidStatusError is returned when a Status value is not recognized.
	// It wraps ErrInvalidStatus for errors.Is() compatibility.
	InvalidStatusError struct {
		Value Status
	}
)

// String returns the upper-case state name used in logs and listings.
func (s Status) String() string {
	switch s {
	case StatusNotLoaded:
		return "NOT_LOADED"
	case StatusLoading:
		return "LOADING"
	case StatusLoaded:
		return "LOADED"
	case StatusEnabling:
		return "ENABLING"
	case StatusEnabled:
		return "ENABLED"
	case StatusDisabling:
		return "DISABLING"
	case StatusDisabled:
		return "DISABLED"
	case StatusUnloading:
		return "UNLOADING"
	case StatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Error implements the error interface for InvalidStatusError.
func (e *InvalidStatusError) Error() string {
	return fmt.Sprintf("invalid status %d (valid: 0..%d)", e.Value, StatusFailed)
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidStatusError) Unwrap() error {
	return ErrInvalidStatus
}

// Validate returns nil if the Status is one of the defined lifecycle states.
func (s Status) Validate() error {
	if s < StatusNotLoaded || s > StatusFailed {
		return &InvalidStatusError{Value: s}
	}
	return nil
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusFailed
}

// IsRegistered reports whether a module in this state is part of the registry.
func (s Status) IsRegistered() bool {
	switch s {
	case StatusLoaded, StatusEnabling, StatusEnabled, StatusDisabling, StatusDisabled, StatusUnloading:
		return true
	default:
		return false
	}
}
