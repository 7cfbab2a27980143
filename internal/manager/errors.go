// SPDX-License-Identifier: MPL-2.0

package manager

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	// ErrModuleNotFound is returned for names that are not registered.
	ErrModuleNotFound = errors.New("module not found")
	// ErrDuplicateModule is wrapped by LoadError when a second bundle
	// declares a name that is already in use.
	ErrDuplicateModule = errors.New("module name already in use")
	// ErrInvalidEntryPoint is wrapped by LoadError when the entry point does
	// not name a module constructor.
	ErrInvalidEntryPoint = errors.New("entry point is not a module constructor")
	// ErrDependencyMissing is wrapped by DependencyError for hard
	// dependencies that are not loaded.
	ErrDependencyMissing = errors.New("hard dependency is not loaded")
	// ErrDependencyNotEnabled is wrapped by DependencyError for hard
	// dependencies that could not be enabled.
	ErrDependencyNotEnabled = errors.New("hard dependency could not be enabled")
)

type (
	// LoadError reports a module that could not be prepared or loaded. The
	// module is never registered.
	LoadError struct {
		Module string
		Source string
		Err    error
	}

	// DependencyError reports a hard dependency that blocked enabling. The
	// dependent keeps the status it had before the attempt.
	DependencyError struct {
		Module     string
		Dependency string
		Err        error
	}

	// DependencyCycleError reports a dependency walk that came back to a
	// module already being enabled. Cycle starts and ends with that module.
	DependencyCycleError struct {
		Cycle []string
	}

	// EnableError reports a failed OnEnable. The module has been unloaded.
	EnableError struct {
		Module string
		Err    error
	}

	// LifecycleHookError reports a failed OnDisable or OnUnload. Teardown
	// carries on regardless.
	LifecycleHookError struct {
		Module string
		Hook   string
		Err    error
	}
)

func (e *LoadError) Error() string {
	name := e.Module
	if name == "" {
		name = e.Source
	}
	return fmt.Sprintf("load module %q: %v", name, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func (e *DependencyError) Error() string {
	return fmt.Sprintf("enable module %q: dependency %q: %v", e.Module, e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func (e *DependencyCycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Cycle, " -> ")
}

// Contains reports whether name is one of the modules in the cycle.
func (e *DependencyCycleError) Contains(name string) bool {
	return slices.ContainsFunc(e.Cycle, func(c string) bool { return strings.EqualFold(c, name) })
}

func (e *EnableError) Error() string {
	return fmt.Sprintf("enable module %q: %v", e.Module, e.Err)
}

func (e *EnableError) Unwrap() error { return e.Err }

func (e *LifecycleHookError) Error() string {
	return fmt.Sprintf("module %q: %s: %v", e.Module, e.Hook, e.Err)
}

func (e *LifecycleHookError) Unwrap() error { return e.Err }
