// SPDX-License-Identifier: MPL-2.0

package loader

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// HostOrigin is the Symbol origin reported for host libraries.
const HostOrigin = "host"

var (
	// ErrSymbolNotFound is wrapped by NotFoundError.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrInvalidSymbolName is returned for names that are not "path.Name".
	ErrInvalidSymbolName = errors.New("invalid symbol name")
)

type (
	// Library is a compiled-in package of exported symbols. Path is the
	// qualifier used in symbol names: symbol "beta.Main" is Symbols["Main"]
	// of the library with Path "beta".
	Library struct {
		Path    string
		Symbols map[string]any
	}

	// Symbol is a resolved code unit.
	Symbol struct {
		// Name is the qualified name that was requested.
		Name string
		// Value is the linked value, or a *Script for bundle scripts.
		Value any
		// Origin is the name of the unit that defines the symbol, or HostOrigin.
		Origin string
	}

	// NotFoundError reports a failed lookup.
	NotFoundError struct {
		Name string
		Unit string
	}

	// Linker is the registry of compiled-in libraries. Libraries linked
	// without a bundle are host libraries visible to every unit as the last
	// resort; bundle libraries are only visible through their unit.
	Linker struct {
		mu      sync.RWMutex
		host    map[string]*Library
		bundles map[string][]*Library
	}
)

func (e *NotFoundError) Error() string {
	if e.Unit == "" {
		return fmt.Sprintf("symbol %q not found", e.Name)
	}
	return fmt.Sprintf("symbol %q not found from unit %q", e.Name, e.Unit)
}

func (e *NotFoundError) Unwrap() error { return ErrSymbolNotFound }

// NewLibrary is a shorthand for building a Library literal.
func NewLibrary(path string, symbols map[string]any) *Library {
	return &Library{Path: path, Symbols: symbols}
}

// NewLinker creates an empty Linker.
func NewLinker() *Linker {
	return &Linker{
		host:    make(map[string]*Library),
		bundles: make(map[string][]*Library),
	}
}

// LinkHost registers host-shared libraries. A later library with the same
// path replaces the earlier one.
func (l *Linker) LinkHost(libs ...*Library) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, lib := range libs {
		l.host[lib.Path] = lib
	}
}

// Link registers libraries owned by the bundle whose manifest name is bundle.
func (l *Linker) Link(bundle string, libs ...*Library) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := bundleKey(bundle)
	l.bundles[key] = append(l.bundles[key], libs...)
}

// Libraries returns the libraries linked to bundle.
func (l *Linker) Libraries(bundle string) []*Library {
	l.mu.RLock()
	defer l.mu.RUnlock()
	libs := l.bundles[bundleKey(bundle)]
	out := make([]*Library, len(libs))
	copy(out, libs)
	return out
}

// Bundles returns the names of every bundle with linked libraries.
func (l *Linker) Bundles() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.bundles))
	for name := range l.bundles {
		names = append(names, name)
	}
	return names
}

// ResolveHost looks name up in the host libraries only.
func (l *Linker) ResolveHost(name string) (Symbol, error) {
	path, sym, err := SplitName(name)
	if err != nil {
		return Symbol{}, err
	}

	l.mu.RLock()
	lib := l.host[path]
	l.mu.RUnlock()

	if v, ok := lib.lookup(sym); ok {
		return Symbol{Name: name, Value: v, Origin: HostOrigin}, nil
	}
	return Symbol{}, &NotFoundError{Name: name}
}

func (lib *Library) lookup(sym string) (any, bool) {
	if lib == nil {
		return nil, false
	}
	v, ok := lib.Symbols[sym]
	return v, ok
}

// SplitName splits "path.Name" at the last dot.
func SplitName(name string) (path, sym string, err error) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 || i == len(name)-1 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidSymbolName, name)
	}
	return name[:i], name[i+1:], nil
}

func bundleKey(name string) string {
	return strings.ToLower(name)
}
