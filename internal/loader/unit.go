// SPDX-License-Identifier: MPL-2.0

package loader

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"sync/atomic"
)

// ScriptExt is the extension of Lua sources inside a bundle.
const ScriptExt = ".lua"

// ErrUnitClosed is returned by operations on a closed Unit.
var ErrUnitClosed = errors.New("loading unit is closed")

type (
	// Script is a Lua chunk shipped inside a bundle.
	Script struct {
		Name   string
		Path   string
		Source []byte
	}

	// Unit is the isolated loading unit of one bundle.
	Unit struct {
		name     string
		fsys     fs.FS
		closer   io.Closer
		libs     []*Library
		linker   *Linker
		siblings *SiblingSet

		closed    atomic.Bool
		closeOnce sync.Once
		closeErr  error
	}

	// UnitOption configures a Unit.
	UnitOption func(*Unit)
)

// WithFS sets the bundle filesystem used for scripts and resources.
func WithFS(fsys fs.FS) UnitOption {
	return func(u *Unit) { u.fsys = fsys }
}

// WithCloser sets the resource released by Close, typically the archive reader.
func WithCloser(c io.Closer) UnitOption {
	return func(u *Unit) { u.closer = c }
}

// NewUnit creates the unit for the bundle named name. Its own code is every
// library linked to that name plus the scripts found in the bundle FS.
// The unit is not visible to siblings until Attach is called.
func NewUnit(name string, linker *Linker, siblings *SiblingSet, opts ...UnitOption) *Unit {
	u := &Unit{
		name:     name,
		linker:   linker,
		siblings: siblings,
		libs:     linker.Libraries(name),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Name returns the bundle name.
func (u *Unit) Name() string { return u.name }

// FS returns the bundle filesystem, or nil for units without one.
func (u *Unit) FS() fs.FS { return u.fsys }

// HasCode reports whether the unit carries any linked library or script.
func (u *Unit) HasCode() bool {
	if len(u.libs) > 0 {
		return true
	}
	if u.fsys == nil {
		return false
	}
	matches, err := fs.Glob(u.fsys, "*"+ScriptExt)
	return err == nil && len(matches) > 0
}

// Attach makes the unit visible to its siblings.
func (u *Unit) Attach() error {
	if u.closed.Load() {
		return ErrUnitClosed
	}
	return u.siblings.Add(u)
}

// Resolve looks name up in the unit's own code, then in every sibling's own
// code, then in the host libraries.
func (u *Unit) Resolve(name string) (Symbol, error) {
	if u.closed.Load() {
		return Symbol{}, ErrUnitClosed
	}
	if sym, ok := u.ResolveOwn(name); ok {
		return sym, nil
	}
	if sym, ok := u.siblings.resolve(u, name); ok {
		return sym, nil
	}
	sym, err := u.linker.ResolveHost(name)
	if err != nil {
		if errors.Is(err, ErrSymbolNotFound) {
			return Symbol{}, &NotFoundError{Name: name, Unit: u.name}
		}
		return Symbol{}, err
	}
	return sym, nil
}

// ResolveOwn looks name up in code defined by this bundle only. Host
// libraries are never consulted.
func (u *Unit) ResolveOwn(name string) (Symbol, bool) {
	if u.closed.Load() {
		return Symbol{}, false
	}

	if p, sym, err := SplitName(name); err == nil {
		for _, lib := range u.libs {
			if lib.Path != p {
				continue
			}
			if v, ok := lib.lookup(sym); ok {
				return Symbol{Name: name, Value: v, Origin: u.name}, true
			}
		}
	}

	if script, ok := u.script(name); ok {
		return Symbol{Name: name, Value: script, Origin: u.name}, true
	}
	return Symbol{}, false
}

func (u *Unit) script(name string) (*Script, bool) {
	if u.fsys == nil || name == "" {
		return nil, false
	}
	p := strings.ReplaceAll(strings.TrimSuffix(name, ScriptExt), ".", "/") + ScriptExt
	if !fs.ValidPath(p) {
		return nil, false
	}
	src, err := fs.ReadFile(u.fsys, p)
	if err != nil {
		return nil, false
	}
	return &Script{Name: name, Path: path.Clean(p), Source: src}, true
}

// ReadResource returns a file from the bundle.
func (u *Unit) ReadResource(name string) ([]byte, error) {
	if u.closed.Load() {
		return nil, ErrUnitClosed
	}
	if u.fsys == nil {
		return nil, fmt.Errorf("resource %q: %w", name, fs.ErrNotExist)
	}
	return fs.ReadFile(u.fsys, name)
}

// Close detaches the unit from its siblings and releases the bundle.
// It is safe to call more than once.
func (u *Unit) Close() error {
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		u.siblings.Remove(u)
		if u.closer != nil {
			u.closeErr = u.closer.Close()
		}
	})
	return u.closeErr
}

// Closed reports whether Close was called.
func (u *Unit) Closed() bool { return u.closed.Load() }
