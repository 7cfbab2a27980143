// SPDX-License-Identifier: MPL-2.0

package modconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
)

var (
	// ErrAlreadyRegistered is returned when a config type or file name is registered twice.
	ErrAlreadyRegistered = errors.New("config already registered")
	// ErrNotRegistered is returned for config types that were never registered.
	ErrNotRegistered = errors.New("config not registered")
)

type (
	// Defaulter is implemented by config types that fill in defaults before
	// being written for the first time.
	Defaulter interface {
		SetDefaults()
	}

	// Store manages the config files of one module inside its data directory.
	// Each Go type maps to one file.
	Store struct {
		module    string
		dir       string
		resources fs.FS

		mu         sync.Mutex
		registered map[reflect.Type]*entry
		loaded     map[reflect.Type]any
	}

	entry struct {
		name       string
		serializer Serializer
	}
)

// NewStore creates the store for module, writing under dir. resources is the
// bundle filesystem holding default config files; it may be nil.
func NewStore(module, dir string, resources fs.FS) *Store {
	return &Store{
		module:     module,
		dir:        dir,
		resources:  resources,
		registered: make(map[reflect.Type]*entry),
		loaded:     make(map[reflect.Type]any),
	}
}

// Dir returns the module's data directory.
func (s *Store) Dir() string { return s.dir }

// Register binds config type T to the file name. A nil serializer is chosen
// from the file extension.
func Register[T any](s *Store, name string, serializer Serializer) error {
	if serializer == nil {
		var err error
		if serializer, err = ForFile(name); err != nil {
			return err
		}
	}
	typ := reflect.TypeFor[T]()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.registered[typ]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, typ)
	}
	for _, e := range s.registered {
		if e.name == name {
			return fmt.Errorf("%w: file %s", ErrAlreadyRegistered, name)
		}
	}
	s.registered[typ] = &entry{name: name, serializer: serializer}
	return nil
}

// GetOrLoad returns the cached config of type T, reading it on first use.
// A missing file is created from the bundle's default copy, or from the
// zero value of T (after SetDefaults when T implements Defaulter).
func GetOrLoad[T any](s *Store) (*T, error) {
	typ := reflect.TypeFor[T]()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.registered[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, typ)
	}
	if v, ok := s.loaded[typ]; ok {
		return v.(*T), nil
	}

	path := s.path(e.name)
	if err := s.ensureFile(e, path, func() any {
		v := new(T)
		if d, ok := any(v).(Defaulter); ok {
			d.SetDefaults()
		}
		return v
	}); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	v := new(T)
	if err := e.serializer.Unmarshal(data, v); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	s.loaded[typ] = v
	return v, nil
}

// Save writes v, which must be a pointer to a registered config type.
func (s *Store) Save(v any) error {
	typ := reflect.TypeOf(v)
	if typ == nil || typ.Kind() != reflect.Pointer {
		return fmt.Errorf("save config: expected a pointer, got %T", v)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.registered[typ.Elem()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, typ.Elem())
	}
	data, err := e.serializer.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode config %s: %w", e.name, err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	path := s.path(e.name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	s.loaded[typ.Elem()] = v
	return nil
}

// CopyDefaults copies every registered file that exists in the bundle and
// not yet in the data directory.
func (s *Store) CopyDefaults() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, e := range s.registered {
		if _, err := s.copyDefault(e, s.path(e.name)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Files returns the registered file names, sorted.
func (s *Store) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.registered))
	for _, e := range s.registered {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, filepath.FromSlash(name))
}

func (s *Store) ensureFile(e *entry, path string, zero func() any) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	copied, err := s.copyDefault(e, path)
	if err != nil || copied {
		return err
	}
	data, err := e.serializer.Marshal(zero())
	if err != nil {
		return fmt.Errorf("encode default config %s: %w", e.name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write default config %s: %w", path, err)
	}
	return nil
}

func (s *Store) copyDefault(e *entry, path string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create config directory for %s: %w", s.module, err)
	}
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if s.resources == nil {
		return false, nil
	}
	data, err := fs.ReadFile(s.resources, e.name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read bundled config %s: %w", e.name, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("copy bundled config %s: %w", e.name, err)
	}
	return true, nil
}
